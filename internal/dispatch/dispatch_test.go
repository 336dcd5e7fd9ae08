package dispatch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/jlrdstc/dstc/internal/mcast"
	"github.com/jlrdstc/dstc/internal/symtab"
	"github.com/jlrdstc/dstc/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPacket(frames ...[]byte) *mcast.Packet {
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f...)
	}
	return &mcast.Packet{Payload: buf}
}

func callFrame(sender uint64, name string, arg []byte) []byte {
	payload := wire.EncodeCall(name, arg)
	return wire.Encode(wire.Header{NodeID: sender, PayloadLen: uint32(len(payload)), NameLen: uint16(len(name))}, payload)
}

func callbackFrame(sender, token uint64, arg []byte) []byte {
	payload := wire.EncodeCallback(token, arg)
	return wire.Encode(wire.Header{NodeID: sender, PayloadLen: uint32(len(payload)), NameLen: 0}, payload)
}

type stubSub struct {
	queue       []*mcast.Packet
	dispatched  []*mcast.Packet
}

func (s *stubSub) enqueue(p *mcast.Packet) { s.queue = append(s.queue, p) }

func (s *stubSub) GetNextDispatchReady() (*mcast.Packet, bool) {
	if len(s.queue) == 0 {
		return nil, false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true
}
func (s *stubSub) PacketDispatched(p *mcast.Packet) { s.dispatched = append(s.dispatched, p) }

func (s *stubSub) Init(mcast.NodeID, string, string, int, mcast.PollFunc, mcast.PollFunc, mcast.PollRemoveFunc) error {
	return nil
}
func (s *stubSub) Activate() error                                    { return nil }
func (s *stubSub) Read(mcast.ConnIndex) (mcast.OpResult, error)        { return mcast.OpNone, nil }
func (s *stubSub) Write(mcast.ConnIndex) (mcast.OpResult, error)       { return mcast.OpNone, nil }
func (s *stubSub) CloseConnection(mcast.ConnIndex) error               { return nil }
func (s *stubSub) SetPacketReadyCallback(func())                       {}
func (s *stubSub) SetSubscriptionCompleteCallback(func(mcast.NodeID))  {}
func (s *stubSub) WriteControlMessageByNodeID(mcast.NodeID, []byte) error {
	return nil
}
func (s *stubSub) TimeoutGetNext() (int64, bool) { return 0, false }
func (s *stubSub) TimeoutProcess()               {}
func (s *stubSub) NodeID() mcast.NodeID          { return 0 }
func (s *stubSub) SocketCount() int              { return 0 }

var _ mcast.SubContext = (*stubSub)(nil)

func TestDrainOneDispatchesByName(t *testing.T) {
	local := symtab.NewLocalTable(0)
	var gotSender uint64
	var gotArg []byte
	local.Register("print_name_and_age", func(sender uint64, arg []byte) {
		gotSender, gotArg = sender, arg
	})

	sub := &stubSub{}
	sub.enqueue(newPacket(callFrame(7, "print_name_and_age", []byte("hello"))))

	p := New(sub, local, symtab.NewCallbackTable(0), discardLogger())
	if !p.DrainOne() {
		t.Fatal("DrainOne() = false, want true")
	}
	if gotSender != 7 || string(gotArg) != "hello" {
		t.Errorf("handler got (%d, %q), want (7, \"hello\")", gotSender, gotArg)
	}
	if len(sub.dispatched) != 1 {
		t.Errorf("PacketDispatched called %d times, want 1", len(sub.dispatched))
	}
}

func TestDrainOneDispatchesCallbackOnceThenMisses(t *testing.T) {
	callbacks := symtab.NewCallbackTable(0)
	calls := 0
	token, err := callbacks.Register(func(uint64, []byte) { calls++ })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	sub := &stubSub{}
	sub.enqueue(newPacket(callbackFrame(3, token, []byte("result"))))
	sub.enqueue(newPacket(callbackFrame(3, token, []byte("result"))))

	p := New(sub, symtab.NewLocalTable(0), callbacks, discardLogger())
	p.DrainOne()
	p.DrainOne()

	if calls != 1 {
		t.Errorf("callback invoked %d times, want 1 (one-shot)", calls)
	}
}

func TestDrainPacketWithMultipleFramesInOrder(t *testing.T) {
	local := symtab.NewLocalTable(0)
	var order []string
	local.Register("first", func(uint64, []byte) { order = append(order, "first") })
	local.Register("second", func(uint64, []byte) { order = append(order, "second") })

	sub := &stubSub{}
	sub.enqueue(newPacket(
		callFrame(1, "first", nil),
		callFrame(1, "second", nil),
	))

	p := New(sub, local, symtab.NewCallbackTable(0), discardLogger())
	p.DrainOne()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("dispatch order = %v, want [first second]", order)
	}
}

func TestDrainSkipsUnknownNameButContinuesPacket(t *testing.T) {
	local := symtab.NewLocalTable(0)
	var called bool
	local.Register("known", func(uint64, []byte) { called = true })

	sub := &stubSub{}
	sub.enqueue(newPacket(
		callFrame(1, "unknown_function", nil),
		callFrame(1, "known", nil),
	))

	p := New(sub, local, symtab.NewCallbackTable(0), discardLogger())
	p.DrainOne()

	if !called {
		t.Error("known function after an unknown one was never dispatched")
	}
}

func TestDrainSkipsFrameWithNameLenExceedingPayloadLen(t *testing.T) {
	local := symtab.NewLocalTable(0)
	var called bool
	local.Register("known", func(uint64, []byte) { called = true })

	malformed := wire.Encode(wire.Header{NodeID: 1, PayloadLen: 3, NameLen: 10}, []byte("abc"))

	sub := &stubSub{}
	sub.enqueue(newPacket(malformed, callFrame(1, "known", nil)))

	p := New(sub, local, symtab.NewCallbackTable(0), discardLogger())
	p.DrainOne() // must not panic slicing frame.Payload[:NameLen]

	if !called {
		t.Error("known function after a name_len-overrun frame was never dispatched")
	}
}

func TestDrainAllReportsCount(t *testing.T) {
	local := symtab.NewLocalTable(0)
	local.Register("noop", func(uint64, []byte) {})

	sub := &stubSub{}
	sub.enqueue(newPacket(callFrame(1, "noop", nil)))
	sub.enqueue(newPacket(callFrame(2, "noop", nil)))
	sub.enqueue(newPacket(callFrame(3, "noop", nil)))

	p := New(sub, local, symtab.NewCallbackTable(0), discardLogger())
	if n := p.DrainAll(); n != 3 {
		t.Errorf("DrainAll() = %d, want 3", n)
	}
}
