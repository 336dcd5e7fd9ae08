package dstc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jlrdstc/dstc/internal/mcast"
	"github.com/jlrdstc/dstc/internal/reactor"
	"github.com/jlrdstc/dstc/internal/wire"
)

// newPair builds two Runtimes (A, B) sharing one in-memory bus and a real
// reactor each, wired via WithPubContext/WithSubContext. The in-memory
// transport delivers QueuePacket synchronously (internal/mcast.Bus), so
// dispatch completes before QueueFunctionCall/QueueCallback returns — no
// event-loop pumping is required to observe delivery, unlike a real
// socket-backed transport.
func newPair(t *testing.T) (a, b *Runtime) {
	t.Helper()
	bus := mcast.NewBus()

	aPub := mcast.NewMemoryPub(bus, 1)
	bPub := mcast.NewMemoryPub(bus, 2)

	a = New(WithNodeID(1), WithPubContext(aPub), WithSubContext(mcast.NewMemorySub(bus, 1, aPub)))
	b = New(WithNodeID(2), WithPubContext(bPub), WithSubContext(mcast.NewMemorySub(bus, 2, bPub)))

	for _, r := range []*Runtime{a, b} {
		rx, err := reactor.New()
		if err != nil {
			t.Fatalf("reactor.New: %v", err)
		}
		if err := r.SetupWithReactor(rx); err != nil {
			t.Fatalf("SetupWithReactor: %v", err)
		}
		t.Cleanup(func() { _ = r.Close() })
	}
	return a, b
}

func TestNameDispatch(t *testing.T) {
	a, b := newPair(t)

	var mu sync.Mutex
	var gotSender NodeID
	var gotArg []byte
	calls := 0
	if err := a.RegisterLocalFunction("print", func(sender uint64, arg []byte) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotSender = NodeID(sender)
		gotArg = append([]byte(nil), arg...)
	}); err != nil {
		t.Fatalf("RegisterLocalFunction: %v", err)
	}

	if err := b.QueueFunctionCall("print", []byte{0x2a}); err != nil {
		t.Fatalf("QueueFunctionCall: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
	if gotSender != b.GetNodeID() {
		t.Errorf("sender = %d, want %d", gotSender, b.GetNodeID())
	}
	if len(gotArg) != 1 || gotArg[0] != 0x2a {
		t.Errorf("arg = %v, want [0x2a]", gotArg)
	}
}

func TestCallbackFiresOnceThenLogsOnRepeat(t *testing.T) {
	a, b := newPair(t)

	calls := 0
	var gotArg []byte
	token, err := a.RegisterCallback(func(_ uint64, arg []byte) {
		calls++
		gotArg = append([]byte(nil), arg...)
	})
	if err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	arg := []byte{0x01, 0x02}
	if err := b.QueueCallback(token, arg); err != nil {
		t.Fatalf("QueueCallback: %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback invoked %d times after first queue, want 1", calls)
	}
	if len(gotArg) != 2 || gotArg[0] != 0x01 || gotArg[1] != 0x02 {
		t.Errorf("arg = %v, want [0x01 0x02]", gotArg)
	}

	// Second identical queue: the token was already consumed, so the
	// handler must not fire again.
	if err := b.QueueCallback(token, arg); err != nil {
		t.Fatalf("QueueCallback (repeat): %v", err)
	}
	if calls != 1 {
		t.Errorf("callback invoked %d times after repeat queue, want 1 (one-shot)", calls)
	}
}

// packFrames concatenates wire-encoded call frames into one buffer, which
// the caller hands to pub.QueuePacket directly, modelling the outbound queue
// coalescing several queued calls into a single transport packet before
// the next event-loop turn.
func packFrames(sender NodeID, calls ...struct {
	name string
	arg  []byte
}) []byte {
	var buf []byte
	for _, c := range calls {
		payload := wire.EncodeCall(c.name, c.arg)
		buf = append(buf, wire.Encode(wire.Header{
			NodeID:     uint64(sender),
			PayloadLen: uint32(len(payload)),
			NameLen:    uint16(len(c.name)),
		}, payload)...)
	}
	return buf
}

func TestPackedFramesDispatchInOrder(t *testing.T) {
	a, b := newPair(t)

	var mu sync.Mutex
	var order []byte
	if err := a.RegisterLocalFunction("print", func(_ uint64, arg []byte) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, arg[0])
	}); err != nil {
		t.Fatalf("RegisterLocalFunction: %v", err)
	}

	packet := packFrames(b.GetNodeID(),
		struct {
			name string
			arg  []byte
		}{"print", []byte{1}},
		struct {
			name string
			arg  []byte
		}{"print", []byte{2}},
	)
	bPub := b.pub
	if err := bPub.QueuePacket(packet, nil); err != nil {
		t.Fatalf("QueuePacket: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("dispatch order = %v, want [1 2]", order)
	}
}

func TestUnknownNameLogsAndContinuesPacket(t *testing.T) {
	a, b := newPair(t)

	var mu sync.Mutex
	var called bool
	if err := a.RegisterLocalFunction("print", func(uint64, []byte) {
		mu.Lock()
		called = true
		mu.Unlock()
	}); err != nil {
		t.Fatalf("RegisterLocalFunction: %v", err)
	}

	packet := packFrames(b.GetNodeID(),
		struct {
			name string
			arg  []byte
		}{"absent", nil},
		struct {
			name string
			arg  []byte
		}{"print", nil},
	)
	if err := b.pub.QueuePacket(packet, nil); err != nil {
		t.Fatalf("QueuePacket: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Error("print handler was never invoked after an unknown-name frame")
	}
}

func TestCapacity129IsFatal(t *testing.T) {
	r := New(WithLocalCapacity(128))

	var fatalErr error
	r.SetFatalHook(func(reason string, err error) {
		panic(&FatalError{Reason: reason, Err: err})
	})

	for i := 0; i < 128; i++ {
		if err := r.RegisterLocalFunction(nameFor(i), func(uint64, []byte) {}); err != nil {
			t.Fatalf("register #%d: %v", i, err)
		}
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				var fe *FatalError
				if fe, _ = rec.(*FatalError); fe == nil {
					t.Fatalf("recovered value is not *FatalError: %v", rec)
				}
				fatalErr = fe
			}
		}()
		_ = r.RegisterLocalFunction("one_too_many", func(uint64, []byte) {})
	}()

	if fatalErr == nil {
		t.Fatal("registering the 129th local function did not abort")
	}
}

func nameFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "fn_" + string(letters[i%len(letters)]) + string(rune('0'+i%10))
}

func TestProcessEventsTimesOutWithNoPeersOrTimers(t *testing.T) {
	bus := mcast.NewBus()
	pub := mcast.NewMemoryPub(bus, 1)
	r := New(WithNodeID(1), WithPubContext(pub), WithSubContext(mcast.NewMemorySub(bus, 1, pub)))

	rx, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	if err := r.SetupWithReactor(rx); err != nil {
		t.Fatalf("SetupWithReactor: %v", err)
	}
	defer r.Close()

	start := time.Now()
	err = r.ProcessEvents(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("ProcessEvents error = %v, want ErrTimedOut", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("ProcessEvents returned after %v, want >= 50ms", elapsed)
	}
	if elapsed >= 100*time.Millisecond {
		t.Errorf("ProcessEvents returned after %v, want < 100ms", elapsed)
	}
}
