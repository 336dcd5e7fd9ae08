// Package dstc is a distributed, serverless remote-procedure-call runtime
// built atop reliable multicast. Participants announce themselves on a
// well-known multicast group; any participant can invoke a named function
// registered on any other participant, carrying serialized arguments.
// Invocations are delivered at-least-once and dispatched to local handlers
// by symbolic name or by a one-shot callback token.
//
// Argument (de)serialization is opaque to this package: callers are
// expected to pass already-encoded bytes and to decode them inside their
// own HandlerFunc, typically from code generated by an external macro
// layer. This package owns only the symbol tables, the event-driven
// reactor, wire framing, and the discovery/dispatch protocols — not the
// reliable-multicast transport itself, which is treated as an external
// collaborator with one concrete, best-effort implementation provided in
// internal/mcast for running and testing this module standalone.
package dstc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/jlrdstc/dstc/internal/discovery"
	"github.com/jlrdstc/dstc/internal/dispatch"
	"github.com/jlrdstc/dstc/internal/mcast"
	"github.com/jlrdstc/dstc/internal/reactor"
	"github.com/jlrdstc/dstc/internal/symtab"
	"github.com/jlrdstc/dstc/internal/timer"
	"github.com/jlrdstc/dstc/internal/wire"
)

// NodeID identifies a participant for the lifetime of its process.
type NodeID = mcast.NodeID

// HandlerFunc is the signature shared by every local function and
// callback: the caller's node id and the opaque argument bytes following
// the name or token in the frame.
type HandlerFunc = symtab.HandlerFunc

const (
	defaultGroupAddr = mcast.DefaultGroupAddr
	defaultGroupPort = mcast.DefaultGroupPort
	defaultAnnounce  = 200 * time.Millisecond
	maxReactorEvents = 64
)

type setupState int32

const (
	stateUninitialized setupState = iota
	stateInitializing
	stateReady
)

// Runtime is one DSTC participant: the symbol tables, the readiness
// reactor, and the pub/sub transport contexts bound together behind the
// public API spec §6 describes. The zero value is not usable; construct
// with New.
type Runtime struct {
	logger *slog.Logger

	localCapacity    int
	callbackCapacity int
	remoteCapacity   int
	groupAddr        string
	groupPort        int
	listenAddr       string
	announceInterval time.Duration
	nodeID           NodeID
	nodeIDSet        bool

	local     *symtab.LocalTable
	callbacks *symtab.CallbackTable
	remote    *symtab.RemoteTable

	pub mcast.PubContext
	sub mcast.SubContext

	reactor    *reactor.Reactor
	ownReactor bool
	pipeline   *dispatch.Pipeline

	state   atomic.Int32
	fatalFn func(reason string, err error)
}

// New constructs a Runtime and applies opts. The returned Runtime is not
// yet wired to a reactor or transport; call Setup or SetupWithReactor
// before ProcessEvents/ProcessSingleEvent.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		logger:           defaultLogger(),
		groupAddr:        defaultGroupAddr,
		groupPort:        defaultGroupPort,
		announceInterval: defaultAnnounce,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = defaultLogger()
	}
	r.fatalFn = r.defaultFatal

	r.local = symtab.NewLocalTable(r.localCapacity)
	r.callbacks = symtab.NewCallbackTable(r.callbackCapacity)
	r.remote = symtab.NewRemoteTable(r.remoteCapacity)

	return r
}

var defaultRuntime atomic.Pointer[Runtime]

// Default returns a process-wide Runtime, constructing one with no
// options on first use. Offered for parity with the original's
// process-wide global state (spec §9, "global process state" resolved);
// prefer New for anything that needs explicit configuration or multiple
// participants in one process (as the end-to-end tests do).
func Default() *Runtime {
	if r := defaultRuntime.Load(); r != nil {
		return r
	}
	r := New()
	if !defaultRuntime.CompareAndSwap(nil, r) {
		return defaultRuntime.Load()
	}
	return r
}

// RegisterLocalFunction registers handler under name. Duplicate names
// shadow: the most recently registered handler wins (spec §3/§4.2,
// "newest wins"). Registering beyond the configured capacity ceiling
// (WithLocalCapacity) is a fatal condition, aborting the process via the
// runtime's fatal hook (spec §8 property, "capacity fatal").
func (r *Runtime) RegisterLocalFunction(name string, h HandlerFunc) error {
	err := r.local.Register(name, h)
	if err != nil {
		r.fatalFn("local function table full", err)
	}
	return err
}

// RegisterCallback registers a one-shot handler and returns the opaque
// token identifying it on the wire. The handler fires at most once: the
// first dispatched frame carrying this token consumes it.
func (r *Runtime) RegisterCallback(h HandlerFunc) (uint64, error) {
	return r.callbacks.Register(h)
}

// CancelCallback invalidates token without invoking its handler. Safe to
// call more than once, or after the callback has already fired.
func (r *Runtime) CancelCallback(token uint64) {
	r.callbacks.Cancel(token)
}

// QueueFunctionCall frames a call to name with arg and hands it to the pub
// context for delivery.
func (r *Runtime) QueueFunctionCall(name string, arg []byte) error {
	if r.pub == nil {
		return fmt.Errorf("dstc: runtime not set up")
	}
	payload := wire.EncodeCall(name, arg)
	buf := wire.Encode(wire.Header{
		NodeID:     uint64(r.pub.NodeID()),
		PayloadLen: uint32(len(payload)),
		NameLen:    uint16(len(name)),
	}, payload)
	return r.pub.QueuePacket(buf, nil)
}

// QueueCallback frames a call to the callback identified by token with arg
// and hands it to the pub context for delivery.
func (r *Runtime) QueueCallback(token uint64, arg []byte) error {
	if r.pub == nil {
		return fmt.Errorf("dstc: runtime not set up")
	}
	payload := wire.EncodeCallback(token, arg)
	buf := wire.Encode(wire.Header{
		NodeID:     uint64(r.pub.NodeID()),
		PayloadLen: uint32(len(payload)),
		NameLen:    0,
	}, payload)
	return r.pub.QueuePacket(buf, nil)
}

// Setup brings the runtime to the ready state using a freshly created
// reactor, owned by the Runtime (and closed by Close). Returns ErrBusy if
// called more than once.
func (r *Runtime) Setup() error {
	rx, err := reactor.New()
	if err != nil {
		return fmt.Errorf("dstc: create reactor: %w", err)
	}
	if err := r.SetupWithReactor(rx); err != nil {
		_ = rx.Close()
		return err
	}
	r.ownReactor = true
	return nil
}

// SetupWithReactor brings the runtime to the ready state using an
// already-created reactor (the seam tests use to share one real epoll
// instance across two in-process Runtimes talking over an in-memory
// transport). Returns ErrBusy if called more than once.
func (r *Runtime) SetupWithReactor(rx *reactor.Reactor) error {
	if !r.state.CompareAndSwap(int32(stateUninitialized), int32(stateInitializing)) {
		return ErrBusy
	}

	r.reactor = rx

	if !r.nodeIDSet {
		r.nodeID = randomNodeID()
	}
	if r.pub == nil {
		r.pub = mcast.NewUDPPub(r.logger)
	}
	if r.sub == nil {
		r.sub = mcast.NewUDPSub(r.logger)
	}
	if r.listenAddr == "" {
		r.listenAddr = "0.0.0.0"
	}

	pollAdd := func(kind reactor.Kind) mcast.PollFunc {
		return func(index mcast.ConnIndex, fd int, _, new reactor.Interest) error {
			err := r.reactor.Add(fd, reactor.NewEventTag(kind, uint16(index)), new)
			if err != nil {
				r.fatalFn("reactor add failed", err)
			}
			return err
		}
	}
	pollModify := func(kind reactor.Kind) mcast.PollFunc {
		return func(index mcast.ConnIndex, fd int, old, new reactor.Interest) error {
			err := r.reactor.Modify(fd, reactor.NewEventTag(kind, uint16(index)), old, new)
			if err != nil {
				r.fatalFn("reactor modify failed", err)
			}
			return err
		}
	}
	pollRemove := func(_ mcast.ConnIndex, fd int) {
		if err := r.reactor.Remove(fd); err != nil {
			r.logger.Warn("dstc: reactor remove failed, descriptor presumed already closed", "err", err)
		}
	}

	if err := r.pub.Init(r.nodeID, r.groupAddr, r.groupPort, r.listenAddr, 0,
		pollAdd(reactor.Pub), pollModify(reactor.Pub), pollRemove); err != nil {
		r.state.Store(int32(stateUninitialized))
		return fmt.Errorf("dstc: pub context init: %w", err)
	}
	if err := r.sub.Init(r.nodeID, r.groupAddr, r.listenAddr, r.groupPort,
		pollAdd(reactor.Sub), pollModify(reactor.Sub), pollRemove); err != nil {
		r.state.Store(int32(stateUninitialized))
		return fmt.Errorf("dstc: sub context init: %w", err)
	}

	r.pub.SetAnnounceInterval(r.announceInterval)
	r.pipeline = dispatch.New(r.sub, r.local, r.callbacks, r.logger)
	// The sub context calls this synchronously the instant it finishes
	// reassembling a packet (spec §4.6), so dispatch happens inline with
	// the read that produced it rather than waiting for another reactor
	// turn — this is what lets the in-memory test transport dispatch
	// without ever touching the reactor.
	r.sub.SetPacketReadyCallback(func() { r.pipeline.DrainAll() })

	discovery.NewAnnouncer(r.local, r.sub, r.logger).Attach()
	discovery.NewListener(r.remote, r.logger).Attach(r.pub)

	if err := r.pub.Activate(); err != nil {
		r.state.Store(int32(stateUninitialized))
		return fmt.Errorf("dstc: pub context activate: %w", err)
	}
	if err := r.sub.Activate(); err != nil {
		r.state.Store(int32(stateUninitialized))
		return fmt.Errorf("dstc: sub context activate: %w", err)
	}

	r.state.Store(int32(stateReady))
	return nil
}

// Close releases the runtime's reactor, if it owns one.
func (r *Runtime) Close() error {
	if r.ownReactor && r.reactor != nil {
		return r.reactor.Close()
	}
	return nil
}

// ProcessSingleEvent waits at most timeoutMS milliseconds (negative means
// indefinitely) for reactor readiness or a pending internal deadline
// (announce ticks), services whatever is ready, and returns. It returns
// ErrTimedOut if nothing became ready within the budget and no internal
// deadline was serviced (spec §4.5).
func (r *Runtime) ProcessSingleEvent(timeoutMS int) error {
	if setupState(r.state.Load()) != stateReady {
		return fmt.Errorf("dstc: runtime not set up")
	}

	waitMS := timeoutMS
	pubDeadline, pubOK := r.pub.TimeoutGetNext()
	subDeadline, subOK := r.sub.TimeoutGetNext()
	internalDeadline, internalOK := timer.NextDeadlineAbsolute(pubDeadline, subDeadline, pubOK, subOK)
	if internalOK {
		ms, wait := timer.NextDeadlineMS(internalDeadline, true, timer.MicrosNow())
		if wait && (timeoutMS < 0 || ms < timeoutMS) {
			waitMS = ms
		}
	}

	var wait time.Duration
	if waitMS < 0 {
		wait = -1
	} else {
		wait = time.Duration(waitMS) * time.Millisecond
	}

	events, err := r.reactor.Wait(wait, maxReactorEvents)
	if err != nil {
		r.fatalFn("reactor wait failed", err)
		return err
	}

	if len(events) == 0 {
		serviced := r.processDueTimers()
		if serviced {
			return nil
		}
		return ErrTimedOut
	}

	for _, ev := range events {
		r.handleEvent(ev)
	}
	return nil
}

// processDueTimers runs TimeoutProcess on whichever context (or both) has
// a deadline at or before now, and reports whether anything was due.
func (r *Runtime) processDueTimers() bool {
	now := timer.MicrosNow()
	serviced := false
	if d, ok := r.pub.TimeoutGetNext(); ok && d <= now {
		r.pub.TimeoutProcess()
		serviced = true
	}
	if d, ok := r.sub.TimeoutGetNext(); ok && d <= now {
		r.sub.TimeoutProcess()
		serviced = true
	}
	return serviced
}

// ProcessTimeout calls TimeoutProcess on both the pub and sub contexts
// without first checking their deadlines; each context runs whatever of its
// housekeeping (announce ticks) is due. Exposed for callers that want to
// drive timers without going through the reactor.
func (r *Runtime) ProcessTimeout() {
	r.pub.TimeoutProcess()
	r.sub.TimeoutProcess()
}

func (r *Runtime) handleEvent(ev reactor.Event) {
	index := mcast.ConnIndex(ev.Tag.Index())
	switch ev.Tag.Kind() {
	case reactor.Pub:
		r.handlePubEvent(index, ev)
	case reactor.Sub:
		r.handleSubEvent(index, ev)
	}
}

func (r *Runtime) handlePubEvent(index mcast.ConnIndex, ev reactor.Event) {
	if ev.Hup {
		_ = r.pub.CloseConnection(index)
		return
	}
	if ev.Read {
		if _, err := r.pub.Read(index); err != nil {
			r.logger.Warn("dstc: pub read failed, closing connection", "index", index, "err", err)
			_ = r.pub.CloseConnection(index)
		}
	}
	if ev.Write {
		if _, err := r.pub.Write(index); err != nil {
			r.logger.Warn("dstc: pub write failed, closing connection", "index", index, "err", err)
			_ = r.pub.CloseConnection(index)
		}
	}
}

func (r *Runtime) handleSubEvent(index mcast.ConnIndex, ev reactor.Event) {
	if ev.Hup {
		_ = r.sub.CloseConnection(index)
		return
	}
	if ev.Read {
		if _, err := r.sub.Read(index); err != nil {
			r.logger.Warn("dstc: sub read failed, closing connection", "index", index, "err", err)
			_ = r.sub.CloseConnection(index)
		}
	}
	if ev.Write {
		if _, err := r.sub.Write(index); err != nil {
			r.logger.Warn("dstc: sub write failed, closing connection", "index", index, "err", err)
			_ = r.sub.CloseConnection(index)
		}
	}
}

// ProcessEvents runs ProcessSingleEvent in a loop for the entire budget,
// mirroring dstc_process_events (original_source/dstc.c:401-467): that
// loop only ever returns on budget exhaustion or on an ETIME that hit the
// caller's own deadline rather than an internal (announce) one, servicing
// and continuing past every other event/timer in between. Returning as
// soon as ProcessSingleEvent services one unit of work — the previous
// behavior here — meant a due announce tick (pub.TimeoutGetNext, 200ms by
// default) could end a multi-second ProcessEvents call after ~200ms.
// Cancelling ctx behaves like the budget elapsing: both surface as
// ErrTimedOut, layering ordinary Go cancellation underneath the
// microsecond-budget contract of spec §4.5 without changing its semantics.
func (r *Runtime) ProcessEvents(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return ErrTimedOut
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimedOut
		}
		waitMS := int(remaining / time.Millisecond)
		if waitMS <= 0 {
			waitMS = 1
		}

		err := r.ProcessSingleEvent(waitMS)
		if err == nil || errors.Is(err, ErrTimedOut) {
			// Either real work happened or only an internal timer fired
			// (or nothing at all, within the single-event budget); none
			// of those end the overall call. Only the deadline/ctx check
			// above is allowed to do that.
			continue
		}
		return err
	}
}

// GetSocketCount reports the total number of sockets/connections held
// open by the pub and sub contexts.
func (r *Runtime) GetSocketCount() int {
	return r.pub.SocketCount() + r.sub.SocketCount()
}

// GetNodeID returns this runtime's node id.
func (r *Runtime) GetNodeID() NodeID {
	return r.nodeID
}

// GetRemoteCount reports how many distinct peers have advertised name.
// Monotonically non-decreasing: the transport never observes a peer
// departure cleanly enough to justify a decrement (spec §8 property 9,
// §9 "no remote deregistration" resolved).
func (r *Runtime) GetRemoteCount(name string) uint32 {
	return r.remote.Count(name)
}

// GetTimeoutTimestamp returns the earliest pending absolute deadline
// (microseconds since epoch) across the pub and sub contexts, or
// ok=false if neither has one pending.
func (r *Runtime) GetTimeoutTimestamp() (int64, bool) {
	pubDeadline, pubOK := r.pub.TimeoutGetNext()
	subDeadline, subOK := r.sub.TimeoutGetNext()
	return timer.NextDeadlineAbsolute(pubDeadline, subDeadline, pubOK, subOK)
}

// GetTimeoutMS returns the number of milliseconds until the earliest
// pending deadline, rounded up, 0 if that deadline is already due, or -1
// with no deadline pending (meaning: wait indefinitely).
func (r *Runtime) GetTimeoutMS() int {
	deadline, ok := r.GetTimeoutTimestamp()
	if !ok {
		return -1
	}
	ms, wait := timer.NextDeadlineMS(deadline, true, timer.MicrosNow())
	if !wait {
		return 0
	}
	return ms
}

func randomNodeID() NodeID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is a platform-level fault; falling back to a
		// fixed id would silently break loopback-detection uniqueness, so
		// this is treated as fatal instead (spec §7).
		panic(fmt.Errorf("dstc: read random node id: %w", err))
	}
	return NodeID(binary.LittleEndian.Uint64(buf[:]))
}

func (r *Runtime) defaultFatal(reason string, err error) {
	r.logger.Error("dstc: fatal condition", "reason", reason, "err", err)
	os.Exit(255)
}

// SetFatalHook overrides how the runtime reacts to a spec §7 "fatal"
// condition (currently: local function table full, reactor add/modify
// failure, reactor wait failure). Test binaries substitute a
// hook that panics with a *FatalError instead of calling os.Exit.
func (r *Runtime) SetFatalHook(fn func(reason string, err error)) {
	r.fatalFn = fn
}
