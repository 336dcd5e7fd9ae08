package dstc

import (
	"io"
	"log/slog"
	"time"

	"github.com/jlrdstc/dstc/internal/mcast"
)

// Option configures a Runtime at construction time, applied by New before
// any table or transport is touched. Follows the functional-options
// pattern of responder.Option/responder.New(ctx, opts...).
type Option func(*Runtime)

// WithLocalCapacity caps the local function table at n entries; exceeding
// it turns RegisterLocalFunction into a fatal error (spec §9, "fixed
// capacity tables" resolved as an optional ceiling). n<=0 means unbounded.
func WithLocalCapacity(n int) Option {
	return func(r *Runtime) { r.localCapacity = n }
}

// WithCallbackCapacity caps the callback table at n entries. n<=0 means
// unbounded.
func WithCallbackCapacity(n int) Option {
	return func(r *Runtime) { r.callbackCapacity = n }
}

// WithRemoteCapacity caps the number of distinct remote function names
// tracked. n<=0 means unbounded.
func WithRemoteCapacity(n int) Option {
	return func(r *Runtime) { r.remoteCapacity = n }
}

// WithMulticastGroup overrides the default multicast endpoint
// (239.40.41.42:4723, spec §6).
func WithMulticastGroup(addr string, port int) Option {
	return func(r *Runtime) {
		r.groupAddr = addr
		r.groupPort = port
	}
}

// WithListenAddr overrides the local address the pub context's control
// listener binds to. Defaults to the wildcard address. The UDP sub context
// ignores it and binds its multicast socket to the group address.
func WithListenAddr(addr string) Option {
	return func(r *Runtime) { r.listenAddr = addr }
}

// WithAnnounceInterval overrides the 200ms default interval at which the
// pub context sends its announce beacon (spec §4.8). Locally registered
// names are advertised once to each newly connected peer, independent of
// this interval.
func WithAnnounceInterval(d time.Duration) Option {
	return func(r *Runtime) { r.announceInterval = d }
}

// WithLogger overrides the runtime's structured logger. The default
// discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithPubContext/WithSubContext inject a transport implementation other
// than the default UDP one — the seam the in-memory test double
// (internal/mcast.MemoryPub/MemorySub) is exercised through.
func WithPubContext(pub mcast.PubContext) Option {
	return func(r *Runtime) { r.pub = pub }
}

func WithSubContext(sub mcast.SubContext) Option {
	return func(r *Runtime) { r.sub = sub }
}

// WithNodeID pins the runtime's node id instead of letting Setup mint a
// random one. Mainly useful for tests and for the in-memory transport,
// where a predictable id makes assertions simpler.
func WithNodeID(id mcast.NodeID) Option {
	return func(r *Runtime) { r.nodeID = id; r.nodeIDSet = true }
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
