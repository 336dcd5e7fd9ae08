// Package dispatch drains dispatch-ready packets from a SubContext, splits
// them into individual call frames, resolves each frame against the local
// function table or the callback table, and invokes the resolved handler.
package dispatch

import (
	"errors"
	"log/slog"

	"github.com/jlrdstc/dstc/internal/mcast"
	"github.com/jlrdstc/dstc/internal/symtab"
	"github.com/jlrdstc/dstc/internal/wire"
)

// Pipeline ties a SubContext's packet queue to the local/callback tables.
// Grounded on dstc_process_incoming (original_source/dstc.c:575-592, loops
// over dstc_get_next_dispatch_ready) and dstc_process_function_call
// (dstc.c:513-549, which distinguishes a named call from a callback by
// whether name_len is zero).
type Pipeline struct {
	sub       mcast.SubContext
	local     *symtab.LocalTable
	callbacks *symtab.CallbackTable
	logger    *slog.Logger
}

// New returns a Pipeline wired to the given tables and sub context.
func New(sub mcast.SubContext, local *symtab.LocalTable, callbacks *symtab.CallbackTable, logger *slog.Logger) *Pipeline {
	return &Pipeline{sub: sub, local: local, callbacks: callbacks, logger: logger}
}

// DrainOne processes exactly one dispatch-ready packet, if any is queued,
// splitting it into frames and invoking every frame's resolved handler in
// wire order (spec §8 property 4, in-order dispatch within one packet).
// It reports whether a packet was found.
func (p *Pipeline) DrainOne() bool {
	packet, ok := p.sub.GetNextDispatchReady()
	if !ok {
		return false
	}
	p.dispatchPacket(packet)
	p.sub.PacketDispatched(packet)
	return true
}

// DrainAll processes every currently dispatch-ready packet and reports how
// many were handled.
func (p *Pipeline) DrainAll() int {
	n := 0
	for p.DrainOne() {
		n++
	}
	return n
}

func (p *Pipeline) dispatchPacket(packet *mcast.Packet) {
	buf := packet.Payload
	for {
		frame, ok, err := wire.Next(buf)
		if err != nil {
			if errors.Is(err, wire.ErrTruncated) {
				p.logger.Warn("dispatch: dropping truncated trailing frame", "remaining_bytes", len(buf))
			}
			return
		}
		if !ok {
			return
		}
		p.dispatchFrame(frame)
		buf = buf[frame.Size:]
	}
}

func (p *Pipeline) dispatchFrame(frame wire.Frame) {
	sender := frame.Header.NodeID

	if frame.Header.NameLen == 0 {
		token, err := wire.DecodeCallbackToken(frame.Payload)
		if err != nil {
			p.logger.Warn("dispatch: malformed callback frame", "sender", sender, "err", err)
			return
		}
		handler, found := p.callbacks.Find(token)
		if !found {
			p.logger.Debug("dispatch: callback token not found, likely already fired or cancelled",
				"sender", sender, "token", token)
			return
		}
		handler(sender, frame.Payload[wire.CallbackAddrSize:])
		return
	}

	if frame.Header.NameLen > frame.Header.PayloadLen {
		p.logger.Warn("dispatch: name_len exceeds payload_len, dropping malformed frame",
			"sender", sender, "name_len", frame.Header.NameLen, "payload_len", frame.Header.PayloadLen)
		return
	}

	name := string(frame.Payload[:frame.Header.NameLen])
	handler, found := p.local.Find(name, len(name))
	if !found {
		p.logger.Warn("dispatch: unknown local function, dropping frame", "sender", sender, "name", name)
		return
	}
	handler(sender, frame.Payload[frame.Header.NameLen:])
}
