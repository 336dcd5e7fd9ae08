// Package mcast defines the reliable-multicast transport contract the core
// runtime consumes (spec §6) and provides one concrete, best-effort
// implementation of it. RMC's own reliability/retransmission machinery is
// an external collaborator out of scope for this module (spec §1); the
// contract below is the seam the core is built against, so any real RMC
// binding can be substituted without touching the runtime.
package mcast

import (
	"time"

	"github.com/jlrdstc/dstc/internal/reactor"
)

// NodeID identifies a participant for the lifetime of its process.
type NodeID uint64

// ConnIndex identifies one connection slot within a pub or sub context.
type ConnIndex uint16

// OpResult classifies what a Read/Write call actually did, for debug
// logging parity with the original's _op_res_string table.
type OpResult int

const (
	OpNone OpResult = iota
	OpReadMulticast
	OpReadMulticastLoopback
	OpReadMulticastNew
	OpReadTCP
	OpReadAccept
	OpReadDisconnect
	OpWriteMulticast
	OpWriteTCP
	OpCompleteConnection
)

func (r OpResult) String() string {
	switch r {
	case OpReadMulticast:
		return "read multicast"
	case OpReadMulticastLoopback:
		return "multicast loopback"
	case OpReadMulticastNew:
		return "new multicast"
	case OpReadTCP:
		return "read tcp"
	case OpReadAccept:
		return "accept"
	case OpReadDisconnect:
		return "disconnect"
	case OpWriteMulticast:
		return "write multicast"
	case OpWriteTCP:
		return "tcp write"
	case OpCompleteConnection:
		return "complete connection"
	default:
		return "none"
	}
}

// PollFunc is how a context asks the core to add or modify reactor
// interest for one of its connections (spec §4.3/§6: "the transport calls
// back into the core to add/modify/remove reactor interest").
type PollFunc func(index ConnIndex, fd int, old, new reactor.Interest) error

// PollRemoveFunc is how a context asks the core to drop reactor interest
// for a connection that is going away.
type PollRemoveFunc func(index ConnIndex, fd int)

// Packet is one dispatch-ready, reassembled transport payload: zero or more
// concatenated call frames (spec glossary, "Packet"/"Dispatch-ready packet").
type Packet struct {
	Payload []byte
}

// PubContext is the publisher side of the transport: it owns outbound
// queueing and the control-message channel used for discovery (spec §6).
type PubContext interface {
	// Init wires the context to its multicast group/control listener and
	// to the reactor via the poll callbacks. Init is called once, before
	// Activate.
	Init(nodeID NodeID, groupAddr string, groupPort int, listenAddr string, listenPort int,
		onPollAdd, onPollModify PollFunc, onPollRemove PollRemoveFunc) error

	// Activate starts accepting control connections and begins the
	// announce ticker.
	Activate() error

	// Read services a read-ready event for the connection at index.
	Read(index ConnIndex) (OpResult, error)
	// Write services a write-ready event for the connection at index.
	Write(index ConnIndex) (OpResult, error)
	// CloseConnection tears down the connection at index.
	CloseConnection(index ConnIndex) error

	// QueuePacket hands a fully framed buffer to the context for
	// reliable delivery. onFree is invoked once delivery is confirmed
	// (or abandoned), mirroring the source's free_hook / ownership
	// transfer of the heap-allocated call buffer (spec §4.7).
	QueuePacket(buf []byte, onFree func()) error

	// SetAnnounceInterval controls how often the publisher's announce
	// beacon (its control-channel address) is sent to the group (spec
	// §4.8). Function names are advertised separately, once per newly
	// established peer, by the subscription-complete path.
	SetAnnounceInterval(d time.Duration)
	// SetControlMessageCallback registers the handler invoked for every
	// inbound control message (spec §4.8: remote-function advertisement).
	SetControlMessageCallback(func(nodeID NodeID, payload []byte))

	// TimeoutGetNext returns this context's next absolute deadline in
	// microseconds, or ok=false if none is pending (spec §4.4).
	TimeoutGetNext() (int64, bool)
	// TimeoutProcess runs whatever retransmit/announce work is due.
	TimeoutProcess()

	NodeID() NodeID
	SocketCount() int
}

// SubContext is the subscriber side of the transport: it owns inbound
// packet reassembly, dispatch-ready delivery, and subscription-complete
// notification (spec §6).
type SubContext interface {
	Init(nodeID NodeID, groupAddr, listenAddr string, groupPort int,
		onPollAdd, onPollModify PollFunc, onPollRemove PollRemoveFunc) error
	Activate() error

	Read(index ConnIndex) (OpResult, error)
	Write(index ConnIndex) (OpResult, error)
	CloseConnection(index ConnIndex) error

	// SetPacketReadyCallback registers the handler invoked synchronously
	// whenever Read finishes reassembling at least one packet (spec §4.6).
	SetPacketReadyCallback(func())
	// SetSubscriptionCompleteCallback registers the handler invoked once
	// the reliable channel to a new peer is established (spec §4.8).
	SetSubscriptionCompleteCallback(func(nodeID NodeID))

	// GetNextDispatchReady pops the next reassembled packet in FIFO
	// order, or ok=false if none is pending.
	GetNextDispatchReady() (*Packet, bool)
	// PacketDispatched returns a packet's buffer to the context once all
	// of its frames have been processed.
	PacketDispatched(p *Packet)

	// WriteControlMessageByNodeID sends buf as a control message to the
	// named peer over its reliable control channel.
	WriteControlMessageByNodeID(nodeID NodeID, buf []byte) error

	TimeoutGetNext() (int64, bool)
	TimeoutProcess()

	NodeID() NodeID
	SocketCount() int
}
