package mcast

import (
	"fmt"
	"sync"
	"time"
)

// Bus is an in-process stand-in for the multicast group: it fans packets
// queued by one participant's MemoryPub out to every other participant's
// MemorySub, and it feeds control messages written by a MemorySub directly
// into the addressed peer's MemoryPub callback. It is the mock-transport
// test double grounded on the teacher's own Transport interface existing
// precisely so a mock can stand in for it (internal/transport/transport.go).
//
// Unlike the real transport (internal/mcast's UDP implementation), delivery
// here is synchronous and in-order: QueuePacket/WriteControlMessageByNodeID
// invoke the peer's callback before returning. That keeps unit and
// end-to-end tests deterministic without a real network.
type Bus struct {
	mu           sync.Mutex
	participants map[NodeID]*busParticipant
}

type busParticipant struct {
	pub *MemoryPub
	sub *MemorySub
}

// NewBus creates an empty in-memory multicast group.
func NewBus() *Bus {
	return &Bus{participants: make(map[NodeID]*busParticipant)}
}

func (b *Bus) join(id NodeID, pub *MemoryPub, sub *MemorySub) {
	b.mu.Lock()
	existing := make([]*busParticipant, 0, len(b.participants))
	for _, p := range b.participants {
		existing = append(existing, p)
	}
	b.participants[id] = &busParticipant{pub: pub, sub: sub}
	b.mu.Unlock()

	for _, p := range existing {
		if sub != nil && sub.onSubComplete != nil {
			sub.onSubComplete(p.pub.nodeID)
		}
		if p.sub != nil && p.sub.onSubComplete != nil {
			p.sub.onSubComplete(id)
		}
	}
}

// broadcast delivers payload to every participant's MemorySub except the
// sender's own, implementing the loopback-suppression invariant of spec §3
// ("the sub side can detect and drop loopback of its own multicast sends").
func (b *Bus) broadcast(sender NodeID, payload []byte) {
	b.mu.Lock()
	targets := make([]*MemorySub, 0, len(b.participants))
	for id, p := range b.participants {
		if id == sender {
			continue
		}
		targets = append(targets, p.sub)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(payload)
	}
}

func (b *Bus) controlMessage(sender, target NodeID, payload []byte) error {
	b.mu.Lock()
	p, ok := b.participants[target]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcast: bus has no participant with node id %d", target)
	}
	if p.pub.onControlMessage != nil {
		p.pub.onControlMessage(sender, payload)
	}
	return nil
}

// MemoryPub is the Bus-backed PubContext test double.
type MemoryPub struct {
	bus              *Bus
	nodeID           NodeID
	onControlMessage func(sender NodeID, payload []byte)
	announceInterval time.Duration
}

// NewMemoryPub creates a publisher bound to bus under nodeID.
func NewMemoryPub(bus *Bus, nodeID NodeID) *MemoryPub {
	return &MemoryPub{bus: bus, nodeID: nodeID}
}

func (p *MemoryPub) Init(nodeID NodeID, _ string, _ int, _ string, _ int,
	_, _ PollFunc, _ PollRemoveFunc) error {
	p.nodeID = nodeID
	return nil
}

func (p *MemoryPub) Activate() error { return nil }

func (p *MemoryPub) Read(ConnIndex) (OpResult, error)  { return OpNone, nil }
func (p *MemoryPub) Write(ConnIndex) (OpResult, error) { return OpNone, nil }
func (p *MemoryPub) CloseConnection(ConnIndex) error   { return nil }

// QueuePacket delivers buf to the bus synchronously and invokes onFree
// immediately, modelling confirmed delivery.
func (p *MemoryPub) QueuePacket(buf []byte, onFree func()) error {
	p.bus.broadcast(p.nodeID, buf)
	if onFree != nil {
		onFree()
	}
	return nil
}

func (p *MemoryPub) SetAnnounceInterval(d time.Duration) { p.announceInterval = d }
func (p *MemoryPub) SetControlMessageCallback(fn func(sender NodeID, payload []byte)) {
	p.onControlMessage = fn
}

func (p *MemoryPub) TimeoutGetNext() (int64, bool) { return 0, false }
func (p *MemoryPub) TimeoutProcess()               {}

func (p *MemoryPub) NodeID() NodeID    { return p.nodeID }
func (p *MemoryPub) SocketCount() int  { return 0 }

// MemorySub is the Bus-backed SubContext test double.
type MemorySub struct {
	bus *Bus

	mu            sync.Mutex
	nodeID        NodeID
	queue         []*Packet
	onPacketReady func()
	onSubComplete func(nodeID NodeID)
}

// NewMemorySub creates a subscriber bound to bus under nodeID and joins the
// bus immediately, synthesizing subscription-complete callbacks for every
// peer already present (and notifying them of this new peer), mirroring
// the real transport's discovery handshake.
func NewMemorySub(bus *Bus, nodeID NodeID, pub *MemoryPub) *MemorySub {
	s := &MemorySub{bus: bus, nodeID: nodeID}
	bus.join(nodeID, pub, s)
	return s
}

func (s *MemorySub) Init(nodeID NodeID, _, _ string, _ int,
	_, _ PollFunc, _ PollRemoveFunc) error {
	s.mu.Lock()
	s.nodeID = nodeID
	s.mu.Unlock()
	return nil
}

func (s *MemorySub) Activate() error { return nil }

func (s *MemorySub) Read(ConnIndex) (OpResult, error)  { return OpNone, nil }
func (s *MemorySub) Write(ConnIndex) (OpResult, error) { return OpNone, nil }
func (s *MemorySub) CloseConnection(ConnIndex) error   { return nil }

func (s *MemorySub) SetPacketReadyCallback(fn func())               { s.onPacketReady = fn }
func (s *MemorySub) SetSubscriptionCompleteCallback(fn func(NodeID)) { s.onSubComplete = fn }

func (s *MemorySub) deliver(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, &Packet{Payload: payload})
	cb := s.onPacketReady
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *MemorySub) GetNextDispatchReady() (*Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true
}

func (s *MemorySub) PacketDispatched(*Packet) {}

func (s *MemorySub) WriteControlMessageByNodeID(nodeID NodeID, buf []byte) error {
	return s.bus.controlMessage(s.nodeID, nodeID, buf)
}

func (s *MemorySub) TimeoutGetNext() (int64, bool) { return 0, false }
func (s *MemorySub) TimeoutProcess()               {}

func (s *MemorySub) NodeID() NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}
func (s *MemorySub) SocketCount() int { return 0 }

var (
	_ PubContext = (*MemoryPub)(nil)
	_ SubContext = (*MemorySub)(nil)
)
