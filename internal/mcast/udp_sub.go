package mcast

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/jlrdstc/dstc/internal/neterr"
	"github.com/jlrdstc/dstc/internal/reactor"
)

// UDPSub is the concrete SubContext implementation: it shares a multicast
// receive socket across every publisher's announce beacons and data
// frames, dialing a reliable TCP control connection to each newly heard
// publisher (spec §2.9, §4.8).
type UDPSub struct {
	nodeID NodeID
	logger *slog.Logger

	groupAddr *net.UDPAddr
	dataConn  *net.UDPConn
	pktConn   *ipv4.PacketConn

	mu            sync.Mutex
	queue         []*Packet
	onPacketReady func()
	onSubComplete func(NodeID)

	onPollAdd PollFunc
	onPollRem PollRemoveFunc

	conns       map[ConnIndex]net.Conn
	nextIndex   ConnIndex
	known       map[NodeID]bool      // publishers already control-connected
	indexByNode map[NodeID]ConnIndex // control connection index per publisher
}

// NewUDPSub constructs a subscriber. logger may be nil.
func NewUDPSub(logger *slog.Logger) *UDPSub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &UDPSub{
		logger:      logger,
		nextIndex:   1, // index 0 is the multicast data socket
		conns:       make(map[ConnIndex]net.Conn),
		known:       make(map[NodeID]bool),
		indexByNode: make(map[NodeID]ConnIndex),
	}
}

func (s *UDPSub) Init(nodeID NodeID, groupAddr, _ string, groupPort int,
	onPollAdd, onPollModify PollFunc, onPollRemove PollRemoveFunc) error {
	s.nodeID = nodeID
	s.onPollAdd = onPollAdd
	s.onPollRem = onPollRemove
	_ = onPollModify

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", groupAddr, groupPort))
	if err != nil {
		return &neterr.NetworkError{
			Operation: "resolve group address",
			Err:       err,
			Details:   fmt.Sprintf("%s:%d", groupAddr, groupPort),
		}
	}
	s.groupAddr = addr

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: addr.IP, Port: addr.Port})
	if err != nil {
		return &neterr.NetworkError{Operation: "join multicast group", Err: err}
	}
	s.dataConn = conn
	s.pktConn = ipv4.NewPacketConn(conn)

	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			_ = s.pktConn.JoinGroup(&iface, addr)
		}
	}

	return nil
}

func (s *UDPSub) Activate() error {
	s.mu.Lock()
	add := s.onPollAdd
	s.mu.Unlock()
	if add == nil {
		return nil
	}
	fd, err := connFD(s.dataConn)
	if err != nil {
		return &neterr.NetworkError{Operation: "register sub data socket", Err: err}
	}
	return add(0, fd, 0, reactor.Read)
}

// Read drains one datagram from the shared multicast socket, demultiplexing
// by envelope kind. Announce beacons trigger a control dial to a not yet
// known publisher; data frames are appended to the dispatch-ready queue
// (spec §4.6, §4.8). Index is ignored for the data socket (always 0); a
// nonzero index identifies a control connection read.
func (s *UDPSub) Read(index ConnIndex) (OpResult, error) {
	if index != 0 {
		return s.readControl(index)
	}

	buf := make([]byte, 65536)
	n, _, _, err := s.pktConn.ReadFrom(buf)
	if err != nil {
		return OpNone, &neterr.NetworkError{Operation: "multicast read", Err: err}
	}

	kind, sender, payload, err := decodeEnvelope(buf[:n])
	if err != nil {
		s.logger.Warn("mcast: dropping malformed envelope", "err", err)
		return OpNone, nil
	}
	if sender == s.nodeID {
		return OpReadMulticastLoopback, nil
	}

	switch kind {
	case envelopeAnnounce:
		s.handleAnnounce(sender, payload)
		return OpReadMulticastNew, nil
	case envelopeData:
		s.deliver(payload)
		return OpReadMulticast, nil
	default:
		s.logger.Warn("mcast: unknown envelope kind", "kind", kind)
		return OpNone, nil
	}
}

func (s *UDPSub) handleAnnounce(sender NodeID, payload []byte) {
	s.mu.Lock()
	already := s.known[sender]
	s.mu.Unlock()
	if already {
		return
	}

	controlAddr, err := decodeAnnouncePayload(payload)
	if err != nil {
		s.logger.Warn("mcast: malformed announce payload", "err", err)
		return
	}

	conn, err := net.Dial("tcp4", controlAddr)
	if err != nil {
		s.logger.Debug("mcast: control dial failed, will retry on next announce", "addr", controlAddr, "err", err)
		return
	}

	s.mu.Lock()
	s.known[sender] = true
	index := s.nextIndex
	s.nextIndex++
	s.conns[index] = conn
	s.indexByNode[sender] = index
	add := s.onPollAdd
	complete := s.onSubComplete
	s.mu.Unlock()

	if add != nil {
		if fd, err := connFD(conn); err == nil {
			if err := add(index, fd, 0, reactor.Read); err != nil {
				s.logger.Error("mcast: reactor add failed for control connection", "err", err)
			}
		}
	}
	if complete != nil {
		complete(sender)
	}
}

func (s *UDPSub) readControl(index ConnIndex) (OpResult, error) {
	s.mu.Lock()
	conn, ok := s.conns[index]
	s.mu.Unlock()
	if !ok {
		return OpNone, &neterr.NetworkError{
			Operation: "sub read",
			Err:       fmt.Errorf("unknown control connection index %d", index),
		}
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return OpReadDisconnect, err
	}
	_ = binary.LittleEndian.Uint32(lenBuf[:])
	return OpReadTCP, nil
}

func (s *UDPSub) Write(ConnIndex) (OpResult, error) { return OpNone, nil }

func (s *UDPSub) CloseConnection(index ConnIndex) error {
	s.mu.Lock()
	conn, ok := s.conns[index]
	if ok {
		delete(s.conns, index)
	}
	rem := s.onPollRem
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if rem != nil {
		if fd, err := connFD(conn); err == nil {
			rem(index, fd)
		}
	}
	return conn.Close()
}

func (s *UDPSub) SetPacketReadyCallback(fn func()) {
	s.mu.Lock()
	s.onPacketReady = fn
	s.mu.Unlock()
}

func (s *UDPSub) SetSubscriptionCompleteCallback(fn func(NodeID)) {
	s.mu.Lock()
	s.onSubComplete = fn
	s.mu.Unlock()
}

func (s *UDPSub) deliver(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, &Packet{Payload: payload})
	cb := s.onPacketReady
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *UDPSub) GetNextDispatchReady() (*Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true
}

func (s *UDPSub) PacketDispatched(*Packet) {}

// WriteControlMessageByNodeID sends buf over the control connection
// established with nodeID. It is a no-op error if no connection has been
// dialed yet (the peer has not announced, or the dial has not completed).
func (s *UDPSub) WriteControlMessageByNodeID(nodeID NodeID, buf []byte) error {
	s.mu.Lock()
	index, ok := s.indexByNode[nodeID]
	var target net.Conn
	if ok {
		target = s.conns[index]
	}
	s.mu.Unlock()
	if target == nil {
		return &neterr.NetworkError{
			Operation: "write control message",
			Err:       fmt.Errorf("no control connection established with node %d", nodeID),
		}
	}
	if _, err := target.Write(encodeControlFrame(s.nodeID, buf)); err != nil {
		return &neterr.NetworkError{Operation: "write control message", Err: err}
	}
	return nil
}

func (s *UDPSub) TimeoutGetNext() (int64, bool) { return 0, false }
func (s *UDPSub) TimeoutProcess()               {}

func (s *UDPSub) NodeID() NodeID { return s.nodeID }

func (s *UDPSub) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) + 1
}

var _ SubContext = (*UDPSub)(nil)
