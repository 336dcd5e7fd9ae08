package mcast

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/jlrdstc/dstc/internal/neterr"
	"github.com/jlrdstc/dstc/internal/reactor"
)

// DefaultGroupAddr and DefaultGroupPort are the multicast endpoint
// defaults from spec §6.
const (
	DefaultGroupAddr = "239.40.41.42"
	DefaultGroupPort = 4723
)

// UDPPub is the concrete PubContext implementation: a UDP multicast data
// socket plus a TCP listener accepting one control connection per
// subscriber (spec §2.9).
type UDPPub struct {
	nodeID NodeID
	logger *slog.Logger

	groupAddr *net.UDPAddr
	dataConn  *net.UDPConn
	pktConn   *ipv4.PacketConn

	listener net.Listener

	mu          sync.Mutex
	conns       map[ConnIndex]net.Conn
	nextIndex   ConnIndex
	onPollAdd   PollFunc
	onPollMod   PollFunc
	onPollRem   PollRemoveFunc
	onControlCB func(sender NodeID, payload []byte)

	announceInterval time.Duration
	announceDeadline time.Time
	localNames       func() []string
}

// NewUDPPub constructs a publisher. logger may be nil (a no-op logger is
// substituted). Name advertisement is driven by the sub side (spec §4.8),
// so the publisher takes no list of local names.
func NewUDPPub(logger *slog.Logger) *UDPPub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &UDPPub{logger: logger, conns: make(map[ConnIndex]net.Conn)}
}

func (p *UDPPub) Init(nodeID NodeID, groupAddr string, groupPort int, listenAddr string, listenPort int,
	onPollAdd, onPollModify PollFunc, onPollRemove PollRemoveFunc) error {
	p.nodeID = nodeID
	p.onPollAdd = onPollAdd
	p.onPollMod = onPollModify
	p.onPollRem = onPollRemove

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", groupAddr, groupPort))
	if err != nil {
		return &neterr.NetworkError{
			Operation: "resolve group address",
			Err:       err,
			Details:   fmt.Sprintf("%s:%d", groupAddr, groupPort),
		}
	}
	p.groupAddr = addr

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return &neterr.NetworkError{Operation: "open multicast send socket", Err: err}
	}
	p.dataConn = conn
	p.pktConn = ipv4.NewPacketConn(conn)

	ln, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", listenAddr, listenPort))
	if err != nil {
		_ = conn.Close()
		return &neterr.NetworkError{
			Operation: "listen for control connections",
			Err:       err,
			Details:   fmt.Sprintf("%s:%d", listenAddr, listenPort),
		}
	}
	p.listener = ln

	return nil
}

// ControlAddr returns the address subscribers should dial to reach this
// publisher's control channel, for inclusion in announce beacons.
func (p *UDPPub) ControlAddr() string {
	return p.listener.Addr().String()
}

func (p *UDPPub) Activate() error {
	go p.acceptLoop()
	return nil
}

func (p *UDPPub) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		p.addControlConn(conn)
	}
}

func (p *UDPPub) addControlConn(conn net.Conn) {
	p.mu.Lock()
	index := p.nextIndex
	p.nextIndex++
	p.conns[index] = conn
	add := p.onPollAdd
	p.mu.Unlock()

	if add == nil {
		return
	}
	fd, err := connFD(conn)
	if err != nil {
		p.logger.Warn("mcast: pub control connection has no pollable fd", "err", err)
		return
	}
	if err := add(index, fd, 0, reactor.Read); err != nil {
		p.logger.Error("mcast: reactor add failed for pub control connection", "err", err)
	}
}

// Read services a readable control connection: it reads one length-prefixed
// control message and forwards it to the control-message callback, which is
// how remote function advertisements reach RemoteTable.Register (spec §4.8).
func (p *UDPPub) Read(index ConnIndex) (OpResult, error) {
	p.mu.Lock()
	conn, ok := p.conns[index]
	p.mu.Unlock()
	if !ok {
		return OpNone, &neterr.NetworkError{
			Operation: "pub read",
			Err:       fmt.Errorf("unknown connection index %d", index),
		}
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return OpReadDisconnect, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return OpReadDisconnect, err
	}
	sender, payload, err := decodeControlFrameBody(body)
	if err != nil {
		return OpReadTCP, err
	}

	p.mu.Lock()
	cb := p.onControlCB
	p.mu.Unlock()
	if cb != nil {
		cb(sender, payload)
	}
	return OpReadTCP, nil
}

func (p *UDPPub) Write(ConnIndex) (OpResult, error) { return OpNone, nil }

func (p *UDPPub) CloseConnection(index ConnIndex) error {
	p.mu.Lock()
	conn, ok := p.conns[index]
	if ok {
		delete(p.conns, index)
	}
	rem := p.onPollRem
	p.mu.Unlock()
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

// QueuePacket sends buf as one multicast datagram. Delivery is best-effort
// UDP: the reliability and retransmission RMC would normally provide is an
// external collaborator out of scope for this module (spec §1), so onFree
// fires once the local send syscall completes rather than on a peer ACK.
func (p *UDPPub) QueuePacket(buf []byte, onFree func()) error {
	datagram := encodeEnvelope(envelopeData, p.nodeID, buf)
	_, err := p.pktConn.WriteTo(datagram, nil, p.groupAddr)
	if onFree != nil {
		onFree()
	}
	if err != nil {
		return &neterr.NetworkError{Operation: "queue packet", Err: err}
	}
	return nil
}

func (p *UDPPub) SetAnnounceInterval(d time.Duration) {
	p.mu.Lock()
	p.announceInterval = d
	p.announceDeadline = time.Now().Add(d)
	p.mu.Unlock()
}

func (p *UDPPub) SetControlMessageCallback(fn func(sender NodeID, payload []byte)) {
	p.mu.Lock()
	p.onControlCB = fn
	p.mu.Unlock()
}

// TimeoutGetNext reports the next announce deadline, driving the multicast
// "I exist, here's my control address" beacon spec §4.8 describes as a
// 200ms-interval RMC housekeeping tick.
func (p *UDPPub) TimeoutGetNext() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.announceInterval <= 0 {
		return 0, false
	}
	return p.announceDeadline.UnixMicro(), true
}

func (p *UDPPub) TimeoutProcess() {
	p.mu.Lock()
	due := p.announceInterval > 0 && !time.Now().Before(p.announceDeadline)
	if due {
		p.announceDeadline = time.Now().Add(p.announceInterval)
	}
	p.mu.Unlock()
	if !due {
		return
	}
	datagram := encodeEnvelope(envelopeAnnounce, p.nodeID, encodeAnnouncePayload(p.ControlAddr()))
	if _, err := p.pktConn.WriteTo(datagram, nil, p.groupAddr); err != nil {
		p.logger.Warn("mcast: announce send failed", "err", err)
	}
}

func (p *UDPPub) NodeID() NodeID { return p.nodeID }

func (p *UDPPub) SocketCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + 1 // +1 for the multicast data socket
}

var _ PubContext = (*UDPPub)(nil)
