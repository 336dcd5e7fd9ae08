package mcast

import (
	"encoding/binary"
	"fmt"

	"github.com/jlrdstc/dstc/internal/neterr"
)

// Every UDP datagram sent to the multicast group by the concrete transport
// carries a one-byte envelope type so a single socket can multiplex the two
// kinds of multicast traffic RMC's contract implies: the announce beacons
// subs use to find a publisher's control address, and the actual framed
// call data (spec §2.9: this envelope is internal/mcast's own plumbing, not
// part of the dstc_header_t wire format in spec §3/§4.1, which starts only
// after this envelope is stripped).
const (
	envelopeAnnounce byte = 1
	envelopeData     byte = 2
)

// envelopeHeaderSize is 1 type byte + 8 bytes of sender node id, used for
// both envelope kinds so the sub side can apply loopback suppression
// (spec §3) before even looking at the payload.
const envelopeHeaderSize = 1 + 8

func encodeEnvelope(kind byte, sender NodeID, payload []byte) []byte {
	buf := make([]byte, envelopeHeaderSize+len(payload))
	buf[0] = kind
	binary.LittleEndian.PutUint64(buf[1:9], uint64(sender))
	copy(buf[envelopeHeaderSize:], payload)
	return buf
}

func decodeEnvelope(buf []byte) (kind byte, sender NodeID, payload []byte, err error) {
	if len(buf) < envelopeHeaderSize {
		return 0, 0, nil, &neterr.ProtocolError{
			Operation: "decode envelope",
			Err:       fmt.Errorf("short envelope: got %d bytes, want at least %d", len(buf), envelopeHeaderSize),
		}
	}
	kind = buf[0]
	sender = NodeID(binary.LittleEndian.Uint64(buf[1:9]))
	payload = buf[envelopeHeaderSize:]
	return kind, sender, payload, nil
}

// announcePayload is the body of an envelopeAnnounce datagram: the
// announcer's control-channel TCP address, encoded as a length-prefixed
// string so it survives alongside the fixed envelope header.
func encodeAnnouncePayload(controlAddr string) []byte {
	buf := make([]byte, 2+len(controlAddr))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(controlAddr)))
	copy(buf[2:], controlAddr)
	return buf
}

func decodeAnnouncePayload(buf []byte) (string, error) {
	if len(buf) < 2 {
		return "", &neterr.ProtocolError{Operation: "decode announce payload", Err: fmt.Errorf("short announce payload")}
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+n {
		return "", &neterr.ProtocolError{Operation: "decode announce payload", Err: fmt.Errorf("truncated announce payload")}
	}
	return string(buf[2 : 2+n]), nil
}

// controlFrameHeaderSize is a 4-byte length prefix plus the 8-byte sender
// node id, so the publisher side of a control connection can attribute an
// inbound control message to a RemoteTable entry without a separate
// handshake (spec §4.8).
const controlFrameHeaderSize = 4 + 8

func encodeControlFrame(sender NodeID, payload []byte) []byte {
	buf := make([]byte, controlFrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(8+len(payload)))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(sender))
	copy(buf[controlFrameHeaderSize:], payload)
	return buf
}

func decodeControlFrameBody(body []byte) (sender NodeID, payload []byte, err error) {
	if len(body) < 8 {
		return 0, nil, &neterr.ProtocolError{Operation: "decode control frame body", Err: fmt.Errorf("short control frame body")}
	}
	sender = NodeID(binary.LittleEndian.Uint64(body[0:8]))
	payload = body[8:]
	return sender, payload, nil
}
