// Package wire defines the on-the-wire framing used inside reliable-multicast
// payloads: one fixed-width header followed by an opaque payload, repeated
// back-to-back for every call packed into a transport packet.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the encoded size of Header in bytes: node_id(8) +
// payload_len(4) + name_len(2).
const HeaderSize = 8 + 4 + 2

// CallbackAddrSize is the width of a callback token when name_len is zero;
// the token occupies the first 8 bytes of the payload in place of a name.
const CallbackAddrSize = 8

// Header is the fixed-layout prefix of one call frame (dstc_header_t).
//
// The source assumed native struct layout; this package pins the wire
// format to little-endian with explicit field widths instead (spec §9 open
// question, resolved).
type Header struct {
	NodeID     uint64
	PayloadLen uint32
	NameLen    uint16
}

// Encode writes h followed by payload into a freshly allocated buffer sized
// exactly HeaderSize+len(payload).
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	return buf
}

// PutHeader writes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[0:8], h.NodeID)
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLen)
	binary.LittleEndian.PutUint16(buf[12:14], h.NameLen)
}

// DecodeHeader parses a Header from the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	return Header{
		NodeID:     binary.LittleEndian.Uint64(buf[0:8]),
		PayloadLen: binary.LittleEndian.Uint32(buf[8:12]),
		NameLen:    binary.LittleEndian.Uint16(buf[12:14]),
	}, nil
}

// Frame is one decoded (header, payload) pair together with the number of
// bytes it occupied in the source buffer, so callers can advance past it.
type Frame struct {
	Header  Header
	Payload []byte
	Size    int
}

// ErrTruncated is returned by Next when a frame's declared payload_len
// exceeds the bytes remaining in the buffer. Per spec §4.1, the caller
// should log and drop the rest of the packet when this occurs.
var ErrTruncated = fmt.Errorf("wire: truncated frame")

// Next decodes the first frame in buf. On success it returns the frame and
// true. If buf is too short even for a header, it returns false with no
// error (the caller has reached the end of the packet). If the header is
// well-formed but payload_len overruns the buffer, it returns ErrTruncated;
// the caller must treat the remaining buffer length as fully consumed, per
// spec §4.1 ("causes the rest of that packet to be dropped").
func Next(buf []byte) (Frame, bool, error) {
	if len(buf) < HeaderSize {
		return Frame{}, false, nil
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, false, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if end > len(buf) {
		return Frame{}, false, ErrTruncated
	}
	return Frame{
		Header:  h,
		Payload: buf[HeaderSize:end],
		Size:    end,
	}, true, nil
}

// EncodeCall builds the payload for queue-by-name: name bytes followed by
// argument bytes, in a buffer of exactly len(name)+len(arg) bytes. The
// callback variant (EncodeCallback) sizes its own buffer from the 8-byte
// token instead, so neither variant is sized from a name it does not carry
// (the source sized both off strlen(name), which is wrong for name_len==0).
func EncodeCall(name string, arg []byte) []byte {
	payload := make([]byte, len(name)+len(arg))
	n := copy(payload, name)
	copy(payload[n:], arg)
	return payload
}

// EncodeCallback builds the payload for queue-by-callback-address: the
// 8-byte token followed by argument bytes.
func EncodeCallback(token uint64, arg []byte) []byte {
	payload := make([]byte, CallbackAddrSize+len(arg))
	binary.LittleEndian.PutUint64(payload[:CallbackAddrSize], token)
	copy(payload[CallbackAddrSize:], arg)
	return payload
}

// DecodeCallbackToken reads the 8-byte callback token from the start of a
// name_len==0 frame's payload.
func DecodeCallbackToken(payload []byte) (uint64, error) {
	if len(payload) < CallbackAddrSize {
		return 0, fmt.Errorf("wire: short callback payload: got %d bytes, want %d", len(payload), CallbackAddrSize)
	}
	return binary.LittleEndian.Uint64(payload[:CallbackAddrSize]), nil
}
