package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{NodeID: 0xDEADBEEF, PayloadLen: 5, NameLen: 3}
	buf := make([]byte, HeaderSize)
	PutHeader(buf, h)

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v, want nil", err)
	}
	if got != h {
		t.Errorf("DecodeHeader() = %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	if err == nil {
		t.Error("DecodeHeader() on short buffer error = nil, want error")
	}
}

func TestNextSingleFrame(t *testing.T) {
	payload := EncodeCall("print", []byte{0x2a})
	buf := Encode(Header{NodeID: 1, PayloadLen: uint32(len(payload)), NameLen: 5}, payload)

	frame, ok, err := Next(buf)
	if err != nil || !ok {
		t.Fatalf("Next() = (%v, %v, %v), want a decoded frame", frame, ok, err)
	}
	if frame.Size != len(buf) {
		t.Errorf("frame.Size = %d, want %d", frame.Size, len(buf))
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("frame.Payload = %v, want %v", frame.Payload, payload)
	}
}

func TestNextPackedFrames(t *testing.T) {
	p1 := EncodeCall("print", []byte{1})
	p2 := EncodeCall("print", []byte{2})
	buf := append(
		Encode(Header{NodeID: 1, PayloadLen: uint32(len(p1)), NameLen: 5}, p1),
		Encode(Header{NodeID: 1, PayloadLen: uint32(len(p2)), NameLen: 5}, p2)...,
	)

	var got [][]byte
	for len(buf) > 0 {
		frame, ok, err := Next(buf)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !ok {
			break
		}
		got = append(got, append([]byte(nil), frame.Payload...))
		buf = buf[frame.Size:]
	}

	if len(got) != 2 || !bytes.Equal(got[0], p1) || !bytes.Equal(got[1], p2) {
		t.Errorf("Next() sequence = %v, want [%v %v]", got, p1, p2)
	}
}

func TestNextTruncatedFrame(t *testing.T) {
	buf := Encode(Header{NodeID: 1, PayloadLen: 100, NameLen: 5}, []byte("print"))
	_, ok, err := Next(buf)
	if ok || !errors.Is(err, ErrTruncated) {
		t.Errorf("Next() on truncated frame = (ok=%v, err=%v), want ErrTruncated", ok, err)
	}
}

func TestEncodeCallback(t *testing.T) {
	payload := EncodeCallback(0xDEAD0000, []byte{1, 2})
	token, err := DecodeCallbackToken(payload)
	if err != nil {
		t.Fatalf("DecodeCallbackToken() error = %v", err)
	}
	if token != 0xDEAD0000 {
		t.Errorf("token = %x, want %x", token, 0xDEAD0000)
	}
	if !bytes.Equal(payload[CallbackAddrSize:], []byte{1, 2}) {
		t.Errorf("args = %v, want [1 2]", payload[CallbackAddrSize:])
	}
}
