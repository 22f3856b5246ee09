package lib

import (
	"bytes"
	"errors"
	"testing"
)

func TestSegmentRoundTrip(t *testing.T) {
	mss := MaxPacket - PacketOverhead
	for _, n := range []int{0, 1, 16, 1440, mss} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		in := Segment{
			Conv:    0xDEADBEEF,
			Seq:     0xFFFFFFF0,
			Ack:     42,
			Flags:   CTLFlag | RSTFlag,
			Window:  61440,
			TsVal:   123456789,
			TsEcr:   987654321,
			Payload: payload,
		}
		buf := make([]byte, HeaderLength+n)
		length, err := in.Marshal(buf)
		if err != nil {
			t.Fatalf("Marshal(%d): %v", n, err)
		}
		if length != HeaderLength+n {
			t.Fatalf("Marshal(%d) length = %d", n, length)
		}
		if buf[12] != 0 {
			t.Errorf("reserved byte = %d, want 0", buf[12])
		}

		var out Segment
		if err := out.Unmarshal(buf[:length]); err != nil {
			t.Fatalf("Unmarshal(%d): %v", n, err)
		}
		if out.Conv != in.Conv || out.Seq != in.Seq || out.Ack != in.Ack || out.Flags != in.Flags ||
			out.Window != in.Window || out.TsVal != in.TsVal || out.TsEcr != in.TsEcr {
			t.Errorf("header mismatch for payload %d: got %+v want %+v", n, out, in)
		}
		if !bytes.Equal(out.Payload, in.Payload) {
			t.Errorf("payload mismatch for length %d", n)
		}
	}
}

func TestSegmentWireLayout(t *testing.T) {
	seg := Segment{Conv: 0x01020304, Seq: 0x05060708, Ack: 0x090A0B0C, Flags: CTLFlag, Window: 0x0D0E, TsVal: 0x0F101112, TsEcr: 0x13141516, Payload: []byte{0xAA}}
	buf := make([]byte, 32)
	n, err := seg.Marshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0, 2, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 0xAA}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("wire bytes = %v, want %v", buf[:n], want)
	}
}

func TestSegmentMalformed(t *testing.T) {
	var seg Segment
	err := seg.Unmarshal(make([]byte, HeaderLength-1))
	if !errors.Is(err, ErrMalformedSegment) {
		t.Errorf("short packet error = %v, want ErrMalformedSegment", err)
	}
	if _, ok := PeekConversation(make([]byte, 10)); ok {
		t.Error("PeekConversation accepted a short packet")
	}
	if _, err := (&Segment{Payload: make([]byte, 10)}).Marshal(make([]byte, HeaderLength)); err == nil {
		t.Error("Marshal into a short buffer did not fail")
	}
}
