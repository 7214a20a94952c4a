package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	payload := []byte(`{"action":"get-databasehash"}`)
	if err := w.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := NewFrameReader(&buf)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestFrameHeaderMatchesPayloadLength(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	payload := []byte(`{"hello":"world"}`)
	if err := w.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	header := buf.Bytes()[:HeaderSize]
	length := binary.LittleEndian.Uint32(header)
	if int(length) != len(payload) {
		t.Fatalf("header length %d != payload length %d", length, len(payload))
	}
}

func TestEmptyFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	if err := w.WriteFrame(nil); err == nil {
		t.Fatal("expected WriteFrame to reject empty payload")
	}

	// A wire-level zero-length header must also be rejected on read.
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header, 0)
	r := NewFrameReader(bytes.NewReader(header))
	if _, err := r.ReadFrame(); err != ErrEmptyFrame {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header, MaxFrameBytes+1)
	r := NewFrameReader(bytes.NewReader(header))
	if _, err := r.ReadFrame(); err == nil {
		t.Fatal("expected ReadFrame to reject oversized length header")
	}
}

func TestReadFrameNoPartialConsumptionOnShortPayload(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header, 10)
	r := NewFrameReader(bytes.NewReader(append(header, []byte("short")...)))
	if _, err := r.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
