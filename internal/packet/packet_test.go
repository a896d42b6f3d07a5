package packet

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func sampleSourceID() [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = byte(i)
	}
	return id
}

func TestEncodeDecodeRoundTripUnsigned(t *testing.T) {
	now := time.Now()
	p := &Packet{
		Type:        TypeChat,
		TTL:         6,
		Flags:       0x42,
		TimestampMs: now.UnixMilli(),
		SourceID:    sampleSourceID(),
		Payload:     []byte("hello mesh"),
	}
	buf, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != HeaderSize+len(p.Payload) {
		t.Fatalf("unexpected encoded length %d", len(buf))
	}

	decoded, err := Decode(buf, now)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != p.Type || decoded.TTL != p.TTL || decoded.Flags != p.Flags {
		t.Fatal("header fields did not round-trip")
	}
	if !bytes.Equal(decoded.Payload, p.Payload) {
		t.Fatal("payload did not round-trip")
	}
	if decoded.Signed() {
		t.Fatal("expected unsigned packet")
	}
	if !decoded.Broadcast() {
		t.Fatal("expected broadcast (zero destId)")
	}
}

func TestEncodeDecodeRoundTripSigned(t *testing.T) {
	now := time.Now()
	p := &Packet{
		Type:        TypeHandshake,
		TTL:         1,
		TimestampMs: now.UnixMilli(),
		SourceID:    sampleSourceID(),
		Payload:     []byte{0x01, 0x02, 0x03},
		Signature:   bytes.Repeat([]byte{0xAB}, SignatureSize),
	}
	buf, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(buf, now)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Signed() {
		t.Fatal("expected signed packet")
	}
	if !bytes.Equal(decoded.Signature, p.Signature) {
		t.Fatal("signature did not round-trip")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	p := &Packet{Type: TypeChat, Payload: make([]byte, MaxPayload+1)}
	if _, err := Encode(p); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	now := time.Now()
	p := &Packet{Type: TypeChat, TimestampMs: now.UnixMilli(), SourceID: sampleSourceID()}
	buf, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] = 2
	if _, err := Decode(buf, now); err == nil {
		t.Fatal("expected error for bad version")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	now := time.Now()
	p := &Packet{Type: TypeChat, TimestampMs: now.UnixMilli(), SourceID: sampleSourceID()}
	buf, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	buf[1] = 0xFF
	if _, err := Decode(buf, now); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestDecodeRejectsTTLOverMax(t *testing.T) {
	now := time.Now()
	p := &Packet{Type: TypeChat, TTL: MaxTTL + 1, TimestampMs: now.UnixMilli(), SourceID: sampleSourceID()}
	buf, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(buf, now); err == nil {
		t.Fatal("expected error for ttl over max")
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	now := time.Now()
	p := &Packet{Type: TypeChat, TimestampMs: now.UnixMilli(), SourceID: sampleSourceID(), Payload: []byte("abc")}
	buf, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(buf[:len(buf)-1], now); err != ErrBufferTooShort {
		t.Fatalf("expected ErrBufferTooShort, got %v", err)
	}
}

func TestDecodeRejectsStaleAndFutureTimestamps(t *testing.T) {
	now := time.Now()
	stale := &Packet{Type: TypeChat, TimestampMs: now.Add(-10 * time.Minute).UnixMilli(), SourceID: sampleSourceID()}
	buf, err := Encode(stale)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(buf, now); err == nil {
		t.Fatal("expected error for stale timestamp")
	}

	future := &Packet{Type: TypeChat, TimestampMs: now.Add(10 * time.Minute).UnixMilli(), SourceID: sampleSourceID()}
	buf2, err := Encode(future)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(buf2, now); err == nil {
		t.Fatal("expected error for future timestamp")
	}
}

func TestIdentifierDistinguishesSignedFromUnsigned(t *testing.T) {
	now := time.Now()
	base := &Packet{Type: TypeChat, TimestampMs: now.UnixMilli(), SourceID: sampleSourceID(), Flags: 7}

	unsigned := *base
	unsignedID := Identifier(&unsigned)
	if !strings.HasSuffix(unsignedID, ":nosig") {
		t.Fatalf("expected unsigned id to end with :nosig, got %q", unsignedID)
	}

	signed := *base
	signed.Signature = bytes.Repeat([]byte{0x01}, SignatureSize)
	signedID := Identifier(&signed)
	if signedID == unsignedID {
		t.Fatal("expected signed and unsigned identifiers to differ")
	}
}

func TestSignableBytesExcludesSignature(t *testing.T) {
	now := time.Now()
	p := &Packet{
		Type:        TypeChat,
		TimestampMs: now.UnixMilli(),
		SourceID:    sampleSourceID(),
		Payload:     []byte("x"),
		Signature:   bytes.Repeat([]byte{0x99}, SignatureSize),
	}
	signable, err := SignableBytes(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(signable) != HeaderSize+len(p.Payload) {
		t.Fatalf("expected signable bytes to exclude signature, got len %d", len(signable))
	}
}
