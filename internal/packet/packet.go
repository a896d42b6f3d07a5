// Package packet implements the binary wire codec: a fixed 78-byte header,
// up to 512 bytes of payload, and an optional trailing 64-byte Ed25519
// signature. Adapted from leebo-zerogo/internal/vl1/packet.go, which uses
// the same "fixed header + payload" shape with an 8-byte header and a
// PacketType enum; this package generalizes that to the spec's 78-byte
// header, signed/unsigned variants, and strict decode validation.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/offgrid-mesh/meshcore/internal/primitives"
)

// Type is the single-byte message type discriminant.
type Type byte

const (
	TypeHandshake         Type = 0x01
	TypeChat              Type = 0x02
	TypeTopologyAnnounce  Type = 0x03
	TypeGossipSync        Type = 0x04
	TypeAck               Type = 0x05
	TypePing              Type = 0x06
	TypePong              Type = 0x07
	TypeDiscovery         Type = 0x08
	TypeNoiseEncrypted    Type = 0x09
	TypeLocationUpdate    Type = 0x0A
	TypeGroupJoin         Type = 0x0B
	TypeGroupJoinResponse Type = 0x0C
	TypeGroupKeyRotation  Type = 0x0D
	TypeEmergencyAlert    Type = 0x0E
)

// IsKnown reports whether t is one of the defined message types.
func (t Type) IsKnown() bool {
	switch t {
	case TypeHandshake, TypeChat, TypeTopologyAnnounce, TypeGossipSync, TypeAck,
		TypePing, TypePong, TypeDiscovery, TypeNoiseEncrypted, TypeLocationUpdate,
		TypeGroupJoin, TypeGroupJoinResponse, TypeGroupKeyRotation, TypeEmergencyAlert:
		return true
	default:
		return false
	}
}

const (
	// Version is the only supported wire format version.
	Version = 1
	// MaxTTL bounds the relay hop count.
	MaxTTL = 7
	// MaxPayload bounds payload size; the protocol assumes the negotiated
	// radio MTU accommodates any in-scope packet (no fragmentation).
	MaxPayload = 512
	// HeaderSize is the fixed unsigned-header length in bytes.
	HeaderSize = 78
	// SignatureSize is the trailing Ed25519 signature length, present only
	// in the signed variant.
	SignatureSize = 64
	// clockSkewTolerance bounds how far a packet's timestamp may deviate
	// from the local clock in either direction before being rejected.
	clockSkewTolerance = 5 * time.Minute
)

// Packet is a decoded wire packet. Header fields are copied out of the wire
// buffer; Payload and Signature are owned copies, never aliases into a
// caller buffer the caller may mutate (transports copy on ingress).
type Packet struct {
	VersionByte byte
	Type        Type
	TTL         byte
	Flags       byte
	TimestampMs int64
	SourceID    [32]byte
	DestID      [32]byte
	Payload     []byte
	Signature   []byte // nil when unsigned
}

// Broadcast reports whether DestID is all-zero, the wire convention for a
// broadcast packet.
func (p *Packet) Broadcast() bool {
	var zero [32]byte
	return p.DestID == zero
}

// Signed reports whether this packet carries a trailing signature.
func (p *Packet) Signed() bool {
	return p.Signature != nil
}

var (
	// ErrPayloadTooLarge is returned by Encode when Payload exceeds
	// MaxPayload; encoding never silently truncates.
	ErrPayloadTooLarge = errors.New("packet: payload exceeds maximum size")
	// ErrBufferTooShort is returned by Decode when the input is shorter
	// than the declared content requires.
	ErrBufferTooShort = errors.New("packet: buffer shorter than declared length")
	// ErrMalformed covers every other structural decode failure: bad
	// version, unknown type, TTL out of range, payload too large, or
	// timestamp outside the clock skew tolerance.
	ErrMalformed = errors.New("packet: malformed")
)

// Encode serializes p into the wire format: header, then payload, then an
// optional signature if p.Signature is non-nil.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p.Payload), MaxPayload)
	}

	total := HeaderSize + len(p.Payload)
	if p.Signature != nil {
		total += SignatureSize
	}
	buf := make([]byte, total)

	buf[0] = Version
	buf[1] = byte(p.Type)
	buf[2] = p.TTL
	buf[3] = p.Flags
	binary.BigEndian.PutUint64(buf[4:12], uint64(p.TimestampMs))
	copy(buf[12:44], p.SourceID[:])
	copy(buf[44:76], p.DestID[:])
	binary.BigEndian.PutUint16(buf[76:78], uint16(len(p.Payload)))
	copy(buf[78:78+len(p.Payload)], p.Payload)

	if p.Signature != nil {
		if len(p.Signature) != SignatureSize {
			return nil, fmt.Errorf("packet: signature must be %d bytes, got %d", SignatureSize, len(p.Signature))
		}
		copy(buf[78+len(p.Payload):], p.Signature)
	}
	return buf, nil
}

// Decode parses a wire buffer, validating strictly and returning
// ErrMalformed (wrapped with more context) or ErrBufferTooShort on any
// violation. now is the local clock used for the timestamp skew check,
// threaded explicitly so decoding stays deterministic for tests.
func Decode(buf []byte, now time.Time) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrBufferTooShort
	}

	version := buf[0]
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}

	typ := Type(buf[1])
	if !typ.IsKnown() {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformed, byte(typ))
	}

	ttl := buf[2]
	if ttl > MaxTTL {
		return nil, fmt.Errorf("%w: ttl %d exceeds max %d", ErrMalformed, ttl, MaxTTL)
	}

	flags := buf[3]
	timestampMs := int64(binary.BigEndian.Uint64(buf[4:12]))

	ts := time.UnixMilli(timestampMs)
	if ts.Before(now.Add(-clockSkewTolerance)) || ts.After(now.Add(clockSkewTolerance)) {
		return nil, fmt.Errorf("%w: timestamp outside clock skew tolerance", ErrMalformed)
	}

	var sourceID, destID [32]byte
	copy(sourceID[:], buf[12:44])
	copy(destID[:], buf[44:76])

	payloadLen := int(binary.BigEndian.Uint16(buf[76:78]))
	if payloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d exceeds max %d", ErrMalformed, payloadLen, MaxPayload)
	}

	end := HeaderSize + payloadLen
	if len(buf) < end {
		return nil, ErrBufferTooShort
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:end])

	var signature []byte
	remaining := len(buf) - end
	switch remaining {
	case 0:
		// unsigned variant
	case SignatureSize:
		signature = make([]byte, SignatureSize)
		copy(signature, buf[end:end+SignatureSize])
	default:
		return nil, fmt.Errorf("%w: trailing %d bytes is not a valid signature length", ErrMalformed, remaining)
	}

	return &Packet{
		VersionByte: version,
		Type:        typ,
		TTL:         ttl,
		Flags:       flags,
		TimestampMs: timestampMs,
		SourceID:    sourceID,
		DestID:      destID,
		Payload:     payload,
		Signature:   signature,
	}, nil
}

// SignableBytes returns the header+payload bytes over which the Ed25519
// signature is computed: the full encoding minus the trailing signature
// slot. Callers sign this, then append the result as Packet.Signature.
func SignableBytes(p *Packet) ([]byte, error) {
	unsigned := *p
	unsigned.Signature = nil
	return Encode(&unsigned)
}

// Identifier computes the dedup key for p:
// hex(sourceId) ":" timestamp ":" type ":" flags, with ":" + hex of the
// first 8 bytes (16 hex chars) of the signature when signed, or ":nosig" when unsigned. Signed and
// stripped-signature twins are thereby guaranteed not to collide.
func Identifier(p *Packet) string {
	base := fmt.Sprintf("%s:%d:%d:%d", primitives.HexEncode(p.SourceID[:]), p.TimestampMs, p.Type, p.Flags)
	if len(p.Signature) >= 8 {
		return base + ":" + primitives.HexEncode(p.Signature[:8])
	}
	return base + ":nosig"
}

// ValidateUTF8Strict reports whether b is strictly valid UTF-8 with no
// replacement-character fallback, used by the chat facade to reject
// non-strict text payloads.
func ValidateUTF8Strict(b []byte) bool {
	return utf8.Valid(b)
}
