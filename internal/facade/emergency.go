package facade

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
)

// EmergencyAttempts is the fixed retransmission count for an emergency
// broadcast (§4.7).
const EmergencyAttempts = 3

// EmergencyJitterMin and EmergencyJitterMax bound the randomized spacing
// between emergency broadcast attempts.
const (
	EmergencyJitterMin = 400 * time.Millisecond
	EmergencyJitterMax = 600 * time.Millisecond
)

// EmergencyAlert is an inbound emergency broadcast.
type EmergencyAlert struct {
	From       identity.PeerID
	Text       string
	ReceivedAt time.Time
}

// Emergency is the emergency-alerting facade (§4.7). Each Broadcast call
// rebuilds and resends the packet EmergencyAttempts times with a fresh
// timestamp and flags byte per attempt, so every retransmission carries a
// distinct packet id and is not deduplicated away by a relay.
type Emergency struct {
	base
	eventsCh chan EmergencyAlert

	// sleep is overridable in tests to avoid real wall-clock delay.
	sleep func(time.Duration)
}

// NewEmergency constructs an Emergency facade and registers it with router
// for packet.TypeEmergencyAlert.
func NewEmergency(m Mesh, groups groupCipher, router *Router, log *slog.Logger, onError ErrorHandler) (*Emergency, error) {
	b, err := newBase(m, groups, log, onError)
	if err != nil {
		return nil, err
	}
	e := &Emergency{base: b, eventsCh: make(chan EmergencyAlert, 16), sleep: time.Sleep}
	router.Register(packet.TypeEmergencyAlert, e.handleInbound)
	return e, nil
}

// Events returns the inbound emergency-alert stream.
func (e *Emergency) Events() <-chan EmergencyAlert { return e.eventsCh }

// Broadcast sends text as an emergency alert EmergencyAttempts times, each a
// freshly built packet, waiting a randomized EmergencyJitterMin..Max between
// attempts. It returns the first send error encountered, if any, but still
// attempts every retransmission.
func (e *Emergency) Broadcast(text string) error {
	payload, err := e.encryptIfGrouped([]byte(text), byte(packet.TypeEmergencyAlert))
	if err != nil {
		return fmt.Errorf("facade: group-encrypt emergency payload: %w", err)
	}

	var firstErr error
	for attempt := 0; attempt < EmergencyAttempts; attempt++ {
		pkt := &packet.Packet{
			Type:    packet.TypeEmergencyAlert,
			TTL:     packet.MaxTTL,
			Payload: payload,
		}
		if err := e.mesh.BroadcastPacket(pkt); err != nil && firstErr == nil {
			firstErr = err
		}
		if attempt < EmergencyAttempts-1 {
			e.sleep(emergencyJitter())
		}
	}
	return firstErr
}

func emergencyJitter() time.Duration {
	span := int64(EmergencyJitterMax - EmergencyJitterMin)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return EmergencyJitterMin
	}
	return EmergencyJitterMin + time.Duration(n.Int64())
}

func (e *Emergency) handleInbound(pkt *packet.Packet) {
	payload, err := e.decryptIfGrouped(pkt.Payload, byte(packet.TypeEmergencyAlert))
	if err != nil {
		e.onError(fmt.Errorf("facade: group-decrypt emergency payload: %w", err))
		return
	}
	if !packet.ValidateUTF8Strict(payload) {
		e.onError(fmt.Errorf("facade: emergency payload is not strict UTF-8"))
		return
	}

	alert := EmergencyAlert{
		From:       identity.PeerID(pkt.SourceID),
		Text:       string(payload),
		ReceivedAt: time.UnixMilli(pkt.TimestampMs),
	}

	select {
	case e.eventsCh <- alert:
	default:
		e.onError(fmt.Errorf("facade: dropping emergency event, subscriber queue full"))
	}
}
