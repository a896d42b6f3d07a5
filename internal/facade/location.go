package facade

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
)

// locationPayloadSize is lat(8) + lon(8) + accuracyMeters(4), big-endian.
const locationPayloadSize = 20

// LocationUpdate is an inbound position report.
type LocationUpdate struct {
	From           identity.PeerID
	Lat, Lon       float64
	AccuracyMeters float32
	ReceivedAt     time.Time
}

// Location is the location-sharing facade (§4.7).
type Location struct {
	base
	eventsCh chan LocationUpdate
}

// NewLocation constructs a Location facade and registers it with router for
// packet.TypeLocationUpdate.
func NewLocation(m Mesh, groups groupCipher, router *Router, log *slog.Logger, onError ErrorHandler) (*Location, error) {
	b, err := newBase(m, groups, log, onError)
	if err != nil {
		return nil, err
	}
	l := &Location{base: b, eventsCh: make(chan LocationUpdate, 64)}
	router.Register(packet.TypeLocationUpdate, l.handleInbound)
	return l, nil
}

// Events returns the inbound location stream.
func (l *Location) Events() <-chan LocationUpdate { return l.eventsCh }

// isInvalidCoordinate reports whether v cannot be a real lat/lon value
// (§8 boundary behaviors: NaN / ±∞ decode to none).
func isInvalidCoordinate(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// Send broadcasts (to == nil) or unicasts a position report.
func (l *Location) Send(lat, lon float64, accuracyMeters float32, to *identity.PeerID) error {
	if isInvalidCoordinate(lat) || isInvalidCoordinate(lon) {
		return fmt.Errorf("facade: refusing to send non-finite lat/lon (%v, %v)", lat, lon)
	}

	payload := make([]byte, locationPayloadSize)
	binary.BigEndian.PutUint64(payload[0:8], math.Float64bits(lat))
	binary.BigEndian.PutUint64(payload[8:16], math.Float64bits(lon))
	binary.BigEndian.PutUint32(payload[16:20], math.Float32bits(accuracyMeters))

	payload, err := l.encryptIfGrouped(payload, byte(packet.TypeLocationUpdate))
	if err != nil {
		return fmt.Errorf("facade: group-encrypt location payload: %w", err)
	}
	pkt := &packet.Packet{
		Type:    packet.TypeLocationUpdate,
		TTL:     packet.MaxTTL,
		Payload: payload,
	}
	if to != nil {
		pkt.DestID = [32]byte(*to)
		return l.mesh.SendPacket(pkt, *to)
	}
	return l.mesh.BroadcastPacket(pkt)
}

func (l *Location) handleInbound(pkt *packet.Packet) {
	payload, err := l.decryptIfGrouped(pkt.Payload, byte(packet.TypeLocationUpdate))
	if err != nil {
		l.onError(fmt.Errorf("facade: group-decrypt location payload: %w", err))
		return
	}
	if len(payload) != locationPayloadSize {
		l.onError(fmt.Errorf("facade: location payload wrong size: %d", len(payload)))
		return
	}

	lat := math.Float64frombits(binary.BigEndian.Uint64(payload[0:8]))
	lon := math.Float64frombits(binary.BigEndian.Uint64(payload[8:16]))
	if isInvalidCoordinate(lat) || isInvalidCoordinate(lon) {
		l.onError(fmt.Errorf("facade: location payload carries non-finite lat/lon (%v, %v)", lat, lon))
		return
	}

	update := LocationUpdate{
		From:           identity.PeerID(pkt.SourceID),
		Lat:            lat,
		Lon:            lon,
		AccuracyMeters: math.Float32frombits(binary.BigEndian.Uint32(payload[16:20])),
		ReceivedAt:     time.UnixMilli(pkt.TimestampMs),
	}

	select {
	case l.eventsCh <- update:
	default:
		l.onError(fmt.Errorf("facade: dropping location event, subscriber queue full"))
	}
}
