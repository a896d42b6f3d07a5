package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
	"github.com/offgrid-mesh/meshcore/internal/primitives"
)

// Gossip sync bounds (§4.6 step 6): serve at most 20 packets per request,
// rate-limit the requesting-peer table at 200 entries, early-reject a
// request whose advertised seen-set exceeds 2x local capacity.
const (
	GossipMaxServedPerRequest = 20
	GossipPeerCacheCapacity   = 200
	GossipMinRequestInterval  = time.Second
)

// ErrSeenSetTooLarge is returned when a gossipSync request advertises a
// seen-set more than 2x this node's local capacity — treated as abusive or
// malformed rather than served.
var ErrSeenSetTooLarge = errors.New("mesh: gossip seen-set exceeds 2x local capacity")

// ErrGossipRateLimited is returned when a peer requests sync again before
// GossipMinRequestInterval has elapsed.
var ErrGossipRateLimited = errors.New("mesh: gossip request rate limited")

// EncodeGossipSyncPayload builds a gossipSync packet payload advertising
// haveIDs: each id as a 2-byte big-endian length prefix followed by its
// UTF-8 bytes, concatenated in order. Packet.Identifier ids are variable-
// length strings, so a fixed-width encoding (as topologyAnnounce uses for
// its fixed 32-byte peer ids) doesn't fit here.
func EncodeGossipSyncPayload(haveIDs []string) []byte {
	buf := make([]byte, 0, len(haveIDs)*16)
	var lenPrefix [2]byte
	for _, id := range haveIDs {
		binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(id)))
		buf = append(buf, lenPrefix[:]...)
		buf = append(buf, id...)
	}
	return buf
}

// DecodeGossipSyncPayload reverses EncodeGossipSyncPayload, returning an
// error if the payload is truncated mid-entry.
func DecodeGossipSyncPayload(payload []byte) ([]string, error) {
	var ids []string
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("mesh: truncated gossipSync length prefix")
		}
		n := int(binary.BigEndian.Uint16(payload[:2]))
		payload = payload[2:]
		if n > len(payload) {
			return nil, fmt.Errorf("mesh: truncated gossipSync id entry")
		}
		ids = append(ids, string(payload[:n]))
		payload = payload[n:]
	}
	return ids, nil
}

// GossipSync serves anti-entropy requests: a peer advertises the packet
// ids it already has, and this node resends the ones it holds that the
// peer doesn't, up to a per-request cap. Grounded on
// leebo-zerogo/internal/vl2/switch.go's bounded learning table (map +
// capacity-triggered eviction of the oldest entry) for the per-peer
// request-rate table's shape, adapted here to rate-limit requesters rather
// than age out MAC entries.
type GossipSync struct {
	localCapacity int

	mu     sync.Mutex
	recent *primitives.LRU // packet id (string) -> *packet.Packet

	peerMu      sync.Mutex
	peerLastReq *primitives.LRU // identity.PeerID.String() -> time.Time
}

// NewGossipSync constructs a GossipSync whose "local capacity" reference
// for the 2x early-reject check is localCapacity (the dedup capacity).
func NewGossipSync(localCapacity int) *GossipSync {
	return &GossipSync{
		localCapacity: localCapacity,
		recent:        primitives.NewLRU(localCapacity, nil),
		peerLastReq:   primitives.NewLRU(GossipPeerCacheCapacity, nil),
	}
}

// RecordSeen adds pkt (keyed by id) to the set this node can serve to
// gossip requesters. Callers MUST invoke this only after app-layer drop
// decisions for pkt have completed, so a packet this node ultimately
// dropped never gets handed back out to a gossip peer.
func (g *GossipSync) RecordSeen(id string, pkt *packet.Packet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recent.Put(id, pkt)
}

// HandleRequest answers a gossipSync request from requester, who already
// holds the packets named in haveIDs. Returns up to GossipMaxServedPerRequest
// packets the requester is missing.
func (g *GossipSync) HandleRequest(requester identity.PeerID, haveIDs []string, now time.Time) ([]*packet.Packet, error) {
	if len(haveIDs) > 2*g.localCapacity {
		return nil, ErrSeenSetTooLarge
	}

	g.peerMu.Lock()
	key := requester.String()
	if v, ok := g.peerLastReq.Get(key); ok {
		last := v.(time.Time)
		if now.Sub(last) < GossipMinRequestInterval {
			g.peerMu.Unlock()
			return nil, ErrGossipRateLimited
		}
	}
	g.peerLastReq.Put(key, now)
	g.peerMu.Unlock()

	have := make(map[string]struct{}, len(haveIDs))
	for _, id := range haveIDs {
		have[id] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var missing []*packet.Packet
	for _, id := range g.recent.Keys() {
		if len(missing) >= GossipMaxServedPerRequest {
			break
		}
		if _, ok := have[id]; ok {
			continue
		}
		v, ok := g.recent.Get(id)
		if !ok {
			continue
		}
		missing = append(missing, v.(*packet.Packet))
	}
	return missing, nil
}
