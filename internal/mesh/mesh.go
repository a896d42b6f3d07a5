// Package mesh implements the relay orchestrator: it wraps a concrete
// transport.Transport, presenting the same start/stop/send/broadcast/packets
// surface while adding signing, verification, deduplication, topology
// tracking, gossip-sync, and jittered multi-hop relay on top. Grounded on
// leebo-zerogo/internal/vl2/switch.go for the learning/forwarding shape and
// on leebo-zerogo/internal/agent/agent.go for the lifecycle (context+cancel,
// background goroutines, idempotent Start/Stop).
package mesh

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
	"github.com/offgrid-mesh/meshcore/internal/primitives"
	"github.com/offgrid-mesh/meshcore/internal/transport"
)

// HandshakeRelayTTLCap bounds how far a forwarded (non-local) handshake-type
// packet may travel — tighter than the broadcast caps below since a
// handshake relay exists only to let two non-adjacent nodes bootstrap an
// end-to-end Noise session.
const HandshakeRelayTTLCap = 3

// Per-type broadcast TTL caps (§4.6 step 8). FragmentTTLCap is unused today:
// the wire format has no fragment message type (fragmentation beyond a
// single radio frame is out of scope), but the constant is kept so a future
// fragment type has a documented cap to adopt.
const (
	AnnounceTTLCap = 7
	FragmentTTLCap = 5
	MessageTTLCap  = 6
)

// Degree-adaptive jitter bounds (§4.6 step 8), keyed off this node's current
// direct-peer count.
const (
	sparseDegreeMax = 2
	midDegreeMax    = 5

	sparseJitterMin, sparseJitterMax = 10 * time.Millisecond, 25 * time.Millisecond
	midJitterMin, midJitterMax       = 60 * time.Millisecond, 150 * time.Millisecond
	denseJitterMin, denseJitterMax   = 100 * time.Millisecond, 220 * time.Millisecond
)

// sweepInterval drives periodic dedup compaction and topology pruning.
const sweepInterval = 30 * time.Second

// inboundQueueCapacity and peerEventQueueCapacity bound the subscriber-facing
// channels; per §5 a slow subscriber is dropped from rather than allowed to
// block the producer.
const (
	inboundQueueCapacity   = 256
	peerEventQueueCapacity = 64
)

// MaxAnnounceNeighbors bounds the neighbor list carried in a topologyAnnounce
// payload (§4.6 outbound: "truncate neighbor lists to 10 entries").
const MaxAnnounceNeighbors = 10

var (
	ErrAlreadyRunning = errors.New("mesh: already running")
	ErrNotRunning     = errors.New("mesh: not running")
)

// Mesh implements the Transport trait (start/stop/send/broadcast/packets/
// peers/my_peer_id) over a concrete transport.Transport.
type Mesh struct {
	suite    *crypto.Suite
	identity *identity.Store
	wire     *transport.Transport
	log      *slog.Logger

	dedup    *Deduplicator
	topology *TopologyTracker
	gossip   *GossipSync

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	directPeers map[identity.PeerID]struct{}

	signingKeys *primitives.LRU // identity.PeerID.String() -> ed25519.PublicKey

	appPacketsCh chan *packet.Packet
	peerEventsCh chan transport.PeerEvent
}

// New constructs a Mesh around wire. idStore supplies the signing key used
// to authenticate this node's own outbound packets.
func New(suite *crypto.Suite, idStore *identity.Store, wire *transport.Transport, log *slog.Logger) *Mesh {
	return &Mesh{
		suite:        suite,
		identity:     idStore,
		wire:         wire,
		log:          log,
		dedup:        NewDeduplicator(DedupCapacity, DedupWindow),
		topology:     NewTopologyTracker(),
		gossip:       NewGossipSync(DedupCapacity),
		directPeers:  make(map[identity.PeerID]struct{}),
		signingKeys:  primitives.NewLRU(identity.MaxTrustedPeers*2, nil),
		appPacketsCh: make(chan *packet.Packet, inboundQueueCapacity),
		peerEventsCh: make(chan transport.PeerEvent, peerEventQueueCapacity),
	}
}

// Start brings up the underlying transport and the relay goroutines. It is
// idempotent: calling Start while already running returns ErrAlreadyRunning
// and leaves the existing run untouched.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	if err := m.wire.Start(ctx); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	go m.runInbound()
	go m.sweepLoop()
	return nil
}

// Stop halts the relay goroutines (in-flight jitter waits abort at their
// next cancellation check point) and stops the underlying transport.
func (m *Mesh) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	return m.wire.Stop()
}

func (m *Mesh) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Packets returns the stream of application-layer packets: everything that
// survived the inbound pipeline's mesh-internal consumption (handshake,
// discovery/topologyAnnounce, gossipSync).
func (m *Mesh) Packets() <-chan *packet.Packet { return m.appPacketsCh }

// Peers returns the direct-peer connect/disconnect stream, passed through
// from the underlying transport.
func (m *Mesh) Peers() <-chan transport.PeerEvent { return m.peerEventsCh }

// MyPeerID returns this node's PeerId.
func (m *Mesh) MyPeerID() identity.PeerID { return m.wire.MyPeerID() }

// SendPacket signs and unicasts pkt to a specific direct or known peer.
func (m *Mesh) SendPacket(pkt *packet.Packet, to identity.PeerID) error {
	if err := m.prepareOutbound(pkt); err != nil {
		return err
	}
	return m.wire.SendPacket(pkt, to)
}

// BroadcastPacket signs and broadcasts pkt to every connected direct peer.
func (m *Mesh) BroadcastPacket(pkt *packet.Packet) error {
	if err := m.prepareOutbound(pkt); err != nil {
		return err
	}
	return m.wire.BroadcastPacket(pkt)
}

// BuildTopologyAnnouncePayload encodes this node's neighbor list, truncated
// to MaxAnnounceNeighbors, as the concatenation of their raw 32-byte ids.
func BuildTopologyAnnouncePayload(neighbors []identity.PeerID) []byte {
	if len(neighbors) > MaxAnnounceNeighbors {
		neighbors = neighbors[:MaxAnnounceNeighbors]
	}
	buf := make([]byte, 0, len(neighbors)*identity.PeerIDSize)
	for _, n := range neighbors {
		buf = append(buf, n.Bytes()...)
	}
	return buf
}

// prepareOutbound stamps a CSPRNG flags byte, the source id, a timestamp if
// unset, and an Ed25519 signature over header+payload, rejecting oversized
// payloads before the radio ever sees them.
func (m *Mesh) prepareOutbound(pkt *packet.Packet) error {
	if len(pkt.Payload) > packet.MaxPayload {
		return packet.ErrPayloadTooLarge
	}
	flags, err := m.suite.RandomBytes(1)
	if err != nil {
		return err
	}
	pkt.Flags = flags[0]
	pkt.SourceID = [32]byte(m.wire.MyPeerID())
	if pkt.TimestampMs == 0 {
		pkt.TimestampMs = time.Now().UnixMilli()
	}
	signable, err := packet.SignableBytes(pkt)
	if err != nil {
		return err
	}
	pkt.Signature = m.identity.Sign(m.suite, signable)
	return nil
}

func (m *Mesh) runInbound() {
	packets := m.wire.Packets()
	peers := m.wire.Peers()
	for {
		select {
		case <-m.stopCh:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			m.handleInbound(pkt)
		case ev, ok := <-peers:
			if !ok {
				continue
			}
			m.handlePeerEvent(ev)
		}
	}
}

func (m *Mesh) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.dedup.Sweep(now)
			m.topology.Prune(now)
		}
	}
}

func (m *Mesh) handlePeerEvent(ev transport.PeerEvent) {
	m.mu.Lock()
	if ev.Disconnected {
		delete(m.directPeers, ev.PeerID)
	} else if ev.Authenticated {
		m.directPeers[ev.PeerID] = struct{}{}
		if len(ev.RemoteSigningPub) == ed25519.PublicKeySize {
			m.signingKeys.Put(ev.PeerID.String(), ed25519.PublicKey(ev.RemoteSigningPub))
		}
	}
	m.mu.Unlock()

	select {
	case m.peerEventsCh <- ev:
	default:
		m.log.Warn("dropping peer event, subscriber queue full", "peer", ev.PeerID.String())
	}
}

func (m *Mesh) directPeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.directPeers)
}

// DirectPeers returns the peer ids this node currently holds an
// authenticated direct link to. Exposed read-only for internal/diag.
func (m *Mesh) DirectPeers() []identity.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.PeerID, 0, len(m.directPeers))
	for p := range m.directPeers {
		out = append(out, p)
	}
	return out
}

// KnownNeighbors returns the neighbor list this node last recorded for
// node via a topologyAnnounce/discovery claim, or nil if node is unknown.
func (m *Mesh) KnownNeighbors(node identity.PeerID) []identity.PeerID {
	return m.topology.Neighbors(node)
}

// KnownNodes returns every node this mesh currently has a live topology
// claim for, direct or multi-hop.
func (m *Mesh) KnownNodes() []identity.PeerID {
	return m.topology.KnownNodes()
}

// SessionCount returns the number of active Noise sessions held by the
// underlying transport, for diagnostic display.
func (m *Mesh) SessionCount() int { return m.wire.SessionCount() }

// DedupSize returns the number of packet ids currently tracked by the
// deduplicator, for diagnostic display.
func (m *Mesh) DedupSize() int { return m.dedup.Len() }

// Identity returns this node's identity store, for diagnostic display and
// for diag's mutating trust-peer/reset-identity endpoints.
func (m *Mesh) Identity() *identity.Store { return m.identity }

// RecentPacketIDs returns up to n of the most recently seen packet ids this
// node can currently serve to a gossip-sync requester, for diagnostic
// display. Order is not significant.
func (m *Mesh) RecentPacketIDs(n int) []string {
	ids := m.gossip.recent.Keys()
	if n > 0 && len(ids) > n {
		ids = ids[:n] // Keys() is most-recently-used first
	}
	return ids
}

func (m *Mesh) lookupSigningKey(p identity.PeerID) (ed25519.PublicKey, bool) {
	v, ok := m.signingKeys.Get(p.String())
	if !ok {
		return nil, false
	}
	return v.(ed25519.PublicKey), true
}

func isBootstrapType(t packet.Type) bool {
	switch t {
	case packet.TypeHandshake, packet.TypeDiscovery, packet.TypeTopologyAnnounce:
		return true
	default:
		return false
	}
}

// handleInbound runs the 8-step inbound pipeline described at §4.6.
func (m *Mesh) handleInbound(pkt *packet.Packet) {
	now := time.Now()
	source := identity.PeerID(pkt.SourceID)

	// Step 1: ignore our own packets (can arrive via broadcast loopback on
	// the simulated radio, or a stale relay in a partitioned topology).
	if source == m.wire.MyPeerID() {
		return
	}

	// Step 2: dedup.
	id := packet.Identifier(pkt)
	if m.dedup.SeenOrRecord(id, now) {
		return
	}

	if pkt.Type == packet.TypeHandshake {
		// Step 3: a forwarded (non-hop-local) handshake packet is relayed
		// under a tight TTL cap to let distant nodes bootstrap an
		// end-to-end session, but never handed to the application.
		if pkt.TTL > HandshakeRelayTTLCap {
			pkt.TTL = HandshakeRelayTTLCap
		}
		m.considerRelay(pkt, source)
		return
	}

	// Step 4: signature verification.
	signingKey, known := m.lookupSigningKey(source)
	switch {
	case known:
		signable, err := packet.SignableBytes(pkt)
		if err != nil || !pkt.Signed() || !m.suite.Verify(signingKey, signable, pkt.Signature) {
			return
		}
	case m.wire.IsDirectPeer(source):
		if !isBootstrapType(pkt.Type) {
			return
		}
	default:
		// Multi-hop and signer unknown: neither verified nor rejected here;
		// it proceeds through the remaining steps and, if it reaches
		// gossip bookkeeping, is recorded only after those checks pass.
	}

	// Step 5: discovery / topologyAnnounce feed the topology tracker and
	// are consumed, not forwarded to the application.
	if pkt.Type == packet.TypeDiscovery || pkt.Type == packet.TypeTopologyAnnounce {
		m.ingestTopology(source, pkt, now)
		m.gossip.RecordSeen(id, pkt)
		m.considerRelay(pkt, source)
		return
	}

	// Step 6: gossipSync requests are served, not delivered to the
	// application; they still take part in the relay decision.
	if pkt.Type == packet.TypeGossipSync {
		m.answerGossipSync(source, pkt, now)
		m.gossip.RecordSeen(id, pkt)
		m.considerRelay(pkt, source)
		return
	}

	// Step 7: everything else reaches the application.
	m.emitApplication(pkt)
	m.gossip.RecordSeen(id, pkt)

	// Step 8: independent relay decision.
	m.considerRelay(pkt, source)
}

func (m *Mesh) emitApplication(pkt *packet.Packet) {
	select {
	case m.appPacketsCh <- pkt:
	default:
		m.log.Warn("dropping application packet, subscriber queue full", "type", pkt.Type)
	}
}

// ingestTopology decodes a topologyAnnounce/discovery payload (the
// concatenation of 32-byte neighbor ids, per BuildTopologyAnnouncePayload)
// and records the claim.
func (m *Mesh) ingestTopology(source identity.PeerID, pkt *packet.Packet, now time.Time) {
	if pkt.Type != packet.TypeTopologyAnnounce {
		return
	}
	n := len(pkt.Payload) / identity.PeerIDSize
	neighbors := make([]identity.PeerID, 0, n)
	for i := 0; i < n; i++ {
		var id identity.PeerID
		copy(id[:], pkt.Payload[i*identity.PeerIDSize:(i+1)*identity.PeerIDSize])
		neighbors = append(neighbors, id)
	}
	m.topology.RecordClaim(source, neighbors, now)
}

// answerGossipSync decodes requester's advertised seen-set from pkt's
// payload and unicasts back whatever this node holds that the requester
// doesn't, up to GossipMaxServedPerRequest packets (§4.6 step 6). A
// malformed payload, an oversized seen-set, or a requester over the rate
// limit are all logged and dropped rather than served. The requester must
// be directly reachable for the reply to go anywhere — SendPacket to a
// multi-hop requester returns transport.ErrNoSession and is logged, not
// retried.
func (m *Mesh) answerGossipSync(requester identity.PeerID, pkt *packet.Packet, now time.Time) {
	haveIDs, err := DecodeGossipSyncPayload(pkt.Payload)
	if err != nil {
		m.log.Debug("dropping malformed gossipSync request", "peer", requester.String(), "err", err)
		return
	}

	missing, err := m.gossip.HandleRequest(requester, haveIDs, now)
	if err != nil {
		m.log.Debug("rejecting gossipSync request", "peer", requester.String(), "err", err)
		return
	}

	for _, reply := range missing {
		if err := m.wire.SendPacket(reply, requester); err != nil {
			m.log.Debug("gossipSync reply undeliverable", "peer", requester.String(), "err", err)
			return
		}
	}
}

// relayTTLCap returns the per-type TTL cap for a broadcast packet (§4.6 step
// 8). unlimited is true when no cap applies (handshake, or any directed/unicast
// packet, which is always eligible to relay regardless of type).
func relayTTLCap(pkt *packet.Packet) (ttlCap int, unlimited bool) {
	if pkt.Type == packet.TypeHandshake {
		return 0, true
	}
	if !pkt.Broadcast() {
		return 0, true
	}
	switch pkt.Type {
	case packet.TypeTopologyAnnounce, packet.TypeDiscovery:
		return AnnounceTTLCap, false
	default:
		return MessageTTLCap, false
	}
}

// considerRelay independently decides whether to forward pkt one more hop.
// It never relays this node's own packets or anything at ttl<=1, caps the
// TTL at the type's cap and then decrements it, and — if eligible — schedules a
// degree-adaptive jittered broadcast on its own goroutine so the inbound
// pipeline never blocks on it.
func (m *Mesh) considerRelay(pkt *packet.Packet, source identity.PeerID) {
	if source == m.wire.MyPeerID() {
		return
	}
	if pkt.TTL <= 1 {
		return
	}

	newTTL := pkt.TTL - 1
	if capN, unlimited := relayTTLCap(pkt); !unlimited {
		if maxAllowed := byte(capN - 1); newTTL > maxAllowed {
			newTTL = maxAllowed
		}
	}
	if newTTL < 1 {
		return
	}

	relay := *pkt
	relay.TTL = newTTL
	go m.relayAfterJitter(&relay)
}

func (m *Mesh) relayAfterJitter(pkt *packet.Packet) {
	if !m.isRunning() {
		return
	}
	d, err := m.jitterDuration()
	if err != nil {
		return
	}
	if !m.cancellableSleep(d) {
		return
	}
	if !m.isRunning() {
		return
	}
	if err := m.wire.BroadcastPacket(pkt); err != nil {
		m.log.Debug("relay broadcast failed", "err", err, "type", pkt.Type)
	}
}

// cancellableSleep waits for d, returning false if stopCh fires first.
func (m *Mesh) cancellableSleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// jitterDuration picks a random relay delay from the bucket matching this
// node's current direct-peer degree.
func (m *Mesh) jitterDuration() (time.Duration, error) {
	lo, hi := m.jitterBounds()
	span := int64(hi - lo)
	if span <= 0 {
		return lo, nil
	}
	n, err := crand.Int(crand.Reader, big.NewInt(span))
	if err != nil {
		return 0, err
	}
	return lo + time.Duration(n.Int64()), nil
}

func (m *Mesh) jitterBounds() (lo, hi time.Duration) {
	degree := m.directPeerCount()
	switch {
	case degree <= sparseDegreeMax:
		return sparseJitterMin, sparseJitterMax
	case degree <= midDegreeMax:
		return midJitterMin, midJitterMax
	default:
		return denseJitterMin, denseJitterMax
	}
}
