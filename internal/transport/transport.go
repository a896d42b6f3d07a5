// Package transport implements the radio-agnostic transport trait and its
// BLE behavior: dual central/peripheral roles, per-device Noise sessions,
// duty-cycled scanning, MTU negotiation, connection limits, handshake and
// staleness timeouts, and inbound rate limiting. Grounded on
// leebo-zerogo/internal/vl1/transport.go's Transport (bind-a-socket,
// SendTo/ReadFrom, idempotent Close) and internal/vl1/peer.go's
// Peer/PeerManager (per-remote state machine, connected/dead, keepalive and
// timeout checks, CleanDead sweep), and on internal/agent/agent.go's
// context-cancelled goroutine loops (ctx.Done() checked in every read loop,
// ticker-driven maintenanceLoop, Start tearing down what it already opened
// on a later failure).
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
	"github.com/offgrid-mesh/meshcore/internal/session"
)

// BLE-specific constants (§4.5, §6). Service/characteristic UUIDs are
// compile-time constants per spec; the values below are this mesh's fixed
// 128-bit identifiers.
const (
	ServiceUUID        = "6f6d6573-6831-4d45-5348-434f52450000"
	CharacteristicUUID = "6f6d6573-6831-4d45-5348-434f52450001"

	NegotiatedMTU = 512
	WarnBelowMTU  = 256

	ScanActiveDuration = 14 * time.Second
	ScanPauseDuration  = 14500 * time.Millisecond
	ScanIdleAfter      = 30 * time.Second

	MaxPeripheralLinks = 6

	HandshakeTimeout       = 30 * time.Second
	HandshakeCheckInterval = 15 * time.Second
	StaleTimeout           = 60 * time.Second
	StaleCheckInterval     = 30 * time.Second

	GlobalInboundPerSecond  = 100
	PerPeerInboundPerSecond = 20
)

var (
	ErrNotRunning      = errors.New("transport: not running")
	ErrAlreadyRunning  = errors.New("transport: already running")
	ErrNoSession       = errors.New("transport: no session for peer")
	ErrRateLimited     = errors.New("transport: rate limited")
	ErrRadioError      = errors.New("transport: radio error")
	ErrConnectionLimit = errors.New("transport: peripheral connection limit reached")
	ErrPayloadTooLarge = errors.New("transport: payload exceeds negotiated MTU")
)

// Link abstracts a single established radio connection to one remote
// device, however the concrete radio represents it (a real BLE central
// connection, or an accepted GATT client). Production code backs this with
// a platform BLE stack; this module ships the in-process SimRadio used by
// its own tests.
type Link interface {
	// Write sends data over the link. withResponse selects
	// write-with-response (handshake, emergency) vs write-without-response
	// (everything else) at the radio layer.
	Write(data []byte, withResponse bool) error
	// MTU returns the negotiated MTU for this link.
	MTU() int
	Close() error
}

// PeripheralConnection is handed to the transport when a remote central
// connects to our GATT server.
type PeripheralConnection struct {
	DeviceID string
	Link     Link
	Inbound  <-chan []byte
}

// Radio abstracts the BLE adapter: advertising, scanning, outbound connect,
// and inbound GATT-server accepts.
type Radio interface {
	Advertise(ctx context.Context, serviceUUID string) error
	StopAdvertising() error
	// Scan invokes onDiscover for each newly seen device-id advertising
	// serviceUUID, for the duration of the context.
	Scan(ctx context.Context, serviceUUID string, onDiscover func(deviceID string)) error
	// Connect establishes a central-role link to deviceID and returns the
	// link plus the channel of bytes it notifies.
	Connect(ctx context.Context, deviceID string) (Link, <-chan []byte, error)
	// Accept returns the channel of inbound peripheral connections.
	Accept() <-chan PeripheralConnection
	Close() error
}

// PeerEvent reports a connection-state transition for a peer.
type PeerEvent struct {
	DeviceID         string
	PeerID           identity.PeerID
	RemoteSigningPub []byte
	Authenticated    bool
	Disconnected     bool
}

type connDirection int

const (
	dirPeripheral connDirection = iota // remote connected to us
	dirCentral                         // we connected to remote
)

type conn struct {
	deviceID  string
	link      Link
	inbound   <-chan []byte
	direction connDirection

	mu                sync.Mutex
	mtu               int
	connectedAt       time.Time
	lastActivity      time.Time
	handshakeDeadline time.Time
	authenticated     bool
	peerID            identity.PeerID
	remoteSigningPub  []byte
	inboundWindow     []time.Time
}

// Transport implements the radio-agnostic transport trait over a Radio.
type Transport struct {
	suite    *crypto.Suite
	sessions *session.Manager
	myPeerID identity.PeerID
	log      *slog.Logger
	radio    Radio

	mu    sync.RWMutex
	conns map[string]*conn

	packetsCh chan *packet.Packet
	peersCh   chan PeerEvent

	globalMu     sync.Mutex
	globalWindow []time.Time

	runningMu sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lastActivity   time.Time
	lastActivityMu sync.Mutex
}

// New constructs a Transport over radio. sessions must already be
// constructed with this node's static keys.
func New(suite *crypto.Suite, sessions *session.Manager, myPeerID identity.PeerID, radio Radio, log *slog.Logger) *Transport {
	return &Transport{
		suite:     suite,
		sessions:  sessions,
		myPeerID:  myPeerID,
		radio:     radio,
		log:       log.With("component", "transport"),
		conns:     make(map[string]*conn),
		packetsCh: make(chan *packet.Packet, 256),
		peersCh:   make(chan PeerEvent, 64),
	}
}

// Start begins advertising, scanning, and accepting connections. It tears
// down anything already started if a later step fails.
func (t *Transport) Start(ctx context.Context) (err error) {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	if t.running {
		return ErrAlreadyRunning
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			t.cancel()
			_ = t.radio.Close()
		}
	}()

	if err = t.radio.Advertise(t.ctx, ServiceUUID); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}

	t.wg.Add(4)
	go t.scanLoop()
	go t.acceptLoop()
	go t.handshakeTimeoutLoop()
	go t.staleEvictionLoop()

	t.running = true
	t.log.Info("transport started", "peer_id", t.myPeerID.String())
	return nil
}

// Stop tears down the transport. Idempotent.
func (t *Transport) Stop() error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	if !t.running {
		return nil
	}
	t.cancel()
	_ = t.radio.StopAdvertising()
	_ = t.radio.Close()
	t.wg.Wait()

	t.mu.Lock()
	for id, c := range t.conns {
		t.closeConnLocked(id, c)
	}
	t.mu.Unlock()

	t.running = false
	t.log.Info("transport stopped")
	return nil
}

// Packets returns the stream of decoded inbound packets.
func (t *Transport) Packets() <-chan *packet.Packet { return t.packetsCh }

// Peers returns the stream of connection-state snapshots.
func (t *Transport) Peers() <-chan PeerEvent { return t.peersCh }

// MyPeerID returns this node's peer id.
func (t *Transport) MyPeerID() identity.PeerID { return t.myPeerID }

// SessionCount returns the number of active Noise sessions, for
// diagnostic display.
func (t *Transport) SessionCount() int { return t.sessions.Count() }

func (t *Transport) isRunning() bool {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	return t.running
}

// --- outbound ---

// SendPacket Noise-encrypts pkt for the device-id bound to peer `to` and
// writes it over that device's link. Handshake and emergency packets use
// write-with-response; everything else uses write-without-response.
func (t *Transport) SendPacket(pkt *packet.Packet, to identity.PeerID) error {
	if !t.isRunning() {
		return ErrNotRunning
	}
	c := t.connByPeerID(to)
	if c == nil {
		return ErrNoSession
	}
	return t.sendToConn(pkt, c)
}

// BroadcastPacket sends pkt to every authenticated peripheral/central link.
func (t *Transport) BroadcastPacket(pkt *packet.Packet) error {
	if !t.isRunning() {
		return ErrNotRunning
	}
	t.mu.RLock()
	targets := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		c.mu.Lock()
		authed := c.authenticated
		c.mu.Unlock()
		if authed {
			targets = append(targets, c)
		}
	}
	t.mu.RUnlock()

	var firstErr error
	for _, c := range targets {
		if err := t.sendToConn(pkt, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) sendToConn(pkt *packet.Packet, c *conn) error {
	buf, err := packet.Encode(pkt)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}

	c.mu.Lock()
	mtu := c.mtu
	c.mu.Unlock()
	if len(buf) > mtu {
		return ErrPayloadTooLarge
	}

	wireBytes := buf
	if pkt.Type != packet.TypeHandshake {
		enc, err := t.sessions.Encrypt(c.deviceID, buf)
		if err != nil {
			return ErrNoSession
		}
		wireBytes = enc
	}

	withResponse := pkt.Type == packet.TypeHandshake || pkt.Type == packet.TypeEmergencyAlert
	if err := c.link.Write(wireBytes, withResponse); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioError, err)
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	t.touchActivity()
	return nil
}

func (t *Transport) connByPeerID(p identity.PeerID) *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.conns {
		c.mu.Lock()
		match := c.authenticated && c.peerID == p
		c.mu.Unlock()
		if match {
			return c
		}
	}
	return nil
}

// --- connection lifecycle ---

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case pc, ok := <-t.radio.Accept():
			if !ok {
				return
			}
			if err := t.acceptPeripheral(pc); err != nil {
				t.log.Warn("reject peripheral connection", "device", pc.DeviceID, "err", err)
				_ = pc.Link.Close()
			}
		}
	}
}

func (t *Transport) acceptPeripheral(pc PeripheralConnection) error {
	t.mu.Lock()
	peripheralCount := 0
	for _, c := range t.conns {
		if c.direction == dirPeripheral {
			peripheralCount++
		}
	}
	if peripheralCount >= MaxPeripheralLinks {
		t.mu.Unlock()
		return ErrConnectionLimit
	}
	mtu := pc.Link.MTU()
	if mtu < WarnBelowMTU {
		t.log.Warn("negotiated MTU below recommended minimum", "device", pc.DeviceID, "mtu", mtu)
	}
	now := time.Now()
	c := &conn{
		deviceID:          pc.DeviceID,
		link:              pc.Link,
		inbound:           pc.Inbound,
		direction:         dirPeripheral,
		mtu:               mtu,
		connectedAt:       now,
		lastActivity:       now,
		handshakeDeadline: now.Add(HandshakeTimeout),
	}
	t.conns[pc.DeviceID] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(c)
	return nil
}

// ConnectCentral establishes an outbound central-role link to deviceID and
// begins the Noise handshake as initiator.
func (t *Transport) ConnectCentral(deviceID string) error {
	if !t.isRunning() {
		return ErrNotRunning
	}
	link, inbound, err := t.radio.Connect(t.ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRadioError, err)
	}
	mtu := link.MTU()
	if mtu < WarnBelowMTU {
		t.log.Warn("negotiated MTU below recommended minimum", "device", deviceID, "mtu", mtu)
	}
	now := time.Now()
	c := &conn{
		deviceID:          deviceID,
		link:              link,
		inbound:           inbound,
		direction:         dirCentral,
		mtu:               mtu,
		connectedAt:       now,
		lastActivity:       now,
		handshakeDeadline: now.Add(HandshakeTimeout),
	}
	t.mu.Lock()
	t.conns[deviceID] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(c)

	msg1, err := t.sessions.StartHandshake(deviceID, now)
	if err != nil {
		t.disconnect(deviceID)
		return fmt.Errorf("start handshake: %w", err)
	}
	hsPkt := &packet.Packet{Type: packet.TypeHandshake, TimestampMs: now.UnixMilli(), SourceID: [32]byte(t.myPeerID), Payload: msg1}
	return t.sendToConn(hsPkt, c)
}

func (t *Transport) readLoop(c *conn) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			t.disconnect(c.deviceID)
			return
		case data, ok := <-c.inbound:
			if !ok {
				t.disconnect(c.deviceID)
				return
			}
			t.handleInbound(c, data)
		}
	}
}

func (t *Transport) handleInbound(c *conn, data []byte) {
	now := time.Now()
	if !t.allowInbound(c, now) {
		return
	}

	c.mu.Lock()
	authenticated := c.authenticated
	c.mu.Unlock()

	if authenticated {
		plaintext, err := t.sessions.Decrypt(c.deviceID, data)
		if err != nil {
			t.log.Debug("decrypt failed, dropping frame", "device", c.deviceID, "err", err)
			return
		}
		pkt, err := packet.Decode(plaintext, now)
		if err != nil {
			t.log.Debug("decode failed, dropping frame", "device", c.deviceID, "err", err)
			return
		}
		if !t.checkSourceID(c, pkt) {
			return
		}
		t.touchConn(c, now)
		t.emitPacket(pkt)
		return
	}

	// Cold-boot rule: no session yet. The only bytes permitted on the wire
	// before a session exists are an encoded handshake-type packet whose
	// payload carries the raw Noise handshake message; anything else
	// (including any packet claiming a different type) is dropped with no
	// plaintext fall-through.
	pkt, err := packet.Decode(data, now)
	if err != nil || pkt.Type != packet.TypeHandshake {
		t.log.Debug("cold-boot rule: dropping non-handshake inbound", "device", c.deviceID)
		return
	}

	result, err := t.sessions.Process(c.deviceID, pkt.Payload, now)
	if err != nil {
		t.log.Debug("handshake processing failed", "device", c.deviceID, "err", err)
		t.disconnect(c.deviceID)
		return
	}
	t.touchConn(c, now)

	if result.Response != nil {
		respPkt := &packet.Packet{Type: packet.TypeHandshake, TimestampMs: now.UnixMilli(), SourceID: [32]byte(t.myPeerID), Payload: result.Response}
		if err := t.sendToConn(respPkt, c); err != nil {
			t.log.Warn("send handshake response failed", "device", c.deviceID, "err", err)
		}
	}

	if result.Completed {
		c.mu.Lock()
		c.authenticated = true
		c.peerID = result.PeerID
		c.remoteSigningPub = result.RemoteSigningPub
		c.mu.Unlock()
		t.emitPeerEvent(PeerEvent{DeviceID: c.deviceID, PeerID: result.PeerID, RemoteSigningPub: result.RemoteSigningPub, Authenticated: true})
	}
}

// checkSourceID enforces the 1:1 device-id <-> peer-id binding: an inbound
// packet whose header sourceId mismatches the bound peer-id is dropped.
func (t *Transport) checkSourceID(c *conn, pkt *packet.Packet) bool {
	c.mu.Lock()
	bound := c.peerID
	c.mu.Unlock()
	var src identity.PeerID
	copy(src[:], pkt.SourceID[:])
	if src != bound {
		t.log.Debug("source-id mismatch, dropping", "device", c.deviceID)
		return false
	}
	return true
}

func (t *Transport) touchConn(c *conn, now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
	t.touchActivity()
}

func (t *Transport) touchActivity() {
	t.lastActivityMu.Lock()
	t.lastActivity = time.Now()
	t.lastActivityMu.Unlock()
}

func (t *Transport) emitPacket(pkt *packet.Packet) {
	select {
	case t.packetsCh <- pkt:
	default:
		t.log.Warn("packets subscriber backlogged, dropping packet")
	}
}

func (t *Transport) emitPeerEvent(ev PeerEvent) {
	select {
	case t.peersCh <- ev:
	default:
		t.log.Warn("peers subscriber backlogged, dropping event")
	}
}

// allowInbound enforces global and per-peer rolling-second rate limits,
// checked before any crypto work.
func (t *Transport) allowInbound(c *conn, now time.Time) bool {
	t.globalMu.Lock()
	t.globalWindow = pruneOlderThan(t.globalWindow, now, time.Second)
	if len(t.globalWindow) >= GlobalInboundPerSecond {
		t.globalMu.Unlock()
		return false
	}
	t.globalWindow = append(t.globalWindow, now)
	t.globalMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inboundWindow = pruneOlderThan(c.inboundWindow, now, time.Second)
	if len(c.inboundWindow) >= PerPeerInboundPerSecond {
		return false
	}
	c.inboundWindow = append(c.inboundWindow, now)
	return true
}

func pruneOlderThan(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// --- periodic maintenance ---

func (t *Transport) scanLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.lastActivityMu.Lock()
		idle := time.Since(t.lastActivity) >= ScanIdleAfter
		t.lastActivityMu.Unlock()
		if idle {
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(ScanPauseDuration):
				continue
			}
		}

		scanCtx, cancel := context.WithTimeout(t.ctx, ScanActiveDuration)
		_ = t.radio.Scan(scanCtx, ServiceUUID, func(deviceID string) {
			t.touchActivity()
		})
		cancel()

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(ScanPauseDuration):
		}
	}
}

func (t *Transport) handshakeTimeoutLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(HandshakeCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.RLock()
			var expired []string
			for id, c := range t.conns {
				c.mu.Lock()
				if !c.authenticated && now.After(c.handshakeDeadline) {
					expired = append(expired, id)
				}
				c.mu.Unlock()
			}
			t.mu.RUnlock()
			for _, id := range expired {
				t.log.Debug("handshake timeout, disconnecting", "device", id)
				t.disconnect(id)
			}
		}
	}
}

func (t *Transport) staleEvictionLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.RLock()
			var stale []string
			for id, c := range t.conns {
				c.mu.Lock()
				if c.authenticated && now.Sub(c.lastActivity) >= StaleTimeout {
					stale = append(stale, id)
				}
				c.mu.Unlock()
			}
			t.mu.RUnlock()
			for _, id := range stale {
				t.log.Debug("stale client, evicting", "device", id)
				t.disconnect(id)
			}
		}
	}
}

// disconnect releases every per-device entry: link, session state, and
// conn-table membership. Safe to call more than once.
func (t *Transport) disconnect(deviceID string) {
	t.mu.Lock()
	c, ok := t.conns[deviceID]
	if ok {
		delete(t.conns, deviceID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.closeConnLocked(deviceID, c)
}

// DirectPeerSigningKey returns the Ed25519 signing public key learned
// during the handshake with a currently-connected, authenticated direct
// peer, if any.
func (t *Transport) DirectPeerSigningKey(p identity.PeerID) ([]byte, bool) {
	c := t.connByPeerID(p)
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSigningPub, c.remoteSigningPub != nil
}

// IsDirectPeer reports whether p is currently connected and authenticated.
func (t *Transport) IsDirectPeer(p identity.PeerID) bool {
	return t.connByPeerID(p) != nil
}

func (t *Transport) closeConnLocked(deviceID string, c *conn) {
	_ = c.link.Close()
	t.sessions.Remove(deviceID)
	c.mu.Lock()
	wasAuth := c.authenticated
	peerID := c.peerID
	c.mu.Unlock()
	if wasAuth {
		t.emitPeerEvent(PeerEvent{DeviceID: deviceID, PeerID: peerID, Disconnected: true})
	}
}
