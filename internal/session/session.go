// Package session manages per-device Noise handshake and transport-cipher
// state: an LRU-capped table keyed by opaque device-id strings, rate
// limiting on handshake attempts and completions, and disposal of secret
// material on eviction. Grounded on
// SAGE-X-project-sage/session/manager.go's map-plus-reverse-index Manager
// (generalized here from its sessionID/keyID pairing to device-id/PeerId
// pairing) and on leebo-zerogo/internal/vl1/peer.go's PeerManager, which
// owns per-peer NoiseHandshake/NoiseCipher state the same way this package
// owns per-device HandshakeState/CipherState state.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/noise"
	"github.com/offgrid-mesh/meshcore/internal/primitives"
)

const (
	// MaxDevices bounds the session table (spec §4.4).
	MaxDevices = 500
	// PerDeviceAttemptLimit and PerDeviceAttemptWindow bound handshake
	// attempts from a single device.
	PerDeviceAttemptLimit  = 5
	PerDeviceAttemptWindow = 60 * time.Second
	// GlobalCompletionLimit and GlobalCompletionWindow bound total
	// handshake completions across all devices.
	GlobalCompletionLimit  = 20
	GlobalCompletionWindow = 60 * time.Second
)

var (
	// ErrRateLimited is returned when a rate limit rejects an operation
	// before any crypto work is performed.
	ErrRateLimited = fmt.Errorf("session: rate limited")
	// ErrNoSession is returned by Encrypt/Decrypt when the device has no
	// established transport session; callers must drop/not-send.
	ErrNoSession = fmt.Errorf("session: no established session")
	// ErrInvalidSigningKey mirrors the noise package's error, surfaced here
	// for callers that only import internal/session.
	ErrInvalidSigningKey = fmt.Errorf("session: remote signing key is not 32 bytes")
)

// established holds the two transport CipherStates and the remote identity
// learned from a completed handshake.
type established struct {
	send             *noise.CipherState
	recv             *noise.CipherState
	remoteStaticPub  [32]byte
	remoteSigningPub []byte
	peerID           identity.PeerID
}

// deviceState is the per-device-id session record.
type deviceState struct {
	handshake   *noise.HandshakeState
	session     *established
	lastHsTime  time.Time
	attempts    []time.Time // rolling window of handshake attempt timestamps
	mu          sync.Mutex
}

// ProcessResult is returned by Process: the next handshake message to send
// (if any), and the remote keys learned once the handshake completes.
type ProcessResult struct {
	Response         []byte
	Completed        bool
	RemoteStaticPub  [32]byte
	RemoteSigningPub []byte
	PeerID           identity.PeerID
}

// Manager owns every device's handshake/session state, LRU-capped at
// MaxDevices with disposal on eviction.
type Manager struct {
	suite *crypto.Suite
	log   *slog.Logger

	myStaticPriv, myStaticPub [32]byte
	mySigningPub              []byte

	mu      sync.RWMutex
	devices map[string]*deviceState
	lru     *primitives.LRU

	globalMu         sync.Mutex
	globalCompletion []time.Time
}

// NewManager constructs a session Manager. mySigningPub is embedded as the
// application payload in every handshake this node performs.
func NewManager(suite *crypto.Suite, myStaticPriv, myStaticPub [32]byte, mySigningPub []byte, log *slog.Logger) *Manager {
	m := &Manager{
		suite:        suite,
		log:          log.With("component", "session"),
		myStaticPriv: myStaticPriv,
		myStaticPub:  myStaticPub,
		mySigningPub: mySigningPub,
		devices:      make(map[string]*deviceState),
	}
	m.lru = primitives.NewLRU(MaxDevices, m.onEvict)
	return m
}

func (m *Manager) onEvict(deviceID string, value any) {
	ds := value.(*deviceState)
	m.disposeLocked(ds)
	m.mu.Lock()
	delete(m.devices, deviceID)
	m.mu.Unlock()
}

func (m *Manager) disposeLocked(ds *deviceState) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.handshake != nil {
		ds.handshake.Dispose()
		ds.handshake = nil
	}
	if ds.session != nil {
		ds.session.send.Clear()
		ds.session.recv.Clear()
		ds.session = nil
	}
}

// getOrCreate must never call into m.lru while holding m.mu: eviction runs
// onEvict synchronously inside LRU.Put, and onEvict re-acquires m.mu itself,
// which would deadlock against a non-reentrant mutex held by this goroutine.
func (m *Manager) getOrCreate(deviceID string) *deviceState {
	m.mu.Lock()
	if ds, ok := m.devices[deviceID]; ok {
		m.mu.Unlock()
		m.lru.Get(deviceID) // refresh recency
		return ds
	}
	ds := &deviceState{}
	m.devices[deviceID] = ds
	m.mu.Unlock()
	m.lru.Put(deviceID, ds)
	return ds
}

func (m *Manager) get(deviceID string) (*deviceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.devices[deviceID]
	return ds, ok
}

// allowAttempt enforces the per-device rolling attempt limit. Must be
// called before any crypto work, per spec §4.4.
func allowAttempt(ds *deviceState, now time.Time) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.attempts = pruneWindow(ds.attempts, now, PerDeviceAttemptWindow)
	if len(ds.attempts) >= PerDeviceAttemptLimit {
		return false
	}
	ds.attempts = append(ds.attempts, now)
	return true
}

func (m *Manager) allowGlobalCompletion(now time.Time) bool {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	m.globalCompletion = pruneWindow(m.globalCompletion, now, GlobalCompletionWindow)
	if len(m.globalCompletion) >= GlobalCompletionLimit {
		return false
	}
	m.globalCompletion = append(m.globalCompletion, now)
	return true
}

func pruneWindow(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// StartHandshake begins a handshake as initiator toward deviceID, returning
// message 1. Subject to the per-device attempt rate limit.
func (m *Manager) StartHandshake(deviceID string, now time.Time) ([]byte, error) {
	ds := m.getOrCreate(deviceID)
	if !allowAttempt(ds, now) {
		return nil, ErrRateLimited
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.handshake != nil {
		ds.handshake.Dispose()
	}
	ds.handshake = noise.NewInitiator(m.suite, m.myStaticPriv, m.myStaticPub, m.mySigningPub)
	ds.lastHsTime = now

	msg1, err := ds.handshake.WriteMessage1()
	if err != nil {
		ds.handshake.Dispose()
		ds.handshake = nil
		return nil, fmt.Errorf("write message1: %w", err)
	}
	return msg1, nil
}

// Process feeds an inbound handshake-type payload for deviceID through the
// state machine. A device with no existing handshake state treats the
// bytes as message 1 and becomes the responder; an initiator awaiting
// message 2 processes it as such, etc.
func (m *Manager) Process(deviceID string, data []byte, now time.Time) (*ProcessResult, error) {
	ds := m.getOrCreate(deviceID)
	if !allowAttempt(ds, now) {
		return nil, ErrRateLimited
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.handshake == nil {
		return m.becomeResponder(ds, data, now)
	}

	// We are the initiator awaiting message 2, or the responder awaiting
	// message 3; HandshakeState itself rejects out-of-order calls.
	if signingPub, err := ds.handshake.ReadMessage2(data); err == nil {
		msg3, err := ds.handshake.WriteMessage3()
		if err != nil {
			ds.handshake.Dispose()
			ds.handshake = nil
			return nil, fmt.Errorf("write message3: %w", err)
		}
		return m.completeHandshake(ds, signingPub, now, msg3)
	}

	if signingPub, err := ds.handshake.ReadMessage3(data); err == nil {
		return m.completeHandshake(ds, signingPub, now, nil)
	}

	ds.handshake.Dispose()
	ds.handshake = nil
	return nil, fmt.Errorf("session: handshake message did not match expected state")
}

func (m *Manager) becomeResponder(ds *deviceState, msg1 []byte, now time.Time) (*ProcessResult, error) {
	ds.handshake = noise.NewResponder(m.suite, m.myStaticPriv, m.myStaticPub, m.mySigningPub)
	ds.lastHsTime = now
	if err := ds.handshake.ReadMessage1(msg1); err != nil {
		ds.handshake.Dispose()
		ds.handshake = nil
		return nil, fmt.Errorf("read message1: %w", err)
	}
	msg2, err := ds.handshake.WriteMessage2()
	if err != nil {
		ds.handshake.Dispose()
		ds.handshake = nil
		return nil, fmt.Errorf("write message2: %w", err)
	}
	return &ProcessResult{Response: msg2}, nil
}

func (m *Manager) completeHandshake(ds *deviceState, signingPub []byte, now time.Time, response []byte) (*ProcessResult, error) {
	if len(signingPub) != crypto.Ed25519PubSize {
		ds.handshake.Dispose()
		ds.handshake = nil
		return nil, ErrInvalidSigningKey
	}
	if !m.allowGlobalCompletion(now) {
		ds.handshake.Dispose()
		ds.handshake = nil
		return nil, ErrRateLimited
	}

	send, recv, err := ds.handshake.Split()
	if err != nil {
		ds.handshake.Dispose()
		ds.handshake = nil
		return nil, fmt.Errorf("split: %w", err)
	}
	remoteStatic := ds.handshake.RemoteStaticPublicKey()
	peerID := identity.PeerIDFromStaticPub(m.suite, remoteStatic)

	if ds.session != nil {
		ds.session.send.Clear()
		ds.session.recv.Clear()
	}
	ds.session = &established{
		send:             send,
		recv:             recv,
		remoteStaticPub:  remoteStatic,
		remoteSigningPub: append([]byte{}, signingPub...),
		peerID:           peerID,
	}
	ds.handshake.Dispose()
	ds.handshake = nil

	return &ProcessResult{
		Response:         response,
		Completed:        true,
		RemoteStaticPub:  remoteStatic,
		RemoteSigningPub: ds.session.remoteSigningPub,
		PeerID:           peerID,
	}, nil
}

// Encrypt encrypts plaintext for deviceID's established transport session.
// Returns ErrNoSession if no session exists; callers must treat that as
// "do not send".
func (m *Manager) Encrypt(deviceID string, plaintext []byte) ([]byte, error) {
	ds, ok := m.get(deviceID)
	if !ok {
		return nil, ErrNoSession
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session == nil {
		return nil, ErrNoSession
	}
	return ds.session.send.Encrypt(m.suite, plaintext)
}

// Decrypt decrypts ciphertext from deviceID's established transport
// session. Returns ErrNoSession if no session exists; callers must treat
// that as "drop".
func (m *Manager) Decrypt(deviceID string, ciphertext []byte) ([]byte, error) {
	ds, ok := m.get(deviceID)
	if !ok {
		return nil, ErrNoSession
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session == nil {
		return nil, ErrNoSession
	}
	return ds.session.recv.Decrypt(m.suite, ciphertext)
}

// RemoteSigningKey returns the remote signing public key bound to
// deviceID's established session, if any.
func (m *Manager) RemoteSigningKey(deviceID string) ([]byte, bool) {
	ds, ok := m.get(deviceID)
	if !ok {
		return nil, false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session == nil {
		return nil, false
	}
	return ds.session.remoteSigningPub, true
}

// PeerIDFor returns the PeerId bound to deviceID's established session, if
// any (the source-id check in transport consults this).
func (m *Manager) PeerIDFor(deviceID string) (identity.PeerID, bool) {
	ds, ok := m.get(deviceID)
	if !ok {
		return identity.PeerID{}, false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session == nil {
		return identity.PeerID{}, false
	}
	return ds.session.peerID, true
}

// HasSession reports whether deviceID has a completed transport session.
func (m *Manager) HasSession(deviceID string) bool {
	ds, ok := m.get(deviceID)
	if !ok {
		return false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.session != nil
}

// Remove disposes and drops a single device's state.
func (m *Manager) Remove(deviceID string) {
	m.mu.Lock()
	ds, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.disposeLocked(ds)
	m.lru.Remove(deviceID)
}

// Clear disposes every device's state and empties the table.
func (m *Manager) Clear() {
	m.lru.Clear() // invokes onEvict for every entry, disposing each
}

// Count returns the number of tracked devices.
func (m *Manager) Count() int {
	return m.lru.Len()
}
