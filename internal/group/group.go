// Package group owns the single active group: its passphrase-derived key,
// its symmetric AEAD cipher, and the join code used to share it out of
// band. At most one group is active per device (spec Non-goal), matching
// the teacher's pattern of a single active resource guarded by a mutex
// (leebo-zerogo/internal/vl1/peer.go's PeerManager) generalized here to a
// single-slot "active group" handle instead of a peer table.
package group

import (
	"encoding/base32"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/primitives"
)

const (
	// SaltSize is the group key derivation salt length.
	SaltSize = crypto.GroupSaltSize
	// KeySize is the derived group key length.
	KeySize = crypto.GroupKeySize
	// MinPassphraseLen and MaxPassphraseLen bound passphrases at every
	// entry point (UI and API), per spec §4.2.
	MinPassphraseLen = 8
	MaxPassphraseLen = 128
)

// joinCodeEncoding is unpadded Base32 over the standard A-Z2-7 alphabet.
var joinCodeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Group is the device's single active group: a passphrase-derived
// symmetric key shared by every member, plus bookkeeping metadata. The key
// itself is the only secret; the passphrase is never persisted or retained
// beyond the call that derives the key.
type Group struct {
	ID        [32]byte
	Name      string
	Salt      [SaltSize]byte
	Key       [KeySize]byte
	Members   map[identity.PeerID]struct{}
	CreatedAt time.Time
}

// JoinCode returns the 26-character unpadded Base32 code used to share this
// group's salt out of band (spec §4.2). The code encodes only the salt —
// never the passphrase or the derived key.
func (g *Group) JoinCode() string {
	return joinCodeEncoding.EncodeToString(g.Salt[:])
}

// ErrPassphraseLength is returned when a passphrase falls outside the
// required [8,128] character bounds.
var ErrPassphraseLength = fmt.Errorf("group: passphrase must be between %d and %d characters", MinPassphraseLen, MaxPassphraseLen)

// ErrNoActiveGroup is returned by encrypt/decrypt operations when no group
// is currently joined.
var ErrNoActiveGroup = fmt.Errorf("group: no active group")

// ErrDecryptFailed is returned when group decryption fails authentication.
// Callers MUST treat this as "drop the packet", never as plaintext.
var ErrDecryptFailed = fmt.Errorf("group: decryption failed")

func validatePassphrase(pass string) error {
	if len(pass) < MinPassphraseLen || len(pass) > MaxPassphraseLen {
		return ErrPassphraseLength
	}
	return nil
}

// Persistence is the key-value contract used to durably store the active
// group, mirroring identity.Persistence (spec §6 storage contract).
type Persistence interface {
	Get(key string) (string, bool, error)
	Set(key string, value string) error
	Delete(key string) error
}

const (
	keyGroupKey       = "group_key"
	keyGroupSalt      = "group_salt"
	keyGroupID        = "group_id"
	keyGroupName      = "group_name"
	keyGroupCreatedAt = "group_created_at"
)

// Manager owns the device's single active group slot. Mutation paths
// (create/join/leave) serialize with an exclusive lock, per spec §6.
type Manager struct {
	suite *crypto.Suite
	log   *slog.Logger
	store Persistence

	mu     sync.RWMutex
	active *Group

	// kdfWorker serializes Argon2id derivations onto one goroutine so the
	// CPU/memory-heavy KDF never blocks the caller's own goroutine pool
	// (spec §4.2 "Argon2id runs in a worker context").
	kdfWorker chan func()
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewManager constructs a Manager and starts its KDF worker goroutine.
func NewManager(suite *crypto.Suite, store Persistence, log *slog.Logger) *Manager {
	m := &Manager{
		suite:     suite,
		log:       log.With("component", "group"),
		store:     store,
		kdfWorker: make(chan func()),
		stopCh:    make(chan struct{}),
	}
	go m.runKDFWorker()
	return m
}

func (m *Manager) runKDFWorker() {
	for {
		select {
		case job := <-m.kdfWorker:
			job()
		case <-m.stopCh:
			return
		}
	}
}

// deriveKeyAsync runs Argon2id on the KDF worker and returns the result
// through a channel, so CreateGroup/JoinGroup callers await it without
// running the heavy computation on their own goroutine.
func (m *Manager) deriveKeyAsync(passphrase string, salt [SaltSize]byte) [KeySize]byte {
	result := make(chan [KeySize]byte, 1)
	m.kdfWorker <- func() {
		result <- m.suite.DeriveGroupKey(passphrase, salt, crypto.DefaultArgon2idParams())
	}
	return <-result
}

// LoadActive restores a persisted active group at startup, if present.
// Corrupt or missing values are treated as "no active group" rather than
// aborting startup (spec §7 Storage error policy).
func (m *Manager) LoadActive() {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyStr, ok, err := m.store.Get(keyGroupKey)
	if err != nil || !ok {
		return
	}
	saltStr, ok, err := m.store.Get(keyGroupSalt)
	if err != nil || !ok {
		return
	}
	idStr, ok, err := m.store.Get(keyGroupID)
	if err != nil || !ok {
		return
	}
	name, _, _ := m.store.Get(keyGroupName)
	createdStr, _, _ := m.store.Get(keyGroupCreatedAt)

	keyBytes, err := primitives.B64Decode(keyStr)
	if err != nil || len(keyBytes) != KeySize {
		m.log.Warn("corrupt persisted group key, discarding")
		return
	}
	saltBytes, err := primitives.B64Decode(saltStr)
	if err != nil || len(saltBytes) != SaltSize {
		m.log.Warn("corrupt persisted group salt, discarding")
		return
	}
	idBytes, err := primitives.B64Decode(idStr)
	if err != nil || len(idBytes) != 32 {
		m.log.Warn("corrupt persisted group id, discarding")
		return
	}

	createdAt, err := time.Parse(time.RFC3339, createdStr)
	if err != nil {
		createdAt = time.Now() // DateTime parse failure defaults to "now" (spec §6)
	}

	g := &Group{Name: name, CreatedAt: createdAt, Members: make(map[identity.PeerID]struct{})}
	copy(g.ID[:], idBytes)
	copy(g.Salt[:], saltBytes)
	copy(g.Key[:], keyBytes)
	m.active = g
}

// CreateGroup generates a fresh 16-byte salt, derives the group key and id
// from passphrase, and persists the new group before returning it.
func (m *Manager) CreateGroup(name, passphrase string) (*Group, error) {
	if err := validatePassphrase(passphrase); err != nil {
		return nil, err
	}
	saltBytes, err := m.suite.RandomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("generate group salt: %w", err)
	}
	var salt [SaltSize]byte
	copy(salt[:], saltBytes)

	return m.deriveAndActivate(name, passphrase, salt)
}

// JoinGroup derives the group key and id from a known passphrase and salt
// (typically decoded from a join code) and activates it.
func (m *Manager) JoinGroup(name, passphrase string, salt [SaltSize]byte) (*Group, error) {
	if err := validatePassphrase(passphrase); err != nil {
		return nil, err
	}
	return m.deriveAndActivate(name, passphrase, salt)
}

// JoinCodeToSalt decodes a Base32 join code into the group salt it carries.
func JoinCodeToSalt(code string) ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	b, err := joinCodeEncoding.DecodeString(code)
	if err != nil {
		return salt, fmt.Errorf("group: invalid join code: %w", err)
	}
	if len(b) != SaltSize {
		return salt, fmt.Errorf("group: join code decodes to %d bytes, want %d", len(b), SaltSize)
	}
	copy(salt[:], b)
	return salt, nil
}

func (m *Manager) deriveAndActivate(name, passphrase string, salt [SaltSize]byte) (*Group, error) {
	key := m.deriveKeyAsync(passphrase, salt)
	id := m.suite.BLAKE2b256(key[:])

	g := &Group{
		ID:        id,
		Name:      name,
		Salt:      salt,
		Key:       key,
		Members:   make(map[identity.PeerID]struct{}),
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persist(g); err != nil {
		return nil, fmt.Errorf("persist group: %w", err)
	}
	m.active = g
	return g, nil
}

func (m *Manager) persist(g *Group) error {
	if err := m.store.Set(keyGroupKey, primitives.B64Encode(g.Key[:])); err != nil {
		return err
	}
	if err := m.store.Set(keyGroupSalt, primitives.B64Encode(g.Salt[:])); err != nil {
		return err
	}
	if err := m.store.Set(keyGroupID, primitives.B64Encode(g.ID[:])); err != nil {
		return err
	}
	if err := m.store.Set(keyGroupName, g.Name); err != nil {
		return err
	}
	return m.store.Set(keyGroupCreatedAt, g.CreatedAt.UTC().Format(time.RFC3339))
}

// LeaveGroup destroys the active group. Storage delete is awaited before
// in-memory state is cleared, so a storage failure cannot resurrect the
// group on restart (spec §6).
func (m *Manager) LeaveGroup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range []string{keyGroupKey, keyGroupSalt, keyGroupID, keyGroupName, keyGroupCreatedAt} {
		if err := m.store.Delete(k); err != nil {
			return fmt.Errorf("delete persisted group state: %w", err)
		}
	}

	if m.active != nil {
		primitives.Wipe(m.active.Key[:])
		m.active = nil
	}
	return nil
}

// ActiveGroup returns the currently joined group, or nil if none.
func (m *Manager) ActiveGroup() *Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// EncryptForGroup encrypts plaintext under the active group's key, binding
// msgType as associated data. Returns nil and ErrNoActiveGroup if no group
// is joined.
func (m *Manager) EncryptForGroup(plaintext []byte, msgType byte) ([]byte, error) {
	m.mu.RLock()
	g := m.active
	m.mu.RUnlock()
	if g == nil {
		return nil, ErrNoActiveGroup
	}

	nonce, err := m.suite.RandomNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ad := []byte{msgType}
	ct, err := m.suite.AEADSeal(g.Key, nonce, ad, plaintext)
	if err != nil {
		return nil, fmt.Errorf("group encrypt: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	return out, nil
}

// DecryptFromGroup reverses EncryptForGroup. On authentication failure it
// returns ErrDecryptFailed and no plaintext; callers must drop the packet.
func (m *Manager) DecryptFromGroup(data []byte, msgType byte) ([]byte, error) {
	m.mu.RLock()
	g := m.active
	m.mu.RUnlock()
	if g == nil {
		return nil, ErrNoActiveGroup
	}
	if len(data) < crypto.AEADNonceSize {
		return nil, ErrDecryptFailed
	}

	var nonce [crypto.AEADNonceSize]byte
	copy(nonce[:], data[:crypto.AEADNonceSize])
	ct := data[crypto.AEADNonceSize:]

	ad := []byte{msgType}
	pt, err := m.suite.AEADOpen(g.Key, nonce, ad, ct)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// Close stops the KDF worker goroutine and wipes any in-memory group key.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		primitives.Wipe(m.active.Key[:])
	}
}
