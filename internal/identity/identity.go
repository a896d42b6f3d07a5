// Package identity owns a node's persistent cryptographic identity: the
// X25519 static keypair used for Noise handshakes, the Ed25519 signing
// keypair used for packet authentication, the derived PeerId, and the
// bounded set of trusted peers. Adapted from leebo-zerogo's
// internal/identity, generalized from a single Curve25519 keypair to the
// spec's dual-keypair (static + signing) identity and PeerId = BLAKE2b
// scheme.
package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/primitives"
)

const (
	// PeerIDSize is the length of a PeerId: BLAKE2b-256(static public key).
	PeerIDSize = 32
	// MaxTrustedPeers bounds the persisted trusted-peer set (§6).
	MaxTrustedPeers = 500
)

// PeerID is a 32-byte BLAKE2b hash of a peer's static public key.
type PeerID [PeerIDSize]byte

// String returns the 64-character lowercase hex form.
func (p PeerID) String() string {
	return primitives.HexEncode(p[:])
}

// Bytes returns a freshly-allocated copy of the raw 32-byte id, for callers
// (wire packet headers) that need a []byte rather than a fixed array.
func (p PeerID) Bytes() []byte {
	b := make([]byte, PeerIDSize)
	copy(b, p[:])
	return b
}

// PeerIDFromHex parses a hex-encoded PeerId.
func PeerIDFromHex(s string) (PeerID, error) {
	var id PeerID
	b, err := primitives.HexDecode(s)
	if err != nil {
		return id, fmt.Errorf("invalid peer id hex: %w", err)
	}
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("peer id must be %d bytes, got %d", PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// PeerIDFromStaticPub derives a PeerId from an X25519 static public key.
func PeerIDFromStaticPub(suite *crypto.Suite, staticPub [crypto.X25519KeySize]byte) PeerID {
	return PeerID(suite.BLAKE2b256(staticPub[:]))
}

// Store is a node's persistent identity: a static X25519 keypair for Noise
// handshakes and an Ed25519 signing keypair for packet authentication, plus
// a bounded trusted-peer set. Private key material is never copied out of
// this type beyond what callers need for a single cryptographic operation.
type Store struct {
	suite *crypto.Suite
	log   *slog.Logger

	mu sync.RWMutex

	staticPriv [crypto.X25519KeySize]byte
	staticPub  [crypto.X25519KeySize]byte

	signingPriv ed25519.PrivateKey
	signingPub  ed25519.PublicKey

	peerID PeerID

	trusted map[PeerID]struct{}
}

// Persistence is the minimal key-value contract the host platform provides
// (§6). The core only ever calls Get/Set/Delete; it never assumes a
// filesystem or any particular storage engine.
type Persistence interface {
	Get(key string) (string, bool, error)
	Set(key string, value string) error
	Delete(key string) error
}

const (
	keyStaticPriv   = "static_private_key"
	keyStaticPub    = "static_public_key"
	keySigningPriv  = "signing_private_key"
	keySigningPub   = "signing_public_key"
	keyTrustedPeers = "trusted_peers_v1"
)

// Initialize loads an identity from persistence, generating and persisting a
// new one if absent or corrupt. Corrupted entries are treated as absent
// rather than aborting startup (§6).
func Initialize(suite *crypto.Suite, store Persistence, log *slog.Logger) (*Store, error) {
	id := &Store{suite: suite, log: log.With("component", "identity"), trusted: make(map[PeerID]struct{})}

	staticPriv, staticPub, ok, err := loadKeypair32(store, log, keyStaticPriv, keyStaticPub)
	if err != nil {
		return nil, fmt.Errorf("load static keypair: %w", err)
	}
	if !ok {
		staticPriv, staticPub, err = suite.GenerateX25519Keypair()
		if err != nil {
			return nil, fmt.Errorf("generate static keypair: %w", err)
		}
		if err := persistKeypair32(store, keyStaticPriv, keyStaticPub, staticPriv, staticPub); err != nil {
			return nil, fmt.Errorf("persist static keypair: %w", err)
		}
	}
	id.staticPriv = staticPriv
	id.staticPub = staticPub
	id.peerID = PeerIDFromStaticPub(suite, staticPub)

	signingPriv, signingPub, ok, err := loadSigningKeypair(store, log)
	if err != nil {
		return nil, fmt.Errorf("load signing keypair: %w", err)
	}
	if !ok {
		signingPriv, signingPub, err = suite.GenerateEd25519Keypair()
		if err != nil {
			return nil, fmt.Errorf("generate signing keypair: %w", err)
		}
		if err := store.Set(keySigningPriv, primitives.B64Encode(signingPriv)); err != nil {
			return nil, fmt.Errorf("persist signing private key: %w", err)
		}
		if err := store.Set(keySigningPub, primitives.B64Encode(signingPub)); err != nil {
			return nil, fmt.Errorf("persist signing public key: %w", err)
		}
	}
	id.signingPriv = signingPriv
	id.signingPub = signingPub

	id.trusted = loadTrustedPeers(store, log)

	log.Info("identity initialized", "peer_id", id.peerID.String())
	return id, nil
}

func loadKeypair32(store Persistence, log *slog.Logger, privKey, pubKey string) (priv, pub [32]byte, ok bool, err error) {
	privStr, found, err := store.Get(privKey)
	if err != nil {
		log.Warn("read identity key failed, treating as absent", "key", privKey, "err", err)
		return priv, pub, false, nil
	}
	if !found {
		return priv, pub, false, nil
	}
	privBytes, _, err := decodeWithMigration(store, privKey, privStr)
	if err != nil || len(privBytes) != 32 {
		log.Warn("corrupt identity key, regenerating", "key", privKey)
		return priv, pub, false, nil
	}
	pubStr, found, err := store.Get(pubKey)
	if err != nil || !found {
		return priv, pub, false, nil
	}
	pubBytes, _, err := decodeWithMigration(store, pubKey, pubStr)
	if err != nil || len(pubBytes) != 32 {
		return priv, pub, false, nil
	}
	copy(priv[:], privBytes)
	copy(pub[:], pubBytes)
	return priv, pub, true, nil
}

func loadSigningKeypair(store Persistence, log *slog.Logger) (priv ed25519.PrivateKey, pub ed25519.PublicKey, ok bool, err error) {
	privStr, found, err := store.Get(keySigningPriv)
	if err != nil || !found {
		return nil, nil, false, nil
	}
	privBytes, _, err := decodeWithMigration(store, keySigningPriv, privStr)
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		log.Warn("corrupt signing private key, regenerating")
		return nil, nil, false, nil
	}
	pubStr, found, err := store.Get(keySigningPub)
	if err != nil || !found {
		return nil, nil, false, nil
	}
	pubBytes, _, err := decodeWithMigration(store, keySigningPub, pubStr)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return nil, nil, false, nil
	}
	return ed25519.PrivateKey(privBytes), ed25519.PublicKey(pubBytes), true, nil
}

// decodeWithMigration accepts base64 or legacy hex and rewrites legacy hex as
// base64 on read (§6, §9 "migration paths on persistent values"). Legacy hex
// is tried first: base64's alphabet is a superset of hex's, so a legacy hex
// string would otherwise silently "succeed" as base64 and decode to the
// wrong byte length instead of being recognized and migrated.
func decodeWithMigration(store Persistence, key, value string) ([]byte, bool, error) {
	if primitives.IsHex(value) {
		b, err := primitives.HexDecode(value)
		if err != nil {
			return nil, false, err
		}
		if err := store.Set(key, primitives.B64Encode(b)); err != nil {
			return b, true, fmt.Errorf("rewrite legacy hex value: %w", err)
		}
		return b, true, nil
	}
	if b, err := primitives.B64Decode(value); err == nil {
		return b, false, nil
	}
	return nil, false, fmt.Errorf("value is neither base64 nor hex")
}

func persistKeypair32(store Persistence, privKey, pubKey string, priv, pub [32]byte) error {
	if err := store.Set(privKey, primitives.B64Encode(priv[:])); err != nil {
		return err
	}
	return store.Set(pubKey, primitives.B64Encode(pub[:]))
}

func loadTrustedPeers(store Persistence, log *slog.Logger) map[PeerID]struct{} {
	trusted := make(map[PeerID]struct{})
	raw, found, err := store.Get(keyTrustedPeers)
	if err != nil || !found {
		return trusted
	}
	var hexIDs []string
	if err := json.Unmarshal([]byte(raw), &hexIDs); err != nil {
		log.Warn("corrupt trusted peer set, starting empty")
		return trusted
	}
	for i, h := range hexIDs {
		if i >= MaxTrustedPeers {
			break
		}
		id, err := PeerIDFromHex(h)
		if err != nil {
			continue
		}
		trusted[id] = struct{}{}
	}
	return trusted
}

// MyPeerID returns this node's PeerId.
func (s *Store) MyPeerID() PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerID
}

// StaticPublicKey returns this node's X25519 static public key.
func (s *Store) StaticPublicKey() [crypto.X25519KeySize]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staticPub
}

// StaticPrivateKey returns this node's X25519 static private key for use by
// the Noise engine. Callers must not retain a copy beyond the handshake.
func (s *Store) StaticPrivateKey() [crypto.X25519KeySize]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staticPriv
}

// SigningPublicKey returns this node's Ed25519 signing public key.
func (s *Store) SigningPublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(ed25519.PublicKey, len(s.signingPub))
	copy(out, s.signingPub)
	return out
}

// Sign signs msg with this node's Ed25519 signing key.
func (s *Store) Sign(suite *crypto.Suite, msg []byte) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return suite.Sign(s.signingPriv, msg)
}

// TrustPeer adds id to the trusted-peer set and persists it. Mutation
// serializes with an exclusive lock and the storage write is awaited before
// returning, per §5's "no fire-and-forget persistence" rule.
func (s *Store) TrustPeer(store Persistence, id PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trusted[id]; ok {
		return nil
	}
	if len(s.trusted) >= MaxTrustedPeers {
		return fmt.Errorf("trusted peer set at capacity (%d)", MaxTrustedPeers)
	}
	next := make(map[PeerID]struct{}, len(s.trusted)+1)
	for k := range s.trusted {
		next[k] = struct{}{}
	}
	next[id] = struct{}{}
	if err := persistTrustedPeers(store, next); err != nil {
		return fmt.Errorf("persist trusted peers: %w", err)
	}
	s.trusted = next
	return nil
}

// IsTrusted reports whether id is in the trusted-peer set.
func (s *Store) IsTrusted(id PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trusted[id]
	return ok
}

func persistTrustedPeers(store Persistence, trusted map[PeerID]struct{}) error {
	hexIDs := make([]string, 0, len(trusted))
	for id := range trusted {
		hexIDs = append(hexIDs, id.String())
	}
	raw, err := json.Marshal(hexIDs)
	if err != nil {
		return err
	}
	return store.Set(keyTrustedPeers, string(raw))
}

// Reset wipes in-memory secret material and generates a fresh identity,
// persisting it before returning. On a storage failure the old in-memory
// state is left untouched (§5, §7 Storage error policy).
func (s *Store) Reset(store Persistence) error {
	staticPriv, staticPub, err := s.suite.GenerateX25519Keypair()
	if err != nil {
		return fmt.Errorf("generate static keypair: %w", err)
	}
	signingPriv, signingPub, err := s.suite.GenerateEd25519Keypair()
	if err != nil {
		return fmt.Errorf("generate signing keypair: %w", err)
	}
	if err := persistKeypair32(store, keyStaticPriv, keyStaticPub, staticPriv, staticPub); err != nil {
		return fmt.Errorf("persist static keypair: %w", err)
	}
	if err := store.Set(keySigningPriv, primitives.B64Encode(signingPriv)); err != nil {
		return fmt.Errorf("persist signing private key: %w", err)
	}
	if err := store.Set(keySigningPub, primitives.B64Encode(signingPub)); err != nil {
		return fmt.Errorf("persist signing public key: %w", err)
	}
	if err := store.Delete(keyTrustedPeers); err != nil {
		return fmt.Errorf("clear trusted peers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	primitives.Wipe(s.staticPriv[:])
	primitives.Wipe(s.signingPriv)
	s.staticPriv = staticPriv
	s.staticPub = staticPub
	s.signingPriv = signingPriv
	s.signingPub = signingPub
	s.peerID = PeerIDFromStaticPub(s.suite, staticPub)
	s.trusted = make(map[PeerID]struct{})
	s.log.Info("identity reset", "peer_id", s.peerID.String())
	return nil
}

// Close wipes secret material held in memory.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	primitives.Wipe(s.staticPriv[:])
	primitives.Wipe(s.signingPriv)
}
