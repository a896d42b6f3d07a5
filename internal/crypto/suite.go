// Package crypto wraps the cryptographic primitives the mesh core needs:
// X25519 key agreement, ChaCha20-Poly1305 AEAD, Ed25519 signatures, Argon2id
// key derivation, BLAKE2b-256 hashing, and a CSPRNG. It is the single
// initialized entry point every other package goes through instead of
// calling golang.org/x/crypto directly, so the core never has ambient crypto
// globals at the type level.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	X25519KeySize       = 32
	Ed25519PubSize      = ed25519.PublicKeySize
	Ed25519PrivSize     = ed25519.PrivateKeySize
	Ed25519SigSize      = ed25519.SignatureSize
	AEADKeySize         = chacha20poly1305.KeySize
	AEADNonceSize       = chacha20poly1305.NonceSize
	AEADOverhead        = chacha20poly1305.Overhead
	PeerIDSize          = 32
	GroupSaltSize       = 16
	GroupKeySize        = 32
	Argon2idOpsModerate = 3
	Argon2idMemModerate = 256 * 1024 // KiB, ~256 MiB
	Argon2idThreads     = 4
)

// Suite is the single initialized handle for all cryptographic operations.
// It carries no secret state itself — it is a stateless collection of
// operations plus the CSPRNG source, constructed once at process start and
// passed down explicitly.
type Suite struct {
	rand io.Reader
}

// New constructs a Suite backed by the system CSPRNG.
func New() *Suite {
	return &Suite{rand: rand.Reader}
}

// newWithRand is used by tests that need a deterministic source.
func newWithRand(r io.Reader) *Suite {
	return &Suite{rand: r}
}

// RandomBytes fills and returns n cryptographically random bytes.
func (s *Suite) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// GenerateX25519Keypair produces a Curve25519 keypair from 32 random bytes.
// The private key is returned unclamped; X25519 clamps it on every use.
func (s *Suite) GenerateX25519Keypair() (priv, pub [X25519KeySize]byte, err error) {
	if _, err = io.ReadFull(s.rand, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive x25519 public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// X25519 performs Diffie-Hellman between priv and peerPub.
func (s *Suite) X25519(priv, peerPub [X25519KeySize]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 dh: %w", err)
	}
	return out, nil
}

// GenerateEd25519Keypair produces a signing keypair.
func (s *Suite) GenerateEd25519Keypair() (priv ed25519.PrivateKey, pub ed25519.PublicKey, err error) {
	pub, priv, err = ed25519.GenerateKey(s.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return priv, pub, nil
}

// Sign produces a detached Ed25519 signature over msg.
func (s *Suite) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature. A public key or signature of
// the wrong length is rejected at once, before ed25519.Verify runs.
func (s *Suite) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// AEADSeal encrypts plaintext with ChaCha20-Poly1305 under key, using the
// given 12-byte nonce and associated data.
func (s *Suite) AEADSeal(key [AEADKeySize]byte, nonce [AEADNonceSize]byte, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

// ErrAuthenticationFailed is returned by AEADOpen on tag mismatch. Callers
// MUST treat this as "drop the packet" and never fall back to treating the
// ciphertext as plaintext.
var ErrAuthenticationFailed = errors.New("crypto: authentication failed")

// AEADOpen decrypts and authenticates ciphertext. On failure it returns
// ErrAuthenticationFailed and no plaintext.
func (s *Suite) AEADOpen(key [AEADKeySize]byte, nonce [AEADNonceSize]byte, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

// RandomNonce produces a fresh 12-byte AEAD nonce.
func (s *Suite) RandomNonce() ([AEADNonceSize]byte, error) {
	var n [AEADNonceSize]byte
	if _, err := io.ReadFull(s.rand, n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// BLAKE2b256 hashes data with BLAKE2b, 32-byte digest.
func (s *Suite) BLAKE2b256(data ...[]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Argon2idParams controls the group-key KDF work factor. Defaults match
// spec §4.2's "Moderate" profile.
type Argon2idParams struct {
	Time    uint32
	MemoryK uint32 // KiB
	Threads uint8
}

// DefaultArgon2idParams returns the Moderate profile: ops≈3, mem≈256 MiB.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{Time: Argon2idOpsModerate, MemoryK: Argon2idMemModerate, Threads: Argon2idThreads}
}

// DeriveGroupKey runs Argon2id(pass, salt) -> 32 bytes. This is CPU/memory
// heavy by design; callers MUST run it off the I/O-serving goroutine (see
// internal/group, which dispatches it onto a dedicated worker).
func (s *Suite) DeriveGroupKey(passphrase string, salt [GroupSaltSize]byte, params Argon2idParams) [GroupKeySize]byte {
	out := argon2.IDKey([]byte(passphrase), salt[:], params.Time, params.MemoryK, params.Threads, GroupKeySize)
	var key [GroupKeySize]byte
	copy(key[:], out)
	return key
}
