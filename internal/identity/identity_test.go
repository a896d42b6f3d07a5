package identity

import (
	"io"
	"log/slog"
	"testing"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/primitives"
)

// memStore is an in-memory Persistence used by tests.
type memStore struct {
	m map[string]string
}

func newMemStore() *memStore { return &memStore{m: make(map[string]string)} }

func (s *memStore) Get(key string) (string, bool, error) {
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memStore) Set(key, value string) error {
	s.m[key] = value
	return nil
}

func (s *memStore) Delete(key string) error {
	delete(s.m, key)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitializeGeneratesAndPersists(t *testing.T) {
	suite := crypto.New()
	store := newMemStore()

	id, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if id.MyPeerID().String() == "" {
		t.Fatal("expected non-empty peer id")
	}
	for _, key := range []string{keyStaticPriv, keyStaticPub, keySigningPriv, keySigningPub} {
		if _, ok := store.m[key]; !ok {
			t.Fatalf("expected %s to be persisted", key)
		}
	}
}

func TestInitializeIsStableAcrossReload(t *testing.T) {
	suite := crypto.New()
	store := newMemStore()

	id1, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	id2, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if id1.MyPeerID() != id2.MyPeerID() {
		t.Fatal("expected reloaded identity to keep the same peer id")
	}
}

func TestInitializeMigratesLegacyHex(t *testing.T) {
	suite := crypto.New()
	store := newMemStore()

	seed, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	wantPeerID := seed.MyPeerID()

	// Simulate a legacy hex-encoded store by rewriting every persisted key
	// value, except the JSON trusted-peer list which isn't key material.
	for key, v := range store.m {
		if key == keyTrustedPeers {
			continue
		}
		raw, err := primitives.B64Decode(v)
		if err != nil {
			t.Fatalf("could not decode persisted value for %s: %v", key, err)
		}
		store.m[key] = primitives.HexEncode(raw)
	}

	reloaded, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.MyPeerID() != wantPeerID {
		t.Fatal("expected legacy hex values to migrate to an identical identity")
	}
	for key, v := range store.m {
		if key == keyTrustedPeers {
			continue
		}
		if _, err := primitives.B64Decode(v); err != nil {
			t.Fatalf("expected %s to be rewritten as base64 after migration, got %q", key, v)
		}
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	suite := crypto.New()
	store := newMemStore()
	id, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello mesh")
	sig := id.Sign(suite, msg)
	if !suite.Verify(id.SigningPublicKey(), msg, sig) {
		t.Fatal("expected signature to verify against published public key")
	}
}

func TestTrustPeerPersistsAndBoundsCapacity(t *testing.T) {
	suite := crypto.New()
	store := newMemStore()
	id, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var p PeerID
	p[0] = 0xAA
	if err := id.TrustPeer(store, p); err != nil {
		t.Fatal(err)
	}
	if !id.IsTrusted(p) {
		t.Fatal("expected peer to be trusted")
	}
	if _, ok := store.m[keyTrustedPeers]; !ok {
		t.Fatal("expected trusted peer set to be persisted")
	}

	reloaded, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.IsTrusted(p) {
		t.Fatal("expected trusted peer to survive reload")
	}
}

func TestResetGeneratesNewIdentityAndClearsTrust(t *testing.T) {
	suite := crypto.New()
	store := newMemStore()
	id, err := Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	old := id.MyPeerID()

	var p PeerID
	p[0] = 0x01
	if err := id.TrustPeer(store, p); err != nil {
		t.Fatal(err)
	}

	if err := id.Reset(store); err != nil {
		t.Fatal(err)
	}
	if id.MyPeerID() == old {
		t.Fatal("expected reset to produce a different peer id")
	}
	if id.IsTrusted(p) {
		t.Fatal("expected trusted peers to be cleared on reset")
	}
}

func TestPeerIDFromHexRoundTrip(t *testing.T) {
	suite := crypto.New()
	_, pub, err := suite.GenerateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}
	id := PeerIDFromStaticPub(suite, pub)
	parsed, err := PeerIDFromHex(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Fatal("expected round-trip through hex to preserve peer id")
	}
}

func TestPeerIDFromHexRejectsBadInput(t *testing.T) {
	if _, err := PeerIDFromHex("not-hex"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := PeerIDFromHex("aabb"); err == nil {
		t.Fatal("expected error for wrong-length input")
	}
}
