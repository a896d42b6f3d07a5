package diag

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/mesh"
	"github.com/offgrid-mesh/meshcore/internal/session"
	"github.com/offgrid-mesh/meshcore/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct{ m map[string]string }

func newMemStore() *memStore { return &memStore{m: make(map[string]string)} }

func (s *memStore) Get(key string) (string, bool, error) {
	v, ok := s.m[key]
	return v, ok, nil
}
func (s *memStore) Set(key, value string) error { s.m[key] = value; return nil }
func (s *memStore) Delete(key string) error      { delete(s.m, key); return nil }

func newTestMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	m, _ := newTestMeshWithStore(t)
	return m
}

func newTestMeshWithStore(t *testing.T) (*mesh.Mesh, *memStore) {
	t.Helper()
	store := newMemStore()
	suite := crypto.New()
	idStore, err := identity.Initialize(suite, store, testLogger())
	if err != nil {
		t.Fatalf("initialize identity: %v", err)
	}
	sessions := session.NewManager(suite, idStore.StaticPrivateKey(), idStore.StaticPublicKey(), idStore.SigningPublicKey(), testLogger())
	radio := transport.NewSimRadio("device-a", transport.NewEther())
	tp := transport.New(suite, sessions, idStore.MyPeerID(), radio, testLogger())
	m := mesh.New(suite, idStore, tp, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start mesh: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m, store
}

func authedRequest(t *testing.T, method, target, secret string) *http.Request {
	t.Helper()
	token, _, err := GenerateToken(secret)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	m := newTestMesh(t)
	s, err := New(m, newMemStore(), nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestPeersEndpointRequiresAuth(t *testing.T) {
	m := newTestMesh(t)
	s, err := New(m, newMemStore(), nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPeersEndpointListsDirectPeers(t *testing.T) {
	m := newTestMesh(t)
	s, err := New(m, newMemStore(), nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/peers", "s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		DirectPeers []string `json:"direct_peers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.DirectPeers) != 0 {
		t.Fatalf("expected no direct peers on an isolated node, got %v", body.DirectPeers)
	}
}

func TestRecentPacketsEndpoint(t *testing.T) {
	m := newTestMesh(t)
	s, err := New(m, newMemStore(), nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/packets/recent", "s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestTopologyEndpoint(t *testing.T) {
	m := newTestMesh(t)
	s, err := New(m, newMemStore(), nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/topology", "s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNewRequiresJWTSecret(t *testing.T) {
	m := newTestMesh(t)
	if _, err := New(m, newMemStore(), nil, Config{ListenAddr: "127.0.0.1:0"}, testLogger()); err == nil {
		t.Fatal("expected an error when JWTSecret is empty")
	}
}

func TestBroadcastMeshEventWithoutSubscribersDoesNotBlock(t *testing.T) {
	m := newTestMesh(t)
	s, err := New(m, newMemStore(), nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var id identity.PeerID
	id[0] = 0x42
	// No subscribers connected: broadcasting must not block or panic.
	s.BroadcastMeshEvent(NewPeerEventView(id, true, false))
}

func TestIdentityEndpointReportsPeerID(t *testing.T) {
	m, store := newTestMeshWithStore(t)
	s, err := New(m, store, nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/identity", "s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.PeerID != m.MyPeerID().String() {
		t.Fatalf("peer_id = %q, want %q", body.PeerID, m.MyPeerID().String())
	}
}

func TestGroupEndpointReportsInactiveWhenNilManager(t *testing.T) {
	m, store := newTestMeshWithStore(t)
	s, err := New(m, store, nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/v1/group", "s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Active {
		t.Fatal("expected active=false with no group manager wired")
	}
}

func TestTrustPeerEndpoint(t *testing.T) {
	m, store := newTestMeshWithStore(t)
	s, err := New(m, store, nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var peer identity.PeerID
	peer[0] = 0x11
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/peers/"+peer.String()+"/trust", "s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !m.Identity().IsTrusted(peer) {
		t.Fatal("expected peer to be trusted after the call")
	}
}

func TestTrustPeerEndpointRejectsInvalidID(t *testing.T) {
	m, store := newTestMeshWithStore(t)
	s, err := New(m, store, nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/peers/not-hex/trust", "s3cret"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIdentityResetEndpoint(t *testing.T) {
	m, store := newTestMeshWithStore(t)
	s, err := New(m, store, nil, Config{ListenAddr: "127.0.0.1:0", JWTSecret: "s3cret"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	before := m.MyPeerID()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/v1/identity/reset", "s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if m.MyPeerID() == before {
		t.Fatal("expected a new peer id after reset")
	}
}
