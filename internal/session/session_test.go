package session

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type endpoint struct {
	staticPriv, staticPub [32]byte
	signingPub            []byte
	mgr                   *Manager
}

func newEndpoint(t *testing.T, suite *crypto.Suite) *endpoint {
	t.Helper()
	priv, pub, err := suite.GenerateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}
	signingPub := bytes.Repeat([]byte{0x07}, 32)
	return &endpoint{
		staticPriv: priv,
		staticPub:  pub,
		signingPub: signingPub,
		mgr:        NewManager(suite, priv, pub, signingPub, testLogger()),
	}
}

func driveHandshake(t *testing.T, suite *crypto.Suite, initiator, responder *endpoint, deviceAtInitiator, deviceAtResponder string, now time.Time) (*ProcessResult, *ProcessResult) {
	t.Helper()
	msg1, err := initiator.mgr.StartHandshake(deviceAtInitiator, now)
	if err != nil {
		t.Fatalf("start handshake: %v", err)
	}

	res2, err := responder.mgr.Process(deviceAtResponder, msg1, now)
	if err != nil {
		t.Fatalf("responder process msg1: %v", err)
	}
	if res2.Response == nil {
		t.Fatal("expected message2 response")
	}

	res3, err := initiator.mgr.Process(deviceAtInitiator, res2.Response, now)
	if err != nil {
		t.Fatalf("initiator process msg2: %v", err)
	}
	if !res3.Completed || res3.Response == nil {
		t.Fatal("expected initiator to complete with message3")
	}

	res4, err := responder.mgr.Process(deviceAtResponder, res3.Response, now)
	if err != nil {
		t.Fatalf("responder process msg3: %v", err)
	}
	if !res4.Completed {
		t.Fatal("expected responder to complete")
	}
	return res3, res4
}

func TestHandshakeCompletesAndEstablishesEncryptDecrypt(t *testing.T) {
	suite := crypto.New()
	now := time.Now()
	a := newEndpoint(t, suite)
	b := newEndpoint(t, suite)

	resA, resB := driveHandshake(t, suite, a, b, "dev-b", "dev-a", now)

	if resA.RemoteStaticPub != b.staticPub {
		t.Fatal("initiator did not learn responder's static key")
	}
	if resB.RemoteStaticPub != a.staticPub {
		t.Fatal("responder did not learn initiator's static key")
	}
	if !bytes.Equal(resA.RemoteSigningPub, b.signingPub) {
		t.Fatal("initiator did not learn responder's signing key")
	}

	if !a.mgr.HasSession("dev-b") || !b.mgr.HasSession("dev-a") {
		t.Fatal("expected both sides to have an established session")
	}

	frame, err := a.mgr.Encrypt("dev-b", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.mgr.Decrypt("dev-a", frame)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello" {
		t.Fatalf("got %q", pt)
	}
}

func TestEncryptDecryptWithoutSessionReturnsErrNoSession(t *testing.T) {
	suite := crypto.New()
	a := newEndpoint(t, suite)

	if _, err := a.mgr.Encrypt("nobody", []byte("x")); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, err := a.mgr.Decrypt("nobody", []byte("x")); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestPerDeviceAttemptRateLimit(t *testing.T) {
	suite := crypto.New()
	a := newEndpoint(t, suite)
	now := time.Now()

	for i := 0; i < PerDeviceAttemptLimit; i++ {
		if _, err := a.mgr.StartHandshake("dev-x", now); err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if _, err := a.mgr.StartHandshake("dev-x", now); err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited on 6th attempt, got %v", err)
	}

	later := now.Add(PerDeviceAttemptWindow + time.Second)
	if _, err := a.mgr.StartHandshake("dev-x", later); err != nil {
		t.Fatalf("expected attempt to succeed after window elapses, got %v", err)
	}
}

func TestGlobalCompletionRateLimit(t *testing.T) {
	suite := crypto.New()
	now := time.Now()
	responder := newEndpoint(t, suite)

	completions := 0
	for i := 0; i < GlobalCompletionLimit+3; i++ {
		initiator := newEndpoint(t, suite)
		deviceID := "dev"
		msg1, err := initiator.mgr.StartHandshake(deviceID, now)
		if err != nil {
			t.Fatalf("round %d: start handshake: %v", i, err)
		}
		responderSideDeviceID := fmt.Sprintf("dev-%d", i)
		res2, err := responder.mgr.Process(responderSideDeviceID, msg1, now)
		if err != nil {
			t.Fatalf("round %d: responder msg1: %v", i, err)
		}
		res3, err := initiator.mgr.Process(deviceID, res2.Response, now)
		if err != nil {
			t.Fatalf("round %d: initiator msg2: %v", i, err)
		}
		_, err = responder.mgr.Process(responderSideDeviceID, res3.Response, now)
		if err == nil {
			completions++
		} else if err != ErrRateLimited {
			t.Fatalf("round %d: unexpected error %v", i, err)
		}
	}
	if completions != GlobalCompletionLimit {
		t.Fatalf("expected exactly %d completions to succeed, got %d", GlobalCompletionLimit, completions)
	}
}

func TestRemoveDisposesSession(t *testing.T) {
	suite := crypto.New()
	now := time.Now()
	a := newEndpoint(t, suite)
	b := newEndpoint(t, suite)
	driveHandshake(t, suite, a, b, "dev-b", "dev-a", now)

	a.mgr.Remove("dev-b")
	if a.mgr.HasSession("dev-b") {
		t.Fatal("expected session removed")
	}
	if _, err := a.mgr.Encrypt("dev-b", []byte("x")); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession after removal, got %v", err)
	}
}

func TestClearDisposesAllSessions(t *testing.T) {
	suite := crypto.New()
	now := time.Now()
	a := newEndpoint(t, suite)
	b := newEndpoint(t, suite)
	c := newEndpoint(t, suite)
	driveHandshake(t, suite, a, b, "dev-b", "dev-a", now)
	driveHandshake(t, suite, a, c, "dev-c", "dev-a2", now)

	if a.mgr.Count() != 2 {
		t.Fatalf("expected 2 tracked devices, got %d", a.mgr.Count())
	}
	a.mgr.Clear()
	if a.mgr.Count() != 0 {
		t.Fatalf("expected 0 tracked devices after Clear, got %d", a.mgr.Count())
	}
	if a.mgr.HasSession("dev-b") || a.mgr.HasSession("dev-c") {
		t.Fatal("expected all sessions disposed after Clear")
	}
}

func TestLRUEvictionDisposesOldestDevice(t *testing.T) {
	suite := crypto.New()
	now := time.Now()
	a := newEndpoint(t, suite)

	// Fill beyond capacity with lightweight handshake-only (no completed
	// session) entries to exercise LRU eviction without MaxDevices-many
	// full handshakes.
	var oldest *deviceState
	for i := 0; i < MaxDevices+5; i++ {
		deviceID := fmt.Sprintf("dev-%d", i)
		if _, err := a.mgr.StartHandshake(deviceID, now.Add(time.Duration(i)*time.Millisecond)); err != nil && err != ErrRateLimited {
			t.Fatalf("device %d: %v", i, err)
		}
		if i == 0 {
			oldest, _ = a.mgr.get(deviceID)
		}
	}
	if a.mgr.Count() > MaxDevices {
		t.Fatalf("expected count capped at %d, got %d", MaxDevices, a.mgr.Count())
	}
	if _, ok := a.mgr.get("dev-0"); ok {
		t.Fatal("expected oldest device dev-0 to be evicted")
	}
	oldest.mu.Lock()
	disposed := oldest.handshake == nil
	oldest.mu.Unlock()
	if !disposed {
		t.Fatal("expected evicted device's handshake state to be disposed")
	}
}

