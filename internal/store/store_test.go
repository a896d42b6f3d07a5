package store

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *KVStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshcore-test.db")
	s, err := Open("sqlite://"+path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRejectsUnsupportedDSNScheme(t *testing.T) {
	if _, err := Open("postgres://localhost/db", testLogger()); err == nil {
		t.Fatal("expected an error for a non-sqlite DSN")
	}
}

func TestGetOnMissingKeyReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a missing key")
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("static_public_key", "b64-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("static_public_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "b64-value" {
		t.Fatalf("Get = (%q, %v), want (%q, true)", v, ok, "b64-value")
	}
}

func TestSetOverwritesExistingValue(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("k", "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("k", "second"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get("k")
	if err != nil || !ok || v != "second" {
		t.Fatalf("Get = (%q, %v, %v), want (\"second\", true, nil)", v, ok, err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestDeleteOnMissingKeyIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	if err := s.Delete("never-existed"); err != nil {
		t.Fatalf("Delete on missing key returned an error: %v", err)
	}
}

func TestManyKeysDoNotCollide(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := s.Set(key, fmt.Sprintf("value-%d", i)); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		v, ok, err := s.Get(key)
		if err != nil || !ok || v != fmt.Sprintf("value-%d", i) {
			t.Fatalf("Get %s = (%q, %v, %v)", key, v, ok, err)
		}
	}
}
