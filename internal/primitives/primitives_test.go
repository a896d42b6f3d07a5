package primitives

import "testing"

func TestIsHex(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"a", false},
		{"ab", true},
		{"ABCD", true},
		{"abcg", false},
		{"deadbeef", true},
	}
	for _, c := range cases {
		if got := IsHex(c.in); got != c.want {
			t.Errorf("IsHex(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Fatal("expected equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Fatal("expected unequal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Fatal("expected unequal for different lengths")
	}
}

func TestLRUEviction(t *testing.T) {
	var evicted []string
	l := NewLRU(2, func(key string, value any) {
		evicted = append(evicted, key)
	})
	l.Put("a", 1)
	l.Put("b", 2)
	l.Put("c", 3) // evicts "a" (least recently used)

	if _, ok := l.Get("a"); ok {
		t.Fatal("expected a to be evicted")
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected eviction of a, got %v", evicted)
	}
	if l.Len() != 2 {
		t.Fatalf("expected len 2, got %d", l.Len())
	}
}

func TestLRUTouchPreventsEviction(t *testing.T) {
	l := NewLRU(2, nil)
	l.Put("a", 1)
	l.Put("b", 2)
	l.Get("a") // touch a, making b the LRU entry
	l.Put("c", 3)

	if _, ok := l.Get("b"); ok {
		t.Fatal("expected b to be evicted instead of a")
	}
	if _, ok := l.Get("a"); !ok {
		t.Fatal("expected a to survive")
	}
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Wipe(b)
	for _, v := range b {
		if v != 0 {
			t.Fatalf("expected all zero, got %v", b)
		}
	}
}
