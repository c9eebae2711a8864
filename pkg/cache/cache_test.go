package cache

import (
	"bytes"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	c := NewMemory()

	_, ok, err := c.Get("token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected a miss on an empty cache")
	}

	if err := c.Set("token", []byte("abc")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, ok, err := c.Get("token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit after set")
	}
	if !bytes.Equal(v, []byte("abc")) {
		t.Errorf("expected %q, got %q", "abc", string(v))
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	c := NewMemory()

	in := []byte("abc")
	if err := c.Set("token", in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in[0] = 'x'

	v, _, _ := c.Get("token")
	if !bytes.Equal(v, []byte("abc")) {
		t.Errorf("cached value aliases caller slice: %q", string(v))
	}
}
