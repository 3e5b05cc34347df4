package cache

import (
	"testing"

	"github.com/dcmstore/dcmstore/dcmtag"
)

func loaderFor(size int64) Loader {
	return func() (*dcmtag.ParsedFile, int64, error) {
		return &dcmtag.ParsedFile{Dataset: &dcmtag.Dataset{}}, size, nil
	}
}

func TestAcquireMissThenHit(t *testing.T) {
	c := New(1 << 20)
	calls := 0
	load := func() (*dcmtag.ParsedFile, int64, error) {
		calls++
		return &dcmtag.ParsedFile{Dataset: &dcmtag.Dataset{}}, 100, nil
	}

	h1, err := c.Acquire("id1", load)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h2, err := c.Acquire("id1", load)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected loader to run once, ran %d times", calls)
	}
	h1.Release()
	h2.Release()
}

func TestEvictionDoesNotInvalidateHeldHandle(t *testing.T) {
	c := New(150) // budget fits only one 100-byte entry
	h1, err := c.Acquire("a", loaderFor(100))
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	// Insert a second entry that forces eviction of "a" from the index.
	if _, err := c.Acquire("b", loaderFor(100)); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected exactly one indexed entry after eviction, got %d", c.Len())
	}
	// h1 must still be usable even though "a" was evicted from the index.
	if h1.Dataset() == nil {
		t.Fatalf("expected evicted-but-held handle to remain valid")
	}
	h1.Release()
}

func TestInvalidate(t *testing.T) {
	c := New(1 << 20)
	h, err := c.Acquire("x", loaderFor(10))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	c.Invalidate("x")
	if c.Len() != 0 {
		t.Fatalf("expected cache empty after invalidate, got %d entries", c.Len())
	}
}
