package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

func testVerdict(score int) safeguard.Verdict {
	return safeguard.NewVerdict(safeguard.TierForScore(score), score, "test", "test", safeguard.BackendRules)
}

func TestGetMarksCached(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("k", testVerdict(2))

	v, ok := c.Get("k")
	if !ok {
		t.Fatalf("expected hit")
	}
	if !v.Cached {
		t.Fatalf("expected Cached flag set on hit")
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Put("k", testVerdict(2))
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected miss after expiry")
	}
}

func TestOverflowEvictsExpiredFirst(t *testing.T) {
	c := New(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("old-%d", i), testVerdict(2))
	}

	// Later inserts see the old ones expired.
	c.now = func() time.Time { return base.Add(5 * time.Minute) }
	for i := 0; i < 6; i++ {
		c.Put(fmt.Sprintf("new-%d", i), testVerdict(2))
	}

	// 11th insert overflows capacity 10; the 5 expired entries are dropped,
	// leaving all 6 fresh ones.
	for i := 0; i < 6; i++ {
		if _, ok := c.Get(fmt.Sprintf("new-%d", i)); !ok {
			t.Fatalf("expected fresh entry new-%d to survive", i)
		}
	}
	if c.Len() != 6 {
		t.Fatalf("expected 6 live entries, got %d", c.Len())
	}
}

func TestOverflowEvictsOldestInsertions(t *testing.T) {
	c := New(time.Hour, 10)
	for i := 0; i < 11; i++ {
		c.Put(fmt.Sprintf("k-%d", i), testVerdict(2))
	}

	// Nothing expired, so eviction falls back to insertion order down to the
	// low-water mark (9 of 10).
	if _, ok := c.Get("k-0"); ok {
		t.Fatalf("expected oldest entry evicted")
	}
	if _, ok := c.Get("k-10"); !ok {
		t.Fatalf("expected newest entry to survive")
	}
	if c.Len() > 9 {
		t.Fatalf("expected at most 9 entries after eviction, got %d", c.Len())
	}
}

func TestSweep(t *testing.T) {
	c := New(time.Minute, 100)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("a", testVerdict(2))
	c.Put("b", testVerdict(2))

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if dropped := c.Sweep(); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after sweep")
	}
}
