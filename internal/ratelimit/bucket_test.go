package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(rate int64) (*Bucket, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewBucketAt(rate, clock.now), clock
}

func TestTakePartialGrant(t *testing.T) {
	b, _ := newTestBucket(100)

	// Full burst is available up front: 2x rate.
	if got := b.Take(500); got != 200 {
		t.Fatalf("initial Take(500) = %d, want 200", got)
	}
	// Drained; nothing more without elapsed time.
	if got := b.Take(10); got != 0 {
		t.Fatalf("Take on drained bucket = %d, want 0", got)
	}
}

func TestRefillCappedAtBurst(t *testing.T) {
	b, clock := newTestBucket(100)
	b.Take(200)

	clock.advance(500 * time.Millisecond)
	if got := b.Take(1000); got != 50 {
		t.Fatalf("Take after 500ms = %d, want 50", got)
	}

	// A long idle period refills to capacity only, never beyond.
	clock.advance(time.Hour)
	if got := b.Take(100000); got != 200 {
		t.Fatalf("Take after long idle = %d, want 200 (2x rate)", got)
	}
}

func TestZeroRateBypassesBucket(t *testing.T) {
	b, _ := newTestBucket(0)
	for i := 0; i < 3; i++ {
		if got := b.Take(1 << 30); got != 1<<30 {
			t.Fatalf("unlimited Take = %d, want full grant", got)
		}
	}
}

func TestSetRateAtRuntime(t *testing.T) {
	b, clock := newTestBucket(0)
	if got := b.Take(1 << 20); got != 1<<20 {
		t.Fatalf("unlimited grant = %d", got)
	}

	b.SetRate(100)
	if got := b.Take(1000); got != 200 {
		t.Fatalf("first limited Take = %d, want 200 burst", got)
	}

	// Back to unlimited.
	b.SetRate(0)
	clock.advance(time.Second)
	if got := b.Take(12345); got != 12345 {
		t.Fatalf("Take after clearing limit = %d, want 12345", got)
	}
}

func TestSteadyStateBound(t *testing.T) {
	// Sustained draw over 10s of simulated time must observe the configured
	// rate within the 2x burst tolerance, and within 1.1x once the initial
	// burst is excluded.
	const rate = 102400
	b, clock := newTestBucket(rate)

	var total int64
	steadyStart := 2 * time.Second
	var steady int64
	for elapsed := time.Duration(0); elapsed < 10*time.Second; elapsed += 100 * time.Millisecond {
		clock.advance(100 * time.Millisecond)
		granted := b.Take(1 << 20)
		total += granted
		if elapsed >= steadyStart {
			steady += granted
		}
	}

	if avg := float64(total) / 10; avg > rate*burstFactor {
		t.Errorf("overall average %f exceeds 2x rate", avg)
	}
	if avg := float64(steady) / 8; avg > rate*1.1 {
		t.Errorf("steady-state average %f exceeds 1.1x rate", avg)
	}
}

func TestTakeRejectsNonPositive(t *testing.T) {
	b, _ := newTestBucket(100)
	if got := b.Take(0); got != 0 {
		t.Errorf("Take(0) = %d", got)
	}
	if got := b.Take(-5); got != 0 {
		t.Errorf("Take(-5) = %d", got)
	}
}

func TestLimiterDirections(t *testing.T) {
	l := NewLimiter(100, 0)
	if l.Download().Rate() != 100 {
		t.Error("download rate not applied")
	}
	if l.Upload().Rate() != 0 {
		t.Error("upload rate should be unlimited")
	}
	if got := l.Download().Take(1000); got != 200 {
		t.Errorf("download Take = %d, want 200", got)
	}
	if got := l.Upload().Take(1000); got != 1000 {
		t.Errorf("upload Take = %d, want 1000", got)
	}
}
