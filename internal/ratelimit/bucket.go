// Package ratelimit caps sustained throughput per transfer direction while
// allowing short bursts. Burst capacity is fixed at twice the configured
// rate: a freshly unthrottled bucket may move data at up to 2x the target
// rate for about a second before settling.
package ratelimit

import (
	"sync"
	"time"
)

const burstFactor = 2

// Bucket is a token bucket. A rate of 0 disables limiting entirely; the
// bucket is bypassed rather than treated as infinitely large.
type Bucket struct {
	mu       sync.Mutex
	rate     int64 // bytes per second; 0 = unlimited
	capacity int64 // burstFactor * rate
	tokens   float64
	last     time.Time
	now      func() time.Time
}

func NewBucket(rate int64) *Bucket {
	b := &Bucket{now: time.Now}
	b.SetRate(rate)
	return b
}

// NewBucketAt is NewBucket with an injected clock.
func NewBucketAt(rate int64, now func() time.Time) *Bucket {
	b := &Bucket{now: now}
	b.SetRate(rate)
	return b
}

// SetRate changes the limit at runtime, effective on the next Take. The
// bucket restarts with a full burst allowance, so a freshly limited bucket
// may exceed the target rate for up to one second.
func (b *Bucket) SetRate(rate int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rate < 0 {
		rate = 0
	}
	b.rate = rate
	b.capacity = rate * burstFactor
	b.tokens = float64(b.capacity)
	b.last = b.now()
}

// Rate returns the configured limit in bytes per second.
func (b *Bucket) Rate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// Take grants up to n bytes for immediate transfer and returns the granted
// amount. The remainder must be deferred by the caller; Take never blocks.
func (b *Bucket) Take(n int64) int64 {
	if n <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rate == 0 {
		return n
	}
	b.refill()

	grant := int64(b.tokens)
	if grant >= n {
		grant = n
	}
	if grant > 0 {
		b.tokens -= float64(grant)
	}
	return grant
}

// Tokens reports the currently available allowance after a refill check.
func (b *Bucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rate == 0 {
		return 0
	}
	b.refill()
	return int64(b.tokens)
}

func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.tokens += elapsed * float64(b.rate)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
}

// Limiter holds one bucket per transfer direction.
type Limiter struct {
	download *Bucket
	upload   *Bucket
}

func NewLimiter(downloadRate, uploadRate int64) *Limiter {
	return &Limiter{
		download: NewBucket(downloadRate),
		upload:   NewBucket(uploadRate),
	}
}

func (l *Limiter) Download() *Bucket { return l.download }
func (l *Limiter) Upload() *Bucket   { return l.upload }
