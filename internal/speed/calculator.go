// Package speed produces smoothed transfer rates from discrete byte events
// and keeps a bounded history for graphing. Events land in fixed-width
// buckets per (direction, category); the instantaneous rate is the sum of a
// trailing window divided by its width, so a step change in true throughput
// is only fully visible after the window has elapsed.
package speed

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"btcore/internal/domain"
)

const (
	// BucketWidth is the resolution of recorded samples.
	BucketWidth = 500 * time.Millisecond
	// RateWindow is the trailing window behind Rate().
	RateWindow = 5 * time.Second
	// DefaultRetention matches the longest UI graph window.
	DefaultRetention = time.Hour

	// CategoryAggregate accumulates every event regardless of category.
	CategoryAggregate = "aggregate"
)

type bucket struct {
	start time.Time
	bytes int64
}

type seriesKey struct {
	direction domain.Direction
	category  string
}

type Calculator struct {
	mu        sync.Mutex
	series    map[seriesKey]*deque.Deque[bucket]
	retention time.Duration
	now       func() time.Time
}

func NewCalculator() *Calculator {
	return NewCalculatorAt(DefaultRetention, time.Now)
}

func NewCalculatorAt(retention time.Duration, now func() time.Time) *Calculator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Calculator{
		series:    make(map[seriesKey]*deque.Deque[bucket]),
		retention: retention,
		now:       now,
	}
}

// Add records n transferred bytes for a category. The aggregate series is
// updated as well unless the event already is the aggregate.
func (c *Calculator) Add(direction domain.Direction, category string, n int64) {
	if n <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.add(seriesKey{direction, category}, now, n)
	if category != CategoryAggregate {
		c.add(seriesKey{direction, CategoryAggregate}, now, n)
	}
}

func (c *Calculator) add(key seriesKey, now time.Time, n int64) {
	dq, ok := c.series[key]
	if !ok {
		dq = new(deque.Deque[bucket])
		c.series[key] = dq
	}

	start := now.Truncate(BucketWidth)
	if dq.Len() > 0 && dq.Back().start.Equal(start) {
		last := dq.PopBack()
		last.bytes += n
		dq.PushBack(last)
	} else {
		dq.PushBack(bucket{start: start, bytes: n})
	}

	for dq.Len() > 0 && now.Sub(dq.Front().start) > c.retention {
		dq.PopFront()
	}
}

// Rate returns the smoothed rate in bytes per second for a category.
func (c *Calculator) Rate(direction domain.Direction, category string) int64 {
	now := c.now()
	cutoff := now.Add(-RateWindow)

	c.mu.Lock()
	defer c.mu.Unlock()

	dq, ok := c.series[seriesKey{direction, category}]
	if !ok {
		return 0
	}

	var sum int64
	for i := dq.Len() - 1; i >= 0; i-- {
		b := dq.At(i)
		if b.start.Before(cutoff) {
			break
		}
		sum += b.bytes
	}
	return sum / int64(RateWindow/time.Second)
}

// AggregateRate is Rate over every category combined.
func (c *Calculator) AggregateRate(direction domain.Direction) int64 {
	return c.Rate(direction, CategoryAggregate)
}

// Samples returns recorded buckets within [from, to] for graphing, merging
// adjacent buckets when the raw count exceeds maxPoints. The second return
// value is the effective bucket width of the result.
func (c *Calculator) Samples(direction domain.Direction, category string, from, to time.Time, maxPoints int) ([]domain.SpeedSample, time.Duration) {
	if category == "" {
		category = CategoryAggregate
	}
	if to.IsZero() {
		to = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dq, ok := c.series[seriesKey{direction, category}]
	if !ok {
		return nil, BucketWidth
	}

	var raw []domain.SpeedSample
	for i := 0; i < dq.Len(); i++ {
		b := dq.At(i)
		if b.start.Before(from) || b.start.After(to) {
			continue
		}
		raw = append(raw, domain.SpeedSample{Timestamp: b.start, Bytes: b.bytes})
	}

	if maxPoints <= 0 || len(raw) <= maxPoints {
		return raw, BucketWidth
	}

	merge := (len(raw) + maxPoints - 1) / maxPoints
	width := time.Duration(merge) * BucketWidth
	out := make([]domain.SpeedSample, 0, (len(raw)+merge-1)/merge)
	for i := 0; i < len(raw); i += merge {
		merged := domain.SpeedSample{Timestamp: raw[i].Timestamp}
		for j := i; j < i+merge && j < len(raw); j++ {
			merged.Bytes += raw[j].Bytes
		}
		out = append(out, merged)
	}
	return out, width
}
