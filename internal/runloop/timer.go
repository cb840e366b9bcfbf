package runloop

import (
	"container/heap"
	"time"

	"btcore/internal/metrics"
)

type TimerID uint64

type timer struct {
	id     TimerID
	when   time.Time
	period time.Duration // 0 = one-shot
	fn     func()
	index  int
}

type timerHeap struct {
	items []*timer
	byID  map[TimerID]*timer
}

func newTimerHeap() *timerHeap {
	return &timerHeap{byID: make(map[TimerID]*timer)}
}

func (h *timerHeap) Len() int { return len(h.items) }

func (h *timerHeap) Less(i, j int) bool { return h.items[i].when.Before(h.items[j].when) }

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(h.items)
	h.items = append(h.items, t)
	h.byID[t.id] = t
}

func (h *timerHeap) Pop() any {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	delete(h.byID, t.id)
	return t
}

func (h *timerHeap) nextDeadline() (time.Time, bool) {
	if len(h.items) == 0 {
		return time.Time{}, false
	}
	return h.items[0].when, true
}

// ScheduleTimer arms a callback on the loop goroutine after delay. A nonzero
// period makes it repeat. Safe to call from any goroutine.
func (l *Loop) ScheduleTimer(delay time.Duration, period time.Duration, fn func()) TimerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return 0
	}
	l.timerID++
	id := TimerID(l.timerID)
	heap.Push(l.timers, &timer{
		id:     id,
		when:   l.now().Add(delay),
		period: period,
		fn:     fn,
	})
	l.signalLocked()
	return id
}

// CancelTimer removes a pending timer. Cancelling an unknown or already
// fired id is a no-op.
func (l *Loop) CancelTimer(id TimerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers.byID[id]; ok {
		heap.Remove(l.timers, t.index)
	}
}

// signalLocked wakes the loop while l.mu is held. The wake channel has
// capacity 1, so this never blocks.
func (l *Loop) signalLocked() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// runDueTimers fires every timer whose deadline has passed, measuring how
// late each one ran. Persistent lateness past the overload threshold is the
// thread-overload signal: logged and counted, never surfaced as an error.
func (l *Loop) runDueTimers() {
	for {
		l.mu.Lock()
		if l.stopped || l.timers.Len() == 0 {
			l.mu.Unlock()
			return
		}
		next := l.timers.items[0]
		now := l.now()
		if next.when.After(now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(l.timers).(*timer)
		if t.period > 0 {
			heap.Push(l.timers, &timer{
				id:     t.id,
				when:   now.Add(t.period),
				period: t.period,
				fn:     t.fn,
			})
		}
		l.mu.Unlock()

		late := now.Sub(t.when)
		l.observeLatency(late)

		t.fn()
	}
}

func (l *Loop) observeLatency(late time.Duration) {
	if late < 0 {
		late = 0
	}
	metrics.LoopLatencySeconds.Observe(late.Seconds())
	if late >= l.threshold {
		metrics.LoopOverloadTotal.Inc()
		l.logger.WithField("lateness", late.String()).Warn("run loop overloaded: timer fired late")
	}
}
