// Package runloop implements the dedicated engine thread: a single goroutine
// that owns all engine state and serializes every mutation. Work arrives as
// posted closures; timers and continuation pumping run on the same goroutine
// so callbacks never race engine state.
//
// The cardinal rule: nothing executed on the loop may block on I/O or on
// another goroutine. Long-running operations belong on workers that post
// their results back.
package runloop

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"btcore/internal/metrics"
)

var ErrStopped = errors.New("run loop stopped")

// ErrOnLoop guards blocking calls issued from the loop goroutine itself,
// which would deadlock waiting on their own queue.
var ErrOnLoop = errors.New("blocking call from the run loop goroutine")

const (
	// DefaultPumpBatch bounds how many suspended continuations run before
	// the pump yields back to the queue, so a long continuation chain cannot
	// starve pending I/O callbacks.
	DefaultPumpBatch = 32

	// DefaultOverloadThreshold is the timer lateness past which the loop is
	// considered overloaded. Observability only; nothing is enforced.
	DefaultOverloadThreshold = time.Second
)

type Config struct {
	Logger            *logrus.Logger
	PumpBatch         int
	OverloadThreshold time.Duration
}

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	conts   []func()
	pumping bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	timers  *timerHeap
	timerID uint64

	gid       uint64
	logger    *logrus.Logger
	pumpBatch int
	threshold time.Duration
	now       func() time.Time
}

func New(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.PumpBatch <= 0 {
		cfg.PumpBatch = DefaultPumpBatch
	}
	if cfg.OverloadThreshold <= 0 {
		cfg.OverloadThreshold = DefaultOverloadThreshold
	}
	return &Loop{
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		timers:    newTimerHeap(),
		logger:    cfg.Logger,
		pumpBatch: cfg.PumpBatch,
		threshold: cfg.OverloadThreshold,
		now:       time.Now,
	}
}

// Start launches the loop goroutine and returns once it is running.
func (l *Loop) Start() {
	ready := make(chan struct{})
	go l.run(ready)
	<-ready
}

// Stop drains already-accepted work, then terminates the goroutine. Accepted
// commands always complete; new posts are rejected.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.mu.Unlock()
	l.signal()
	<-l.done
}

// Post enqueues work and returns immediately. Work posted from one goroutine
// runs in FIFO order; there is no ordering between concurrent posters.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return nil
}

// PostAndWait enqueues work and blocks the caller until it has been applied.
// Must not be called from the loop goroutine.
func (l *Loop) PostAndWait(fn func()) error {
	if l.OnLoop() {
		return ErrOnLoop
	}
	doneCh := make(chan struct{})
	if err := l.Post(func() {
		defer close(doneCh)
		fn()
	}); err != nil {
		return err
	}
	<-doneCh
	return nil
}

// OnLoop reports whether the caller is the loop goroutine.
func (l *Loop) OnLoop() bool {
	l.mu.Lock()
	gid := l.gid
	l.mu.Unlock()
	return gid != 0 && gid == currentGoroutineID()
}

// EnqueueContinuation registers a suspended continuation for the next pump
// pass. Continuations run on the loop in batches of PumpBatch; when more
// remain after a batch, the pump re-posts itself instead of looping so that
// queued I/O callbacks interleave.
func (l *Loop) EnqueueContinuation(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.conts = append(l.conts, fn)
	schedule := !l.pumping
	l.pumping = true
	l.mu.Unlock()
	if schedule {
		_ = l.Post(l.pumpContinuations)
	} else {
		l.signal()
	}
}

// PendingContinuations reports the number of continuations awaiting a pump.
func (l *Loop) PendingContinuations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conts)
}

func (l *Loop) pumpContinuations() {
	l.mu.Lock()
	n := l.pumpBatch
	if n > len(l.conts) {
		n = len(l.conts)
	}
	batch := l.conts[:n:n]
	l.conts = l.conts[n:]
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}

	l.mu.Lock()
	more := len(l.conts) > 0
	l.pumping = more
	l.mu.Unlock()
	if more {
		_ = l.Post(l.pumpContinuations)
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ready chan<- struct{}) {
	defer close(l.done)

	l.mu.Lock()
	l.gid = currentGoroutineID()
	l.mu.Unlock()
	close(ready)

	idle := time.NewTimer(time.Hour)
	defer idle.Stop()

	for {
		// Run every queued job first; timers only fire on a drained queue.
		for {
			fn := l.nextJob()
			if fn == nil {
				break
			}
			fn()
			metrics.LoopJobsTotal.Inc()
		}

		l.runDueTimers()

		l.mu.Lock()
		if l.stopped && len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		next, hasTimer := l.timers.nextDeadline()
		l.mu.Unlock()

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		if hasTimer {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			idle.Reset(d)
		} else {
			idle.Reset(time.Hour)
		}

		select {
		case <-l.wake:
		case <-idle.C:
		}
	}
}

func (l *Loop) nextJob() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue = l.queue[1:]
	return fn
}

// currentGoroutineID extracts the goroutine id from the stack header
// ("goroutine 42 [running]:"). Used only for the self-deadlock guard.
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		if id, err := strconv.ParseUint(string(buf[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}
