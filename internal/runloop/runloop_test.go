package runloop

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	l := New(Config{Logger: logger})
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func TestPostFIFOFromOneGoroutine(t *testing.T) {
	l := newTestLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := l.Post(func() { got = append(got, i) }); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	if err := l.PostAndWait(func() {}); err != nil {
		t.Fatalf("PostAndWait: %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("ran %d jobs, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("job order broken at %d: got %d", i, v)
		}
	}
}

func TestPostAndWaitAppliesBeforeReturn(t *testing.T) {
	l := newTestLoop(t)

	applied := false
	if err := l.PostAndWait(func() { applied = true }); err != nil {
		t.Fatalf("PostAndWait: %v", err)
	}
	if !applied {
		t.Fatal("PostAndWait returned before work was applied")
	}
}

func TestPostAndWaitFromLoopFailsFast(t *testing.T) {
	l := newTestLoop(t)

	var inner error
	if err := l.PostAndWait(func() {
		inner = l.PostAndWait(func() {})
	}); err != nil {
		t.Fatalf("outer PostAndWait: %v", err)
	}
	if inner != ErrOnLoop {
		t.Fatalf("nested PostAndWait = %v, want ErrOnLoop", inner)
	}
}

func TestSerializedMutation(t *testing.T) {
	l := newTestLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	if err := l.PostAndWait(func() {}); err != nil {
		t.Fatalf("PostAndWait: %v", err)
	}
	if counter != 2000 {
		t.Fatalf("counter = %d, want 2000 (mutations raced?)", counter)
	}
}

func TestTimerFiresOnLoop(t *testing.T) {
	l := newTestLoop(t)

	fired := make(chan bool, 1)
	l.ScheduleTimer(20*time.Millisecond, 0, func() {
		fired <- l.OnLoop()
	})

	select {
	case onLoop := <-fired:
		if !onLoop {
			t.Fatal("timer callback ran off the loop goroutine")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestRepeatingTimerAndCancel(t *testing.T) {
	l := newTestLoop(t)

	ticks := make(chan struct{}, 16)
	id := l.ScheduleTimer(10*time.Millisecond, 10*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("repeating timer stalled")
		}
	}

	l.CancelTimer(id)
	// Let any in-flight tick drain, then verify silence.
	_ = l.PostAndWait(func() {})
	for len(ticks) > 0 {
		<-ticks
	}
	select {
	case <-ticks:
		t.Fatal("timer fired after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelUnknownTimerIsNoop(t *testing.T) {
	l := newTestLoop(t)
	l.CancelTimer(TimerID(9999))
}

func TestPumpBatchesYieldToQueue(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	l := New(Config{Logger: logger, PumpBatch: 4})
	l.Start()
	defer l.Stop()

	var order []string

	_ = l.Post(func() {
		// 10 continuations with batch size 4: the pump must yield twice.
		for i := 0; i < 10; i++ {
			l.EnqueueContinuation(func() { order = append(order, "cont") })
		}
		// Posted after the continuations exist; must run between batches,
		// not after all ten.
		_ = l.Post(func() { order = append(order, "job") })
	})
	_ = l.Post(func() {}) // spacer
	for {
		var pending int
		_ = l.PostAndWait(func() { pending = len(order) })
		if pending >= 11 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	jobAt := -1
	for i, v := range order {
		if v == "job" {
			jobAt = i
		}
	}
	if jobAt < 0 {
		t.Fatal("posted job never ran")
	}
	if jobAt >= 10 {
		t.Fatalf("job ran after all continuations (index %d); pump starved the queue", jobAt)
	}
	if got := len(order); got != 11 {
		t.Fatalf("ran %d entries, want 11", got)
	}
}

func TestStopDrainsAcceptedWork(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	l := New(Config{Logger: logger})
	l.Start()

	ran := 0
	for i := 0; i < 50; i++ {
		if err := l.Post(func() { ran++ }); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	l.Stop()

	if ran != 50 {
		t.Fatalf("Stop dropped accepted work: ran %d of 50", ran)
	}
	if err := l.Post(func() {}); err != ErrStopped {
		t.Fatalf("Post after Stop = %v, want ErrStopped", err)
	}
}
