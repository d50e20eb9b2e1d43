package wire

import (
	"sync"
	"time"
)

// Cancellable stops a scheduled task.
type Cancellable interface {
	// Cancel stops future runs. It reports whether this call cancelled the task.
	Cancel() bool
}

// Scheduler runs a callback after an initial delay and then at a fixed interval.
// Readers and processors use it to drive ProbeChannel when no I/O event fires.
type Scheduler interface {
	Schedule(fn func(), delay, interval time.Duration) Cancellable
}

// TickerScheduler is a Scheduler backed by one goroutine and time.Ticker per task.
// Runs of the same task never overlap.
type TickerScheduler struct{}

// NewTickerScheduler returns the default Scheduler.
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{}
}

// Schedule starts fn after delay and repeats it every interval until cancelled.
func (s *TickerScheduler) Schedule(fn func(), delay, interval time.Duration) Cancellable {
	t := &tickerTask{stop: make(chan struct{}), done: make(chan struct{})}
	go t.run(fn, delay, interval)
	return t
}

type tickerTask struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (t *tickerTask) run(fn func(), delay, interval time.Duration) {
	defer close(t.done)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-t.stop:
		return
	case <-timer.C:
	}
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Cancel stops the task. A run in progress is allowed to finish.
func (t *tickerTask) Cancel() bool {
	cancelled := false
	t.once.Do(func() {
		close(t.stop)
		cancelled = true
	})
	return cancelled
}
