package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// watchdog cancels the upstream context when a phase takes longer than its
// limit. Re-arming starts a new phase; stale timers are ignored.
type watchdog struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	timer   *time.Timer
	gen     uint64
	phase   string
	limit   time.Duration
	fired   bool
	stopped bool
}

func newWatchdog(cancel context.CancelFunc) *watchdog {
	return &watchdog{cancel: cancel}
}

// arm starts a phase. A non-positive limit disarms the watchdog.
func (w *watchdog) arm(limit time.Duration, phase string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fired || w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.phase = phase
	w.limit = limit
	if limit <= 0 {
		return
	}
	gen := w.gen
	w.timer = time.AfterFunc(limit, func() { w.fire(gen) })
}

func (w *watchdog) fire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if gen != w.gen || w.stopped {
		return
	}
	w.fired = true
	w.cancel()
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// expired returns the timeout error if the watchdog cancelled the upstream.
func (w *watchdog) expired() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.fired {
		return nil
	}
	return fmt.Errorf("upstream timed out %s after %s", w.phase, w.limit)
}
