package session

import (
	"sync"
	"time"
)

// connectTimer is a one-shot timer whose firing and cancellation are mutually exclusive:
// once Stop returns true the callback never runs, and once the callback has started Stop returns false.
type connectTimer struct {
	mu      sync.Mutex
	t       *time.Timer
	fired   bool
	stopped bool
}

func startConnectTimer(d time.Duration, fn func()) *connectTimer {
	ct := &connectTimer{}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.t = time.AfterFunc(d, func() {
		ct.mu.Lock()
		if ct.stopped {
			ct.mu.Unlock()
			return
		}
		ct.fired = true
		ct.mu.Unlock()
		fn()
	})
	return ct
}

// Stop cancels the timer. It reports false if the timer already fired or was stopped.
func (ct *connectTimer) Stop() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.fired || ct.stopped {
		return false
	}
	ct.stopped = true
	ct.t.Stop()
	return true
}

func (ct *connectTimer) Fired() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.fired
}
