// Package session tracks how long the server-side session has left, prompts
// for renewal near the end, and forces a logout when it runs out.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultRenewalThreshold is the remaining time at which renewal is offered.
const DefaultRenewalThreshold = 60

// TimerState is a snapshot of a Timer.
type TimerState struct {
	Running           bool
	RemainingSeconds  int
	RenewalPromptOpen bool
	Expired           bool
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithThreshold sets the renewal threshold in seconds.
func WithThreshold(seconds int) TimerOption {
	return func(t *Timer) { t.threshold = seconds }
}

// OnExpire is called once when a countdown reaches zero, with the cycle that
// expired.
func OnExpire(fn func(cycle uint64)) TimerOption {
	return func(t *Timer) { t.onExpire = fn }
}

// OnPrompt is called once per countdown when the remaining time crosses the threshold.
func OnPrompt(fn func(remaining int)) TimerOption {
	return func(t *Timer) { t.onPrompt = fn }
}

// OnTick is called after every tick with the remaining seconds.
func OnTick(fn func(remaining int)) TimerOption {
	return func(t *Timer) { t.onTick = fn }
}

// WithTimerLogger sets the logger.
func WithTimerLogger(l *slog.Logger) TimerOption {
	return func(t *Timer) { t.logger = l }
}

// withInterval sets the tick period. Zero disables the ticking goroutine.
func withInterval(d time.Duration) TimerOption {
	return func(t *Timer) { t.interval = d }
}

// Timer is a one-second countdown with a renewal threshold. Each Start or
// Reset begins a new cycle; ticks from an earlier cycle are discarded.
type Timer struct {
	threshold int
	interval  time.Duration
	logger    *slog.Logger
	onExpire  func(uint64)
	onPrompt  func(int)
	onTick    func(int)

	mu        sync.Mutex
	cycle     uint64
	stop      chan struct{}
	running   bool
	duration  int
	remaining int
	prompted  bool // prompt already raised this cycle
	promptOn  bool
	expired   bool
}

// NewTimer creates a stopped timer.
func NewTimer(opts ...TimerOption) *Timer {
	t := &Timer{
		threshold: DefaultRenewalThreshold,
		interval:  time.Second,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "timer")
	return t
}

// Start begins a countdown from durationSeconds, replacing any running one,
// and returns its cycle.
func (t *Timer) Start(durationSeconds int) uint64 {
	t.mu.Lock()
	cycle, stop := t.startLocked(durationSeconds)
	t.mu.Unlock()

	t.logger.Debug("countdown started", "duration", durationSeconds, "cycle", cycle)
	t.spawn(cycle, stop)
	return cycle
}

// Reset restarts the running countdown from its full duration and closes the
// renewal prompt. It does nothing unless a countdown is running, so a reset
// after expiry has no effect until the next Start. It returns the new cycle
// and whether the reset happened.
func (t *Timer) Reset() (uint64, bool) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		t.logger.Debug("reset ignored, countdown not running")
		return 0, false
	}
	cycle, stop := t.startLocked(t.duration)
	t.mu.Unlock()

	t.spawn(cycle, stop)
	return cycle, true
}

// Stop halts the countdown without expiring.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.haltLocked()
	t.cycle++
	t.promptOn = false
}

// DismissPrompt closes the renewal prompt without renewing. It stays closed
// for the rest of the cycle.
func (t *Timer) DismissPrompt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.promptOn = false
}

// State returns a snapshot.
func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimerState{
		Running:           t.running,
		RemainingSeconds:  t.remaining,
		RenewalPromptOpen: t.promptOn,
		Expired:           t.expired,
	}
}

func (t *Timer) startLocked(durationSeconds int) (uint64, chan struct{}) {
	t.haltLocked()
	t.cycle++
	t.running = true
	t.duration = durationSeconds
	t.remaining = durationSeconds
	t.prompted = false
	t.promptOn = false
	t.expired = false
	if t.interval > 0 {
		t.stop = make(chan struct{})
	}
	return t.cycle, t.stop
}

func (t *Timer) haltLocked() {
	t.running = false
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

func (t *Timer) spawn(cycle uint64, stop chan struct{}) {
	if stop == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !t.tick(cycle) {
					return
				}
			}
		}
	}()
}

// tick advances the countdown of cycle by one second. It reports whether the
// countdown is still running.
func (t *Timer) tick(cycle uint64) bool {
	t.mu.Lock()
	if cycle != t.cycle || !t.running {
		t.mu.Unlock()
		return false
	}

	prev := t.remaining
	t.remaining = max(prev-1, 0)
	remaining := t.remaining

	prompt := !t.prompted && remaining > 0 && prev > t.threshold && remaining <= t.threshold
	if prompt {
		t.prompted = true
		t.promptOn = true
	}
	expired := remaining == 0
	if expired {
		t.haltLocked()
		t.expired = true
		t.promptOn = false
	}
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(remaining)
	}
	if prompt {
		t.logger.Info("renewal prompt", "remaining", remaining)
		if t.onPrompt != nil {
			t.onPrompt(remaining)
		}
	}
	if expired {
		t.logger.Info("countdown expired")
		if t.onExpire != nil {
			t.onExpire(cycle)
		}
	}
	return !expired
}
