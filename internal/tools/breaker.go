package tools

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the trip breaker is open and the cool-down
// has not yet elapsed. Callers should treat it as a fast tool failure.
var ErrBreakerOpen = errors.New("tools: breaker is open")

// Breaker trips after a run of consecutive failures and rejects calls for a
// cool-down period. Once the cool-down elapses a single probe call is let
// through; its outcome decides whether the breaker closes again or re-opens.
//
// Live conversation turns cannot afford to wait out a dead tool backend, so
// the breaker turns a hanging dependency into an immediate error the model
// can speak about.
//
// Safe for concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration

	mu          sync.Mutex
	open        bool
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewBreaker creates a Breaker that opens after maxFailures consecutive
// failures and stays open for coolDown. Non-positive values fall back to
// 5 failures and 30 seconds.
func NewBreaker(name string, maxFailures int, coolDown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{name: name, maxFailures: maxFailures, coolDown: coolDown}
}

// Execute runs fn if the breaker allows it, returning ErrBreakerOpen
// otherwise. While open, the first call after the cool-down elapses is
// admitted as a probe; concurrent calls keep failing fast until the probe
// resolves.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.open {
		if time.Since(b.openedAt) < b.coolDown || b.probeActive {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probeActive = true
		slog.Info("tool breaker probing backend", "name", b.name)
	}
	probe := b.probeActive
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeActive = false
		if err != nil {
			b.openedAt = time.Now()
			slog.Warn("tool breaker re-opened after failed probe", "name", b.name)
		} else {
			b.open = false
			b.failures = 0
			slog.Info("tool breaker closed after successful probe", "name", b.name)
		}
		return err
	}

	if err != nil {
		b.failures++
		if !b.open && b.failures >= b.maxFailures {
			b.open = true
			b.openedAt = time.Now()
			slog.Warn("tool breaker opened",
				"name", b.name,
				"consecutive_failures", b.failures)
		}
	} else {
		b.failures = 0
	}
	return err
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && (time.Since(b.openedAt) < b.coolDown || b.probeActive)
}
