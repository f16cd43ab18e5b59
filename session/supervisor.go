package session

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultReconnectMaxDelay    = 10 * time.Second
	DefaultReconnectWatchdog    = 20 * time.Second
)

var (
	// ErrReconnectExhausted wraps the last link error once every attempt failed.
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")
	// ErrReconnectDisabled indicates the supervisor was disarmed by a manual
	// disconnect.
	ErrReconnectDisabled = errors.New("session: reconnect disabled")
)

// SupervisorOptions tunes reconnect pacing.
type SupervisorOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Watchdog bounds one attempt; an attempt that does not re-establish the
	// channel in time counts as failed.
	Watchdog time.Duration
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultReconnectBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultReconnectMaxDelay
	}
	if o.Watchdog <= 0 {
		o.Watchdog = DefaultReconnectWatchdog
	}
	return o
}

// Supervisor counts reconnect attempts for one participant. Delays grow
// linearly with the attempt number up to MaxDelay.
type Supervisor struct {
	opts     SupervisorOptions
	attempts int
	disabled bool
}

// NewSupervisor returns an armed supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	return &Supervisor{opts: opts.withDefaults()}
}

// Next records one more attempt caused by cause and returns its number and
// the delay before it runs.
func (s *Supervisor) Next(cause error) (int, time.Duration, error) {
	if s.disabled {
		return 0, 0, ErrReconnectDisabled
	}
	s.attempts++
	if s.attempts > s.opts.MaxAttempts {
		return 0, 0, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, s.opts.MaxAttempts, cause)
	}

	delay := s.opts.BaseDelay * time.Duration(s.attempts)
	if delay > s.opts.MaxDelay {
		delay = s.opts.MaxDelay
	}
	return s.attempts, delay, nil
}

// Reset clears the attempt count once data moves again after a resume.
func (s *Supervisor) Reset() {
	s.attempts = 0
}

// Disable disarms the supervisor for good.
func (s *Supervisor) Disable() {
	s.disabled = true
}

// Attempts returns the attempts made since the last Reset.
func (s *Supervisor) Attempts() int {
	return s.attempts
}

// MaxAttempts returns the configured attempt cap.
func (s *Supervisor) MaxAttempts() int {
	return s.opts.MaxAttempts
}

// Watchdog returns the per-attempt deadline.
func (s *Supervisor) Watchdog() time.Duration {
	return s.opts.Watchdog
}
