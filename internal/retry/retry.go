// Package retry runs one network operation under a timeout with bounded,
// exponentially delayed retries of transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	Timeout    time.Duration // Per attempt; 0 disables
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Multiplier: 2,
		Timeout:    30 * time.Second,
	}
}

// Operation is a single network call plus its parse step.
type Operation func(ctx context.Context) error

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Outcome describes a successful Execute call.
type Outcome struct {
	Attempts int
}

// FatalError is returned once an operation will not be tried again.
type FatalError struct {
	Attempts  int
	Permanent bool
	Err       error
}

func (e *FatalError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Controller struct {
	cfg   Config
	sleep Sleeper
}

func New(cfg Config) *Controller {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Controller{cfg: cfg, sleep: sleepCtx}
}

// WithSleeper replaces the wait between attempts; used by tests to observe delays.
func (c *Controller) WithSleeper(s Sleeper) *Controller {
	c.sleep = s
	return c
}

// Delay returns the wait after the given 0-based failed attempt.
func (c *Controller) Delay(attempt int) time.Duration {
	return time.Duration(float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(attempt)))
}

func (c *Controller) MaxAttempts() int {
	return c.cfg.MaxRetries + 1
}

// Execute runs op until it succeeds, fails permanently or exhausts MaxRetries.
// Cancellation of ctx is returned unwrapped and never retried.
func (c *Controller) Execute(ctx context.Context, op Operation) (Outcome, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.attempt(ctx, op)
		if err == nil {
			return Outcome{Attempts: attempt + 1}, nil
		}

		if ctx.Err() != nil {
			return Outcome{Attempts: attempt + 1}, ctx.Err()
		}

		if IsPermanent(err) {
			return Outcome{Attempts: attempt + 1}, &FatalError{Attempts: attempt + 1, Permanent: true, Err: err}
		}

		lastErr = err
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := c.Delay(attempt)
		log.Debugf("🔄 Attempt %d/%d failed, retrying in %v: %v", attempt+1, c.MaxAttempts(), delay, err)

		if err := c.sleep(ctx, delay); err != nil {
			return Outcome{Attempts: attempt + 1}, err
		}
	}

	return Outcome{Attempts: c.MaxAttempts()}, &FatalError{Attempts: c.MaxAttempts(), Err: lastErr}
}

func (c *Controller) attempt(ctx context.Context, op Operation) error {
	if c.cfg.Timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	return op(attemptCtx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
