// Package flash drives the external flashing engine with a bounded retry
// budget, a per-attempt timeout and a device-lost short circuit between
// attempts.
package flash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usbflash-io/usbflash/pkg/log"
	"github.com/usbflash-io/usbflash/pkg/options"
)

var (
	// ErrDeviceLost indicates the target device vanished between attempts.
	// Returned immediately without consuming the remaining budget.
	ErrDeviceLost = errors.New("target device lost")

	// ErrBudgetExhausted indicates every attempt failed. It wraps the last
	// attempt's diagnostic.
	ErrBudgetExhausted = errors.New("flash attempt budget exhausted")
)

// Executor runs the engine up to AttemptBudget times. A timed-out attempt is
// a failed attempt, not a terminal condition.
type Executor struct {
	engine         Engine
	budget         int
	attemptTimeout time.Duration
	retryDelay     time.Duration
	logger         log.Logger

	// devicePresent is consulted between attempts. The orchestrator loop is
	// blocked while flashing, so this reads the device monitor's presence
	// flag directly rather than the event stream.
	devicePresent func() bool

	// onAttempt, when set, is invoked with the attempt number before each
	// engine invocation.
	onAttempt func(attempt int)
}

// NewExecutor creates an Executor. devicePresent must be safe for concurrent
// use; pass nil to disable the device-lost check.
func NewExecutor(opts *options.FlashOptions, engine Engine, devicePresent func() bool) *Executor {
	return &Executor{
		engine:         engine,
		budget:         opts.AttemptBudget,
		attemptTimeout: opts.AttemptTimeout,
		retryDelay:     opts.RetryDelay,
		devicePresent:  devicePresent,
		logger:         log.WithName("flash"),
	}
}

// OnAttempt registers a per-attempt callback.
func (e *Executor) OnAttempt(fn func(attempt int)) {
	e.onAttempt = fn
}

// Flash runs the engine against port until it succeeds or the attempt budget
// is exhausted. It returns nil on success, ErrDeviceLost if the target
// vanished between attempts, or ErrBudgetExhausted wrapping the last
// diagnostic.
func (e *Executor) Flash(ctx context.Context, port, firmwarePath string) error {
	var lastErr error

	for attempt := 1; attempt <= e.budget; attempt++ {
		if attempt > 1 {
			if !e.present() {
				return fmt.Errorf("%w after attempt %d", ErrDeviceLost, attempt-1)
			}
			e.logger.Info("retrying", "delay", e.retryDelay, "nextAttempt", attempt)
			select {
			case <-time.After(e.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if !e.present() {
				return fmt.Errorf("%w after attempt %d", ErrDeviceLost, attempt-1)
			}
		}

		if e.onAttempt != nil {
			e.onAttempt(attempt)
		}

		e.logger.Info("flash attempt", "attempt", attempt, "budget", e.budget, "port", port)

		actx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		err := e.engine.Flash(actx, port, firmwarePath)
		cancel()

		if err == nil {
			e.logger.Info("flash succeeded", "attempt", attempt)
			return nil
		}

		lastErr = err
		e.logger.Warn("flash attempt failed", "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: %d attempts: %w", ErrBudgetExhausted, e.budget, lastErr)
}

func (e *Executor) present() bool {
	return e.devicePresent == nil || e.devicePresent()
}
