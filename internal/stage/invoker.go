package stage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Invoker defaults, overridable via Options.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Options configures the invoker's timeout and retry policy.
type Options struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// BaseDelay is the initial backoff interval; it doubles per retry with
	// jitter, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// AttemptObserver receives every attempt of an invocation. final is true on
// success, on a permanent failure, and on the last allowed attempt.
type AttemptObserver func(attempt int, res Result, err error, final bool)

// Invoker drives stage handlers with per-attempt timeouts and capped
// exponential backoff between transient failures.
type Invoker struct {
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewInvoker builds an Invoker, filling unset options with the defaults.
func NewInvoker(opts Options) *Invoker {
	inv := &Invoker{
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
	}
	if inv.timeout <= 0 {
		inv.timeout = DefaultTimeout
	}
	if inv.maxAttempts <= 0 {
		inv.maxAttempts = DefaultMaxAttempts
	}
	if inv.baseDelay <= 0 {
		inv.baseDelay = DefaultBaseDelay
	}
	if inv.maxDelay <= 0 {
		inv.maxDelay = DefaultMaxDelay
	}
	return inv
}

// MaxAttempts reports the configured attempt budget.
func (inv *Invoker) MaxAttempts() int {
	return inv.maxAttempts
}

// Invoke runs one logical stage invocation: up to MaxAttempts executions of
// h, retrying transient failures. The returned Result's Outcome is
// authoritative; on failure the error carries the last attempt's cause. obs,
// when non-nil, is called once per attempt.
func (inv *Invoker) Invoke(ctx context.Context, h Handler, req Request, obs AttemptObserver) (Result, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = inv.baseDelay
	expo.MaxInterval = inv.maxDelay
	expo.Multiplier = 2

	var last Result
	attempt := 0

	op := func() (Result, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, inv.timeout)
		res, err := h.Execute(attemptCtx, req)
		cancel()

		res = classify(res, err)
		last = res

		switch res.Outcome {
		case OutcomeSuccess:
			if obs != nil {
				obs(attempt, res, nil, true)
			}
			return res, nil
		case OutcomeTransient:
			if err == nil {
				err = errors.New(res.Message)
			}
			if obs != nil {
				obs(attempt, res, err, attempt >= inv.maxAttempts)
			}
			return res, err
		default:
			if err == nil {
				err = errors.New(res.Message)
			}
			if obs != nil {
				obs(attempt, res, err, true)
			}
			return res, backoff.Permanent(err)
		}
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(inv.maxAttempts)),
	)
	if err != nil {
		return last, err
	}
	return res, nil
}

// classify normalizes a handler's (Result, error) pair into a definite
// Outcome. Errors wrapping ErrTransient and attempt timeouts are transient;
// every other error is permanent. A nil error with no explicit outcome is a
// success.
func classify(res Result, err error) Result {
	if err != nil {
		if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			res.Outcome = OutcomeTransient
		} else {
			res.Outcome = OutcomePermanent
		}
		if res.Message == "" {
			res.Message = err.Error()
		}
		return res
	}
	switch res.Outcome {
	case OutcomeTransient, OutcomePermanent:
		if res.Message == "" {
			res.Message = string(res.Outcome)
		}
	default:
		res.Outcome = OutcomeSuccess
	}
	return res
}
