// Package retry wraps a per-item action in a bounded retry loop.
//
// A Policy is one point on the safety/throughput trade-off curve. Three
// presets are provided: Conservative (slow, raises on exhaustion), Hybrid
// (fast, degrades to a per-item failure), and Maximal (single attempt, no
// safety net). Rate-limit responses are always honored regardless of preset.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/inboxops/sweep/internal/engine/ratelimit"
)

// Backoff selects how the wait between attempts grows.
type Backoff int

const (
	// BackoffNone never sleeps between attempts.
	BackoffNone Backoff = iota
	// BackoffLinear waits 1+attempt time units (1s, 2s, 3s, ...).
	BackoffLinear
	// BackoffExponential waits 2^attempt time units plus up to 5 units of
	// jitter (1-6s, 2-7s, 4-9s, ...).
	BackoffExponential
)

// Exhaustion selects what a spent retry budget means to the caller.
type Exhaustion int

const (
	// FailSoft: exhaustion is a per-item failure the caller tallies and
	// moves past.
	FailSoft Exhaustion = iota
	// FailHard: exhaustion is fatal and aborts the surrounding run.
	FailHard
)

const exponentialJitterMax = 5 * time.Second

// Action performs one remote mutation on a single item and returns the
// parsed response body. A *ratelimit.Error signals an HTTP 429; any other
// error is treated as transient.
type Action func(ctx context.Context, id string) (json.RawMessage, error)

// ExhaustedError reports that every attempt allowed by a policy failed.
// It wraps the error from the final attempt.
type ExhaustedError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("item %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy is a parameterized retry strategy.
type Policy struct {
	// MaxAttempts is the total number of action invocations allowed.
	MaxAttempts int

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// Backoff selects the wait growth between transient failures.
	Backoff Backoff

	// OnExhaustion tells the caller whether a returned *ExhaustedError is
	// fatal (FailHard) or a tallied per-item failure (FailSoft).
	OnExhaustion Exhaustion

	// RetryAfterDefault is the 429 wait used when the server specifies none.
	RetryAfterDefault time.Duration

	// sleep and jitter are injection points for tests.
	sleep  func(time.Duration)
	jitter func() float64
}

// Conservative is the sequential single-item profile: generous timeout, five
// attempts with exponential backoff, and a fatal error on exhaustion.
func Conservative() Policy {
	return Policy{
		MaxAttempts:       5,
		Timeout:           30 * time.Second,
		Backoff:           BackoffExponential,
		OnExhaustion:      FailHard,
		RetryAfterDefault: 60 * time.Second,
	}
}

// Hybrid balances speed against safety: short timeout, three attempts with
// linear backoff, per-item failure on exhaustion.
func Hybrid() Policy {
	return Policy{
		MaxAttempts:       3,
		Timeout:           10 * time.Second,
		Backoff:           BackoffLinear,
		OnExhaustion:      FailSoft,
		RetryAfterDefault: 5 * time.Second,
	}
}

// Maximal is the single-shot profile: one attempt, no backoff, any failure
// is immediately a per-item failure.
func Maximal() Policy {
	return Policy{
		MaxAttempts:       1,
		Timeout:           10 * time.Second,
		Backoff:           BackoffNone,
		OnExhaustion:      FailSoft,
		RetryAfterDefault: 5 * time.Second,
	}
}

// WithSleep returns a copy of the policy that uses fn instead of time.Sleep
// between attempts. Callers that need deterministic timing (tests, dry runs)
// inject a recorder or a no-op here.
func (p Policy) WithSleep(fn func(time.Duration)) Policy {
	p.sleep = fn
	return p
}

// Execute runs action against id under the policy. On success it returns the
// action's payload. When all attempts are spent it returns a *ExhaustedError;
// OnExhaustion tells the caller how to treat it.
//
// A *ratelimit.Error sleeps the server-specified wait (or the policy default)
// before the next attempt. Any other error sleeps the backoff interval.
// Both kinds of retry consume an attempt.
func (p Policy) Execute(ctx context.Context, id string, action Action) (json.RawMessage, error) {
	return p.ExecuteLogged(ctx, id, action, zerolog.Nop())
}

// ExecuteLogged is Execute with per-attempt logging.
func (p Policy) ExecuteLogged(ctx context.Context, id string, action Action, log zerolog.Logger) (json.RawMessage, error) {
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		payload, err := p.attempt(ctx, id, action)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		var rl *ratelimit.Error
		if errors.As(err, &rl) {
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = p.RetryAfterDefault
			}
			log.Warn().
				Str("item_id", id).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("rate limited, waiting before retry")
			sleep(wait)
			continue
		}

		if attempt < p.MaxAttempts-1 {
			wait := p.backoffInterval(attempt)
			log.Warn().
				Str("item_id", id).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Err(err).
				Msg("transient failure, retrying")
			sleep(wait)
		}
	}

	log.Error().
		Str("item_id", id).
		Int("attempts", p.MaxAttempts).
		Err(lastErr).
		Msg("retries exhausted")
	return nil, &ExhaustedError{ID: id, Attempts: p.MaxAttempts, Err: lastErr}
}

// attempt runs one action invocation under the policy timeout.
func (p Policy) attempt(ctx context.Context, id string, action Action) (json.RawMessage, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return action(ctx, id)
}

// backoffInterval returns the wait after the given zero-based attempt.
func (p Policy) backoffInterval(attempt int) time.Duration {
	switch p.Backoff {
	case BackoffLinear:
		return time.Duration(1+attempt) * time.Second
	case BackoffExponential:
		jitter := p.jitter
		if jitter == nil {
			jitter = rand.Float64
		}
		base := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		return base + time.Duration(jitter()*float64(exponentialJitterMax))
	default:
		return 0
	}
}
