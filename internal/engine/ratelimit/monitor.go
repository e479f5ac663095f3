// Package ratelimit interprets the quota metadata a ticketing API attaches to
// every response and converts it into cooperative backpressure.
//
// The monitor is advisory: when the remaining quota approaches zero it slows
// the calling goroutine down with a short randomized sleep, but it never
// blocks indefinitely and never fails a request.
package ratelimit

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Defaults assumed when a response carries no rate-limit headers. The remote
// service omits them on some endpoints; treating that as a near-full quota
// matches its documented behavior.
const (
	DefaultRemaining = 1000
	DefaultLimit     = 10000
)

// LowWaterMark is the remaining-quota threshold below which the monitor
// injects a delay.
const LowWaterMark = 50

const (
	baseDelay   = 2 * time.Second
	jitterRange = 2 * time.Second
)

// Snapshot is the per-response rate-limit state. It is ephemeral: parsed,
// inspected once, and discarded.
type Snapshot struct {
	Remaining int
	Limit     int
	Reset     int64 // epoch seconds, 0 when unknown
}

// ParseSnapshot reads the X-RateLimit-* headers from h, substituting defaults
// for absent or malformed values.
func ParseSnapshot(h http.Header) Snapshot {
	return Snapshot{
		Remaining: intHeader(h, "X-RateLimit-Remaining", DefaultRemaining),
		Limit:     intHeader(h, "X-RateLimit-Limit", DefaultLimit),
		Reset:     int64(intHeader(h, "X-RateLimit-Reset", 0)),
	}
}

func intHeader(h http.Header, key string, fallback int) int {
	v := h.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Error reports an HTTP 429 response. RetryAfter is the server-specified wait
// from the Retry-After header, or zero when the header was absent; callers
// substitute their own default in that case.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// RetryAfterHeader parses the Retry-After response header as integer seconds.
// Returns zero when absent or malformed.
func RetryAfterHeader(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Monitor watches rate-limit snapshots and sleeps the calling goroutine when
// the remaining quota drops below the low-water mark.
type Monitor struct {
	log zerolog.Logger

	// sleep and jitter are injection points for tests.
	sleep  func(time.Duration)
	jitter func() float64
}

// NewMonitor creates a monitor logging through log.
func NewMonitor(log zerolog.Logger) *Monitor {
	return &Monitor{
		log:    log,
		sleep:  time.Sleep,
		jitter: rand.Float64,
	}
}

// WithSleep returns the monitor with its sleep replaced by fn. Callers that
// need deterministic timing (tests) inject a recorder or no-op here.
func (m *Monitor) WithSleep(fn func(time.Duration)) *Monitor {
	m.sleep = fn
	return m
}

// Observe inspects snap and returns its Remaining count. When the remaining
// quota is below LowWaterMark it sleeps 2s plus up to 2s of jitter on the
// calling goroutine. Other goroutines and in-flight requests are unaffected.
func (m *Monitor) Observe(snap Snapshot) int {
	m.log.Debug().
		Int("remaining", snap.Remaining).
		Int("limit", snap.Limit).
		Msg("rate limit observed")

	if snap.Remaining < LowWaterMark {
		wait := baseDelay + time.Duration(m.jitter()*float64(jitterRange))
		m.log.Info().
			Int("remaining", snap.Remaining).
			Dur("wait", wait).
			Msg("approaching rate limit, backing off")
		m.sleep(wait)
	}

	return snap.Remaining
}
