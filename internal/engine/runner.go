// Package engine drives bulk mutation runs: it streams item identifiers from
// a paginated search, groups them into batches, dispatches each batch to a
// bounded worker pool with per-item retries, and accumulates the result
// counters.
//
// The engine is generic over two extension points: a stream.Pager that issues
// the search (the query is bound inside it) and a retry.Action that mutates
// one item. Concrete operations (closing, tagging, state changes) are
// configurations of the same runner, not separate implementations.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/inboxops/sweep/internal/engine/dispatch"
	"github.com/inboxops/sweep/internal/engine/retry"
	"github.com/inboxops/sweep/internal/engine/stream"
)

// Default run configuration.
const (
	DefaultBatchSize = 50
	DefaultWorkers   = 15
	DefaultDelay     = 100 * time.Millisecond
)

// Progress emission thresholds: a line is logged whenever the success
// counter crosses a multiple of progressEvery, or progressInterval has
// elapsed since the last line.
const (
	progressEvery    = 50
	progressInterval = 10 * time.Second
)

// Validation errors.
var (
	ErrNilPager         = errors.New("pager cannot be nil")
	ErrNilAction        = errors.New("action cannot be nil")
	ErrInvalidBatchSize = errors.New("batch size must be at least 1")
	ErrInvalidWorkers   = errors.New("worker count must be at least 1")
)

// Mode selects the orchestration mechanics for a run.
type Mode int

const (
	// ModeHybrid streams identifiers and dispatches fixed-size batches to a
	// worker pool, with per-item retries and 429 handling. The default.
	ModeHybrid Mode = iota

	// ModeMaximal prefetches every identifier up front, then dispatches
	// batches with single-attempt actions. Fastest, least safe. The prefetch
	// is a deliberate exception to the engine's streaming design.
	ModeMaximal

	// ModeSequential processes one identifier at a time with the
	// conservative retry profile, sleeping between groups of items. An
	// exhausted item aborts the run.
	ModeSequential
)

// String returns the mode's flag spelling.
func (m Mode) String() string {
	switch m {
	case ModeMaximal:
		return "maximal"
	case ModeSequential:
		return "sequential"
	default:
		return "hybrid"
	}
}

// ParseMode converts a flag value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "hybrid", "":
		return ModeHybrid, nil
	case "maximal":
		return ModeMaximal, nil
	case "sequential":
		return ModeSequential, nil
	default:
		return ModeHybrid, fmt.Errorf("unknown mode %q (want hybrid, maximal, or sequential)", s)
	}
}

// policy returns the retry profile paired with the mode.
func (m Mode) policy() retry.Policy {
	switch m {
	case ModeMaximal:
		return retry.Maximal()
	case ModeSequential:
		return retry.Conservative()
	default:
		return retry.Hybrid()
	}
}

// Config holds the tunables of one run.
type Config struct {
	// Mode selects orchestration mechanics and the default retry profile.
	Mode Mode

	// BatchSize is the number of identifiers per dispatch. In sequential
	// mode it is the sleep cadence instead: the runner pauses for Delay
	// after every BatchSize successes.
	BatchSize int

	// Workers bounds the per-batch worker pool. Ignored in sequential mode.
	Workers int

	// MaxItems caps the run; zero means unlimited. In hybrid mode the cap is
	// compared against the success counter at batch boundaries; in maximal
	// mode it bounds the number of identifiers prefetched.
	MaxItems int

	// PerPage is the search page-size hint.
	PerPage int

	// Delay is the sequential-mode pause between groups of BatchSize items.
	Delay time.Duration
}

// withDefaults fills zero-valued fields.
func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.PerPage == 0 {
		c.PerPage = stream.DefaultPerPage
	}
	if c.Delay == 0 {
		c.Delay = DefaultDelay
	}
	return c
}

// Runner orchestrates one bulk run.
type Runner struct {
	Pager  stream.Pager
	Action retry.Action

	// Extract overrides the default identifier extractor. Optional.
	Extract stream.Extractor

	// Policy overrides the retry profile implied by Config.Mode. Optional.
	Policy retry.Policy

	Config Config
	Log    zerolog.Logger

	// Test hooks.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewRunner builds a runner with the retry profile implied by cfg.Mode.
func NewRunner(pager stream.Pager, action retry.Action, cfg Config, log zerolog.Logger) *Runner {
	return &Runner{
		Pager:  pager,
		Action: action,
		Policy: cfg.Mode.policy(),
		Config: cfg,
		Log:    log,
	}
}

// runState is the mutable aggregate of one run. It is touched only by the
// orchestrating goroutine, strictly between dispatch barriers, so it needs
// no locking.
type runState struct {
	success int
	failed  int

	start           time.Time
	lastProgressAt  time.Time
	progressSuccess int // success counter at the last progress emission
	batches         int
}

// Run executes the configured bulk operation. The returned report is valid
// even when err is non-nil: it reflects everything tallied before the run
// aborted (pagination failure, or a fail-hard exhaustion in sequential mode).
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if err := r.validate(); err != nil {
		return Report{}, err
	}

	// Defaults resolve into a copy; the receiver is never written, so one
	// Runner serves repeated runs.
	rr := *r
	cfg := rr.Config.withDefaults()
	rr.Config = cfg
	if rr.Policy.MaxAttempts == 0 {
		rr.Policy = cfg.Mode.policy()
	}
	if rr.sleep == nil {
		rr.sleep = time.Sleep
	}
	if rr.now == nil {
		rr.now = time.Now
	}

	runID := ulid.Make().String()
	log := rr.Log.With().
		Str("run_id", runID).
		Str("mode", cfg.Mode.String()).
		Logger()

	log.Info().
		Int("batch_size", cfg.BatchSize).
		Int("workers", cfg.Workers).
		Int("max_items", cfg.MaxItems).
		Msg("bulk run starting")

	st := &runState{start: rr.now()}
	st.lastProgressAt = st.start

	var err error
	switch cfg.Mode {
	case ModeSequential:
		err = rr.runSequential(ctx, cfg, log, st)
	case ModeMaximal:
		err = rr.runMaximal(ctx, cfg, log, st)
	default:
		err = rr.runHybrid(ctx, cfg, log, st)
	}

	report := Report{
		Success: st.success,
		Failed:  st.failed,
		Elapsed: rr.now().Sub(st.start),
	}

	log.Info().
		Int("success", report.Success).
		Int("failed", report.Failed).
		Dur("elapsed", report.Elapsed).
		Float64("rate_per_sec", report.Rate()).
		Float64("success_pct", report.SuccessRate()).
		Msg("bulk run finished")

	return report, err
}

func (r *Runner) validate() error {
	if r.Pager == nil {
		return ErrNilPager
	}
	if r.Action == nil {
		return ErrNilAction
	}
	if r.Config.BatchSize < 0 {
		return ErrInvalidBatchSize
	}
	if r.Config.Workers < 0 {
		return ErrInvalidWorkers
	}
	return nil
}

// runHybrid streams identifiers and dispatches full batches as they fill.
// The cap, when set, is checked against the success counter only at batch
// boundaries: a batch that straddles the cap is fully processed.
func (r *Runner) runHybrid(ctx context.Context, cfg Config, log zerolog.Logger, st *runState) error {
	s := stream.New(r.Pager, stream.Options{
		PerPage: cfg.PerPage,
		Extract: r.Extract,
		Log:     log,
	})

	batch := make([]string, 0, cfg.BatchSize)
	for s.Next(ctx) {
		batch = append(batch, s.ID())
		if len(batch) < cfg.BatchSize {
			continue
		}

		r.dispatchBatch(ctx, cfg, log, st, batch)
		batch = batch[:0]

		if cfg.MaxItems > 0 && st.success >= cfg.MaxItems {
			log.Info().Int("max_items", cfg.MaxItems).Msg("item cap reached")
			return nil
		}
	}
	if err := s.Err(); err != nil {
		// Pagination failures abort the run; already-tallied batches stand.
		return fmt.Errorf("search stream failed: %w", err)
	}

	// Drain: the stream ended with a partial batch pending.
	if len(batch) > 0 {
		r.dispatchBatch(ctx, cfg, log, st, batch)
	}
	return nil
}

// runMaximal prefetches all identifiers (bounded by the cap) and then
// batch-dispatches the materialized list.
func (r *Runner) runMaximal(ctx context.Context, cfg Config, log zerolog.Logger, st *runState) error {
	s := stream.New(r.Pager, stream.Options{
		PerPage: cfg.PerPage,
		Extract: r.Extract,
		Log:     log,
	})

	var ids []string
	for s.Next(ctx) {
		ids = append(ids, s.ID())
		if cfg.MaxItems > 0 && len(ids) >= cfg.MaxItems {
			break
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("search stream failed: %w", err)
	}

	log.Info().Int("items", len(ids)).Msg("identifiers prefetched, dispatching")

	for start := 0; start < len(ids); start += cfg.BatchSize {
		end := min(start+cfg.BatchSize, len(ids))
		r.dispatchBatch(ctx, cfg, log, st, ids[start:end])
	}
	return nil
}

// runSequential processes one identifier at a time under the fail-hard
// conservative profile. Retry exhaustion aborts the run with the partial
// counters intact.
func (r *Runner) runSequential(ctx context.Context, cfg Config, log zerolog.Logger, st *runState) error {
	s := stream.New(r.Pager, stream.Options{
		PerPage: cfg.PerPage,
		Extract: r.Extract,
		Log:     log,
	})

	for s.Next(ctx) {
		if cfg.MaxItems > 0 && st.success >= cfg.MaxItems {
			log.Info().Int("max_items", cfg.MaxItems).Msg("item cap reached")
			return nil
		}

		id := s.ID()
		if _, err := r.Policy.ExecuteLogged(ctx, id, r.Action, log); err != nil {
			if r.Policy.OnExhaustion == retry.FailHard {
				return fmt.Errorf("processing item %s: %w", id, err)
			}
			st.failed++
			r.maybeProgress(log, st)
			continue
		}
		st.success++
		r.maybeProgress(log, st)

		// Stay under the rate limit: pause after every BatchSize successes.
		if st.success%cfg.BatchSize == 0 {
			r.sleep(cfg.Delay)
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("search stream failed: %w", err)
	}
	return nil
}

// dispatchBatch fans a batch out to the worker pool, waits for the barrier,
// and folds the outcomes into the run counters.
func (r *Runner) dispatchBatch(ctx context.Context, cfg Config, log zerolog.Logger, st *runState, batch []string) {
	st.batches++
	log.Debug().Int("batch", st.batches).Int("items", len(batch)).Msg("dispatching batch")

	item := func(ctx context.Context, id string) (json.RawMessage, error) {
		return r.Policy.ExecuteLogged(ctx, id, r.Action, log)
	}

	outcomes := dispatch.Run(ctx, batch, item, cfg.Workers)
	successes, failures := dispatch.Tally(outcomes)
	st.success += successes
	st.failed += failures

	r.maybeProgress(log, st)
}

// maybeProgress emits a progress line when the success counter crosses a
// multiple of progressEvery or progressInterval has passed since the last
// emission.
func (r *Runner) maybeProgress(log zerolog.Logger, st *runState) {
	now := r.now()
	crossed := st.success/progressEvery > st.progressSuccess/progressEvery
	if !crossed && now.Sub(st.lastProgressAt) < progressInterval {
		return
	}

	elapsed := now.Sub(st.start).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(st.success) / elapsed
	}

	log.Info().
		Int("success", st.success).
		Int("failed", st.failed).
		Float64("rate_per_sec", rate).
		Msg("progress")

	st.lastProgressAt = now
	st.progressSuccess = st.success
}
