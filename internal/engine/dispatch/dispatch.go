// Package dispatch fans a batch of item identifiers out to a bounded pool of
// workers and blocks until every item has an outcome.
//
// Each call is a synchronization barrier, not a pipeline: the pool is created
// for the batch and torn down when it completes, so at most one batch's
// workers are ever in flight.
package dispatch

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"
)

// ItemFunc processes one item and returns its payload or an error.
type ItemFunc func(ctx context.Context, id string) (json.RawMessage, error)

// Outcome is the per-item result of a dispatch.
type Outcome struct {
	ID      string
	Payload json.RawMessage
	Err     error
}

// Success reports whether the item was processed without error.
func (o Outcome) Success() bool { return o.Err == nil }

// Run applies fn to every id using at most workers concurrent goroutines and
// returns one outcome per input, in input order. A failing item never cancels
// its siblings; failures are recorded in the outcome slice only.
func Run(ctx context.Context, ids []string, fn ItemFunc, workers int) []Outcome {
	if workers < 1 {
		workers = 1
	}

	results := make([]Outcome, len(ids))

	var g errgroup.Group
	g.SetLimit(workers)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			payload, err := fn(ctx, id)
			// Each goroutine owns exactly results[i]; no lock needed.
			results[i] = Outcome{ID: id, Payload: payload, Err: err}
			return nil
		})
	}

	// Barrier: the batch is done only when every item is.
	_ = g.Wait()

	return results
}

// Tally counts successes and failures in a batch of outcomes.
func Tally(outcomes []Outcome) (successes, failures int) {
	for _, o := range outcomes {
		if o.Success() {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures
}
