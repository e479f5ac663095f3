package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxops/sweep/internal/engine/retry"
	"github.com/inboxops/sweep/internal/engine/stream"
)

// pagedFake serves n identifiers split into pages of pageSize, or an error
// at a given page.
type pagedFake struct {
	n        int
	pageSize int
	failAt   int // 1-based page to fail, 0 = never
	calls    int
}

func (p *pagedFake) SearchPage(_ context.Context, req stream.PageRequest) ([]byte, error) {
	p.calls++
	if p.failAt != 0 && p.calls == p.failAt {
		return nil, errors.New("HTTP 502")
	}

	start := 0
	if req.StartingAfter != "" {
		start, _ = strconv.Atoi(req.StartingAfter)
	}
	end := min(start+p.pageSize, p.n)

	items := make([]map[string]any, 0, end-start)
	for i := start; i < end; i++ {
		items = append(items, map[string]any{"id": fmt.Sprintf("conv-%d", i)})
	}

	body := map[string]any{"conversations": items}
	if end < p.n {
		body["pages"] = map[string]any{"next": map[string]any{"starting_after": strconv.Itoa(end)}}
	}
	raw, _ := json.Marshal(body)
	return raw, nil
}

// okAction always succeeds, counting invocations.
func okAction(calls *atomic.Int32) retry.Action {
	return func(_ context.Context, _ string) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	}
}

// noSleep silences every timing hook on the runner.
func noSleep(r *Runner) *Runner {
	r.Policy = r.Policy.WithSleep(func(time.Duration) {})
	r.sleep = func(time.Duration) {}
	return r
}

// batchSizes extracts the per-batch item counts from the runner's debug log.
func batchSizes(t *testing.T, logBuf *bytes.Buffer) []int {
	t.Helper()
	var sizes []int
	for _, line := range bytes.Split(logBuf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var evt struct {
			Message string `json:"message"`
			Items   int    `json:"items"`
		}
		require.NoError(t, json.Unmarshal(line, &evt))
		if evt.Message == "dispatching batch" {
			sizes = append(sizes, evt.Items)
		}
	}
	return sizes
}

func TestRunner_HybridEndToEnd(t *testing.T) {
	// 237 identifiers, batch size 50, everything succeeds:
	// 5 batches of 50,50,50,50,37.
	var buf bytes.Buffer
	var calls atomic.Int32

	pager := &pagedFake{n: 237, pageSize: 100}
	r := NewRunner(pager, okAction(&calls), Config{
		Mode:      ModeHybrid,
		BatchSize: 50,
		Workers:   10,
	}, zerolog.New(&buf))
	noSleep(r)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 237, report.Success)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, int32(237), calls.Load())
	assert.Equal(t, []int{50, 50, 50, 50, 37}, batchSizes(t, &buf))
}

func TestRunner_HybridCapAtBatchBoundary(t *testing.T) {
	// Cap of 120 over 500 identifiers with batch size 50: the cap is only
	// checked after a full batch is tallied, so exactly 3 batches run and
	// all 150 items in them are processed.
	var buf bytes.Buffer
	var calls atomic.Int32

	pager := &pagedFake{n: 500, pageSize: 150}
	r := NewRunner(pager, okAction(&calls), Config{
		Mode:      ModeHybrid,
		BatchSize: 50,
		Workers:   10,
		MaxItems:  120,
	}, zerolog.New(&buf))
	noSleep(r)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(150), calls.Load())
	assert.Equal(t, 150, report.Success)
	assert.Equal(t, []int{50, 50, 50}, batchSizes(t, &buf))
}

func TestRunner_HybridTalliesFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := func(_ context.Context, id string) (json.RawMessage, error) {
		calls.Add(1)
		if id == "conv-3" || id == "conv-7" {
			return nil, errors.New("boom")
		}
		return json.RawMessage(`{}`), nil
	}

	pager := &pagedFake{n: 10, pageSize: 10}
	r := NewRunner(pager, flaky, Config{Mode: ModeHybrid, BatchSize: 4, Workers: 2}, zerolog.Nop())
	noSleep(r)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	// Hybrid retries each failing item 3 times before recording the failure.
	assert.Equal(t, 8, report.Success)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 10, report.Total())
	assert.Equal(t, int32(8+2*3), calls.Load())
}

func TestRunner_EmptyStream(t *testing.T) {
	var calls atomic.Int32
	pager := &pagedFake{n: 0, pageSize: 50}
	r := NewRunner(pager, okAction(&calls), Config{Mode: ModeHybrid}, zerolog.Nop())
	noSleep(r)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total())
	assert.Equal(t, 0.0, report.SuccessRate())
	assert.Equal(t, int32(0), calls.Load())
}

func TestRunner_PaginationFailureAborts(t *testing.T) {
	var calls atomic.Int32
	pager := &pagedFake{n: 200, pageSize: 50, failAt: 2}
	r := NewRunner(pager, okAction(&calls), Config{
		Mode:      ModeHybrid,
		BatchSize: 50,
		Workers:   5,
	}, zerolog.Nop())
	noSleep(r)

	report, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search stream failed")

	// The first page's batch was already dispatched and stays tallied.
	assert.Equal(t, 50, report.Success)
}

func TestRunner_MaximalPrefetchCap(t *testing.T) {
	var calls atomic.Int32
	pager := &pagedFake{n: 100, pageSize: 40}
	r := NewRunner(pager, okAction(&calls), Config{
		Mode:      ModeMaximal,
		BatchSize: 10,
		Workers:   4,
		MaxItems:  25,
	}, zerolog.Nop())
	noSleep(r)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	// Maximal caps the identifiers collected, not the successes.
	assert.Equal(t, 25, report.Success)
	assert.Equal(t, int32(25), calls.Load())
}

func TestRunner_MaximalFailuresAreSoft(t *testing.T) {
	failing := func(_ context.Context, _ string) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}
	pager := &pagedFake{n: 6, pageSize: 6}
	r := NewRunner(pager, failing, Config{Mode: ModeMaximal, BatchSize: 3, Workers: 2}, zerolog.Nop())
	noSleep(r)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Success)
	assert.Equal(t, 6, report.Failed)
}

func TestRunner_SequentialAbortsOnExhaustion(t *testing.T) {
	var calls atomic.Int32
	action := func(_ context.Context, id string) (json.RawMessage, error) {
		calls.Add(1)
		if id == "conv-1" {
			return nil, errors.New("persistent failure")
		}
		return json.RawMessage(`{}`), nil
	}

	pager := &pagedFake{n: 5, pageSize: 5}
	r := NewRunner(pager, action, Config{Mode: ModeSequential, BatchSize: 2}, zerolog.Nop())
	noSleep(r)

	report, err := r.Run(context.Background())
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)

	// conv-0 succeeded before the abort; conv-1 burned 5 attempts.
	assert.Equal(t, 1, report.Success)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, int32(1+5), calls.Load())
}

func TestRunner_SequentialSleepCadence(t *testing.T) {
	var slept int
	var calls atomic.Int32

	pager := &pagedFake{n: 10, pageSize: 10}
	r := NewRunner(pager, okAction(&calls), Config{
		Mode:      ModeSequential,
		BatchSize: 3,
		Delay:     time.Millisecond,
	}, zerolog.Nop())
	r.Policy = r.Policy.WithSleep(func(time.Duration) {})
	r.sleep = func(time.Duration) { slept++ }

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, report.Success)
	// Pauses after successes 3, 6, and 9.
	assert.Equal(t, 3, slept)
}

func TestRunner_SequentialCap(t *testing.T) {
	var calls atomic.Int32
	pager := &pagedFake{n: 50, pageSize: 50}
	r := NewRunner(pager, okAction(&calls), Config{
		Mode:     ModeSequential,
		MaxItems: 7,
	}, zerolog.Nop())
	noSleep(r)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, report.Success)
	assert.Equal(t, int32(7), calls.Load())
}

func TestRunner_ReusableAcrossRuns(t *testing.T) {
	var calls atomic.Int32
	r := &Runner{
		Pager:  &pagedFake{n: 6, pageSize: 6},
		Action: okAction(&calls),
		Config: Config{Mode: ModeHybrid, BatchSize: 3, Workers: 2},
		Log:    zerolog.Nop(),
	}

	first, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, first.Success)

	// Run resolved the mode's retry profile and timing hooks into a copy,
	// not into the runner itself.
	assert.Zero(t, r.Policy.MaxAttempts)
	assert.Nil(t, r.sleep)
	assert.Nil(t, r.now)

	r.Pager = &pagedFake{n: 6, pageSize: 6}
	second, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Success, second.Success)
}

func TestRunner_Validation(t *testing.T) {
	action := func(_ context.Context, _ string) (json.RawMessage, error) { return nil, nil }

	t.Run("NilPager", func(t *testing.T) {
		r := NewRunner(nil, action, Config{}, zerolog.Nop())
		_, err := r.Run(context.Background())
		assert.ErrorIs(t, err, ErrNilPager)
	})

	t.Run("NilAction", func(t *testing.T) {
		r := NewRunner(&pagedFake{}, nil, Config{}, zerolog.Nop())
		_, err := r.Run(context.Background())
		assert.ErrorIs(t, err, ErrNilAction)
	})

	t.Run("NegativeBatchSize", func(t *testing.T) {
		r := NewRunner(&pagedFake{}, action, Config{BatchSize: -1}, zerolog.Nop())
		_, err := r.Run(context.Background())
		assert.ErrorIs(t, err, ErrInvalidBatchSize)
	})
}

func TestRunner_ProgressEmission(t *testing.T) {
	var buf bytes.Buffer
	var calls atomic.Int32

	pager := &pagedFake{n: 120, pageSize: 60}
	r := NewRunner(pager, okAction(&calls), Config{
		Mode:      ModeHybrid,
		BatchSize: 25,
		Workers:   5,
	}, zerolog.New(&buf))
	noSleep(r)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	var progress int
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if bytes.Contains(line, []byte(`"message":"progress"`)) {
			progress++
		}
	}
	// Success counter crosses 50 and 100: two threshold emissions.
	assert.Equal(t, 2, progress)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"hybrid", ModeHybrid, false},
		{"", ModeHybrid, false},
		{"maximal", ModeMaximal, false},
		{"sequential", ModeSequential, false},
		{"yolo", ModeHybrid, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestReport(t *testing.T) {
	r := Report{Success: 90, Failed: 10, Elapsed: 10 * time.Second}
	assert.Equal(t, 100, r.Total())
	assert.InDelta(t, 9.0, r.Rate(), 0.001)
	assert.InDelta(t, 90.0, r.SuccessRate(), 0.001)

	empty := Report{}
	assert.Equal(t, 0.0, empty.SuccessRate())
	assert.Equal(t, 0.0, empty.Rate())
	assert.Contains(t, empty.String(), "0.0% success")

	// Large counters render with thousands separators.
	big := Report{Success: 11900, Failed: 100, Elapsed: time.Minute}
	assert.Contains(t, big.String(), "12,000 items")
	assert.Contains(t, big.String(), "(100 failed)")
}
