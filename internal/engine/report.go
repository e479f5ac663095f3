package engine

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// summaryPrinter renders counters with thousands separators.
var summaryPrinter = message.NewPrinter(language.English)

// Report is the aggregate outcome of one bulk run.
type Report struct {
	// Success is the number of items mutated successfully.
	Success int

	// Failed is the number of items whose retries were exhausted.
	Failed int

	// Elapsed is the total wall-clock duration of the run.
	Elapsed time.Duration
}

// Total returns the number of items with a recorded outcome.
func (r Report) Total() int {
	return r.Success + r.Failed
}

// Rate returns successful items per second, or 0 for an instantaneous run.
func (r Report) Rate() float64 {
	secs := r.Elapsed.Seconds()
	if secs == 0 {
		return 0
	}
	return float64(r.Success) / secs
}

// SuccessRate returns the success percentage (0-100). A run that processed
// nothing reports 0, not a division error.
func (r Report) SuccessRate() float64 {
	total := r.Total()
	if total == 0 {
		return 0
	}
	return float64(r.Success) / float64(total) * 100
}

// String renders the run summary shown to the user.
func (r Report) String() string {
	return summaryPrinter.Sprintf("processed %d items (%d failed) in %s — %.1f/sec, %.1f%% success",
		r.Total(), r.Failed, r.Elapsed.Round(time.Millisecond), r.Rate(), r.SuccessRate())
}
