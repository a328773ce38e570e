package pipeline

import "context"

// Progress checkpoints are fixed percentages at stage boundaries, so progress
// is a deterministic function of stage completion rather than elapsed time.
// Synthesis advances proportionally per chunk between its start and end marks.
const (
	CheckpointExtracting     = 10
	CheckpointCleaned        = 20
	CheckpointSummarized     = 40
	CheckpointSynthesisStart = 60
	CheckpointSynthesisEnd   = 95
	CheckpointComplete       = 100
)

// Reporter receives completion percentages from pipeline stages. Stages know
// nothing about how progress is persisted or observed.
type Reporter interface {
	Report(ctx context.Context, percent int)
}

// ReporterFunc adapts a plain function to the Reporter interface.
type ReporterFunc func(ctx context.Context, percent int)

// Report calls the underlying function.
func (f ReporterFunc) Report(ctx context.Context, percent int) {
	f(ctx, percent)
}

// NopReporter discards all progress reports.
var NopReporter Reporter = ReporterFunc(func(context.Context, int) {})

// MonotonicReporter wraps a Reporter and suppresses reports that would move
// the percentage backwards or past 100.
type MonotonicReporter struct {
	next Reporter
	high int
}

// NewMonotonicReporter wraps next with a monotonicity guard.
func NewMonotonicReporter(next Reporter) *MonotonicReporter {
	return &MonotonicReporter{next: next, high: -1}
}

// Report forwards percent when it advances the high-water mark.
func (m *MonotonicReporter) Report(ctx context.Context, percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent <= m.high {
		return
	}
	m.high = percent
	m.next.Report(ctx, percent)
}
