package output

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gomobility/pkg/workflow"
)

// Reporter forwards workflow events to a Writer and writes the summary when
// the run ends. It implements workflow.Observer.
type Reporter struct {
	w       Writer
	logger  *zap.Logger
	started time.Time

	calculations atomic.Int64
}

// NewReporter returns a reporter. Write failures are logged, not returned,
// so a broken output stream never changes a workflow outcome.
func NewReporter(w Writer, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{w: w, logger: logger, started: time.Now()}
}

// Observe implements workflow.Observer.
func (r *Reporter) Observe(ctx context.Context, e workflow.Event) {
	if e.Kind == workflow.EventFinished {
		r.calculations.Add(1)
	}
	if err := r.w.WriteEvent(ctx, NewEventRecord(e)); err != nil {
		r.logger.Warn("writing event record failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

// Finish writes an error record when err is non-nil and the summary record.
func (r *Reporter) Finish(ctx context.Context, result any, err error) {
	// the run context may already be cancelled
	ctx = context.WithoutCancel(ctx)

	elapsed := time.Since(r.started)
	sum := &SummaryRecord{
		Status:        StatusFinished,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		Calculations:  int(r.calculations.Load()),
	}
	if err != nil {
		rec := NewErrorRecord(err)
		sum.Status = StatusFailed
		sum.ExitStatus = rec.Code
		if werr := r.w.WriteError(ctx, rec); werr != nil {
			r.logger.Warn("writing error record failed", zap.Error(werr))
		}
	} else {
		sum.Result = result
	}
	if werr := r.w.WriteSummary(ctx, sum); werr != nil {
		r.logger.Warn("writing summary record failed", zap.Error(werr))
	}
}

var _ workflow.Observer = (*Reporter)(nil)
