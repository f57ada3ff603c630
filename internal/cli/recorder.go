package cli

import (
	"context"
	"time"

	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/store"
)

// storeRecorder writes one PE's outcomes to the run store.
type storeRecorder struct {
	st    *store.Store
	runID string
	pe    int
	now   func() time.Time
}

var _ harness.Recorder = (*storeRecorder)(nil)

func newStoreRecorder(st *store.Store, runID string, pe int) *storeRecorder {
	return &storeRecorder{st: st, runID: runID, pe: pe, now: time.Now}
}

func (r *storeRecorder) Record(ctx context.Context, seq int, o harness.Outcome) error {
	return r.st.RecordOutcome(ctx, store.OutcomeRecord{
		RunID:      r.runID,
		PE:         r.pe,
		Seq:        seq,
		Name:       o.Name,
		Passed:     o.Passed,
		Skipped:    o.Skipped,
		Reason:     o.Reason,
		RecordedAt: r.now(),
	})
}
