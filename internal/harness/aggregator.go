package harness

import (
	"context"
	"fmt"
	"io"

	"github.com/michael-beebe/shmemvv/internal/quorum"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// AuthorityPE is the only PE that writes to the console.
const AuthorityPE = 0

// Aggregator prints case outcomes from the authority PE.
type Aggregator struct {
	Lib   shmem.Library
	Out   io.Writer
	Label string

	scratch   shmem.Sym
	allocated bool
}

// Line renders the console line for an outcome.
func Line(label string, o Outcome) string {
	switch {
	case o.Skipped && o.Reason == quorum.ReasonNotEnoughPEs:
		return fmt.Sprintf("%s %s: not enough PEs, skipping", label, o.Name)
	case o.Skipped:
		return fmt.Sprintf("%s %s: skipping (%s)", label, o.Name, o.Reason)
	case o.Passed:
		return fmt.Sprintf("%s %s: PASSED", label, o.Name)
	default:
		return fmt.Sprintf("%s %s: FAILED", label, o.Name)
	}
}

// Report prints the local outcome if this PE is the authority.
func (a *Aggregator) Report(o Outcome) {
	if a.Lib.MyPE() != AuthorityPE {
		return
	}
	fmt.Fprintln(a.Out, Line(a.Label, o))
}

// ReportReduced combines every PE's outcome with a logical AND and reports
// the combined result. It is collective: every PE must call it, after the
// post-test barrier, in the same order.
func (a *Aggregator) ReportReduced(ctx context.Context, o Outcome) (Outcome, error) {
	if !a.allocated {
		s, err := a.Lib.Malloc(ctx, 8)
		if err != nil {
			return o, fmt.Errorf("aggregate %s: %w", o.Name, err)
		}
		a.scratch = s
		a.allocated = true
	}
	src, dst := a.scratch.Slice(0, 4), a.scratch.Slice(4, 4)

	local := int64(0)
	if o.OK() {
		local = 1
	}
	if err := a.Lib.SetLocal(ctx, src, shmem.KindInt32.Encode([]int64{local})); err != nil {
		return o, fmt.Errorf("aggregate %s: %w", o.Name, err)
	}
	if err := a.Lib.Reduce(ctx, a.Lib.TeamWorld(), shmem.ReduceAnd, shmem.KindInt32, dst, src, 1); err != nil {
		return o, fmt.Errorf("aggregate %s: %w", o.Name, err)
	}
	buf, err := a.Lib.Local(ctx, dst)
	if err != nil {
		return o, fmt.Errorf("aggregate %s: %w", o.Name, err)
	}

	reduced := o
	if shmem.KindInt32.Decode(buf)[0] != 1 {
		reduced.Passed = false
		reduced.Skipped = false
		if reduced.Reason == "" {
			reduced.Reason = "failed on another PE"
		}
	}
	a.Report(reduced)
	return reduced, nil
}

// Close frees the reduction scratch word. It is collective when
// ReportReduced was ever called.
func (a *Aggregator) Close(ctx context.Context) error {
	if !a.allocated {
		return nil
	}
	a.allocated = false
	return a.Lib.Free(ctx, a.scratch)
}
