package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/michael-beebe/shmemvv/internal/diaglog"
	"github.com/michael-beebe/shmemvv/internal/quorum"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// Recorder persists outcomes, e.g. to the run store.
type Recorder interface {
	Record(ctx context.Context, seq int, o Outcome) error
}

// Driver runs a list of cases on one PE. Every PE runs the same list.
type Driver struct {
	Lib        shmem.Library
	Log        *diaglog.Log
	Frame      *Frame
	Aggregator *Aggregator
	// Caps gate each shape of a case with an Op; all must agree.
	Caps     []quorum.Capabilities
	Recorder Recorder
	Logger   *slog.Logger
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

// Run executes cases in order and closes the diagnostic log with the overall
// verdict. It returns early only when ctx ends; a failing case never stops
// the run.
func (d *Driver) Run(ctx context.Context, cases []Case) (Summary, error) {
	logger := d.logger()
	sum := Summary{Outcomes: []Outcome{}}

	for seq, c := range cases {
		o, err := d.runCase(ctx, c)
		if err != nil {
			d.Log.Failf("run interrupted at %s: %v", c.Name, err)
			d.release(ctx)
			d.Log.Close(false)
			return sum, err
		}
		sum.Add(o)
		logger.Debug("case finished", "name", c.Name, "passed", o.Passed, "skipped", o.Skipped)

		if d.Recorder != nil {
			if err := d.Recorder.Record(ctx, seq, o); err != nil {
				// The console line is already out; a lost record is not a test failure.
				logger.Warn("failed to record outcome", "name", c.Name, "error", err)
				d.Log.Warnf("failed to record outcome of %s: %v", c.Name, err)
			}
		}
	}

	d.release(ctx)
	d.Log.Close(sum.OK())
	return sum, nil
}

// release frees the aggregation scratch. Free is collective, so it runs even
// after ctx ends, bounded by the poll timeout in case other PEs never arrive.
func (d *Driver) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Frame.timeout())
	defer cancel()
	if err := d.Aggregator.Close(ctx); err != nil {
		d.logger().Warn("failed to release aggregation scratch", "error", err)
		d.Log.Warnf("failed to release aggregation scratch: %v", err)
	}
}

func (d *Driver) runCase(ctx context.Context, c Case) (Outcome, error) {
	gate := quorum.Require(c.MinPEs, d.Lib.NPEs())
	if !gate.Proceed {
		o := Outcome{Name: c.Name, Skipped: true, Reason: gate.Reason}
		d.Log.Infof("%s: %s, skipping", c.Name, gate.Reason)
		d.Aggregator.Report(o)
		return o, nil
	}

	if err := d.Lib.BarrierAll(ctx); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		o := Outcome{Name: c.Name, Reason: fmt.Sprintf("pre-test barrier: %v", err)}
		d.Log.Failf("%s: %s", c.Name, o.Reason)
		d.Aggregator.Report(o)
		return o, nil
	}

	o := d.runShapes(ctx, c)

	if err := d.Lib.BarrierAll(ctx); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		o.Passed = false
		o.Skipped = false
		o.Reason = fmt.Sprintf("post-test barrier: %v", err)
		d.Log.Failf("%s: %s", c.Name, o.Reason)
		d.Aggregator.Report(o)
		return o, nil
	}

	if !c.Reduced {
		d.Aggregator.Report(o)
		return o, nil
	}
	reduced, err := d.Aggregator.ReportReduced(ctx, o)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		o.Passed = false
		o.Skipped = false
		o.Reason = err.Error()
		d.Log.Failf("%s: %v", c.Name, err)
		d.Aggregator.Report(o)
		return o, nil
	}
	return reduced, nil
}

// runShapes invokes one frame per supported shape and folds their outcomes.
func (d *Driver) runShapes(ctx context.Context, c Case) Outcome {
	shapes := c.Shapes
	if len(shapes) == 0 {
		shapes = []shmem.Kind{shmem.KindInvalid}
	}

	o := Outcome{Name: c.Name, Passed: true}
	executed := 0
	var skipReason string
	for _, k := range shapes {
		if c.Op != "" {
			gate := quorum.Supported(c.Op, k, d.Caps...)
			if !gate.Proceed {
				d.Log.Infof("%s: skipping (%s)", RoutineName(c.Name, k), gate.Reason)
				skipReason = gate.Reason
				continue
			}
		}
		r := d.Frame.Invoke(ctx, c.Name, k, c.Body)
		if r.Skipped {
			skipReason = r.Reason
			continue
		}
		executed++
		if !r.Passed && o.Passed {
			o.Passed = false
			o.Reason = RoutineName(c.Name, k) + ": " + r.Reason
		}
	}
	if executed == 0 {
		return Outcome{Name: c.Name, Skipped: true, Reason: skipReason}
	}
	return o
}
