package harness

import (
	"context"

	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// Outcome is one PE's verdict for one case. It is final only after every PE
// has crossed the post-test barrier.
type Outcome struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// OK reports whether the outcome does not count as a failure.
func (o Outcome) OK() bool { return o.Passed || o.Skipped }

// Body is a test body, run once per data shape. k is shmem.KindInvalid for
// cases that list no shapes.
type Body func(ctx context.Context, t *T, k shmem.Kind) error

// Case is one registered conformance test.
type Case struct {
	// Name is printed on the console and used to select cases.
	Name string
	// MinPEs is the smallest group the case can run on.
	MinPEs int
	// Op is the capability name gated per shape, e.g. "reduce.and". Empty
	// means the case is always supported.
	Op string
	// Shapes lists the data shapes to instantiate the body for.
	Shapes []shmem.Kind
	// Reduced combines outcomes across PEs before printing.
	Reduced bool
	Body    Body
}

// Summary totals a run.
type Summary struct {
	Total    int       `json:"total"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Outcomes []Outcome `json:"outcomes"`
}

// Add records an outcome.
func (s *Summary) Add(o Outcome) {
	s.Total++
	switch {
	case o.Skipped:
		s.Skipped++
	case o.Passed:
		s.Passed++
	default:
		s.Failed++
	}
	s.Outcomes = append(s.Outcomes, o)
}

// OK is true when nothing failed.
func (s Summary) OK() bool { return s.Failed == 0 }

// ExitCode is 0 when every case passed or was legitimately skipped, else 1.
func (s Summary) ExitCode() int {
	if s.OK() {
		return 0
	}
	return 1
}
