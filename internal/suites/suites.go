// Package suites registers the conformance cases run by the driver.
//
// Every PE builds the same list in the same order, so a case's collective
// calls line up across PEs without coordination. Bodies allocate and free
// their own symmetric buffers and use only the shmem.Library surface.
package suites

import (
	"context"
	"fmt"
	"path"

	"github.com/michael-beebe/shmemvv/internal/config"
	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// Group is a named set of cases covering one library category.
type Group struct {
	Name  string
	Cases []harness.Case
}

// Groups returns every suite in run order.
func Groups() []Group {
	return []Group{
		{Name: "setup", Cases: setupCases()},
		{Name: "rma", Cases: rmaCases()},
		{Name: "atomics", Cases: atomicCases()},
		{Name: "collectives", Cases: collectiveCases()},
		{Name: "sync", Cases: syncCases()},
		{Name: "teams", Cases: teamCases()},
		{Name: "threads", Cases: threadCases()},
	}
}

// All returns every registered case in run order.
func All() []harness.Case {
	var cases []harness.Case
	for _, g := range Groups() {
		cases = append(cases, g.Cases...)
	}
	return cases
}

// Select keeps the cases whose name matches the glob pattern and that the
// plan includes. An empty pattern matches everything.
func Select(cases []harness.Case, pattern string, plan *config.Plan) ([]harness.Case, error) {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
		}
	}

	selected := []harness.Case{}
	for _, c := range cases {
		if pattern != "" {
			if ok, _ := path.Match(pattern, c.Name); !ok {
				continue
			}
		}
		if !plan.Includes(c.Name) {
			continue
		}
		selected = append(selected, c)
	}
	return selected, nil
}

// seq returns n values f(0) .. f(n-1).
func seq(n int, f func(i int) int64) []int64 {
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = f(i)
	}
	return vals
}

// alloc collectively allocates n elements of shape k. The frame frees the
// buffer after the body returns.
func alloc(ctx context.Context, t *harness.T, k shmem.Kind, n int) (shmem.Sym, error) {
	return t.Malloc(ctx, n*k.Size())
}

// local decodes this PE's copy of s.
func local(ctx context.Context, lib shmem.Library, k shmem.Kind, s shmem.Sym) ([]int64, error) {
	buf, err := lib.Local(ctx, s)
	if err != nil {
		return nil, err
	}
	return k.Decode(buf), nil
}

// next and prev are the ring neighbours of this PE.
func next(lib shmem.Library) int { return (lib.MyPE() + 1) % lib.NPEs() }

func prev(lib shmem.Library) int { return (lib.MyPE() + lib.NPEs() - 1) % lib.NPEs() }
