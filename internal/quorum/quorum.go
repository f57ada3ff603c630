// Package quorum decides whether a test may run at all. Every decision is a
// pure function of facts every PE already shares (the group size, the plan,
// the library's capability table), so all PEs reach the same verdict without
// communicating. A negative decision is a skip, never a failure.
package quorum

import (
	"fmt"

	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// ReasonNotEnoughPEs is the skip reason for an undersized group.
const ReasonNotEnoughPEs = "not enough PEs"

// Decision is the outcome of a gate.
type Decision struct {
	Proceed bool
	Reason  string
}

// Proceed is the positive decision.
var Proceed = Decision{Proceed: true}

// Require gates a test that needs at least minPEs processes.
func Require(minPEs, groupSize int) Decision {
	if groupSize < minPEs {
		return Decision{Reason: ReasonNotEnoughPEs}
	}
	return Proceed
}

// Capabilities answers whether an operation is available for a shape.
// shmem.Library and config.Plan both satisfy it.
type Capabilities interface {
	Supports(op string, k shmem.Kind) bool
}

// Supported gates op on shape k against every capability source. All sources
// must agree the operation is available.
func Supported(op string, k shmem.Kind, caps ...Capabilities) Decision {
	for _, c := range caps {
		if c == nil {
			continue
		}
		if !c.Supports(op, k) {
			return Decision{Reason: fmt.Sprintf("%s unsupported for %s", op, k)}
		}
	}
	return Proceed
}
