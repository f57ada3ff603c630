package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/michael-beebe/shmemvv/internal/shmem"
)

type capTable map[string]bool

func (c capTable) Supports(op string, k shmem.Kind) bool {
	return !c[op] && !c[op+"/"+k.String()]
}

func TestRequire(t *testing.T) {
	tests := []struct {
		name      string
		min, size int
		proceed   bool
	}{
		{"exact", 2, 2, true},
		{"more than enough", 2, 8, true},
		{"single PE needs two", 2, 1, false},
		{"no minimum", 0, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Require(tt.min, tt.size)
			assert.Equal(t, tt.proceed, d.Proceed)
			if !tt.proceed {
				assert.Equal(t, ReasonNotEnoughPEs, d.Reason)
			}
		})
	}
}

func TestRequire_IdenticalOnEveryPE(t *testing.T) {
	// The decision only depends on group size, so N independent evaluations agree.
	const groupSize = 1
	first := Require(2, groupSize)
	for pe := 1; pe < 16; pe++ {
		assert.Equal(t, first, Require(2, groupSize))
	}
	assert.False(t, first.Proceed)
}

func TestSupported(t *testing.T) {
	lib := capTable{"reduce.and/float32": true}
	plan := capTable{"fcollect": true}

	assert.True(t, Supported("reduce.and", shmem.KindInt32, lib, plan).Proceed)

	d := Supported("reduce.and", shmem.KindFloat32, lib, plan)
	assert.False(t, d.Proceed)
	assert.Equal(t, "reduce.and unsupported for float32", d.Reason)

	assert.False(t, Supported("fcollect", shmem.KindInt64, lib, plan).Proceed)
	assert.True(t, Supported("fcollect", shmem.KindInt64, lib, nil).Proceed)
}
