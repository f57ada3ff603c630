package shmem

import (
	"context"
	"fmt"
)

// Sym addresses a symmetric buffer. A Sym obtained from Malloc is valid on
// every PE because allocation is collective and happens in the same order
// everywhere; peers address each other's copy by (Sym, pe).
type Sym struct {
	Handle int64
	Offset int
	Len    int
}

// At returns the sub-buffer starting off bytes into s.
func (s Sym) At(off int) Sym {
	return Sym{Handle: s.Handle, Offset: s.Offset + off, Len: s.Len - off}
}

// Slice returns the n-byte sub-buffer starting off bytes into s.
func (s Sym) Slice(off, n int) Sym {
	return Sym{Handle: s.Handle, Offset: s.Offset + off, Len: n}
}

func (s Sym) String() string {
	return fmt.Sprintf("sym#%d[%d:%d]", s.Handle, s.Offset, s.Offset+s.Len)
}

// AtomicOp is an atomic memory operation.
type AtomicOp int

const (
	AMOFetch AtomicOp = iota + 1
	AMOSet
	AMOSwap
	AMOCompareSwap
	AMOFetchAdd
	AMOFetchAnd
	AMOFetchOr
	AMOFetchXor
)

var amoNames = map[AtomicOp]string{
	AMOFetch:       "fetch",
	AMOSet:         "set",
	AMOSwap:        "swap",
	AMOCompareSwap: "compare_swap",
	AMOFetchAdd:    "fetch_add",
	AMOFetchAnd:    "fetch_and",
	AMOFetchOr:     "fetch_or",
	AMOFetchXor:    "fetch_xor",
}

func (op AtomicOp) String() string {
	if name, ok := amoNames[op]; ok {
		return name
	}
	return fmt.Sprintf("amo(%d)", int(op))
}

// ReduceOp is a reduction operator.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota + 1
	ReduceProd
	ReduceMin
	ReduceMax
	ReduceAnd
	ReduceOr
	ReduceXor
)

var reduceNames = map[ReduceOp]string{
	ReduceSum:  "sum",
	ReduceProd: "prod",
	ReduceMin:  "min",
	ReduceMax:  "max",
	ReduceAnd:  "and",
	ReduceOr:   "or",
	ReduceXor:  "xor",
}

func (op ReduceOp) String() string {
	if name, ok := reduceNames[op]; ok {
		return name
	}
	return fmt.Sprintf("reduce(%d)", int(op))
}

// Bitwise reports whether op is only defined for integer shapes.
func (op ReduceOp) Bitwise() bool {
	return op == ReduceAnd || op == ReduceOr || op == ReduceXor
}

// Cmp is a point-to-point synchronization comparison.
type Cmp int

const (
	CmpEQ Cmp = iota + 1
	CmpNE
	CmpGT
	CmpGE
	CmpLT
	CmpLE
)

var cmpNames = map[Cmp]string{
	CmpEQ: "eq",
	CmpNE: "ne",
	CmpGT: "gt",
	CmpGE: "ge",
	CmpLT: "lt",
	CmpLE: "le",
}

func (c Cmp) String() string {
	if s, ok := cmpNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cmp(%d)", int(c))
}

// Eval applies the comparison to two element values of kind k.
func (c Cmp) Eval(k Kind, lhs, rhs uint64) bool {
	var d int
	switch {
	case k.Float():
		a, b := k.ToFloat(lhs), k.ToFloat(rhs)
		d = compare(a < b, a > b)
	case k == KindUint64:
		d = compare(lhs < rhs, lhs > rhs)
	default:
		a, b := k.ToInt(lhs), k.ToInt(rhs)
		d = compare(a < b, a > b)
	}
	switch c {
	case CmpEQ:
		return d == 0
	case CmpNE:
		return d != 0
	case CmpGT:
		return d > 0
	case CmpGE:
		return d >= 0
	case CmpLT:
		return d < 0
	case CmpLE:
		return d <= 0
	}
	return false
}

func compare(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// ThreadLevel is the negotiated thread-support level.
type ThreadLevel int

const (
	ThreadSingle ThreadLevel = iota
	ThreadFunneled
	ThreadSerialized
	ThreadMultiple
)

func (l ThreadLevel) String() string {
	switch l {
	case ThreadSingle:
		return "SHMEM_THREAD_SINGLE"
	case ThreadFunneled:
		return "SHMEM_THREAD_FUNNELED"
	case ThreadSerialized:
		return "SHMEM_THREAD_SERIALIZED"
	case ThreadMultiple:
		return "SHMEM_THREAD_MULTIPLE"
	}
	return fmt.Sprintf("thread_level(%d)", int(l))
}

// Library is the communication library surface the harness probes.
// Every method that may block takes a context.
type Library interface {
	Init(ctx context.Context) error
	InitThread(ctx context.Context, requested ThreadLevel) (ThreadLevel, error)
	QueryThread() ThreadLevel
	Finalize(ctx context.Context) error

	MyPE() int
	NPEs() int

	BarrierAll(ctx context.Context) error
	SyncAll(ctx context.Context) error
	Quiet(ctx context.Context) error
	Fence(ctx context.Context) error

	Malloc(ctx context.Context, size int) (Sym, error)
	Free(ctx context.Context, s Sym) error

	Put(ctx context.Context, dst Sym, src []byte, pe int) error
	Get(ctx context.Context, dst []byte, src Sym, pe int) error
	PutNBI(ctx context.Context, dst Sym, src []byte, pe int) error
	GetNBI(ctx context.Context, dst []byte, src Sym, pe int) error
	// Local exposes this PE's copy of s for local loads and stores.
	Local(ctx context.Context, s Sym) ([]byte, error)
	SetLocal(ctx context.Context, s Sym, src []byte) error

	Atomic(ctx context.Context, op AtomicOp, k Kind, dst Sym, operand, cond uint64, pe int) (uint64, error)

	Broadcast(ctx context.Context, team *Team, dst, src Sym, nbytes, root int) error
	Reduce(ctx context.Context, team *Team, op ReduceOp, k Kind, dst, src Sym, nelems int) error
	AllToAll(ctx context.Context, team *Team, dst, src Sym, nbytes int) error
	Collect(ctx context.Context, team *Team, dst, src Sym, nbytes int) error
	FCollect(ctx context.Context, team *Team, dst, src Sym, nbytes int) error

	Test(ctx context.Context, ivar Sym, k Kind, cmp Cmp, value uint64) (bool, error)
	WaitUntil(ctx context.Context, ivar Sym, k Kind, cmp Cmp, value uint64) error

	TeamWorld() *Team
	TeamSplitStrided(ctx context.Context, parent *Team, start, stride, size int) (*Team, error)
	TeamSync(ctx context.Context, team *Team) error
	CtxCreate(team *Team) (*Context, error)

	// Supports reports whether op is defined for shape k by this library build.
	Supports(op string, k Kind) bool
}

// Group names a set of world PEs taking part in one synchronization.
type Group struct {
	Name    string
	Members []int
}

// Transport is the minimal per-PE surface a binding provides. Runtime builds
// the full Library on top of it.
type Transport interface {
	Rank() int
	Size() int
	// Alloc creates this PE's copy of a symmetric segment. Handles are assigned
	// in call order, so symmetric call sequences yield identical handles.
	Alloc(ctx context.Context, size int) (int64, error)
	Release(ctx context.Context, handle int64) error
	Write(ctx context.Context, pe int, dst Sym, src []byte) error
	Read(ctx context.Context, pe int, src Sym, dst []byte) error
	Atomic(ctx context.Context, pe int, dst Sym, k Kind, op AtomicOp, operand, cond uint64) (uint64, error)
	// Sync blocks until every member of g has called Sync for g.
	Sync(ctx context.Context, g Group) error
	Close() error
}
