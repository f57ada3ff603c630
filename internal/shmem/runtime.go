package shmem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/michael-beebe/shmemvv/internal/poll"
)

// Runtime implements Library on top of a binding's Transport.
//
// Collectives are built from one-sided writes and reads separated by team
// synchronization. A PE never reads peer data in the same phase the peer
// writes it.
type Runtime struct {
	tr Transport

	mu          sync.Mutex
	initialized bool
	finalized   bool
	thread      ThreadLevel
	maxThread   ThreadLevel
	unsupported map[string]bool
	waitBackoff poll.Backoff

	world   *Team
	scratch Sym
	pending pendingQueue
}

var _ Library = (*Runtime)(nil)

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxThreadLevel caps the thread level InitThread can grant.
func WithMaxThreadLevel(l ThreadLevel) Option {
	return func(r *Runtime) { r.maxThread = l }
}

// WithUnsupported marks op as unavailable for the given shapes (all shapes if none given).
func WithUnsupported(op string, kinds ...Kind) Option {
	return func(r *Runtime) {
		if len(kinds) == 0 {
			r.unsupported[op] = true
			return
		}
		for _, k := range kinds {
			r.unsupported[op+"/"+k.String()] = true
		}
	}
}

// WithWaitBackoff sets the backoff WaitUntil polls with.
func WithWaitBackoff(b poll.Backoff) Option {
	return func(r *Runtime) { r.waitBackoff = b }
}

// New builds a Runtime over tr. Init must be called before use.
func New(tr Transport, opts ...Option) *Runtime {
	r := &Runtime{
		tr:          tr,
		maxThread:   ThreadMultiple,
		unsupported: make(map[string]bool),
		waitBackoff: poll.DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func worldMembers(n int) []int {
	members := make([]int, n)
	for i := range members {
		members[i] = i
	}
	return members
}

// Init joins the job. Calling it again is a no-op.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	world := newTeam("world", worldMembers(r.tr.Size()), r.tr.Rank())
	handle, err := r.tr.Alloc(ctx, 8)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := r.tr.Sync(ctx, world.group()); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	r.mu.Lock()
	r.world = world
	r.scratch = Sym{Handle: handle, Len: 8}
	r.initialized = true
	r.finalized = false
	r.mu.Unlock()
	return nil
}

// InitThread initializes and negotiates a thread level no higher than requested.
func (r *Runtime) InitThread(ctx context.Context, requested ThreadLevel) (ThreadLevel, error) {
	provided := requested
	if provided > r.maxThread {
		provided = r.maxThread
	}
	r.mu.Lock()
	r.thread = provided
	r.mu.Unlock()
	if err := r.Init(ctx); err != nil {
		return ThreadSingle, err
	}
	return provided, nil
}

// QueryThread returns the negotiated thread level.
func (r *Runtime) QueryThread() ThreadLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thread
}

// Finalize completes outstanding operations and leaves the job.
func (r *Runtime) Finalize(ctx context.Context) error {
	if err := r.check("finalize"); err != nil {
		return err
	}
	if err := r.BarrierAll(ctx); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if err := r.tr.Release(ctx, r.scratch.Handle); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	r.mu.Lock()
	r.initialized = false
	r.finalized = true
	r.mu.Unlock()
	return nil
}

func (r *Runtime) check(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.finalized:
		return Errorf(ErrCodeNotInitialized, op, "library finalized")
	case !r.initialized:
		return Errorf(ErrCodeNotInitialized, op, "library not initialized")
	}
	return nil
}

func (r *Runtime) checkPE(op string, pe int) error {
	if err := r.check(op); err != nil {
		return err
	}
	if pe < 0 || pe >= r.tr.Size() {
		return Errorf(ErrCodeBadPE, op, "pe %d outside [0,%d)", pe, r.tr.Size())
	}
	return nil
}

// MyPE returns the calling PE's world number.
func (r *Runtime) MyPE() int { return r.tr.Rank() }

// NPEs returns the world size.
func (r *Runtime) NPEs() int { return r.tr.Size() }

// Outstanding returns the number of queued non-blocking operations.
func (r *Runtime) Outstanding() int { return r.pending.len() }

// BarrierAll completes outstanding operations then synchronizes every PE.
func (r *Runtime) BarrierAll(ctx context.Context) error {
	if err := r.Quiet(ctx); err != nil {
		return err
	}
	return r.SyncAll(ctx)
}

// SyncAll synchronizes every PE without completing outstanding operations.
func (r *Runtime) SyncAll(ctx context.Context) error {
	if err := r.check("sync_all"); err != nil {
		return err
	}
	return r.tr.Sync(ctx, r.world.group())
}

// Quiet completes every outstanding non-blocking operation issued by this PE.
func (r *Runtime) Quiet(ctx context.Context) error {
	if err := r.check("quiet"); err != nil {
		return err
	}
	return r.pending.drain(ctx, r.tr)
}

// Fence orders outstanding puts. Completing them is a valid ordering.
func (r *Runtime) Fence(ctx context.Context) error {
	return r.Quiet(ctx)
}

// Malloc collectively allocates size bytes on every PE.
func (r *Runtime) Malloc(ctx context.Context, size int) (Sym, error) {
	if err := r.check("malloc"); err != nil {
		return Sym{}, err
	}
	if size <= 0 {
		return Sym{}, Errorf(ErrCodeAlloc, "malloc", "invalid size %d", size)
	}
	handle, err := r.tr.Alloc(ctx, size)
	if err != nil {
		return Sym{}, fmt.Errorf("malloc: %w", err)
	}
	if err := r.BarrierAll(ctx); err != nil {
		return Sym{}, fmt.Errorf("malloc: %w", err)
	}
	return Sym{Handle: handle, Len: size}, nil
}

// Free collectively releases s.
func (r *Runtime) Free(ctx context.Context, s Sym) error {
	if err := r.BarrierAll(ctx); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	return r.tr.Release(ctx, s.Handle)
}

// Put copies src into dst on pe and returns once src may be reused.
func (r *Runtime) Put(ctx context.Context, dst Sym, src []byte, pe int) error {
	if err := r.checkPE("put", pe); err != nil {
		return err
	}
	return r.tr.Write(ctx, pe, dst.Slice(0, len(src)), src)
}

// Get copies len(dst) bytes of src on pe into dst.
func (r *Runtime) Get(ctx context.Context, dst []byte, src Sym, pe int) error {
	if err := r.checkPE("get", pe); err != nil {
		return err
	}
	return r.tr.Read(ctx, pe, src.Slice(0, len(dst)), dst)
}

// PutNBI queues a put that completes at Quiet.
func (r *Runtime) PutNBI(ctx context.Context, dst Sym, src []byte, pe int) error {
	if err := r.checkPE("put_nbi", pe); err != nil {
		return err
	}
	r.pending.push(pendingOp{put: true, pe: pe, sym: dst.Slice(0, len(src)), buf: append([]byte(nil), src...)})
	return nil
}

// GetNBI queues a get; dst is filled at Quiet.
func (r *Runtime) GetNBI(ctx context.Context, dst []byte, src Sym, pe int) error {
	if err := r.checkPE("get_nbi", pe); err != nil {
		return err
	}
	r.pending.push(pendingOp{pe: pe, sym: src.Slice(0, len(dst)), buf: dst})
	return nil
}

// Local returns a copy of this PE's instance of s.
func (r *Runtime) Local(ctx context.Context, s Sym) ([]byte, error) {
	if err := r.check("local"); err != nil {
		return nil, err
	}
	buf := make([]byte, s.Len)
	if err := r.tr.Read(ctx, r.MyPE(), s, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SetLocal stores src into this PE's instance of s.
func (r *Runtime) SetLocal(ctx context.Context, s Sym, src []byte) error {
	if err := r.check("set_local"); err != nil {
		return err
	}
	return r.tr.Write(ctx, r.MyPE(), s.Slice(0, len(src)), src)
}

// Atomic performs op on the element of kind k at dst on pe.
func (r *Runtime) Atomic(ctx context.Context, op AtomicOp, k Kind, dst Sym, operand, cond uint64, pe int) (uint64, error) {
	name := "atomic_" + op.String()
	if err := r.checkPE(name, pe); err != nil {
		return 0, err
	}
	if !r.Supports("atomic."+op.String(), k) {
		return 0, Errorf(ErrCodeUnsupported, name, "not supported for %s", k)
	}
	return r.tr.Atomic(ctx, pe, dst, k, op, operand, cond)
}

// Test reports whether the local ivar compares true against value.
func (r *Runtime) Test(ctx context.Context, ivar Sym, k Kind, cmp Cmp, value uint64) (bool, error) {
	if err := r.check("test"); err != nil {
		return false, err
	}
	cur, err := r.tr.Atomic(ctx, r.MyPE(), ivar, k, AMOFetch, 0, 0)
	if err != nil {
		return false, err
	}
	return cmp.Eval(k, cur, value), nil
}

// WaitUntil blocks until the local ivar compares true against value or ctx ends.
func (r *Runtime) WaitUntil(ctx context.Context, ivar Sym, k Kind, cmp Cmp, value uint64) error {
	_, err := poll.Until(ctx, func() (bool, error) {
		return r.Test(ctx, ivar, k, cmp, value)
	}, 0, r.waitBackoff)
	return err
}

// Supports reports whether op is defined for k. The answer depends only on
// the library build, so every PE computes the same value.
func (r *Runtime) Supports(op string, k Kind) bool {
	if r.unsupported[op] || r.unsupported[op+"/"+k.String()] {
		return false
	}
	switch {
	case strings.HasPrefix(op, "reduce."):
		switch strings.TrimPrefix(op, "reduce.") {
		case "and", "or", "xor":
			return !k.Float()
		}
	case strings.HasPrefix(op, "atomic."):
		switch strings.TrimPrefix(op, "atomic.") {
		case "fetch", "set", "swap":
			return true
		case "fetch_and", "fetch_or", "fetch_xor", "and", "or", "xor":
			return !k.Float() && !k.Signed()
		default:
			return !k.Float()
		}
	}
	return true
}

// TeamWorld returns the team of all PEs.
func (r *Runtime) TeamWorld() *Team {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.world
}

// TeamSplitStrided collectively creates the team {start, start+stride, ...}
// of size PEs from parent. Non-members receive a nil team.
func (r *Runtime) TeamSplitStrided(ctx context.Context, parent *Team, start, stride, size int) (*Team, error) {
	if err := r.check("team_split_strided"); err != nil {
		return nil, err
	}
	if parent == nil || parent.MyPE() < 0 {
		return nil, Errorf(ErrCodeNotMember, "team_split_strided", "caller not in parent team")
	}
	if size <= 0 || start < 0 || (size > 1 && stride == 0) {
		return nil, Errorf(ErrCodeBadPE, "team_split_strided", "invalid triplet (%d,%d,%d)", start, stride, size)
	}
	members := make([]int, size)
	for i := range members {
		world := parent.WorldPE(start + i*stride)
		if world < 0 {
			return nil, Errorf(ErrCodeBadPE, "team_split_strided", "triplet (%d,%d,%d) leaves parent of %d", start, stride, size, parent.NPEs())
		}
		members[i] = world
	}
	team := newTeam(parent.nextSplitName(start, stride, size), members, r.MyPE())
	if err := r.tr.Sync(ctx, parent.group()); err != nil {
		return nil, fmt.Errorf("team_split_strided: %w", err)
	}
	if team.MyPE() < 0 {
		return nil, nil
	}
	return team, nil
}

// TeamSync synchronizes the members of team.
func (r *Runtime) TeamSync(ctx context.Context, team *Team) error {
	if err := r.teamCheck("team_sync", team); err != nil {
		return err
	}
	return r.tr.Sync(ctx, team.group())
}

// CtxCreate creates a communication context on team.
func (r *Runtime) CtxCreate(team *Team) (*Context, error) {
	if err := r.teamCheck("ctx_create", team); err != nil {
		return nil, err
	}
	return &Context{rt: r, team: team}, nil
}

func (r *Runtime) teamCheck(op string, team *Team) error {
	if err := r.check(op); err != nil {
		return err
	}
	if team == nil || team.MyPE() < 0 {
		return Errorf(ErrCodeNotMember, op, "caller not in team")
	}
	return nil
}

// Broadcast copies nbytes of src on team PE root into dst on every member.
func (r *Runtime) Broadcast(ctx context.Context, team *Team, dst, src Sym, nbytes, root int) error {
	if err := r.teamCheck("broadcast", team); err != nil {
		return err
	}
	if root < 0 || root >= team.NPEs() {
		return Errorf(ErrCodeBadPE, "broadcast", "root %d outside team of %d", root, team.NPEs())
	}
	g := team.group()
	if err := r.tr.Sync(ctx, g); err != nil {
		return err
	}
	if team.MyPE() == root {
		buf := make([]byte, nbytes)
		if err := r.tr.Read(ctx, r.MyPE(), src.Slice(0, nbytes), buf); err != nil {
			return fmt.Errorf("broadcast: %w", err)
		}
		for _, pe := range team.members {
			if err := r.tr.Write(ctx, pe, dst.Slice(0, nbytes), buf); err != nil {
				return fmt.Errorf("broadcast: %w", err)
			}
		}
	}
	return r.tr.Sync(ctx, g)
}

// Reduce combines nelems elements of src across team into every member's dst.
// src and dst may be the same buffer.
func (r *Runtime) Reduce(ctx context.Context, team *Team, op ReduceOp, k Kind, dst, src Sym, nelems int) error {
	name := "reduce_" + op.String()
	if err := r.teamCheck(name, team); err != nil {
		return err
	}
	if !r.Supports("reduce."+op.String(), k) {
		return Errorf(ErrCodeUnsupported, name, "not supported for %s", k)
	}
	nbytes := nelems * k.Size()
	g := team.group()
	if err := r.tr.Sync(ctx, g); err != nil {
		return err
	}

	var acc []byte
	buf := make([]byte, nbytes)
	for _, pe := range team.members {
		if err := r.tr.Read(ctx, pe, src.Slice(0, nbytes), buf); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if acc == nil {
			acc = append([]byte(nil), buf...)
			continue
		}
		size := k.Size()
		for i := 0; i < nelems; i++ {
			a := k.Bits(acc[i*size:])
			b := k.Bits(buf[i*size:])
			k.PutBits(acc[i*size:], fold(op, k, a, b))
		}
	}

	// Peers may still be reading an aliased src.
	if err := r.tr.Sync(ctx, g); err != nil {
		return err
	}
	return r.tr.Write(ctx, r.MyPE(), dst.Slice(0, nbytes), acc)
}

func fold(op ReduceOp, k Kind, a, b uint64) uint64 {
	if k.Float() {
		x, y := k.ToFloat(a), k.ToFloat(b)
		switch op {
		case ReduceSum:
			return k.FromFloat(x + y)
		case ReduceProd:
			return k.FromFloat(x * y)
		case ReduceMin:
			if y < x {
				return b
			}
			return a
		case ReduceMax:
			if y > x {
				return b
			}
			return a
		}
		return a
	}
	switch op {
	case ReduceSum:
		return a + b
	case ReduceProd:
		return a * b
	case ReduceMin:
		if CmpLT.Eval(k, b, a) {
			return b
		}
		return a
	case ReduceMax:
		if CmpGT.Eval(k, b, a) {
			return b
		}
		return a
	case ReduceAnd:
		return a & b
	case ReduceOr:
		return a | b
	case ReduceXor:
		return a ^ b
	}
	return a
}

// AllToAll sends block j (nbytes) of src to member j, which stores it at block
// MyPE of its dst.
func (r *Runtime) AllToAll(ctx context.Context, team *Team, dst, src Sym, nbytes int) error {
	if err := r.teamCheck("alltoall", team); err != nil {
		return err
	}
	g := team.group()
	if err := r.tr.Sync(ctx, g); err != nil {
		return err
	}
	me := team.MyPE()
	buf := make([]byte, nbytes)
	for j, pe := range team.members {
		if err := r.tr.Read(ctx, r.MyPE(), src.Slice(j*nbytes, nbytes), buf); err != nil {
			return fmt.Errorf("alltoall: %w", err)
		}
		if err := r.tr.Write(ctx, pe, dst.Slice(me*nbytes, nbytes), buf); err != nil {
			return fmt.Errorf("alltoall: %w", err)
		}
	}
	return r.tr.Sync(ctx, g)
}

// FCollect concatenates nbytes from every member, in team order, into dst.
func (r *Runtime) FCollect(ctx context.Context, team *Team, dst, src Sym, nbytes int) error {
	if err := r.teamCheck("fcollect", team); err != nil {
		return err
	}
	return r.collectAt(ctx, "fcollect", team, dst, src, nbytes, team.MyPE()*nbytes)
}

// Collect concatenates a variable number of bytes from every member, in team
// order, into dst.
func (r *Runtime) Collect(ctx context.Context, team *Team, dst, src Sym, nbytes int) error {
	if err := r.teamCheck("collect", team); err != nil {
		return err
	}
	g := team.group()
	if err := r.tr.Sync(ctx, g); err != nil {
		return err
	}
	size := make([]byte, 8)
	KindInt64.PutBits(size, uint64(nbytes))
	if err := r.tr.Write(ctx, r.MyPE(), r.scratch, size); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	if err := r.tr.Sync(ctx, g); err != nil {
		return err
	}
	offset := 0
	for i := 0; i < team.MyPE(); i++ {
		if err := r.tr.Read(ctx, team.members[i], r.scratch, size); err != nil {
			return fmt.Errorf("collect: %w", err)
		}
		offset += int(KindInt64.Bits(size))
	}
	return r.collectAt(ctx, "collect", team, dst, src, nbytes, offset)
}

func (r *Runtime) collectAt(ctx context.Context, name string, team *Team, dst, src Sym, nbytes, offset int) error {
	g := team.group()
	if err := r.tr.Sync(ctx, g); err != nil {
		return err
	}
	buf := make([]byte, nbytes)
	if err := r.tr.Read(ctx, r.MyPE(), src.Slice(0, nbytes), buf); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, pe := range team.members {
		if err := r.tr.Write(ctx, pe, dst.Slice(offset, nbytes), buf); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return r.tr.Sync(ctx, g)
}
