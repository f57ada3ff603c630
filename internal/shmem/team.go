package shmem

import (
	"context"
	"fmt"
	"sync"
)

// Team is an ordered subset of world PEs. PE numbers passed to team-scoped
// operations are team-relative.
type Team struct {
	name    string
	members []int
	me      int

	mu     sync.Mutex
	splits int
}

func newTeam(name string, members []int, worldPE int) *Team {
	t := &Team{name: name, members: members, me: -1}
	for i, pe := range members {
		if pe == worldPE {
			t.me = i
		}
	}
	return t
}

// Name identifies the team identically on every member.
func (t *Team) Name() string { return t.name }

// MyPE returns the calling PE's team-relative number, or -1 for non-members.
func (t *Team) MyPE() int { return t.me }

// NPEs returns the team size.
func (t *Team) NPEs() int { return len(t.members) }

// WorldPE maps a team-relative PE to its world number.
func (t *Team) WorldPE(pe int) int {
	if pe < 0 || pe >= len(t.members) {
		return -1
	}
	return t.members[pe]
}

// TranslatePE maps a PE number in t to its number in dest, or -1 if absent.
func (t *Team) TranslatePE(pe int, dest *Team) int {
	world := t.WorldPE(pe)
	if world < 0 || dest == nil {
		return -1
	}
	for i, m := range dest.members {
		if m == world {
			return i
		}
	}
	return -1
}

func (t *Team) group() Group {
	return Group{Name: t.name, Members: t.members}
}

func (t *Team) nextSplitName(start, stride, size int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.splits++
	return fmt.Sprintf("%s/%d:%d:%d#%d", t.name, start, stride, size, t.splits)
}

// Context is a team-scoped communication context with its own completion
// queue: Quiet on one context does not complete operations of another.
type Context struct {
	rt      *Runtime
	team    *Team
	pending pendingQueue
}

// Team returns the team the context was created on.
func (c *Context) Team() *Team { return c.team }

// Put writes src to dst on team PE pe.
func (c *Context) Put(ctx context.Context, dst Sym, src []byte, pe int) error {
	world, err := c.worldPE("ctx_put", pe)
	if err != nil {
		return err
	}
	return c.rt.Put(ctx, dst, src, world)
}

// Get reads src on team PE pe into dst.
func (c *Context) Get(ctx context.Context, dst []byte, src Sym, pe int) error {
	world, err := c.worldPE("ctx_get", pe)
	if err != nil {
		return err
	}
	return c.rt.Get(ctx, dst, src, world)
}

// PutNBI queues a write on this context; it completes at Quiet.
func (c *Context) PutNBI(ctx context.Context, dst Sym, src []byte, pe int) error {
	world, err := c.worldPE("ctx_put_nbi", pe)
	if err != nil {
		return err
	}
	c.pending.push(pendingOp{put: true, pe: world, sym: dst.Slice(0, len(src)), buf: append([]byte(nil), src...)})
	return nil
}

// Quiet completes every operation queued on this context.
func (c *Context) Quiet(ctx context.Context) error {
	return c.pending.drain(ctx, c.rt.tr)
}

// Destroy completes outstanding operations and releases the context.
func (c *Context) Destroy(ctx context.Context) error {
	return c.Quiet(ctx)
}

func (c *Context) worldPE(op string, pe int) (int, error) {
	world := c.team.WorldPE(pe)
	if world < 0 {
		return 0, Errorf(ErrCodeBadPE, op, "pe %d not in team %s of %d", pe, c.team.name, c.team.NPEs())
	}
	return world, nil
}

type pendingOp struct {
	put bool
	pe  int
	sym Sym
	buf []byte
}

type pendingQueue struct {
	mu  sync.Mutex
	ops []pendingOp
}

func (q *pendingQueue) push(op pendingOp) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
}

func (q *pendingQueue) drain(ctx context.Context, tr Transport) error {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()

	for i, op := range ops {
		var err error
		if op.put {
			err = tr.Write(ctx, op.pe, op.sym, op.buf)
		} else {
			err = tr.Read(ctx, op.pe, op.sym, op.buf)
		}
		if err != nil {
			q.mu.Lock()
			q.ops = append(ops[i+1:], q.ops...)
			q.mu.Unlock()
			return fmt.Errorf("quiet: %w", err)
		}
	}
	return nil
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
