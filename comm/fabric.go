package comm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fabric is an in-process communication fabric. Communicators created from
// one Fabric share nothing but the handshake registry.
type Fabric struct {
	mu      sync.Mutex
	streams map[string]*rendezvous
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{streams: make(map[string]*rendezvous)}
}

// Group creates a communicator of size ranks and returns the handle of each
// rank, indexed by rank.
func (f *Fabric) Group(size int) []Comm {
	g := newGroup(size)
	out := make([]Comm, size)
	for r := range out {
		out[r] = &member{g: g, rank: r}
	}
	return out
}

type collKind uint8

const (
	kindBcast collKind = iota
	kindAllgather
	kindAllreduce
	kindBarrier
	kindWinCreate
	kindWinFree
)

func (k collKind) String() string {
	switch k {
	case kindBcast:
		return "bcast"
	case kindAllgather:
		return "allgather"
	case kindAllreduce:
		return "allreduce"
	case kindBarrier:
		return "barrier"
	case kindWinCreate:
		return "win_create"
	case kindWinFree:
		return "win_free"
	default:
		return fmt.Sprintf("collKind(%d)", uint8(k))
	}
}

// round is one collective, identified by its position in the members'
// common operation sequence.
type round struct {
	kind    collKind
	root    int
	bufs    [][]byte
	ints    []int
	arrived int
	left    int
	done    chan struct{}
	closed  bool
	err     error
	win     *window
}

// finish must be called with g.mu held.
func (r *round) finish(err error) {
	if r.closed {
		return
	}
	if r.err == nil {
		r.err = err
	}
	r.closed = true
	close(r.done)
}

type mailKey struct{ src, dst, tag int }

type mailbox struct {
	msgs  [][]byte
	recvs []*request
}

type group struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*round
	boxes  map[mailKey]*mailbox
	// aborted is set once a member abandons a collective; the group's
	// operation sequence is broken from then on.
	aborted error
}

// abort fails every pending round. g.mu must be held.
func (g *group) abort(err error) {
	if g.aborted == nil {
		g.aborted = err
	}
	for _, r := range g.rounds {
		r.finish(g.aborted)
	}
	g.rounds = make(map[uint64]*round)
}

func newGroup(size int) *group {
	return &group{
		size:   size,
		rounds: make(map[uint64]*round),
		boxes:  make(map[mailKey]*mailbox),
	}
}

// box must be called with g.mu held.
func (g *group) box(k mailKey) *mailbox {
	b := g.boxes[k]
	if b == nil {
		b = &mailbox{}
		g.boxes[k] = b
	}
	return b
}

type member struct {
	g    *group
	rank int
	seq  atomic.Uint64
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.g.size }

// collective joins the next round. The returned round is complete and
// read-only; the caller must call leave once it has taken its result.
//
// A member whose ctx ends before the round completes aborts the whole
// group: pending and later collectives on every member fail with
// ErrAborted.
func (m *member) collective(ctx context.Context, kind collKind, root int, buf []byte, v int) (*round, uint64, error) {
	seq := m.seq.Add(1) - 1
	g := m.g

	g.mu.Lock()
	if g.aborted != nil {
		g.mu.Unlock()
		return nil, seq, g.aborted
	}
	r := g.rounds[seq]
	if r == nil {
		r = &round{
			kind: kind,
			root: root,
			bufs: make([][]byte, g.size),
			ints: make([]int, g.size),
			done: make(chan struct{}),
		}
		g.rounds[seq] = r
	}
	if r.kind != kind || r.root != root {
		r.err = fmt.Errorf("%w: seq %d: %s(root %d) vs %s(root %d)",
			ErrCollectiveMismatch, seq, r.kind, r.root, kind, root)
	}
	r.bufs[m.rank] = buf
	r.ints[m.rank] = v
	r.arrived++
	if r.arrived == g.size {
		if r.kind == kindWinCreate && r.err == nil {
			r.win = newWindow(r.bufs)
		}
		r.finish(nil)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		g.mu.Lock()
		done := r.closed
		if !done {
			g.abort(fmt.Errorf("%w: %s seq %d: %v", ErrAborted, kind, seq, ctx.Err()))
		}
		g.mu.Unlock()
		if !done {
			return nil, seq, ctx.Err()
		}
	}
	if r.err != nil {
		m.leave(seq, r)
		return nil, seq, r.err
	}
	return r, seq, nil
}

func (m *member) leave(seq uint64, r *round) {
	m.g.mu.Lock()
	r.left++
	if r.left == m.g.size {
		delete(m.g.rounds, seq)
	}
	m.g.mu.Unlock()
}

func (m *member) checkRank(r int) error {
	if r < 0 || r >= m.g.size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrRank, r, m.g.size)
	}
	return nil
}

func (m *member) Bcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	if err := m.checkRank(root); err != nil {
		return nil, err
	}
	r, seq, err := m.collective(ctx, kindBcast, root, buf, 0)
	if err != nil {
		return nil, err
	}
	defer m.leave(seq, r)
	if m.rank == root {
		return buf, nil
	}
	return append([]byte(nil), r.bufs[root]...), nil
}

func (m *member) Allgather(ctx context.Context, buf []byte) ([][]byte, error) {
	r, seq, err := m.collective(ctx, kindAllgather, 0, buf, 0)
	if err != nil {
		return nil, err
	}
	defer m.leave(seq, r)
	out := make([][]byte, len(r.bufs))
	for i, b := range r.bufs {
		out[i] = append([]byte(nil), b...)
	}
	return out, nil
}

func (m *member) AllreduceMax(ctx context.Context, v int) (int, error) {
	r, seq, err := m.collective(ctx, kindAllreduce, 0, nil, v)
	if err != nil {
		return 0, err
	}
	defer m.leave(seq, r)
	best := r.ints[0]
	for _, x := range r.ints[1:] {
		best = max(best, x)
	}
	return best, nil
}

func (m *member) Barrier(ctx context.Context) error {
	r, seq, err := m.collective(ctx, kindBarrier, 0, nil, 0)
	if err != nil {
		return err
	}
	m.leave(seq, r)
	return nil
}

func (m *member) Isend(buf []byte, dst, tag int) Request {
	if err := m.checkRank(dst); err != nil {
		return completed(err)
	}
	data := append([]byte(nil), buf...)
	g := m.g
	g.mu.Lock()
	b := g.box(mailKey{m.rank, dst, tag})
	if len(b.recvs) > 0 {
		rq := b.recvs[0]
		b.recvs = b.recvs[1:]
		rq.deliver(data)
	} else {
		b.msgs = append(b.msgs, data)
	}
	g.mu.Unlock()
	return completed(nil)
}

func (m *member) Irecv(buf []byte, src, tag int) Request {
	if err := m.checkRank(src); err != nil {
		return completed(err)
	}
	rq := &request{g: m.g, buf: buf, done: make(chan struct{})}
	g := m.g
	g.mu.Lock()
	b := g.box(mailKey{src, m.rank, tag})
	if len(b.msgs) > 0 {
		data := b.msgs[0]
		b.msgs = b.msgs[1:]
		rq.deliver(data)
	} else {
		rq.box = b
		b.recvs = append(b.recvs, rq)
	}
	g.mu.Unlock()
	return rq
}

func (m *member) CreateWindow(ctx context.Context, exposed []byte) (Window, error) {
	r, seq, err := m.collective(ctx, kindWinCreate, 0, exposed, 0)
	if err != nil {
		return nil, err
	}
	defer m.leave(seq, r)
	return &windowHandle{m: m, w: r.win, held: make(map[int]LockMode)}, nil
}

type request struct {
	g    *group
	buf  []byte
	box  *mailbox
	done chan struct{}
	fin  bool
	err  error
}

func completed(err error) *request {
	rq := &request{done: make(chan struct{}), fin: true, err: err}
	close(rq.done)
	return rq
}

// deliver must be called with g.mu held.
func (rq *request) deliver(data []byte) {
	copy(rq.buf, data)
	if len(data) > len(rq.buf) {
		rq.err = fmt.Errorf("%w: %d byte message into %d byte buffer", ErrTruncate, len(data), len(rq.buf))
	}
	rq.box = nil
	rq.fin = true
	close(rq.done)
}

func (rq *request) Wait(ctx context.Context) error {
	select {
	case <-rq.done:
		return rq.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rq *request) Cancel() {
	if rq.g == nil {
		return
	}
	rq.g.mu.Lock()
	defer rq.g.mu.Unlock()
	if rq.fin {
		return
	}
	if b := rq.box; b != nil {
		for i, p := range b.recvs {
			if p == rq {
				b.recvs = append(b.recvs[:i], b.recvs[i+1:]...)
				break
			}
		}
	}
	rq.box = nil
	rq.fin = true
	rq.err = ErrCanceled
	close(rq.done)
}
