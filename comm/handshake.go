package comm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role is the side of a stream a process is on.
type Role int

const (
	RoleWriter Role = iota
	RoleReader
)

func (r Role) String() string {
	switch r {
	case RoleWriter:
		return "writer"
	case RoleReader:
		return "reader"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Membership is the result of a handshake. Writers hold stream ranks
// 0..W-1 in local rank order, readers W..W+R-1.
type Membership struct {
	Role       Role
	StreamComm Comm
	// WriterGroup lists the writers' stream ranks.
	WriterGroup []int
	// WriterComm is the writers' local communicator; nil on readers.
	WriterComm Comm
	// ReaderComm is the readers' local communicator; nil on writers.
	ReaderComm   Comm
	WriterMaster int
	ReaderMaster int
}

// Writers returns the number of writer ranks in the stream.
func (m *Membership) Writers() int { return len(m.WriterGroup) }

// IsWriterRank reports whether stream rank r belongs to a writer.
func (m *Membership) IsWriterRank(r int) bool { return r >= 0 && r < len(m.WriterGroup) }

type rendezvous struct {
	size     [2]int
	attached [2]int
	ready    chan struct{}
	stream   []Comm
}

func (rv *rendezvous) complete() bool {
	return rv.size[RoleWriter] > 0 && rv.size[RoleReader] > 0 &&
		rv.attached[RoleWriter] == rv.size[RoleWriter] &&
		rv.attached[RoleReader] == rv.size[RoleReader]
}

// Handshake attaches the caller, one member of its role's local
// communicator, to the named stream. It blocks until every member of both
// roles attached, or fails with ErrConnectTimeout after timeout. A zero
// timeout waits for ctx alone.
func (f *Fabric) Handshake(ctx context.Context, stream string, role Role, local Comm, timeout time.Duration) (*Membership, error) {
	if role != RoleWriter && role != RoleReader {
		return nil, fmt.Errorf("comm: handshake with %v", role)
	}

	f.mu.Lock()
	rv := f.streams[stream]
	if rv == nil {
		rv = &rendezvous{ready: make(chan struct{})}
		f.streams[stream] = rv
	}
	switch {
	case rv.size[role] == 0:
		rv.size[role] = local.Size()
	case rv.size[role] != local.Size():
		f.mu.Unlock()
		return nil, fmt.Errorf("comm: stream %q: %s communicator size %d, peers attached with %d",
			stream, role, local.Size(), rv.size[role])
	}
	rv.attached[role]++
	if rv.complete() {
		rv.stream = f.Group(rv.size[RoleWriter] + rv.size[RoleReader])
		delete(f.streams, stream)
		close(rv.ready)
	}
	f.mu.Unlock()

	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-rv.ready:
	case <-wctx.Done():
		if err := f.detach(stream, rv, role); err == nil {
			if errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: stream %q after %v", ErrConnectTimeout, stream, timeout)
			}
			return nil, wctx.Err()
		}
	}

	writers := rv.size[RoleWriter]
	rank := local.Rank()
	if role == RoleReader {
		rank += writers
	}
	sc := rv.stream[rank]

	m := &Membership{
		Role:        role,
		StreamComm:  sc,
		WriterGroup: make([]int, writers),
	}
	for i := range m.WriterGroup {
		m.WriterGroup[i] = i
	}
	if role == RoleWriter {
		m.WriterComm = local
	} else {
		m.ReaderComm = local
	}

	var err error
	m.WriterMaster, err = sc.AllreduceMax(ctx, masterVote(role == RoleWriter && local.Rank() == 0, rank))
	if err != nil {
		return nil, fmt.Errorf("elect writer master: %w", err)
	}
	m.ReaderMaster, err = sc.AllreduceMax(ctx, masterVote(role == RoleReader && local.Rank() == 0, rank))
	if err != nil {
		return nil, fmt.Errorf("elect reader master: %w", err)
	}
	return m, nil
}

// detach withdraws a timed-out registration. It fails when the rendezvous
// completed concurrently, in which case the caller proceeds normally.
func (f *Fabric) detach(stream string, rv *rendezvous, role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-rv.ready:
		return errors.New("comm: rendezvous already complete")
	default:
	}
	rv.attached[role]--
	if rv.attached[role] == 0 {
		rv.size[role] = 0
	}
	if rv.attached[RoleWriter] == 0 && rv.attached[RoleReader] == 0 && f.streams[stream] == rv {
		delete(f.streams, stream)
	}
	return nil
}

func masterVote(candidate bool, rank int) int {
	if candidate {
		return rank
	}
	return -1
}
