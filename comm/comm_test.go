package comm

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// runAll runs fn once per rank on its own goroutine and fails on any error.
func runAll(t *testing.T, comms []Comm, fn func(c Comm) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(comms))
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Comm) {
			defer wg.Done()
			errs[i] = fn(c)
		}(i, c)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", i, err)
		}
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCollectives(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	comms := NewFabric().Group(4)

	runAll(t, comms, func(c Comm) error {
		for step := 0; step < 3; step++ {
			var mine []byte
			if c.Rank() == 2 {
				mine = []byte{byte(step), 7}
			}
			got, err := c.Bcast(ctx, mine, 2)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, []byte{byte(step), 7}) {
				return errors.New("bcast payload mismatch")
			}

			all, err := c.Allgather(ctx, []byte{byte(c.Rank())})
			if err != nil {
				return err
			}
			for r, b := range all {
				if len(b) != 1 || int(b[0]) != r {
					return errors.New("allgather out of rank order")
				}
			}

			mx, err := c.AllreduceMax(ctx, c.Rank()*10+step)
			if err != nil {
				return err
			}
			if mx != 30+step {
				return errors.New("allreduce max wrong")
			}
			if err := c.Barrier(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestCollectiveMismatch(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	comms := NewFabric().Group(2)

	var wg sync.WaitGroup
	var errBarrier, errBcast error
	wg.Add(2)
	go func() { defer wg.Done(); errBarrier = comms[0].Barrier(ctx) }()
	go func() { defer wg.Done(); _, errBcast = comms[1].Bcast(ctx, nil, 0) }()
	wg.Wait()

	if !errors.Is(errBarrier, ErrCollectiveMismatch) || !errors.Is(errBcast, ErrCollectiveMismatch) {
		t.Errorf("errors = %v / %v, want ErrCollectiveMismatch", errBarrier, errBcast)
	}
}

func TestPointToPointFIFO(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	comms := NewFabric().Group(2)

	// receives posted before and after the sends must both match in order
	early := make([]byte, 1)
	r0 := comms[1].Irecv(early, 0, 5)
	for i := byte(1); i <= 3; i++ {
		if err := comms[0].Isend([]byte{i}, 1, 5).Wait(ctx); err != nil {
			t.Fatalf("Isend: %v", err)
		}
	}
	late := make([]byte, 2)
	r1 := comms[1].Irecv(late[:1], 0, 5)
	r2 := comms[1].Irecv(late[1:], 0, 5)

	if err := Waitall(ctx, []Request{r0, r1, r2}); err != nil {
		t.Fatalf("Waitall: %v", err)
	}
	if early[0] != 1 || late[0] != 2 || late[1] != 3 {
		t.Errorf("received %v %v, want [1] [2 3]", early, late)
	}
}

func TestTagsAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	comms := NewFabric().Group(2)

	comms[0].Isend([]byte{1}, 1, 1)
	comms[0].Isend([]byte{2}, 1, 2)
	buf := make([]byte, 1)
	if err := comms[1].Irecv(buf, 0, 2).Wait(ctx); err != nil || buf[0] != 2 {
		t.Errorf("tag 2 got %v, %v", buf, err)
	}
}

func TestIrecvTruncateAndCancel(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	comms := NewFabric().Group(2)

	comms[0].Isend([]byte{1, 2, 3}, 1, 0)
	if err := comms[1].Irecv(make([]byte, 2), 0, 0).Wait(ctx); !errors.Is(err, ErrTruncate) {
		t.Errorf("truncate error = %v", err)
	}

	rq := comms[1].Irecv(make([]byte, 1), 0, 9)
	rq.Cancel()
	if err := rq.Wait(ctx); !errors.Is(err, ErrCanceled) {
		t.Errorf("cancel error = %v", err)
	}
	// a canceled receive must not swallow the next message
	comms[0].Isend([]byte{4}, 1, 9)
	buf := make([]byte, 1)
	if err := comms[1].Irecv(buf, 0, 9).Wait(ctx); err != nil || buf[0] != 4 {
		t.Errorf("after cancel got %v, %v", buf, err)
	}
	if err := comms[0].Isend(nil, 7, 0).Wait(ctx); !errors.Is(err, ErrRank) {
		t.Errorf("bad rank error = %v", err)
	}
}

func TestWindowGet(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	comms := NewFabric().Group(3)
	exposed := []byte{10, 11, 12, 13, 14}

	runAll(t, comms, func(c Comm) error {
		var mine []byte
		if c.Rank() == 0 {
			mine = exposed
		}
		w, err := c.CreateWindow(ctx, mine)
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			dst := make([]byte, 3)
			if err := w.Get(ctx, dst, 0, 1); !errors.Is(err, ErrNotLocked) {
				return errors.New("get without lock succeeded")
			}
			if err := w.Lock(ctx, LockShared, 0); err != nil {
				return err
			}
			if err := w.Get(ctx, dst, 0, 1); err != nil {
				return err
			}
			if !bytes.Equal(dst, []byte{11, 12, 13}) {
				return errors.New("window get payload mismatch")
			}
			if err := w.Get(ctx, dst, 0, 3); !errors.Is(err, ErrWindowRange) {
				return errors.New("out of range get succeeded")
			}
			if err := w.Unlock(ctx, 0); err != nil {
				return err
			}
			if err := w.Lock(ctx, LockShared, c.Rank()); err != nil {
				return err
			}
			if err := w.Get(ctx, dst[:1], c.Rank(), 0); !errors.Is(err, ErrWindowRange) {
				return errors.New("get from zero exposure succeeded")
			}
			if err := w.Unlock(ctx, c.Rank()); err != nil {
				return err
			}
		}
		if err := w.Free(ctx); err != nil {
			return err
		}
		if err := w.Free(ctx); !errors.Is(err, ErrWindowFreed) {
			return errors.New("double free succeeded")
		}
		return nil
	})
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	f := NewFabric()
	writers := f.Group(2)
	readers := f.Group(3)

	var mu sync.Mutex
	got := make(map[int]*Membership)
	attach := func(role Role) func(c Comm) error {
		return func(c Comm) error {
			m, err := f.Handshake(ctx, "sim", role, c, time.Second)
			if err != nil {
				return err
			}
			mu.Lock()
			got[m.StreamComm.Rank()] = m
			mu.Unlock()
			return nil
		}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); runAll(t, writers, attach(RoleWriter)) }()
	go func() { defer wg.Done(); runAll(t, readers, attach(RoleReader)) }()
	wg.Wait()

	if len(got) != 5 {
		t.Fatalf("memberships = %d, want 5", len(got))
	}
	for rank, m := range got {
		if m.StreamComm.Size() != 5 {
			t.Errorf("rank %d: stream size %d", rank, m.StreamComm.Size())
		}
		if m.WriterMaster != 0 || m.ReaderMaster != 2 {
			t.Errorf("rank %d: masters %d/%d, want 0/2", rank, m.WriterMaster, m.ReaderMaster)
		}
		if wantWriter := rank < 2; m.IsWriterRank(rank) != wantWriter || (m.Role == RoleWriter) != wantWriter {
			t.Errorf("rank %d: role %v", rank, m.Role)
		}
		if m.Writers() != 2 {
			t.Errorf("rank %d: writers %d", rank, m.Writers())
		}
		if (m.ReaderComm == nil) != (m.Role == RoleWriter) {
			t.Errorf("rank %d: reader comm presence wrong", rank)
		}
	}
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()
	f := NewFabric()
	readers := f.Group(1)

	_, err := f.Handshake(context.Background(), "lonely", RoleReader, readers[0], 20*time.Millisecond)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Handshake() error = %v, want ErrConnectTimeout", err)
	}

	// the timed-out registration must not count towards a later session
	f.mu.Lock()
	_, stale := f.streams["lonely"]
	f.mu.Unlock()
	if stale {
		t.Error("timed-out registration left behind")
	}
}

func TestCanceledCollectiveAbortsGroup(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	// Rank 2 never joins the first round, so it cannot complete.
	comms := NewFabric().Group(3)

	pending := make(chan error, 1)
	go func() {
		_, err := comms[1].Bcast(ctx, nil, 0)
		pending <- err
	}()

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := comms[0].Bcast(canceled, []byte{1}, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled Bcast = %v", err)
	}

	select {
	case err := <-pending:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("pending Bcast = %v, want ErrAborted", err)
		}
	case <-ctx.Done():
		t.Fatal("pending Bcast never returned")
	}
	for i, c := range comms {
		if err := c.Barrier(ctx); !errors.Is(err, ErrAborted) {
			t.Errorf("rank %d Barrier after abort = %v, want ErrAborted", i, err)
		}
	}
}
