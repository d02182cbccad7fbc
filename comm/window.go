package comm

import (
	"context"
	"fmt"
	"sync"
)

// window is the memory shared by all handles of one CreateWindow round.
type window struct {
	exposed [][]byte
	locks   []sync.RWMutex
}

func newWindow(exposed [][]byte) *window {
	return &window{
		exposed: exposed,
		locks:   make([]sync.RWMutex, len(exposed)),
	}
}

// windowHandle is one member's view of a window. Operations on one handle
// must not be issued concurrently.
type windowHandle struct {
	m     *member
	w     *window
	held  map[int]LockMode
	freed bool
}

func (h *windowHandle) check(rank int) error {
	if h.freed {
		return ErrWindowFreed
	}
	return h.m.checkRank(rank)
}

func (h *windowHandle) Lock(ctx context.Context, mode LockMode, rank int) error {
	if err := h.check(rank); err != nil {
		return err
	}
	if _, ok := h.held[rank]; ok {
		return fmt.Errorf("comm: rank %d already locked", rank)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode == LockExclusive {
		h.w.locks[rank].Lock()
	} else {
		h.w.locks[rank].RLock()
	}
	h.held[rank] = mode
	return nil
}

func (h *windowHandle) Get(_ context.Context, dst []byte, rank int, offset uint64) error {
	if err := h.check(rank); err != nil {
		return err
	}
	if _, ok := h.held[rank]; !ok {
		return fmt.Errorf("%w: rank %d", ErrNotLocked, rank)
	}
	src := h.w.exposed[rank]
	end := offset + uint64(len(dst))
	if end < offset || end > uint64(len(src)) {
		return fmt.Errorf("%w: rank %d exposes %d bytes, want [%d,%d)", ErrWindowRange, rank, len(src), offset, end)
	}
	copy(dst, src[offset:end])
	return nil
}

func (h *windowHandle) Unlock(_ context.Context, rank int) error {
	if err := h.check(rank); err != nil {
		return err
	}
	mode, ok := h.held[rank]
	if !ok {
		return fmt.Errorf("%w: rank %d", ErrNotLocked, rank)
	}
	h.release(rank, mode)
	return nil
}

func (h *windowHandle) release(rank int, mode LockMode) {
	if mode == LockExclusive {
		h.w.locks[rank].Unlock()
	} else {
		h.w.locks[rank].RUnlock()
	}
	delete(h.held, rank)
}

// Free drops any lock still held, then waits for every member to free its
// handle. Exposed memory may be reused once Free returns.
func (h *windowHandle) Free(ctx context.Context) error {
	if h.freed {
		return ErrWindowFreed
	}
	h.freed = true
	for rank, mode := range h.held {
		h.release(rank, mode)
	}
	r, seq, err := h.m.collective(ctx, kindWinFree, 0, nil, 0)
	if err != nil {
		return err
	}
	h.m.leave(seq, r)
	return nil
}
