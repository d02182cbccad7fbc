// Package comm provides the communicators a stream engine runs on.
//
// The interfaces follow the MPI model the engine was designed against:
// a Comm is an ordered group of ranks supporting collectives, tagged
// point-to-point messages and passive-target memory windows. Every member of
// a Comm must issue the same collectives in the same order; point-to-point
// messages between one (source, destination, tag) triple are delivered in
// send order.
//
// Fabric is the in-process implementation: each rank is a goroutine (or a
// set of goroutines that never issue operations concurrently), and the
// stream communicator joining writers and readers is built by Handshake.
package comm

import (
	"context"
	"errors"
)

var (
	// ErrConnectTimeout is returned by Handshake when the peers of a stream
	// do not all attach before the timeout.
	ErrConnectTimeout = errors.New("comm: connection timeout")
	// ErrCanceled completes a receive request that was canceled before a
	// message matched it.
	ErrCanceled = errors.New("comm: request canceled")
	// ErrTruncate completes a receive whose buffer is shorter than the
	// matched message.
	ErrTruncate = errors.New("comm: message truncated")
	// ErrRank is returned for a rank outside the communicator.
	ErrRank = errors.New("comm: invalid rank")
	// ErrCollectiveMismatch is returned when members of one communicator
	// issue different collectives at the same position.
	ErrCollectiveMismatch = errors.New("comm: collective mismatch")
	// ErrWindowRange is returned by Window.Get for a range outside the
	// target's exposed memory.
	ErrWindowRange = errors.New("comm: window range")
	// ErrNotLocked is returned when accessing a rank's window memory
	// without holding its lock.
	ErrNotLocked = errors.New("comm: window not locked")
	// ErrWindowFreed is returned for any operation on a freed window.
	ErrWindowFreed = errors.New("comm: window freed")
	// ErrAborted is returned by every collective of a communicator on
	// which a member abandoned a collective through its context.
	ErrAborted = errors.New("comm: communicator aborted")
)

// LockMode selects shared or exclusive passive-target locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// Comm is one member's handle on a communicator.
type Comm interface {
	Rank() int
	Size() int

	// Bcast returns root's buf on every member.
	Bcast(ctx context.Context, buf []byte, root int) ([]byte, error)
	// Allgather returns every member's buf indexed by rank.
	Allgather(ctx context.Context, buf []byte) ([][]byte, error)
	AllreduceMax(ctx context.Context, v int) (int, error)
	Barrier(ctx context.Context) error

	// Isend copies buf and queues it for dst.
	Isend(buf []byte, dst, tag int) Request
	// Irecv fills buf with the next message from src carrying tag.
	Irecv(buf []byte, src, tag int) Request

	// CreateWindow is collective. Each member exposes its own memory,
	// possibly none, for one-sided access by the others until Free.
	CreateWindow(ctx context.Context, exposed []byte) (Window, error)
}

// Window is a passive-target one-sided memory window.
type Window interface {
	Lock(ctx context.Context, mode LockMode, rank int) error
	// Get copies len(dst) bytes at offset of rank's exposed memory.
	Get(ctx context.Context, dst []byte, rank int, offset uint64) error
	Unlock(ctx context.Context, rank int) error
	// Free is collective and must be called exactly once per member.
	Free(ctx context.Context) error
}

// Request is a pending non-blocking operation.
type Request interface {
	Wait(ctx context.Context) error
	// Cancel completes a pending receive with ErrCanceled. It is a no-op
	// once the request completed.
	Cancel()
}

// Waitall waits for every request and returns the first error.
func Waitall(ctx context.Context, reqs []Request) error {
	var first error
	for _, r := range reqs {
		if err := r.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CancelAll cancels every request.
func CancelAll(reqs []Request) {
	for _, r := range reqs {
		r.Cancel()
	}
}
