// Package runtime implements the stream engines and their receive memory.
//
// A Reader and a Writer attach to the two sides of a named stream through a
// Handshaker and then advance in lockstep, one step at a time. Every step is
// either flexible or fixed:
//
//   - Flexible: the writer master broadcasts the aggregated write pattern,
//     the reader matches it against its selections, lays out a receive Arena
//     for the contributing writer ranks and fetches their segments through a
//     one-sided window.
//   - Fixed: once writer definitions and reader selections are both locked,
//     the pattern of the last flexible step is reused and writers push their
//     segments with tagged point-to-point messages that readers pre-post at
//     EndStep.
//
// The trailing byte of every segment is a marker: a final marker in fixed
// mode, or the end-of-stream manifest in flexible mode, reports
// core.StepEndOfStream from BeginStep.
//
// Neither engine is safe for concurrent use. The reader's optional
// background negotiation task is the only goroutine an engine starts, and it
// is joined before the engine touches negotiated state again.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/sbl8/stagestream/comm"
	"github.com/sbl8/stagestream/config"
)

var (
	// ErrIO wraps every window, receive or send failure of the data mover.
	ErrIO = errors.New("runtime: data movement failed")
	// ErrStepNotBegun is returned by step operations outside BeginStep/EndStep.
	ErrStepNotBegun = errors.New("runtime: step not begun")
	// ErrStepBegun is returned by BeginStep when the previous step was not ended.
	ErrStepBegun = errors.New("runtime: step already begun")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("runtime: engine closed")
	// ErrUnknownVariable is returned by Get for a name the current pattern
	// does not publish.
	ErrUnknownVariable = errors.New("runtime: unknown variable")
	// ErrTypeMismatch is returned when a request's element type differs
	// from the published one.
	ErrTypeMismatch = errors.New("runtime: type mismatch")
	// ErrDefinitionsChanged is returned by a writer in fixed mode whose step
	// layout differs from the locked pattern.
	ErrDefinitionsChanged = errors.New("runtime: definitions changed after lock")
)

// Message tags on the stream communicator.
const (
	tagData   = 0
	tagMarker = 1
)

// Handshaker attaches one member of a role's local communicator to a named
// stream. comm.Fabric implements it.
type Handshaker interface {
	Handshake(ctx context.Context, stream string, role comm.Role, local comm.Comm, timeout time.Duration) (*comm.Membership, error)
}

// Exposer publishes writer step buffers outside the stream communicator.
// rpcwin.Server implements it.
type Exposer interface {
	Expose(rank int, buf []byte)
	Withdraw(rank int)
}

// WindowOpener opens a reader's side of the collective step window.
type WindowOpener func(ctx context.Context, stream comm.Comm) (comm.Window, error)

// Options configure an engine.
type Options struct {
	Params config.Params
	// Logger receives diagnostics; nil logs to stderr at Params.Verbose.
	Logger *slog.Logger
	// WindowOpener replaces the in-process window on readers.
	WindowOpener WindowOpener
	// Exposer additionally publishes every flexible step buffer on writers.
	Exposer Exposer
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return config.NewLogger(os.Stderr, o.Params.Verbose)
}

// engineLog gates records on the Verbose parameter so that a caller
// supplied logger sees the same records as the default one.
type engineLog struct {
	*slog.Logger
	verbose int
}

func (l engineLog) step(msg string, args ...any) {
	if l.verbose >= config.VerboseSteps {
		l.Info(msg, args...)
	}
}

func (l engineLog) pattern(msg string, args ...any) {
	if l.verbose >= config.VerbosePatterns {
		l.Debug(msg, args...)
	}
}
