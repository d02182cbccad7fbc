package runtime

import (
	"context"
	"fmt"
	"sort"
	"unsafe"

	"github.com/google/uuid"

	"github.com/sbl8/stagestream/comm"
	"github.com/sbl8/stagestream/config"
	"github.com/sbl8/stagestream/core"
	"github.com/sbl8/stagestream/kernels"
	"github.com/sbl8/stagestream/model"
)

// Writer is the writing side of a stream.
type Writer struct {
	id      uuid.UUID
	name    string
	params  config.Params
	log     engineLog
	mem     *comm.Membership
	stream  comm.Comm
	exposer Exposer

	step      int64
	stepBegun bool
	closed    bool

	defsLocked     bool
	manifestLocked bool
	readersLocked  bool
	fixed          bool

	blocks  []core.Block
	payload []byte
	pattern model.GlobalWritePattern
	reads   *core.ReadPatterns
	// serve lists the readers this rank sends to in fixed mode; markerOnly
	// the readers no writer serves, which the writer master signals alone.
	serve      []int
	markerOnly []int

	win   comm.Window
	sends []comm.Request
	stats stepCounters
}

// OpenWriter attaches local, the caller's member of the writers' local
// communicator, to the named stream.
func OpenWriter(ctx context.Context, hs Handshaker, name string, local comm.Comm, opts Options) (*Writer, error) {
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	mem, err := hs.Handshake(ctx, name, comm.RoleWriter, local, opts.Params.OpenTimeout())
	if err != nil {
		return nil, fmt.Errorf("open writer %q: %w", name, err)
	}

	w := &Writer{
		id:      uuid.New(),
		name:    name,
		params:  opts.Params,
		mem:     mem,
		stream:  mem.StreamComm,
		exposer: opts.Exposer,
		step:    -1,
	}
	w.log = engineLog{
		Logger: opts.logger().With("component", "writer", "engine", w.id.String(),
			"stream", name, "rank", w.stream.Rank()),
		verbose: opts.Params.Verbose,
	}
	w.log.step("opened", "writers", mem.Writers(), "writer_master", mem.WriterMaster,
		"reader_master", mem.ReaderMaster)
	return w, nil
}

// ID is the engine instance id carried in logs and stats.
func (w *Writer) ID() uuid.UUID { return w.id }

// CurrentStep returns the index of the current or last step.
func (w *Writer) CurrentStep() int64 { return w.step }

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() StepStats { return w.stats.snapshot(w.id) }

// LockWriterDefinitions promises that every later step publishes the same
// blocks at the same offsets. It takes effect at the next EndStep.
func (w *Writer) LockWriterDefinitions() { w.defsLocked = true }

func (w *Writer) isMaster() bool { return w.stream.Rank() == w.mem.WriterMaster }

// BeginStep starts a new step with an empty buffer.
func (w *Writer) BeginStep(ctx context.Context) (core.StepStatus, error) {
	if w.closed {
		return core.StepNotReady, ErrClosed
	}
	if w.stepBegun {
		return core.StepNotReady, ErrStepBegun
	}
	if w.step >= 0 {
		if err := w.transition(ctx, w.step+1); err != nil {
			return core.StepNotReady, err
		}
	}
	w.step++
	w.blocks = nil
	w.payload = nil
	w.stepBegun = true
	mode := "flexible"
	if w.fixed {
		mode = "fixed"
	}
	w.log.step("begin step", "step", w.step, "mode", mode)
	return core.StepOK, nil
}

// transition closes the previous step on the stream and decides the mode
// of step next.
func (w *Writer) transition(ctx context.Context, next int64) error {
	if w.win != nil {
		// Readers reach the collective Free only after their gets, so the
		// exposure must outlive it.
		win := w.win
		w.win = nil
		err := win.Free(ctx)
		if w.exposer != nil {
			w.exposer.Withdraw(w.stream.Rank())
		}
		if err != nil {
			return fmt.Errorf("%w: free window: %w", ErrIO, err)
		}
	}
	if next == 1 {
		if err := w.syncReadPattern(ctx); err != nil {
			return err
		}
	}

	if !w.fixed && w.manifestLocked && w.readersLocked {
		w.fixed = true
		rank := w.stream.Rank()
		w.serve = model.ContributorsFor(w.pattern, rank, w.reads.ByRank)
		w.markerOnly = nil
		if w.isMaster() {
			for reader, reqs := range w.reads.ByRank {
				if len(model.FixedOverlap(w.pattern, reqs)) == 0 {
					w.markerOnly = append(w.markerOnly, reader)
				}
			}
			sort.Ints(w.markerOnly)
		}
		w.log.step("switching to fixed mode", "step", next, "serve", w.serve, "marker_only", w.markerOnly)
	}

	err := comm.Waitall(ctx, w.sends)
	w.sends = nil
	if err != nil {
		return fmt.Errorf("%w: step %d sends: %w", ErrIO, next-1, err)
	}
	return nil
}

func (w *Writer) syncReadPattern(ctx context.Context) error {
	buf, err := w.stream.Bcast(ctx, nil, w.mem.ReaderMaster)
	if err != nil {
		return fmt.Errorf("%w: read pattern broadcast: %w", ErrIO, err)
	}
	rp, err := core.DecodeReadPatterns(buf)
	if err != nil {
		return err
	}
	w.reads = rp
	w.readersLocked = rp.Locked
	w.log.step("read pattern received", "readers_locked", rp.Locked, "readers", len(rp.ByRank))
	return nil
}

// Put appends one block to the step buffer. Array shapes take count
// elements of type t; value shapes take one element, or any number of
// bytes for strings.
func (w *Writer) Put(name string, t core.DataType, shapeID core.ShapeID, shape, start, count core.Dims, data []byte) error {
	if w.closed {
		return ErrClosed
	}
	if !w.stepBegun {
		return ErrStepNotBegun
	}
	size, ok := t.Size()
	if !ok {
		return fmt.Errorf("%w: %q tag %d", kernels.ErrUnknownType, name, uint8(t))
	}

	b := core.Block{
		Name:        name,
		Type:        t,
		ShapeID:     shapeID,
		BufferStart: uint64(len(w.payload)),
		BufferCount: uint64(len(data)),
	}
	switch {
	case shapeID.IsArray():
		if len(start) != 0 && len(start) != len(count) {
			return fmt.Errorf("%w: %q start has %d dims, count %d", kernels.ErrDimMismatch, name, len(start), len(count))
		}
		if shapeID == core.GlobalArray && len(shape) != len(count) {
			return fmt.Errorf("%w: %q shape has %d dims, count %d", kernels.ErrDimMismatch, name, len(shape), len(count))
		}
		if want, _ := core.PayloadSize(t, count); uint64(len(data)) != want {
			return fmt.Errorf("%w: %q has %d bytes, box needs %d", kernels.ErrShortBuffer, name, len(data), want)
		}
		b.Shape, b.Start, b.Count = shape.Clone(), start.Clone(), count.Clone()
	case shapeID.IsValue():
		if t != core.TypeString && len(data) != size {
			return fmt.Errorf("%w: %q value has %d bytes, %v needs %d", kernels.ErrShortBuffer, name, len(data), t, size)
		}
		b.Value = append([]byte(nil), data...)
	default:
		return fmt.Errorf("runtime: %q has shape %v", name, shapeID)
	}

	w.blocks = append(w.blocks, b)
	w.payload = append(w.payload, data...)
	return nil
}

// PutArray publishes a typed array block. A nil shape publishes a local
// array.
func PutArray[T core.Element](w *Writer, name string, shape, start, count core.Dims, data []T) error {
	id := core.GlobalArray
	if shape == nil {
		id = core.LocalArray
	}
	return w.Put(name, core.TypeOf[T](), id, shape, start, count, core.AsBytes(data))
}

// PutValue publishes a global value.
func PutValue[T core.Element](w *Writer, name string, v T) error {
	return w.Put(name, core.TypeOf[T](), core.GlobalValue, nil, nil, nil, core.AsBytes(unsafe.Slice(&v, 1)))
}

// PutString publishes a global string value.
func (w *Writer) PutString(name, v string) error {
	return w.Put(name, core.TypeString, core.GlobalValue, nil, nil, nil, []byte(v))
}

// EndStep publishes the step. A flexible step aggregates and broadcasts the
// write pattern and exposes the buffer; a fixed step sends it to the
// readers this rank serves.
func (w *Writer) EndStep(ctx context.Context) error {
	if w.closed {
		return ErrClosed
	}
	if !w.stepBegun {
		return ErrStepNotBegun
	}
	w.stepBegun = false

	if w.fixed {
		if err := w.checkLayout(); err != nil {
			return err
		}
		w.stats.fixed.Add(1)
		w.sendFixed(core.MarkerContinue)
		w.log.step("end step", "step", w.step, "mode", "fixed", "bytes", len(w.payload))
		return nil
	}

	rank := w.stream.Rank()
	local, err := core.SerializeWritePattern(w.blocks, rank, w.defsLocked)
	if err != nil {
		return err
	}
	locals, err := w.mem.WriterComm.Allgather(ctx, local)
	if err != nil {
		return fmt.Errorf("%w: write pattern gather: %w", ErrIO, err)
	}
	var buf []byte
	if w.isMaster() {
		if buf, err = core.AggregateWritePatterns(locals); err != nil {
			return err
		}
	}
	if buf, err = w.stream.Bcast(ctx, buf, w.mem.WriterMaster); err != nil {
		return fmt.Errorf("%w: manifest broadcast: %w", ErrIO, err)
	}
	w.stats.manifests.Add(1)
	m, err := core.DecodeManifest(buf, w.stream.Size())
	if err != nil {
		return err
	}
	w.pattern = m.Pattern
	w.manifestLocked = m.Locked
	w.log.pattern("write pattern", "step", w.step, "locked", m.Locked, "pattern", w.pattern)

	exposed := make([]byte, len(w.payload)+1)
	copy(exposed, w.payload)
	exposed[len(w.payload)] = core.MarkerContinue
	if w.exposer != nil {
		w.exposer.Expose(rank, exposed)
	}
	if w.win, err = w.stream.CreateWindow(ctx, exposed); err != nil {
		return fmt.Errorf("%w: create window: %w", ErrIO, err)
	}
	w.stats.flexible.Add(1)
	w.log.step("end step", "step", w.step, "mode", "flexible", "bytes", len(w.payload))
	return nil
}

// checkLayout compares the step's blocks with the locked pattern. Value
// contents may change; names, shapes and offsets may not.
func (w *Writer) checkLayout() error {
	locked := w.pattern[w.stream.Rank()]
	if len(locked) != len(w.blocks) {
		return fmt.Errorf("%w: %d blocks, locked %d", ErrDefinitionsChanged, len(w.blocks), len(locked))
	}
	for i := range locked {
		a, b := &locked[i], &w.blocks[i]
		if a.Name != b.Name || a.Type != b.Type || a.ShapeID != b.ShapeID ||
			!a.Shape.Equal(b.Shape) || !a.Start.Equal(b.Start) || !a.Count.Equal(b.Count) ||
			a.BufferStart != b.BufferStart || a.BufferCount != b.BufferCount {
			return fmt.Errorf("%w: block %d %q", ErrDefinitionsChanged, i, b.Name)
		}
	}
	return nil
}

// sendFixed pushes payload ++ [marker] to every served reader.
func (w *Writer) sendFixed(marker byte) {
	seg := make([]byte, len(w.payload)+1)
	copy(seg, w.payload)
	seg[len(w.payload)] = marker
	for _, reader := range w.serve {
		w.sends = append(w.sends, w.stream.Isend(seg, reader, tagData))
		w.stats.sends.Add(1)
		w.stats.sent.Add(int64(len(seg)))
	}
	for _, reader := range w.markerOnly {
		w.sends = append(w.sends, w.stream.Isend([]byte{marker}, reader, tagMarker))
		w.stats.sends.Add(1)
		w.stats.sent.Add(1)
	}
}

// Close ends an open step and signals the end of the stream: a final
// marker in fixed mode, the end-of-stream manifest otherwise.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return ErrClosed
	}
	var err error
	if w.stepBegun {
		err = w.EndStep(ctx)
	}
	if err == nil {
		err = w.finish(ctx)
	}
	if w.exposer != nil {
		w.exposer.Withdraw(w.stream.Rank())
	}
	w.closed = true
	w.log.step("closed", "step", w.step, "stats", w.Stats())
	return err
}

func (w *Writer) finish(ctx context.Context) error {
	if w.step >= 0 {
		if err := w.transition(ctx, w.step+1); err != nil {
			return err
		}
	}
	if w.fixed {
		w.sendFixed(core.MarkerFinal)
		err := comm.Waitall(ctx, w.sends)
		w.sends = nil
		if err != nil {
			return fmt.Errorf("%w: final sends: %w", ErrIO, err)
		}
		return nil
	}

	var eos []byte
	if w.isMaster() {
		eos = core.EndOfStreamManifest()
	}
	if _, err := w.stream.Bcast(ctx, eos, w.mem.WriterMaster); err != nil {
		return fmt.Errorf("%w: end of stream broadcast: %w", ErrIO, err)
	}
	w.stats.manifests.Add(1)
	return nil
}
