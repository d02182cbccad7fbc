package runtime

import (
	"context"
	"errors"
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

// Variable is a registry entry built from the current write pattern.
// Min, Max and Value are set for value shapes only.
type Variable struct {
	Name    string
	Type    core.DataType
	ShapeID core.ShapeID
	Shape   core.Dims
	Blocks  int
	Min     core.Value
	Max     core.Value
	Value   core.Value
}

func (v *Variable) observe(val core.Value) {
	if !v.Value.IsValid() {
		v.Min, v.Max, v.Value = val, val, val
		return
	}
	v.Value = val
	f, ok := val.Float64()
	if !ok {
		v.Min, v.Max = val, val
		return
	}
	if lo, _ := v.Min.Float64(); f < lo {
		v.Min = val
	}
	if hi, _ := v.Max.Float64(); f > hi {
		v.Max = val
	}
}

// Reader is the reading side of a stream.
type Reader struct {
	id         uuid.UUID
	name       string
	params     config.Params
	log        engineLog
	mem        *comm.Membership
	stream     comm.Comm
	openWindow WindowOpener

	step      int64
	stepBegun bool
	closed    bool
	fixed     bool
	status    core.StepStatus

	writerLocked     bool
	readersLocked    bool
	selectionsLocked bool

	raw     model.GlobalWritePattern // as decoded from the manifest
	pattern model.GlobalWritePattern // rebased into the arena
	posMap  model.RankPosMap
	fetched bool
	arena   *Arena
	win     comm.Window
	recvs   []comm.Request
	marker  []byte

	requests []core.ReadRequest
	vars     map[string]*Variable

	task   *stepTask
	bg     context.Context
	cancel context.CancelFunc
	stats  stepCounters
}

// OpenReader attaches local, the caller's member of the readers' local
// communicator, to the named stream.
func OpenReader(ctx context.Context, hs Handshaker, name string, local comm.Comm, opts Options) (*Reader, error) {
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	mem, err := hs.Handshake(ctx, name, comm.RoleReader, local, opts.Params.OpenTimeout())
	if err != nil {
		return nil, fmt.Errorf("open reader %q: %w", name, err)
	}

	r := &Reader{
		id:         uuid.New(),
		name:       name,
		params:     opts.Params,
		mem:        mem,
		stream:     mem.StreamComm,
		openWindow: opts.WindowOpener,
		step:       -1,
		arena:      NewArena(),
		marker:     make([]byte, 1),
		vars:       make(map[string]*Variable),
	}
	r.log = engineLog{
		Logger: opts.logger().With("component", "reader", "engine", r.id.String(),
			"stream", name, "rank", r.stream.Rank()),
		verbose: opts.Params.Verbose,
	}
	r.bg, r.cancel = context.WithCancel(context.Background())
	r.log.step("opened", "writers", mem.Writers(), "writer_master", mem.WriterMaster,
		"reader_master", mem.ReaderMaster)
	return r, nil
}

// ID is the engine instance id carried in logs and stats.
func (r *Reader) ID() uuid.UUID { return r.id }

// CurrentStep returns the index of the current or last step, -1 before the
// first BeginStep.
func (r *Reader) CurrentStep() int64 { return r.step }

// Stats returns a snapshot of the reader's counters.
func (r *Reader) Stats() StepStats { return r.stats.snapshot(r.id) }

// LockReaderSelections promises that every step requests the same
// selections as the first one. It must be called before the first EndStep
// to take effect.
func (r *Reader) LockReaderSelections() { r.selectionsLocked = true }

// BeginStep advances to the next step. It returns core.StepEndOfStream once
// the writers closed the stream.
func (r *Reader) BeginStep(ctx context.Context) (core.StepStatus, error) {
	if r.closed {
		return core.StepNotReady, ErrClosed
	}
	if r.stepBegun {
		return core.StepNotReady, ErrStepBegun
	}

	// The background task owns the negotiated state until it is joined.
	var negotiated bool
	var err error
	if r.task != nil {
		var done bool
		if done, err = r.task.join(ctx); !done {
			return core.StepNotReady, err
		}
		r.task = nil
		negotiated = true
	}
	if !negotiated && r.status == core.StepEndOfStream {
		return core.StepEndOfStream, nil
	}

	r.step++
	r.requests = nil
	if r.fixed {
		return r.beginStepFixed(ctx)
	}

	if !negotiated {
		err = r.beginStepFlexible(ctx)
	}
	if err != nil {
		return core.StepNotReady, fmt.Errorf("begin step %d: %w", r.step, err)
	}
	if r.status == core.StepEndOfStream {
		r.log.step("end of stream", "step", r.step, "mode", "flexible")
		return core.StepEndOfStream, nil
	}

	r.stats.flexible.Add(1)
	r.registerVariables(r.raw)
	r.stepBegun = true
	r.log.step("begin step", "step", r.step, "mode", "flexible", "writer_locked", r.writerLocked)
	return core.StepOK, nil
}

// beginStepFlexible receives the step's manifest and opens the window.
// It runs either inline or on the background task.
func (r *Reader) beginStepFlexible(ctx context.Context) error {
	r.posMap = nil
	r.fetched = false
	r.pattern = nil

	buf, err := r.stream.Bcast(ctx, nil, r.mem.WriterMaster)
	if err != nil {
		return fmt.Errorf("%w: manifest broadcast: %w", ErrIO, err)
	}
	r.stats.manifests.Add(1)

	m, err := core.DecodeManifest(buf, r.stream.Size())
	if err != nil {
		return err
	}
	if m.EndOfStream {
		r.status = core.StepEndOfStream
		return nil
	}
	r.writerLocked = m.Locked
	r.raw = m.Pattern
	if err := r.raw.Validate(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrCorruptManifest, err)
	}
	r.log.pattern("write pattern", "step", r.step, "locked", m.Locked, "pattern", r.raw)

	open := r.openWindow
	if open == nil {
		open = func(ctx context.Context, c comm.Comm) (comm.Window, error) {
			return c.CreateWindow(ctx, nil)
		}
	}
	if r.win, err = open(ctx, r.stream); err != nil {
		return fmt.Errorf("%w: open window: %w", ErrIO, err)
	}
	return nil
}

func (r *Reader) beginStepFixed(ctx context.Context) (core.StepStatus, error) {
	err := comm.Waitall(ctx, r.recvs)
	r.recvs = nil
	if err != nil {
		return core.StepNotReady, fmt.Errorf("%w: step %d receives: %w", ErrIO, r.step, err)
	}
	marker := r.marker[0]
	if len(r.posMap) > 0 {
		marker, _ = r.arena.Marker(r.posMap[0].Rank)
	}
	if marker == core.MarkerFinal {
		r.status = core.StepEndOfStream
		r.log.step("end of stream", "step", r.step, "mode", "fixed")
		return core.StepEndOfStream, nil
	}

	r.stats.fixed.Add(1)
	r.refreshValues()
	r.stepBegun = true
	r.log.step("begin step", "step", r.step, "mode", "fixed")
	return core.StepOK, nil
}

// registerVariables rebuilds the registry from a decoded pattern. A
// variable with an unknown element type is logged and left out.
func (r *Reader) registerVariables(p model.GlobalWritePattern) {
	vars := make(map[string]*Variable)
	bad := make(map[string]bool)
	for rank, blocks := range p {
		for i := range blocks {
			b := &blocks[i]
			if _, ok := b.Type.Size(); !ok {
				r.log.Error("unknown data type", "variable", b.Name, "type", uint8(b.Type), "writer", rank)
				r.stats.skipped.Add(1)
				bad[b.Name] = true
				continue
			}
			v := vars[b.Name]
			if v == nil {
				v = &Variable{Name: b.Name, Type: b.Type, ShapeID: b.ShapeID, Shape: b.Shape.Clone()}
				vars[b.Name] = v
			} else if v.Type != b.Type || v.ShapeID != b.ShapeID {
				r.log.Error("inconsistent block", "variable", b.Name, "writer", rank,
					"type", b.Type, "want_type", v.Type, "shape", b.ShapeID, "want_shape", v.ShapeID)
				r.stats.skipped.Add(1)
				continue
			}
			v.Blocks++
			if b.ShapeID.IsValue() {
				val, err := kernels.DecodeValue(b.Type, b.Value)
				if err != nil {
					r.log.Error("decode value", "variable", b.Name, "writer", rank, "error", err)
					r.stats.skipped.Add(1)
					continue
				}
				v.observe(val)
			}
		}
	}
	for name := range bad {
		delete(vars, name)
	}
	r.vars = vars
}

// refreshValues re-reads value variables from the segments received in a
// fixed step.
func (r *Reader) refreshValues() {
	seen := make(map[string]bool)
	for _, p := range r.posMap {
		blocks := r.pattern[p.Rank]
		for i := range blocks {
			b := &blocks[i]
			v := r.vars[b.Name]
			if v == nil || !b.ShapeID.IsValue() {
				continue
			}
			src, err := r.arena.ReadAt(b.BufferStart, b.BufferCount)
			if err == nil {
				var val core.Value
				if val, err = kernels.DecodeValue(b.Type, src); err == nil {
					if !seen[b.Name] {
						v.Value = core.Value{}
						seen[b.Name] = true
					}
					v.observe(val)
					continue
				}
			}
			r.log.Error("refresh value", "variable", b.Name, "writer", p.Rank, "error", err)
		}
	}
}

// InquireVariable returns the registry entry for name.
func (r *Reader) InquireVariable(name string) (Variable, bool) {
	v, ok := r.vars[name]
	if !ok {
		return Variable{}, false
	}
	return *v, true
}

// AvailableVariables lists the registry in name order.
func (r *Reader) AvailableVariables() []string {
	names := make([]string, 0, len(r.vars))
	for name := range r.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get declares a deferred read of name into dst. Array reads select the
// box (start, count); a nil count on a global array selects the whole
// shape. Value reads ignore start and count. dst is filled by the next
// PerformGets or EndStep.
func (r *Reader) Get(name string, t core.DataType, start, count core.Dims, dst []byte) error {
	req, err := r.request(name, t, start, count)
	if err != nil {
		return err
	}
	if t == core.TypeString {
		return fmt.Errorf("%w: %q is a string, use GetString", ErrTypeMismatch, name)
	}
	size, _ := t.Size()
	want := uint64(size)
	if len(req.Count) > 0 {
		want *= req.Count.Product()
	}
	if uint64(len(dst)) < want {
		return fmt.Errorf("%w: %q needs %d bytes, have %d", kernels.ErrShortBuffer, name, want, len(dst))
	}
	req.Data = dst
	r.requests = append(r.requests, req)
	return nil
}

// GetString declares a deferred read of a string value.
func (r *Reader) GetString(name string, dst *string) error {
	req, err := r.request(name, core.TypeString, nil, nil)
	if err != nil {
		return err
	}
	req.Str = dst
	r.requests = append(r.requests, req)
	return nil
}

// GetSync reads name immediately.
func (r *Reader) GetSync(ctx context.Context, name string, t core.DataType, start, count core.Dims, dst []byte) error {
	if err := r.Get(name, t, start, count, dst); err != nil {
		return err
	}
	return r.PerformGets(ctx)
}

func (r *Reader) request(name string, t core.DataType, start, count core.Dims) (core.ReadRequest, error) {
	if r.closed {
		return core.ReadRequest{}, ErrClosed
	}
	if !r.stepBegun {
		return core.ReadRequest{}, ErrStepNotBegun
	}
	v, ok := r.vars[name]
	if !ok {
		return core.ReadRequest{}, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	if v.Type != t {
		return core.ReadRequest{}, fmt.Errorf("%w: %q is %v, requested %v", ErrTypeMismatch, name, v.Type, t)
	}

	req := core.ReadRequest{Name: name, Type: t}
	if v.ShapeID.IsArray() {
		if count == nil {
			if v.ShapeID != core.GlobalArray {
				return core.ReadRequest{}, fmt.Errorf("runtime: local array %q needs an explicit count", name)
			}
			start, count = make(core.Dims, len(v.Shape)), v.Shape
		}
		if len(start) != 0 && len(start) != len(count) {
			return core.ReadRequest{}, fmt.Errorf("%w: start has %d dims, count %d", kernels.ErrDimMismatch, len(start), len(count))
		}
		if v.ShapeID == core.GlobalArray && len(count) != len(v.Shape) {
			return core.ReadRequest{}, fmt.Errorf("%w: %q has %d dims, selection %d", kernels.ErrDimMismatch, name, len(v.Shape), len(count))
		}
		req.Start, req.Count = start.Clone(), count.Clone()
	}
	return req, nil
}

// GetArray is Get for a typed destination.
func GetArray[T core.Element](r *Reader, name string, start, count core.Dims, dst []T) error {
	return r.Get(name, core.TypeOf[T](), start, count, core.AsBytes(dst))
}

// GetValue is Get for a single typed value.
func GetValue[T core.Element](r *Reader, name string, dst *T) error {
	return r.Get(name, core.TypeOf[T](), nil, nil, core.AsBytes(unsafe.Slice(dst, 1)))
}

// PerformGets completes every pending Get of the current step. In a
// flexible step it fetches the contributing segments on first use, and
// again only when the set of contributing ranks changes. Calling it twice
// moves no data the second time.
func (r *Reader) PerformGets(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	if !r.stepBegun {
		return ErrStepNotBegun
	}
	if !r.fixed {
		overlap := model.CalculateOverlap(r.raw, r.requests)
		if r.needsFetch(overlap) {
			if err := r.refetch(ctx, overlap); err != nil {
				return err
			}
		}
	}
	r.extract()
	return nil
}

func (r *Reader) needsFetch(overlap model.RankPosMap) bool {
	return !r.fetched || !overlap.SameRanks(r.posMap)
}

func (r *Reader) refetch(ctx context.Context, overlap model.RankPosMap) error {
	r.pattern = r.raw.Clone()
	total := model.CalculatePosition(r.pattern, overlap)
	before := r.arena.Resizes()
	if err := r.arena.Layout(overlap); err != nil {
		return err
	}
	if r.arena.Resizes() != before {
		r.stats.resizes.Add(1)
	}
	r.posMap = overlap
	r.log.pattern("positions", "step", r.step, "ranks", overlap.Ranks(), "bytes", total)

	if len(overlap) > 0 && r.win == nil {
		return fmt.Errorf("%w: step %d has no open window", ErrIO, r.step)
	}
	for _, p := range overlap {
		seg, _ := r.arena.Segment(p.Rank)
		if err := r.fetchSegment(ctx, seg, p.Rank); err != nil {
			return err
		}
		r.stats.fetches.Add(1)
		r.stats.fetched.Add(int64(len(seg)))
	}
	r.fetched = true
	return nil
}

// layoutFixed lays the arena out for the segments fixed steps receive,
// which include every rank publishing a value.
func (r *Reader) layoutFixed() error {
	m := model.FixedOverlap(r.raw, r.requests)
	if r.fetched && m.SameRanks(r.posMap) {
		return nil
	}
	r.pattern = r.raw.Clone()
	model.CalculatePosition(r.pattern, m)
	before := r.arena.Resizes()
	if err := r.arena.Layout(m); err != nil {
		return err
	}
	if r.arena.Resizes() != before {
		r.stats.resizes.Add(1)
	}
	r.posMap = m
	return nil
}

func (r *Reader) fetchSegment(ctx context.Context, seg []byte, rank int) error {
	if err := r.win.Lock(ctx, comm.LockShared, rank); err != nil {
		return fmt.Errorf("%w: lock rank %d: %w", ErrIO, rank, err)
	}
	gerr := r.win.Get(ctx, seg, rank, 0)
	uerr := r.win.Unlock(ctx, rank)
	if gerr != nil {
		return fmt.Errorf("%w: get rank %d: %w", ErrIO, rank, gerr)
	}
	if uerr != nil {
		return fmt.Errorf("%w: unlock rank %d: %w", ErrIO, rank, uerr)
	}
	return nil
}

// extract serves every request not yet performed from the arena.
func (r *Reader) extract() {
	for i := range r.requests {
		req := &r.requests[i]
		if req.Performed {
			continue
		}
	ranks:
		for _, p := range r.posMap {
			blocks := r.pattern[p.Rank]
			for j := range blocks {
				b := &blocks[j]
				if !model.Matches(b, req) {
					continue
				}
				if err := r.extractBlock(b, req); err != nil {
					r.log.Error("extract", "step", r.step, "variable", req.Name, "writer", p.Rank, "error", err)
					r.stats.skipped.Add(1)
					break ranks
				}
			}
		}
		req.Performed = true
	}
}

func (r *Reader) extractBlock(b *core.Block, req *core.ReadRequest) error {
	size, ok := b.Type.Size()
	if !ok {
		return fmt.Errorf("%w: tag %d", kernels.ErrUnknownType, uint8(b.Type))
	}
	if b.Type != req.Type {
		return fmt.Errorf("%w: block is %v, requested %v", ErrTypeMismatch, b.Type, req.Type)
	}
	src, err := r.arena.ReadAt(b.BufferStart, b.BufferCount)
	if err != nil {
		return err
	}
	if b.ShapeID.IsValue() {
		if b.Type == core.TypeString {
			if req.Str != nil {
				*req.Str = string(src)
			}
			return nil
		}
		if len(req.Data) < len(src) {
			return fmt.Errorf("%w: value needs %d bytes", kernels.ErrShortBuffer, len(src))
		}
		copy(req.Data, src)
		return nil
	}
	_, err = kernels.NdCopy(req.Data, kernels.Box{Start: req.Start, Count: req.Count},
		src, kernels.Box{Start: b.Start, Count: b.Count}, size)
	return err
}

// EndStep completes pending gets and prepares the next step: it synchronizes
// the read pattern after the first step, pre-posts receives once both sides
// are locked, and otherwise releases the window, negotiating the next step
// in the background when Threading is set.
func (r *Reader) EndStep(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	if !r.stepBegun {
		return ErrStepNotBegun
	}
	err := r.PerformGets(ctx)
	r.stepBegun = false
	if err != nil {
		return errors.Join(err, r.freeWindow(ctx))
	}

	if r.step == 0 {
		if err := r.freeWindow(ctx); err != nil {
			return err
		}
		if err := r.syncReadPattern(ctx); err != nil {
			return err
		}
	}

	switch {
	case r.writerLocked && r.readersLocked:
		if err := r.freeWindow(ctx); err != nil {
			return err
		}
		if !r.fixed {
			if err := r.layoutFixed(); err != nil {
				return err
			}
			r.log.step("switching to fixed mode", "step", r.step, "ranks", r.posMap.Ranks())
			r.fixed = true
		}
		r.postReceives()
	case r.params.Threading:
		r.task = startTask(r.bg, func(ctx context.Context) error {
			if err := r.freeWindow(ctx); err != nil {
				return err
			}
			return r.beginStepFlexible(ctx)
		})
	default:
		if err := r.freeWindow(ctx); err != nil {
			return err
		}
	}
	r.log.step("end step", "step", r.step)
	return nil
}

// syncReadPattern shares every reader's selections with the writers. The
// aggregated locked flag is true only if every reader locked.
func (r *Reader) syncReadPattern(ctx context.Context) error {
	unlocked := 0
	if !r.selectionsLocked {
		unlocked = 1
	}
	agg, err := r.mem.ReaderComm.AllreduceMax(ctx, unlocked)
	if err != nil {
		return fmt.Errorf("%w: lock vote: %w", ErrIO, err)
	}
	local, err := core.SerializeReadPattern(r.requests, r.stream.Rank())
	if err != nil {
		return err
	}
	locals, err := r.mem.ReaderComm.Allgather(ctx, local)
	if err != nil {
		return fmt.Errorf("%w: read pattern gather: %w", ErrIO, err)
	}

	var buf []byte
	if r.stream.Rank() == r.mem.ReaderMaster {
		buf = core.AggregateReadPatterns(locals, agg == 0)
	}
	if buf, err = r.stream.Bcast(ctx, buf, r.mem.ReaderMaster); err != nil {
		return fmt.Errorf("%w: read pattern broadcast: %w", ErrIO, err)
	}
	rp, err := core.DecodeReadPatterns(buf)
	if err != nil {
		return err
	}
	r.readersLocked = rp.Locked
	r.log.step("read pattern synchronized", "readers_locked", rp.Locked, "readers", len(rp.ByRank))
	return nil
}

func (r *Reader) postReceives() {
	for _, p := range r.posMap {
		seg, _ := r.arena.Segment(p.Rank)
		r.recvs = append(r.recvs, r.stream.Irecv(seg, p.Rank, tagData))
	}
	if len(r.posMap) == 0 {
		r.recvs = append(r.recvs, r.stream.Irecv(r.marker, r.mem.WriterMaster, tagMarker))
	}
	r.stats.receives.Add(int64(len(r.recvs)))
}

// freeWindow releases the step window once. It is a no-op without one.
func (r *Reader) freeWindow(ctx context.Context) error {
	w := r.win
	if w == nil {
		return nil
	}
	r.win = nil
	if err := w.Free(ctx); err != nil {
		return fmt.Errorf("%w: free window: %w", ErrIO, err)
	}
	return nil
}

// Close detaches the reader. If the last step was ended but the end of the
// stream not yet observed, Close consumes one more step so that the writers
// can complete their own Close.
func (r *Reader) Close(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	var errs []error
	switch {
	case r.stepBegun:
		r.stepBegun = false
		errs = append(errs, r.freeWindow(ctx))
	case r.task != nil || r.status != core.StepEndOfStream:
		// BeginStep joins a pending background negotiation.
		if st, err := r.BeginStep(ctx); err != nil {
			errs = append(errs, err)
		} else if st == core.StepOK {
			r.stepBegun = false
			errs = append(errs, r.freeWindow(ctx))
		}
	}

	comm.CancelAll(r.recvs)
	r.recvs = nil
	r.cancel()
	r.closed = true
	r.log.step("closed", "step", r.step, "stats", r.Stats())
	return errors.Join(errs...)
}
