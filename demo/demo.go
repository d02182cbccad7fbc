// Package demo runs a whole stream topology inside one process.
//
// Every writer publishes its slab of the global 1-D array "field", the step
// index as the value "step" and its name as the string "source". Readers
// split the global array into contiguous partitions, read their partition
// every step and verify every element. The command-line tools drive it.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sbl8/stagestream/comm"
	"github.com/sbl8/stagestream/config"
	"github.com/sbl8/stagestream/core"
	"github.com/sbl8/stagestream/rpcwin"
	"github.com/sbl8/stagestream/runtime"
)

// ErrMismatch is returned when a reader observes data it did not expect.
var ErrMismatch = errors.New("demo: data mismatch")

// Options select the run's mode.
type Options struct {
	// Locked locks writer definitions and reader selections at step 0 so
	// that every later step runs in fixed mode.
	Locked bool
	Logger *slog.Logger
}

// Result summarises a run.
type Result struct {
	Steps   int
	Bytes   int64 // payload bytes delivered to readers
	Elapsed time.Duration
	Writers []runtime.StepStats
	Readers []runtime.StepStats
}

// Throughput is delivered payload bytes per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

// Value is the element every writer publishes at global index idx.
func Value(step, idx int) float64 {
	return float64(step)*1e6 + float64(idx)
}

// Partition returns reader j's share [start, start+count) of n elements.
func Partition(n, readers, j int) (start, count int) {
	base, extra := n/readers, n%readers
	start = j*base + min(j, extra)
	count = base
	if j < extra {
		count++
	}
	return start, count
}

// Run executes f.Stream with f.Engine parameters.
func Run(ctx context.Context, f config.File, opts Options) (*Result, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := f.Stream

	wopts := runtime.Options{Params: f.Engine, Logger: log}
	ropts := wopts
	if s.Remote {
		srv, client, stop, err := serveWindows(log)
		if err != nil {
			return nil, err
		}
		defer stop()
		wopts.Exposer = srv
		ropts.WindowOpener = client.Opener()
	}

	fabric := comm.NewFabric()
	res := &Result{
		Writers: make([]runtime.StepStats, s.Writers),
		Readers: make([]runtime.StepStats, s.Readers),
	}
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	start := time.Now()
	for _, c := range fabric.Group(s.Writers) {
		wg.Add(1)
		go func(c comm.Comm) {
			defer wg.Done()
			w, err := runtime.OpenWriter(ctx, fabric, s.Name, c, wopts)
			if err != nil {
				fail(err)
				return
			}
			if err := write(ctx, w, c.Rank(), s, opts.Locked); err != nil {
				fail(fmt.Errorf("writer %d: %w", c.Rank(), err))
			}
			res.Writers[c.Rank()] = w.Stats()
		}(c)
	}
	for _, c := range fabric.Group(s.Readers) {
		wg.Add(1)
		go func(c comm.Comm) {
			defer wg.Done()
			r, err := runtime.OpenReader(ctx, fabric, s.Name, c, ropts)
			if err != nil {
				fail(err)
				return
			}
			steps, bytes, err := read(ctx, r, c.Rank(), s, opts.Locked)
			if err != nil {
				fail(fmt.Errorf("reader %d: %w", c.Rank(), err))
			}
			mu.Lock()
			res.Steps = max(res.Steps, steps)
			res.Bytes += bytes
			mu.Unlock()
			res.Readers[c.Rank()] = r.Stats()
		}(c)
	}
	wg.Wait()
	res.Elapsed = time.Since(start)
	return res, errors.Join(errs...)
}

func write(ctx context.Context, w *runtime.Writer, rank int, s config.Stream, locked bool) error {
	n := s.Writers * s.Elements
	data := make([]float64, s.Elements)
	source := fmt.Sprintf("writer-%d", rank)
	for step := 0; step < s.Steps; step++ {
		if _, err := w.BeginStep(ctx); err != nil {
			return err
		}
		if locked {
			w.LockWriterDefinitions()
		}
		for i := range data {
			data[i] = Value(step, rank*s.Elements+i)
		}
		err := runtime.PutArray(w, "field", core.Dims{uint64(n)},
			core.Dims{uint64(rank * s.Elements)}, core.Dims{uint64(s.Elements)}, data)
		if err == nil {
			err = runtime.PutValue(w, "step", int64(step))
		}
		if err == nil {
			err = w.PutString("source", source)
		}
		if err != nil {
			return err
		}
		if err := w.EndStep(ctx); err != nil {
			return err
		}
	}
	return w.Close(ctx)
}

func read(ctx context.Context, r *runtime.Reader, rank int, s config.Stream, locked bool) (int, int64, error) {
	if locked {
		r.LockReaderSelections()
	}
	first, count := Partition(s.Writers*s.Elements, s.Readers, rank)
	dst := make([]float64, count)
	var steps int
	var bytes int64
	for {
		st, err := r.BeginStep(ctx)
		if err != nil {
			return steps, bytes, err
		}
		if st == core.StepEndOfStream {
			break
		}
		var step int64
		if err := runtime.GetValue(r, "step", &step); err != nil {
			return steps, bytes, err
		}
		if count > 0 {
			if err := runtime.GetArray(r, "field", core.Dims{uint64(first)}, core.Dims{uint64(count)}, dst); err != nil {
				return steps, bytes, err
			}
		}
		if err := r.EndStep(ctx); err != nil {
			return steps, bytes, err
		}
		if step != int64(steps) {
			return steps, bytes, fmt.Errorf("%w: step value %d at step %d", ErrMismatch, step, steps)
		}
		for i, v := range dst {
			if want := Value(steps, first+i); v != want {
				return steps, bytes, fmt.Errorf("%w: step %d field[%d] = %v, want %v", ErrMismatch, steps, first+i, v, want)
			}
		}
		bytes += int64(8 * count)
		steps++
	}
	return steps, bytes, r.Close(ctx)
}

// serveWindows starts a loopback gRPC window server and a client dialed to
// it.
func serveWindows(log *slog.Logger) (*rpcwin.Server, *rpcwin.Client, func(), error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen: %w", err)
	}
	srv := rpcwin.NewServer(log)
	g := rpcwin.NewGRPCServer(srv)
	go func() {
		if err := g.Serve(lis); err != nil {
			log.Error("window server stopped", "error", err)
		}
	}()
	client, err := rpcwin.Dial(lis.Addr().String())
	if err != nil {
		g.Stop()
		return nil, nil, nil, err
	}
	stop := func() {
		client.Close()
		g.GracefulStop()
	}
	return srv, client, stop, nil
}
