// Package stagestream implements a staged in-memory streaming transport
// between a group of writer ranks and a group of reader ranks.
//
// Writers publish time-stepped arrays and values; readers select sub-boxes
// of them. Each step the engines match selections against the writers'
// manifests and move only the overlapping bytes with one-sided gets. Once
// both sides lock their definitions and selections, later steps skip the
// negotiation and stream with pre-posted point-to-point receives.
//
// # Architecture Overview
//
//   - core: blocks, element types, the write manifest and read pattern codecs
//   - kernels: N-d strided copy and typed value decoding
//   - model: overlap matching and receive buffer positions
//   - comm: MPI-shaped communicators, windows and the stream handshake
//   - rpcwin: gRPC window service for gets across processes
//   - config: engine parameters, run files and logging
//   - runtime: the Reader and Writer step engines and the receive arena
//   - demo: a whole stream topology run inside one process
//   - cmd: command-line tools (stagecfg, stagerun, stageperf)
//
// # Basic Usage
//
//	f := comm.NewFabric()
//	w, err := runtime.OpenWriter(ctx, f, "sim", writerComm, runtime.Options{})
//	...
//	r, err := runtime.OpenReader(ctx, f, "sim", readerComm, runtime.Options{})
//	for {
//	    st, err := r.BeginStep(ctx)
//	    if err != nil || st == core.StepEndOfStream {
//	        break
//	    }
//	    runtime.GetArray(r, "field", start, count, dst)
//	    r.EndStep(ctx)
//	}
//	r.Close(ctx)
package stagestream
