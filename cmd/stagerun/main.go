package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"

	"github.com/sbl8/stagestream/config"
	"github.com/sbl8/stagestream/demo"
)

func main() {
	var (
		cfgPath   = flag.String("config", "", "Run file (YAML or engine parameters); defaults are used when empty")
		locked    = flag.Bool("locked", false, "Lock definitions and selections so later steps run fixed")
		threading = flag.Bool("threading", false, "Negotiate the next flexible step in the background")
		remote    = flag.Bool("remote", false, "Serve reader gets through the gRPC window service")
		steps     = flag.Int("steps", 0, "Override the number of steps")
		verbose   = flag.Int("verbose", -1, "Override the engine verbosity (5 steps, 20 patterns)")
		version   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("stagerun - stagestream in-process runner v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	f := config.DefaultFile()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("Failed to load run file: %v", err)
		}
		f = *loaded
	}
	if *threading {
		f.Engine.Threading = true
	}
	if *remote {
		f.Stream.Remote = true
	}
	if *steps > 0 {
		f.Stream.Steps = *steps
	}
	if *verbose >= 0 {
		f.Engine.Verbose = *verbose
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s := f.Stream
	fmt.Printf("Stream %q: %d writers, %d readers, %d steps, %d elements per writer\n",
		s.Name, s.Writers, s.Readers, s.Steps, s.Elements)

	res, err := demo.Run(ctx, f, demo.Options{
		Locked: *locked,
		Logger: config.NewLogger(os.Stderr, f.Engine.Verbose),
	})
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	fmt.Printf("Delivered %d bytes over %d steps in %v (%.2f MB/s)\n",
		res.Bytes, res.Steps, res.Elapsed, res.Throughput()/1e6)
	for i, st := range res.Readers {
		fmt.Printf("  reader %d: flexible=%d fixed=%d fetches=%d fetched=%dB receives=%d skipped=%d resizes=%d\n",
			i, st.FlexibleSteps, st.FixedSteps, st.Fetches, st.BytesFetched,
			st.ReceivesPosted, st.SkippedVariables, st.ArenaResizes)
	}
	for i, st := range res.Writers {
		fmt.Printf("  writer %d: flexible=%d fixed=%d manifests=%d sends=%d sent=%dB\n",
			i, st.FlexibleSteps, st.FixedSteps, st.ManifestBroadcasts, st.Sends, st.BytesSent)
	}
}
