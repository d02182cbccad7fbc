package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/sbl8/stagestream/config"
	"github.com/sbl8/stagestream/demo"
)

var (
	testType = flag.String("test", "all", "Test type: all, flexible, fixed, threading, remote")
	writers  = flag.Int("writers", 4, "Writer ranks")
	readers  = flag.Int("readers", 4, "Reader ranks")
	elements = flag.Int("size", 4096, "float64 elements per writer per step")
	steps    = flag.Int("steps", 200, "Steps per run")
	verbose  = flag.Bool("verbose", false, "Verbose output")
)

type mode struct {
	name      string
	locked    bool
	threading bool
	remote    bool
}

var modes = []mode{
	{name: "flexible"},
	{name: "threading", threading: true},
	{name: "fixed", locked: true},
	{name: "remote", remote: true},
}

func main() {
	flag.Parse()

	fmt.Printf("stagestream Performance Analysis Tool\n")
	fmt.Printf("=====================================\n")
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("CPUs: %d\n", runtime.NumCPU())
	fmt.Printf("Topology: %d writers x %d readers\n", *writers, *readers)
	fmt.Printf("Step Size: %d elements per writer\n", *elements)
	fmt.Printf("Steps: %d\n", *steps)
	fmt.Printf("\n")

	ran := false
	for _, m := range modes {
		if *testType != "all" && *testType != m.name {
			continue
		}
		ran = true
		if err := runMode(m); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", m.name, err)
			os.Exit(1)
		}
	}
	if !ran {
		fmt.Printf("Unknown test type: %s\n", *testType)
		os.Exit(1)
	}
}

func runMode(m mode) error {
	f := config.DefaultFile()
	f.Engine.Threading = m.threading
	f.Stream.Name = "stageperf-" + m.name
	f.Stream.Writers, f.Stream.Readers = *writers, *readers
	f.Stream.Steps, f.Stream.Elements = *steps, *elements
	f.Stream.Remote = m.remote

	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = os.Stderr
		f.Engine.Verbose = config.VerboseSteps
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := demo.Run(ctx, f, demo.Options{
		Locked: m.locked,
		Logger: config.NewLogger(logOut, f.Engine.Verbose),
	})
	if err != nil {
		return err
	}

	perStep := res.Elapsed / time.Duration(max(res.Steps, 1))
	fmt.Printf("%-10s %8v/step  %10.2f MB/s\n", m.name, perStep, res.Throughput()/1e6)
	if *verbose {
		var fetches, receives int64
		for _, st := range res.Readers {
			fetches += st.Fetches
			receives += st.ReceivesPosted
		}
		fmt.Printf("           fetches=%d receives=%d\n", fetches, receives)
	}
	return nil
}
