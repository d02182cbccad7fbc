package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/sbl8/stagestream/config"
)

func main() {
	var (
		defaults = flag.Bool("defaults", false, "Print the default run file and exit")
		quiet    = flag.Bool("q", false, "Only validate, do not print the resolved file")
		version  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("stagecfg - stagestream run file checker v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	if *defaults {
		f := config.DefaultFile()
		printFile(&f)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <run.yaml | engine.params>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	f, err := config.Load(args[0])
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
	if *quiet {
		fmt.Printf("%s: ok\n", args[0])
		return
	}
	printFile(f)
}

func printFile(f *config.File) {
	out, err := f.Marshal()
	if err != nil {
		log.Fatalf("failed to render run file: %v", err)
	}
	os.Stdout.Write(out)
}
