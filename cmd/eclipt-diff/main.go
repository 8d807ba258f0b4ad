// Command eclipt-diff fuzzes N independently instrumented variants of
// a program with the same inputs and records inputs on which their
// behaviour diverges.
//
// Usage:
//
//	eclipt-diff --out work --target "./put-v1 @@" --target "./put-v2 @@" seeds/
package main

import (
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"

	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/diffdrv"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

func main() {
	var (
		outDir    string
		targets   []string
		useOutput bool
		useStdin  bool
		runs      uint64
		seed      int64
		timeoutMS uint32
	)

	flag.StringVar(&outDir, "out", "", "work directory for seeds and diff_ solutions")
	flag.StringArrayVar(&targets, "target", nil, "target command line (repeatable, at least twice)")
	flag.BoolVar(&useOutput, "use-output", false, "key solutions on stdout hashes instead of exit statuses")
	flag.BoolVar(&useStdin, "stdin", false, "feed the input via stdin instead of @@")
	flag.Uint64Var(&runs, "runs", 0, "stop after this many fan-out executions (0 = until interrupted)")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = time)")
	flag.Uint32Var(&timeoutMS, "timeout-ms", 1000, "per-run execution timeout")

	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	_ = goflag.CommandLine.Parse(nil)
	defer glog.Flush()

	if outDir == "" || len(targets) < 2 {
		fmt.Fprintln(os.Stderr, "usage: eclipt-diff --out DIR --target CMD --target CMD [seeds...]")
		os.Exit(2)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	c, err := corpus.New(outDir)
	if err != nil {
		glog.Fatalf("work directory: %v", err)
	}

	execs := make([]executor.Executor, 0, len(targets))
	for i, tgt := range targets {
		argv := strings.Fields(tgt)
		if len(argv) == 0 {
			glog.Fatalf("target %d: empty command", i)
		}

		workDir := filepath.Join(outDir, fmt.Sprintf("target_%d", i))
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			glog.Fatalf("target %d: %v", i, err)
		}

		ex, err := executor.NewNative(argv, workDir, useStdin)
		if err != nil {
			glog.Fatalf("target %d: %v", i, err)
		}
		defer ex.Close()

		execs = append(execs, ex)
	}

	mode := diffdrv.ModeStatus
	if useOutput {
		mode = diffdrv.ModeOutput
	}

	driver, err := diffdrv.New(execs, c, mode, timeoutMS)
	if err != nil {
		glog.Fatalf("driver: %v", err)
	}

	fuzzer := &diffdrv.Fuzzer{Driver: driver, R: rng.NewStream(seed, 0)}

	seeded := 0
	for _, dir := range flag.Args() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			glog.Warningf("seed dir %s: %v", dir, err)
			continue
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}

			b, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil || len(b) == 0 {
				continue
			}

			if _, err := fuzzer.AddSeed(b); err != nil {
				glog.Fatalf("seed %s: %v", e.Name(), err)
			}

			seeded++
		}
	}

	if seeded == 0 {
		if _, err := fuzzer.AddSeed([]byte("eclipt-diff-seed")); err != nil {
			glog.Fatalf("synthetic seed: %v", err)
		}
	}

	var stopped atomic.Bool
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		glog.Info("interrupted")
		stopped.Store(true)
	}()

	start := time.Now()
	if err := fuzzer.Loop(runs, stopped.Load); err != nil {
		glog.Exitf("differential fuzzing aborted: %v", err)
	}

	elapsed := time.Since(start)
	glog.Infof("done: %d fan-outs in %s, %d difference solutions, corpus %d",
		fuzzer.Runs, elapsed.Truncate(time.Millisecond), driver.Solutions, c.Count())
}
