// Command eclipt-libfuzzer runs the libFuzzer-style loop with entropic
// seed scheduling against one instrumented target.
//
// Usage:
//
//	eclipt-libfuzzer --out work seeds/ [flags] -- ./put @@
package main

import (
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"

	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/libfuzzer"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

func main() {
	var (
		outDir    string
		dictFiles []string
		useStdin  bool
		seed      int64
		runs      uint64

		entropic      bool
		shrink        bool
		reduceInputs  bool
		scaleExecTime bool
		mutDepth      int
		lenControl    int
		maxLen        int
		timeoutMS     uint32
	)

	flag.StringVar(&outDir, "out", "", "work directory for admitted inputs and crash units")
	flag.StringArrayVar(&dictFiles, "dict", nil, "dictionary file (repeatable)")
	flag.BoolVar(&useStdin, "stdin", false, "feed the input via stdin instead of @@")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = time)")
	flag.Uint64Var(&runs, "runs", 0, "stop after this many executions (0 = until interrupted)")
	flag.BoolVar(&entropic, "entropic", true, "schedule seeds by entropic energy")
	flag.BoolVar(&shrink, "shrink", false, "replace corpus entries by shorter equivalents")
	flag.BoolVar(&reduceInputs, "reduce-inputs", true, "accept shorter inputs reproducing a seed's feature set")
	flag.BoolVar(&scaleExecTime, "scale-per-exec-time", false, "scale energy by execution time")
	flag.IntVar(&mutDepth, "mutation-depth", 5, "stacked mutations per selected seed")
	flag.IntVar(&lenControl, "len-control", 100, "length growth dampening (0 = fixed max length)")
	flag.IntVar(&maxLen, "max-len", 4096, "initial maximum input length")
	flag.Uint32Var(&timeoutMS, "timeout-ms", 1000, "per-run execution timeout")

	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	_ = goflag.CommandLine.Parse(nil)
	defer glog.Flush()

	rest := flag.Args()

	// Everything before "--" is seed paths, everything after is the
	// target argv.
	var seedPaths, argv []string
	if dash := flag.CommandLine.ArgsLenAtDash(); dash >= 0 {
		seedPaths = rest[:dash]
		argv = rest[dash:]
	} else {
		argv = rest
	}

	if outDir == "" || len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: eclipt-libfuzzer --out DIR [flags] seeds... -- ./put [args|@@]")
		os.Exit(2)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	c, err := corpus.New(outDir)
	if err != nil {
		glog.Fatalf("work directory: %v", err)
	}

	exec, err := executor.NewNative(argv, outDir, useStdin)
	if err != nil {
		glog.Fatalf("executor: %v", err)
	}
	defer exec.Close()

	extras := &dict.Dictionary{}
	for _, df := range dictFiles {
		if err := dict.LoadFile(df, extras, false, func(msg string) {
			glog.Warningf("dictionary %s: %s", df, msg)
		}); err != nil {
			glog.Fatalf("dictionary %s: %v", df, err)
		}
	}

	cfg := libfuzzer.DefaultConfig()
	cfg.Entropic = entropic
	cfg.Shrink = shrink
	cfg.ReduceInputs = reduceInputs
	cfg.ScalePerExecTime = scaleExecTime
	cfg.MutationDepth = mutDepth
	cfg.LenControl = lenControl
	cfg.MaxLen = maxLen
	cfg.TimeoutMS = timeoutMS

	state := libfuzzer.NewState(cfg, rng.NewStream(seed, 0), c, exec)

	n := 0
	for _, p := range seedPaths {
		n += loadSeedPath(state, p)
	}
	glog.Infof("seeded %d inputs, %d admitted", n, c.Count())

	if c.Count() == 0 {
		if err := state.AddSeed([]byte{0}, true); err != nil {
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
	if err := state.Run(runs, extras, stopped.Load); err != nil {
		glog.Exitf("fuzzing aborted: %v", err)
	}

	elapsed := time.Since(start)
	glog.Infof("done: %d runs in %s (%.0f/s), corpus %d, crashes %d, max_len %d, rare features %d",
		state.Runs(), elapsed.Truncate(time.Millisecond),
		float64(state.Runs())/elapsed.Seconds(),
		c.Count(), state.TotalCrashes, state.MaxLen(), state.RareFeatureCount())
}

func loadSeedPath(state *libfuzzer.State, path string) int {
	st, err := os.Stat(path)
	if err != nil {
		glog.Warningf("seed path %s: %v", path, err)
		return 0
	}

	if !st.IsDir() {
		if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
			if err := state.AddSeed(b, false); err != nil {
				glog.Warningf("seed %s: %v", path, err)
				return 0
			}

			return 1
		}

		return 0
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		glog.Warningf("seed dir %s: %v", path, err)
		return 0
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		n += loadSeedPath(state, filepath.Join(path, e.Name()))
	}

	return n
}
