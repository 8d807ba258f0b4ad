// Command eclipt-fuzz runs the AFL-style coverage-guided fuzzing loop
// against one instrumented target.
//
// Usage:
//
//	eclipt-fuzz --out work --seeds corpus/ [flags] -- ./put @@
package main

import (
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"

	"github.com/eclipt-fuzz/eclipt/internal/afl"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/minimize"
	"github.com/eclipt-fuzz/eclipt/internal/mutator"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

func main() {
	var (
		outDir    string
		seedsDir  string
		importDir string
		dictFiles []string
		strict    bool

		timeoutMS uint32
		hangMS    uint32
		useStdin  bool

		skipDet   bool
		longCal   bool
		masterID  uint32
		masterMax uint32

		cycles     uint64
		seed       int64
		persistent bool
		statsEvery time.Duration

		minimizeIn  string
		minimizeOut string
		minBudget   time.Duration
	)

	flag.StringVar(&outDir, "out", "", "work directory (queue/, crashes/, hangs/)")
	flag.StringVar(&seedsDir, "seeds", "", "directory of initial inputs, one file each")
	flag.StringVar(&importDir, "import-dir", "", "watch this directory for externally dropped seeds")
	flag.StringArrayVar(&dictFiles, "dict", nil, "dictionary file (repeatable, name@NN selects a level)")
	flag.BoolVar(&strict, "strict-dict", false, "abort on dictionary parse errors")
	flag.Uint32Var(&timeoutMS, "timeout-ms", 1000, "per-run execution timeout")
	flag.Uint32Var(&hangMS, "hang-timeout-ms", 0, "maximum tolerable timeout for hang confirmation (0 = same)")
	flag.BoolVar(&useStdin, "stdin", false, "feed the input via stdin instead of @@")
	flag.BoolVar(&skipDet, "skip-det", false, "skip the deterministic stages")
	flag.BoolVar(&longCal, "long-calibration", false, "run 40 calibration cycles instead of 8")
	flag.Uint32Var(&masterID, "master-id", 0, "1-based id of this master instance")
	flag.Uint32Var(&masterMax, "master-max", 0, "total master instances sharding deterministic work")
	flag.Uint64Var(&cycles, "cycles", 0, "stop after this many queue cycles (0 = run until interrupted)")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = time)")
	flag.BoolVar(&persistent, "persistent", true, "keep admitted inputs as files under queue/")
	flag.DurationVar(&statsEvery, "stats-every", 30*time.Second, "progress report interval")
	flag.StringVar(&minimizeIn, "minimize", "", "minimize a crashing input from this file and exit")
	flag.StringVar(&minimizeOut, "minimize-out", "", "destination for the minimized input")
	flag.DurationVar(&minBudget, "minimize-budget", 10*time.Second, "time budget for minimization")

	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	_ = goflag.CommandLine.Parse(nil)
	defer glog.Flush()

	argv := flag.Args()
	if outDir == "" || len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: eclipt-fuzz --out DIR --seeds DIR [flags] -- ./put [args|@@]")
		os.Exit(2)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if hangMS == 0 {
		hangMS = timeoutMS
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

	if minimizeIn != "" {
		if minimizeOut == "" {
			glog.Exit("--minimize requires --minimize-out")
		}

		b, err := os.ReadFile(minimizeIn)
		if err != nil {
			glog.Exitf("minimize input: %v", err)
		}

		out, err := minimize.Run(exec, b, rng.NewStream(seed, 1),
			minimize.Options{TimeoutMS: timeoutMS, Budget: minBudget})
		if err != nil {
			glog.Exitf("minimize: %v", err)
		}

		if err := os.WriteFile(minimizeOut, out, 0o644); err != nil {
			glog.Exitf("minimize output: %v", err)
		}

		glog.Infof("minimized %d -> %d bytes", len(b), len(out))

		return
	}

	extras := &dict.Dictionary{}
	for _, df := range dictFiles {
		if err := dict.LoadFile(df, extras, strict, func(msg string) {
			glog.Warningf("dictionary %s: %s", df, msg)
		}); err != nil {
			glog.Fatalf("dictionary %s: %v", df, err)
		}
	}
	glog.Infof("loaded %d dictionary tokens", extras.Len())

	opts := afl.DefaultOptions()
	opts.TimeoutMS = timeoutMS
	opts.HangTimeoutMS = hangMS
	opts.LongCalibration = longCal
	opts.SkipDeterministic = skipDet
	opts.MasterID = masterID
	opts.MasterMax = masterMax
	opts.Persistent = persistent

	state := afl.NewState(opts, rng.NewStream(seed, 0), c, exec,
		extras, dict.NewAuto(mutator.Interesting16, mutator.Interesting32))

	if err := loadSeeds(state, seedsDir); err != nil {
		glog.Fatalf("seeds: %v", err)
	}

	var watcher *corpus.Watcher
	if importDir != "" {
		watcher, err = corpus.NewWatcher(importDir)
		if err != nil {
			glog.Fatalf("import dir: %v", err)
		}
		defer watcher.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		glog.Info("interrupted, finishing the current stage")
		state.Stop()
	}()

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(statsEvery)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				st := state.Snapshot()
				glog.Infof("cycle %d execs %d queued %d favored %d crashes %d hangs %d auto-tokens %d",
					st.QueueCycle, st.TotalExecs, st.Queued, st.Favored,
					st.UniqueCrashes, st.UniqueHangs, st.AutoTokens)
			case <-done:
				return
			}
		}
	}()

	start := time.Now()
	err = state.Loop(cycles, watcher)
	close(done)

	if err != nil {
		glog.Exitf("fuzzing aborted: %v", err)
	}

	if state.PersistAutos.Len() > 0 {
		path := filepath.Join(outDir, "auto_dict")
		if err := state.PersistAutos.Save(path); err != nil {
			glog.Warningf("auto dictionary not saved: %v", err)
		}
	}

	st := state.Snapshot()
	elapsed := time.Since(start)
	glog.Infof("done: %d execs in %s (%.0f/s), %d queued, %d crashes, %d hangs",
		st.TotalExecs, elapsed.Truncate(time.Millisecond),
		float64(st.TotalExecs)/elapsed.Seconds(),
		st.Queued, st.UniqueCrashes, st.UniqueHangs)
}

func loadSeeds(state *afl.State, dir string) error {
	if dir == "" {
		return state.AddSeed([]byte("eclipt-seed"))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil || len(b) == 0 {
			continue
		}

		if err := state.AddSeed(b); err != nil {
			return err
		}

		n++
	}

	glog.Infof("loaded %d seeds", n)

	if n == 0 {
		return state.AddSeed([]byte("eclipt-seed"))
	}

	return nil
}
