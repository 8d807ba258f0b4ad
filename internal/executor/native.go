package executor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
)

// Tracer environment. The instrumented PUT reads these to decide where
// to log edges and whether a fork server is expected.
const (
	EnvBranchLog   = "ECL_BRANCH_LOG"
	EnvCoverageLog = "ECL_COVERAGE_LOG"
	EnvBitmapLog   = "ECL_BITMAP_LOG"
	EnvForkServer  = "ECL_FORK_SERVER"
	EnvBranchAddr  = "ECL_BRANCH_ADDR"
	EnvBranchIdx   = "ECL_BRANCH_IDX"
	EnvMeasureCov  = "ECL_MEASURE_COV"
)

// maxStdout bounds how much PUT output is retained per run; the
// differential driver only hashes it.
const maxStdout = 1 << 20

var errNoArgv = errors.New("executor: empty argv")

// Native runs an instrumented PUT as a child process. The input
// travels through a scratch file (or stdin), the coverage comes back
// through the bitmap log file declared in the environment.
type Native struct {
	argv     []string
	workDir  string
	useStdin bool

	inputPath  string
	bitmapPath string

	trace  []byte // reused across runs; Results borrow it
	stdout bytes.Buffer
}

// NewNative prepares a native executor. workDir receives the scratch
// input file and the tracer logs. When useStdin is false the string
// "@@" in argv is replaced by the input path.
func NewNative(argv []string, workDir string, useStdin bool) (*Native, error) {
	if len(argv) == 0 {
		return nil, errNoArgv
	}

	n := &Native{
		argv:       argv,
		workDir:    workDir,
		useStdin:   useStdin,
		inputPath:  filepath.Join(workDir, "cur_input"),
		bitmapPath: filepath.Join(workDir, ".bitmap"),
		trace:      make([]byte, bitmap.MapSize),
	}

	// The bitmap log is truncated to MAP_SIZE up front so a PUT that
	// never starts still yields a readable, all-zero trace.
	if err := os.WriteFile(n.bitmapPath, make([]byte, bitmap.MapSize), 0o644); err != nil {
		return nil, fmt.Errorf("init bitmap log: %w", err)
	}

	return n, nil
}

// Run executes the PUT once. Crashes and timeouts are reported in the
// Result, never as errors; a non-nil error means the campaign cannot
// continue.
func (n *Native) Run(input []byte, timeoutMS uint32) (Result, error) {
	if err := os.WriteFile(n.inputPath, input, 0o600); err != nil {
		return Result{Reason: ExitError}, fmt.Errorf("write input: %w", err)
	}

	// Reset the trace so a crashing PUT leaves a partial, not stale,
	// bitmap.
	if err := os.WriteFile(n.bitmapPath, make([]byte, bitmap.MapSize), 0o644); err != nil {
		return Result{Reason: ExitError}, fmt.Errorf("reset bitmap log: %w", err)
	}

	argv := make([]string, len(n.argv))
	for i, a := range n.argv {
		if a == "@@" {
			a = n.inputPath
		}

		argv[i] = a
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		EnvBranchLog+"="+filepath.Join(n.workDir, ".branch"),
		EnvCoverageLog+"="+filepath.Join(n.workDir, ".coverage"),
		EnvBitmapLog+"="+n.bitmapPath,
		EnvForkServer+"=0",
		EnvMeasureCov+"=1",
	)

	// Own process group so a timeout kill reaps the whole PUT tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if n.useStdin {
		cmd.Stdin = bytes.NewReader(input)
	}

	n.stdout.Reset()
	cmd.Stdout = &limitWriter{w: &n.stdout, n: maxStdout}

	if err := cmd.Start(); err != nil {
		return Result{Reason: ExitError}, fmt.Errorf("spawn put: %w", err)
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(time.Duration(timeoutMS)*time.Millisecond, func() {
		timedOut.Store(true)
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	})

	runErr := cmd.Wait()
	timer.Stop()

	res := Result{Reason: ExitNone, Stdout: n.stdout.Bytes()}

	switch {
	case timedOut.Load():
		res.Reason = ExitTimeout
	case runErr == nil:
		res.Reason = ExitNone
	default:
		var ee *exec.ExitError
		if !errors.As(runErr, &ee) {
			return Result{Reason: ExitError}, fmt.Errorf("wait put: %w", runErr)
		}

		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Reason = ExitCrash
			res.Signal = int(ws.Signal())
		} else {
			// Non-zero exits are normal terminations as far as the
			// engine is concerned.
			res.Reason = ExitNone
		}
	}

	trace, err := os.ReadFile(n.bitmapPath)
	if err != nil {
		return Result{Reason: ExitError}, fmt.Errorf("read bitmap log: %w", err)
	}

	copy(n.trace, trace)
	for i := len(trace); i < len(n.trace); i++ {
		n.trace[i] = 0
	}

	res.Trace = n.trace

	return res, nil
}

// Close removes the scratch files.
func (n *Native) Close() error {
	err1 := os.Remove(n.inputPath)
	err2 := os.Remove(n.bitmapPath)
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}

	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}

	return nil
}

type limitWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.w.Len() < l.n {
		room := l.n - l.w.Len()
		if len(p) > room {
			l.w.Write(p[:room])
		} else {
			l.w.Write(p)
		}
	}

	// Pretend everything was consumed so the PUT never blocks.
	return len(p), nil
}
