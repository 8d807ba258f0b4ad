package executor

import (
	"bytes"
	"os"
	"testing"

	"go.uber.org/goleak"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFuncExecutorFillsTrace(t *testing.T) {
	target := func(input []byte, trace []byte) (ExitReason, int) {
		for _, c := range input {
			trace[int(c)%bitmap.MapSize]++
		}

		return ExitNone, 0
	}

	ex := NewFunc(target, nil)

	res, err := ex.Run([]byte{1, 1, 2}, 1000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Reason != ExitNone {
		t.Fatalf("reason = %v", res.Reason)
	}

	if res.Trace[1] != 2 || res.Trace[2] != 1 {
		t.Fatalf("trace not filled: %v %v", res.Trace[1], res.Trace[2])
	}
}

func TestFuncExecutorTraceIsReused(t *testing.T) {
	target := func(input []byte, trace []byte) (ExitReason, int) {
		trace[0] = input[0]
		return ExitNone, 0
	}

	ex := NewFunc(target, nil)

	first, _ := ex.Run([]byte{7}, 1000)
	trace := first.Trace

	second, _ := ex.Run([]byte{9}, 1000)
	if &trace[0] != &second.Trace[0] {
		t.Fatalf("trace buffer reallocated between runs")
	}

	// The borrow from the first run now observes the second run.
	if trace[0] != 9 {
		t.Fatalf("borrowed trace = %d, want 9", trace[0])
	}
}

func TestFuncExecutorPanicIsCrash(t *testing.T) {
	target := func(input []byte, trace []byte) (ExitReason, int) {
		if len(input) > 0 && input[0] == 0xFF {
			panic("boom")
		}

		return ExitNone, 0
	}

	ex := NewFunc(target, nil)

	res, err := ex.Run([]byte{0xFF}, 1000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Reason != ExitCrash {
		t.Fatalf("reason = %v, want crash", res.Reason)
	}
}

func TestNativeEnvAndTrace(t *testing.T) {
	dir := t.TempDir()

	// The "PUT" writes one counter into its bitmap log and prints
	// "OUT".
	script := `#!/bin/sh
printf 'OUT'
printf '\x05' | dd of="$ECL_BITMAP_LOG" bs=1 seek=3 conv=notrunc 2>/dev/null
exit 0
`
	put := dir + "/put.sh"
	if err := os.WriteFile(put, []byte(script), 0o755); err != nil {
		t.Fatalf("write put: %v", err)
	}

	ex, err := NewNative([]string{put}, dir, true)
	if err != nil {
		t.Fatalf("new native: %v", err)
	}
	defer ex.Close()

	res, err := ex.Run([]byte("hello"), 5000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Reason != ExitNone {
		t.Fatalf("reason = %v", res.Reason)
	}

	if !bytes.Equal(res.Stdout, []byte("OUT")) {
		t.Fatalf("stdout = %q", res.Stdout)
	}

	if len(res.Trace) != bitmap.MapSize || res.Trace[3] != 5 {
		t.Fatalf("trace[3] = %d, want 5", res.Trace[3])
	}
}

func TestNativeCrashSignal(t *testing.T) {
	dir := t.TempDir()

	script := "#!/bin/sh\nkill -SEGV $$\n"
	put := dir + "/crash.sh"
	if err := os.WriteFile(put, []byte(script), 0o755); err != nil {
		t.Fatalf("write put: %v", err)
	}

	ex, err := NewNative([]string{put}, dir, true)
	if err != nil {
		t.Fatalf("new native: %v", err)
	}
	defer ex.Close()

	res, err := ex.Run(nil, 5000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Reason != ExitCrash || res.Signal != 11 {
		t.Fatalf("reason=%v signal=%d, want crash/11", res.Reason, res.Signal)
	}
}

func TestNativeTimeout(t *testing.T) {
	dir := t.TempDir()

	script := "#!/bin/sh\nsleep 10\n"
	put := dir + "/hang.sh"
	if err := os.WriteFile(put, []byte(script), 0o755); err != nil {
		t.Fatalf("write put: %v", err)
	}

	ex, err := NewNative([]string{put}, dir, true)
	if err != nil {
		t.Fatalf("new native: %v", err)
	}
	defer ex.Close()

	res, err := ex.Run(nil, 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Reason != ExitTimeout {
		t.Fatalf("reason = %v, want timeout", res.Reason)
	}
}
