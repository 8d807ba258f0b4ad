package minimize

import (
	"bytes"
	"testing"
	"time"

	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

func TestRunShrinksCrashingInput(t *testing.T) {
	// Crashes whenever the input contains "BAD".
	target := func(input []byte, trace []byte) (executor.ExitReason, int) {
		trace[1] = 1
		if bytes.Contains(input, []byte("BAD")) {
			trace[2] = 1
			return executor.ExitCrash, 6
		}

		return executor.ExitNone, 0
	}

	ex := executor.NewFunc(target, nil)

	input := append(bytes.Repeat([]byte{'x'}, 64), []byte("BAD")...)
	input = append(input, bytes.Repeat([]byte{'y'}, 64)...)

	out, err := Run(ex, input, rng.NewStream(3, 0), Options{TimeoutMS: 1000, Budget: 2 * time.Second})
	if err != nil {
		t.Fatalf("minimize: %v", err)
	}

	if !bytes.Contains(out, []byte("BAD")) {
		t.Fatalf("minimized input no longer crashes")
	}

	if len(out) >= len(input) {
		t.Fatalf("no reduction: %d vs %d", len(out), len(input))
	}
}

func TestRunLeavesNonCrashingAlone(t *testing.T) {
	target := func(input []byte, trace []byte) (executor.ExitReason, int) {
		trace[0] = 1
		return executor.ExitNone, 0
	}

	ex := executor.NewFunc(target, nil)

	input := []byte("perfectly fine")
	out, err := Run(ex, input, rng.NewStream(3, 0), Options{TimeoutMS: 1000, Budget: time.Second})
	if err != nil {
		t.Fatalf("minimize: %v", err)
	}

	if !bytes.Equal(out, input) {
		t.Fatalf("non-crashing input was modified")
	}
}
