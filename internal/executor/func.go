package executor

import "github.com/eclipt-fuzz/eclipt/internal/bitmap"

// Target is an in-process PUT: it inspects the input and fills the
// trace with edge hit counts, returning how the run "exited". Used by
// the test fixtures and by embedders fuzzing pure functions.
type Target func(input []byte, trace []byte) (ExitReason, int)

// Func adapts a Target to the Executor interface. Panics in the target
// surface as crashes, matching how an out-of-process PUT would die.
type Func struct {
	target Target
	trace  []byte
	stdout func(input []byte) []byte
}

// NewFunc wraps target. stdout, when non-nil, synthesises the standard
// output for a given input (the differential fixtures use this).
func NewFunc(target Target, stdout func(input []byte) []byte) *Func {
	return &Func{
		target: target,
		trace:  make([]byte, bitmap.MapSize),
		stdout: stdout,
	}
}

func (f *Func) Run(input []byte, _ uint32) (res Result, err error) {
	for i := range f.trace {
		f.trace[i] = 0
	}

	defer func() {
		if recover() != nil {
			res = Result{Reason: ExitCrash, Signal: 6, Trace: f.trace}
		}
	}()

	reason, sig := f.target(input, f.trace)

	res = Result{Reason: reason, Signal: sig, Trace: f.trace}
	if f.stdout != nil {
		res.Stdout = f.stdout(input)
	}

	return res, nil
}
