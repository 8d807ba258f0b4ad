// Package minimize shrinks a crashing input while preserving the
// crash. The pass works the way the test-case trimmers do: block
// deletion with power-of-two chunk sizes walking from coarse to fine,
// then alphabet normalisation over the surviving bytes. "Same crash"
// means the same simplified-trace checksum and exit reason.
package minimize

import (
	"time"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// normChar is what alphabet normalisation rewrites bytes to.
const normChar = '0'

// Options bounds one minimization run.
type Options struct {
	TimeoutMS uint32
	Budget    time.Duration
}

// Run reduces input under the given executor. The result still
// reproduces the original crash key; when the input does not crash at
// all, it is returned unchanged.
func Run(ex executor.Executor, input []byte, r rng.Source, opts Options) ([]byte, error) {
	cur := append([]byte(nil), input...)

	res, err := ex.Run(cur, opts.TimeoutMS)
	if err != nil {
		return cur, err
	}

	if res.Reason != executor.ExitCrash && res.Reason != executor.ExitTimeout {
		return cur, nil
	}

	wantReason := res.Reason
	wantKey := crashKey(res.Trace)

	deadline := time.Now().Add(opts.Budget)

	reproduces := func(cand []byte) (bool, error) {
		res, err := ex.Run(cand, opts.TimeoutMS)
		if err != nil {
			return false, err
		}

		return res.Reason == wantReason && crashKey(res.Trace) == wantKey, nil
	}

	// Block deletion. Chunk sizes start at half the largest power of
	// two not above the input length and halve down to a single byte;
	// a successful cut keeps the cursor in place so adjacent dead
	// regions fall in one sweep.
	for chunk := prevP2(len(cur)) / 2; chunk >= 1; chunk /= 2 {
		pos := 0

		for pos < len(cur) && len(cur) > 1 {
			if time.Now().After(deadline) {
				return cur, nil
			}

			end := pos + chunk
			if end > len(cur) {
				end = len(cur)
			}

			cand := make([]byte, 0, len(cur)-(end-pos))
			cand = append(cand, cur[:pos]...)
			cand = append(cand, cur[end:]...)

			if len(cand) == 0 {
				pos = end
				continue
			}

			ok, err := reproduces(cand)
			if err != nil {
				return cur, err
			}

			if ok {
				cur = cand
			} else {
				pos = end
			}
		}
	}

	// Alphabet normalisation: rewrite whatever bytes survived to a
	// single boring character wherever the crash does not depend on
	// them. Positions are visited in random order so runs of coupled
	// bytes do not shadow each other.
	order := make([]int, len(cur))
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j := int(rng.Below(r, uint32(i+1)))
		order[i], order[j] = order[j], order[i]
	}

	for _, i := range order {
		if time.Now().After(deadline) {
			break
		}

		if cur[i] == normChar {
			continue
		}

		keep := cur[i]
		cur[i] = normChar

		ok, err := reproduces(cur)
		if err != nil {
			cur[i] = keep
			return cur, err
		}

		if !ok {
			cur[i] = keep
		}
	}

	return cur, nil
}

// prevP2 rounds n down to a power of two.
func prevP2(n int) int {
	p := 1
	for p*2 <= n {
		p *= 2
	}

	return p
}

func crashKey(trace []byte) uint32 {
	cp := append([]byte(nil), trace...)
	bitmap.Classify(cp)
	bitmap.Simplify(cp)

	return bitmap.Cksum32(cp)
}
