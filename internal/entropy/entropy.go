// Package entropy estimates the Shannon entropy of I/O payload buffers.
//
// The estimator is a pure function over a 256-bin byte histogram. Buffers
// handed to the filter pipeline may be mapped from a requestor's address
// space, so the scan runs under a fault barrier: a fault observed while
// touching the buffer is reported as an error instead of taking down the
// process.
package entropy

import (
	"errors"
	"fmt"
	"math"
)

// ErrFault is returned when a memory fault is observed while scanning a
// caller-mapped buffer.
var ErrFault = errors.New("entropy: fault while scanning buffer")

// Shannon returns the Shannon entropy of buf in bits per byte, in [0, 8].
// An empty buffer has zero entropy. It does not allocate.
func Shannon(buf []byte) float64 {
	if len(buf) == 0 {
		return 0
	}
	var bins [256]uint64
	for _, b := range buf {
		bins[b]++
	}
	size := float64(len(buf))
	ent := 0.0
	for _, c := range bins {
		if c != 0 {
			p := float64(c) / size
			ent -= p * math.Log2(p)
		}
	}
	return ent
}

// Guard runs fn under a fault barrier and converts a panic into ErrFault.
// Callers that scan buffers they do not own go through Guard so a bad
// mapping cannot crash the filter.
func Guard(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrFault, rec)
		}
	}()
	fn()
	return nil
}

// Scan computes Shannon entropy over buf under the fault barrier. It is
// the only entry point the pipeline uses for payload buffers.
func Scan(buf []byte) (float64, error) {
	var ent float64
	if err := Guard(func() { ent = Shannon(buf) }); err != nil {
		return 0, err
	}
	return ent, nil
}
