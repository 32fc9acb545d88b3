package sequencer

import (
	"gonum.org/v1/gonum/floats"
)

// BlockDurations returns the summed timing of the raw frames stored in each
// block. Repeats are not included.
func BlockDurations(a Assignment, timings []float64) []float64 {
	out := make([]float64, len(a.Blocks))
	for b := range a.Blocks {
		stored := a.Stored(b)
		t := make([]float64, 0, len(stored))
		for _, idx := range stored {
			t = append(t, timings[idx])
		}
		out[b] = floats.Sum(t)
	}
	return out
}

// MaxSafeReconfigMillis returns, in whole milliseconds, the longest run of
// consecutive blocks between two safe-for-reconfig boundaries. The repeats of
// a block that is not safe for reconfig cannot be interrupted and count in
// full. A trailing run without a closing boundary also counts.
func MaxSafeReconfigMillis(a Assignment, timings []float64) uint32 {
	var longest, run float64
	for b, d := range BlockDurations(a, timings) {
		block := a.Blocks[b]
		if !block.SafeForReconfig {
			d *= float64(block.Cycles)
		}
		run += d
		if block.SafeForReconfig {
			longest = max(longest, run)
			run = 0
		}
	}
	longest = max(longest, run)
	return uint32(1000 * longest)
}
