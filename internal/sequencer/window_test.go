package sequencer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// windowFixture lays out five raw frames of 125ms over four blocks:
// [0 1]x2, [2], [3], [4].
func windowFixture(safe [4]bool) (Assignment, []float64) {
	blocks := []MeasurementBlock{
		{MaxSequenceLength: 2, Cycles: 2, Sequence: []SequenceEntry{{RawFrame: 0}, {RawFrame: 1}}},
		{MaxSequenceLength: 2, Cycles: 1, Sequence: []SequenceEntry{{RawFrame: 2}}},
		{MaxSequenceLength: 2, Cycles: 1, Sequence: []SequenceEntry{{RawFrame: 3}}},
		{MaxSequenceLength: 2, Cycles: 1, Sequence: []SequenceEntry{{RawFrame: 4}}},
	}
	for i := range blocks {
		blocks[i].SafeForReconfig = safe[i]
	}
	return Assignment{Blocks: blocks}, []float64{0.125, 0.125, 0.125, 0.125, 0.125}
}

func TestMaxSafeReconfigMillis(t *testing.T) {
	tests := []struct {
		name string
		safe [4]bool
		want uint32
	}{
		// 2*250 + 125 then 125 + 125
		{"two windows", [4]bool{false, true, false, true}, 625},
		{"no boundaries", [4]bool{}, 875},
		// a safe block counts one repeat only
		{"every block safe", [4]bool{true, true, true, true}, 250},
		{"only last safe", [4]bool{false, false, false, true}, 875},
		{"trailing run", [4]bool{true, false, false, false}, 375},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, timings := windowFixture(tt.safe)
			if got := MaxSafeReconfigMillis(a, timings); got != tt.want {
				t.Errorf("MaxSafeReconfigMillis() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSafeReconfigBoundaryNeverIncreasesWindow(t *testing.T) {
	window := func(mask int) uint32 {
		var safe [4]bool
		for i := range safe {
			safe[i] = mask&(1<<i) != 0
		}
		a, timings := windowFixture(safe)
		return MaxSafeReconfigMillis(a, timings)
	}

	for mask := 0; mask < 16; mask++ {
		for bit := 0; bit < 4; bit++ {
			if mask&(1<<bit) != 0 {
				continue
			}
			with := window(mask | 1<<bit)
			without := window(mask)
			assert.LessOrEqual(t, with, without, "adding boundary %d to mask %04b", bit, mask)
		}
	}
}

func TestBlockDurations(t *testing.T) {
	a, timings := windowFixture([4]bool{})
	assert.Equal(t, []float64{0.25, 0.125, 0.125, 0.125}, BlockDurations(a, timings))
}

func TestBlockSizesCountRepeats(t *testing.T) {
	a, _ := windowFixture([4]bool{})
	a.Blocks = append(a.Blocks, MeasurementBlock{MaxSequenceLength: 2, Cycles: 1})
	assert.Equal(t, []int{2, 2, 1, 1, 1}, a.BlockSizes())
	assert.Equal(t, 4, a.UsedBlocks())
}

func TestWindowFromAssignment(t *testing.T) {
	// two identical 4-phase measurements fold into one repeated, safe block
	p := concat(group(4, 100), group(4, 100))
	timings := flatTimings(p, 0.03125)
	a, err := Assign(p, timings, NewBlocks(4, 4))
	if err != nil {
		t.Fatalf("Assign() error: %v", err)
	}
	if got := MaxSafeReconfigMillis(a, timings); got != 125 {
		t.Errorf("MaxSafeReconfigMillis() = %d, want 125", got)
	}
}
