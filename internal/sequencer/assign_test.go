package sequencer

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tofseq/internal/usecase"
)

// group returns a linked run of n raw frames; the first is clock aligned and
// the last closes the linked measurement.
func group(n int, exposure uint32) []usecase.RawFrame {
	out := make([]usecase.RawFrame, n)
	for i := range out {
		out[i] = usecase.RawFrame{
			Alignment:              usecase.StartAligned,
			ExposureTime:           exposure,
			PhaseAngle:             uint16(90 * i),
			StartOfLinkedRawFrames: i == 0,
			EndOfLinkedRawFrames:   i == n-1,
			EndOfLinkedMeasurement: i == n-1,
		}
	}
	out[0].Alignment = usecase.ClockAligned
	return out
}

func concat(groups ...[]usecase.RawFrame) usecase.Plan {
	p := usecase.Plan{TargetRate: 10}
	for _, g := range groups {
		p.RawFrames = append(p.RawFrames, g...)
	}
	return p
}

func flatTimings(p usecase.Plan, t float64) []float64 {
	out := make([]float64, len(p.RawFrames))
	for i := range out {
		out[i] = t
	}
	return out
}

// expand lists the raw frames in the order the sensor plays them back.
func expand(t *testing.T, a Assignment) []int {
	t.Helper()
	bySlot := make(map[Slot]int, len(a.Slots))
	for idx, s := range a.Slots {
		if prev, dup := bySlot[s]; dup {
			t.Fatalf("raw frames %d and %d share slot %+v", prev, idx, s)
		}
		bySlot[s] = idx
	}
	var out []int
	for b, block := range a.Blocks {
		for r := 0; r < block.Cycles; r++ {
			for pos := range block.Sequence {
				idx, ok := bySlot[Slot{Block: b, Repeat: r, Position: pos}]
				if !ok {
					t.Fatalf("block %d repeat %d position %d has no raw frame", b, r, pos)
				}
				out = append(out, idx)
			}
		}
	}
	return out
}

func sequenceOf(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestAssignSingleBlock(t *testing.T) {
	p := concat(group(4, 100), group(1, 50))
	blocks := NewBlocks(4, 8)

	a, err := Assign(p, flatTimings(p, 0.01), blocks)
	require.NoError(t, err)
	assert.Equal(t, 1, a.UsedBlocks())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, a.Stored(0))
	assert.True(t, a.Blocks[0].SafeForReconfig)
	assert.Equal(t, []int{5}, a.BlockSizes())
}

func TestAssignDoesNotModifyInput(t *testing.T) {
	p := concat(group(4, 100), group(4, 100))
	blocks := NewBlocks(4, 4)
	before := cloneBlocks(blocks)

	_, err := Assign(p, flatTimings(p, 0.01), blocks)
	require.NoError(t, err)
	if diff := cmp.Diff(before, blocks); diff != "" {
		t.Errorf("Assign modified its input (-want +got):\n%s", diff)
	}
}

func TestAssignCompactsIdenticalGroups(t *testing.T) {
	p := concat(group(2, 100), group(2, 100))
	a, err := Assign(p, flatTimings(p, 0.02), NewBlocks(4, 2))
	require.NoError(t, err)

	assert.Equal(t, 1, a.UsedBlocks())
	assert.Equal(t, 2, a.Blocks[0].Cycles)
	assert.Equal(t, []int{0, 1}, a.Stored(0))
	assert.Equal(t, []int{2, 2}, a.BlockSizes())
	assert.Equal(t, Slot{Block: 0, Repeat: 1, Position: 1}, a.Slots[3])
	assert.Equal(t, sequenceOf(4), expand(t, a))
}

func TestAssignKeepsGroupsWithDifferentTiming(t *testing.T) {
	p := concat(group(2, 100), group(2, 100))
	timings := []float64{0.02, 0.02, 0.02, 0.03}
	a, err := Assign(p, timings, NewBlocks(4, 2))
	require.NoError(t, err)

	assert.Equal(t, 2, a.UsedBlocks())
	assert.Equal(t, 1, a.Blocks[0].Cycles)
	assert.Equal(t, 1, a.Blocks[1].Cycles)
}

func TestAssignKeepsGroupsWithDifferentContent(t *testing.T) {
	p := concat(group(2, 100), group(2, 200))
	a, err := Assign(p, flatTimings(p, 0.02), NewBlocks(4, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, a.UsedBlocks())
}

func TestAssignToleratesTimingNoise(t *testing.T) {
	p := concat(group(2, 100), group(2, 100))
	timings := []float64{0.02, 0.02, 0.02, 0.02 + 0.5e-10}
	a, err := Assign(p, timings, NewBlocks(4, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, a.UsedBlocks())
	assert.Equal(t, 2, a.Blocks[0].Cycles)
}

func TestAssignRepeatLimit(t *testing.T) {
	var groups [][]usecase.RawFrame
	for i := 0; i < 257; i++ {
		groups = append(groups, group(1, 100))
	}
	p := concat(groups...)
	a, err := Assign(p, flatTimings(p, 0.001), NewBlocks(3, 1))
	require.NoError(t, err)

	assert.Equal(t, MaxRepeat, a.Blocks[0].Cycles)
	assert.Equal(t, 2, a.Blocks[1].Cycles)
	assert.Len(t, a.BlockSizes(), 257)
	assert.Equal(t, sequenceOf(257), expand(t, a))
}

func TestAssignLinkedRunStaysTogether(t *testing.T) {
	p := concat(group(1, 50), group(4, 100))
	p.RawFrames[1].Alignment = usecase.StartAligned

	a, err := Assign(p, flatTimings(p, 0.01), NewBlocks(2, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, a.Stored(0))
	assert.Equal(t, []int{1, 2, 3, 4}, a.Stored(1))
}

func TestAssignClockAlignedFrameOpensBlock(t *testing.T) {
	p := concat(group(2, 1), group(2, 2), group(2, 3))
	a, err := Assign(p, flatTimings(p, 0.01), NewBlocks(4, 3))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, a.Stored(0))
	assert.Equal(t, []int{2, 3}, a.Stored(1))
	assert.Equal(t, []int{4, 5}, a.Stored(2))
}

func TestAssignClockRuleAfterFirstBlock(t *testing.T) {
	frames := []usecase.RawFrame{
		rf(usecase.ClockAligned, 1), rf(usecase.StartAligned, 2),
		rf(usecase.ClockAligned, 3), rf(usecase.StartAligned, 4),
		rf(usecase.ClockAligned, 5), rf(usecase.StartAligned, 6),
	}
	p := concat(frames)
	a, err := Assign(p, flatTimings(p, 0.01), NewBlocks(4, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, a.Stored(0))
	assert.Equal(t, []int{3}, a.Stored(1))
	assert.Equal(t, []int{4, 5}, a.Stored(2))
}

func TestAssignSafeForReconfigFollowsLastFrame(t *testing.T) {
	first := group(2, 1)
	first[1].EndOfLinkedMeasurement = false
	p := concat(first, group(2, 2))

	a, err := Assign(p, flatTimings(p, 0.01), NewBlocks(2, 2))
	require.NoError(t, err)
	assert.False(t, a.Blocks[0].SafeForReconfig)
	assert.True(t, a.Blocks[1].SafeForReconfig)
}

func TestAssignInfeasible(t *testing.T) {
	p := concat(group(2, 1), group(2, 2), group(2, 3))
	_, err := Assign(p, flatTimings(p, 0.01), NewBlocks(2, 2))
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("Assign() err = %v, want ErrInfeasible", err)
	}
	if Feasible(p, flatTimings(p, 0.01), NewBlocks(2, 2)) {
		t.Error("Feasible() = true for an assignment that does not fit")
	}
	if !Feasible(p, flatTimings(p, 0.01), NewBlocks(3, 2)) {
		t.Error("Feasible() = false with enough blocks")
	}

	if _, err := Assign(p, flatTimings(p, 0.01), nil); !errors.Is(err, ErrInfeasible) {
		t.Errorf("Assign(no blocks) err = %v, want ErrInfeasible", err)
	}
	if _, err := Assign(usecase.Plan{}, nil, NewBlocks(2, 2)); !errors.Is(err, ErrInfeasible) {
		t.Errorf("Assign(no frames) err = %v, want ErrInfeasible", err)
	}
	if _, err := Assign(p, []float64{0.01}, NewBlocks(3, 2)); !errors.Is(err, ErrLogic) {
		t.Errorf("Assign(short timings) err = %v, want ErrLogic", err)
	}
}

func TestAssignCapacityAndOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 200; iter++ {
		var groups [][]usecase.RawFrame
		n := 1 + rng.IntN(12)
		for i := 0; i < n; i++ {
			size := 1
			if rng.IntN(2) == 0 {
				size = 4
			}
			groups = append(groups, group(size, uint32(100*(1+rng.IntN(2)))))
		}
		p := concat(groups...)
		timings := make([]float64, len(p.RawFrames))
		for i, f := range p.RawFrames {
			timings[i] = float64(f.ExposureTime) * 1e-4
		}
		capacity := 1 + rng.IntN(8)

		a, err := Assign(p, timings, NewBlocks(8, capacity))
		if err != nil {
			require.ErrorIs(t, err, ErrInfeasible)
			continue
		}
		counts := make([]int, len(a.Blocks))
		for _, s := range a.Slots {
			counts[s.Block]++
		}
		for b, block := range a.Blocks {
			assert.LessOrEqual(t, len(block.Sequence), block.MaxSequenceLength, "iter %d block %d", iter, b)
			assert.LessOrEqual(t, counts[b], block.MaxSequenceLength*block.Cycles, "iter %d block %d", iter, b)
			assert.LessOrEqual(t, block.Cycles, MaxRepeat)
		}
		assert.Equal(t, sequenceOf(len(p.RawFrames)), expand(t, a), "iter %d", iter)
	}
}
