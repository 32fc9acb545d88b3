package sequencer

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/banshee-data/tofseq/internal/usecase"
)

// blockTimeTolerance is the largest difference in summed raw frame time, in
// seconds, for two blocks to still count as equal.
const blockTimeTolerance = 0.1e-9

// Assign maps the raw frames of p onto a copy of blocks in one greedy left to
// right pass. The input blocks are not modified.
//
// A frame run linked by StartOfLinkedRawFrames/EndOfLinkedRawFrames is kept in
// one block when it fits. A clock aligned frame opens a new block once the
// first block has been left, so the sensor can idle between clock periods.
// Before a block is left it is compared with its predecessor; equal blocks
// are folded by raising the predecessor's repeat count.
func Assign(p usecase.Plan, timings []float64, blocks []MeasurementBlock) (Assignment, error) {
	frames := p.RawFrames
	if len(frames) == 0 {
		return Assignment{}, fmt.Errorf("%w: no raw frames", ErrInfeasible)
	}
	if len(timings) != len(frames) {
		return Assignment{}, fmt.Errorf("%w: %d timings for %d raw frames", ErrLogic, len(timings), len(frames))
	}
	if len(blocks) == 0 {
		return Assignment{}, fmt.Errorf("%w: no measurement blocks", ErrInfeasible)
	}

	s := &assigner{
		frames:  frames,
		timings: timings,
		a:       Assignment{Blocks: cloneBlocks(blocks), Slots: make([]Slot, len(frames))},
		members: make([][]int, len(blocks)),
	}

	cur := 0
	for i, rf := range frames {
		capacity := s.a.Blocks[cur].MaxSequenceLength
		need := 1
		if i == 0 || frames[i-1].EndOfLinkedRawFrames {
			need = max(1, min(linkedRunLength(frames, i), capacity))
		}

		advance := cur > 0 && rf.Alignment == usecase.ClockAligned && len(s.members[cur]) > 0
		if capacity-len(s.members[cur]) < need {
			advance = true
		}

		// a folded block is refilled in place, its frames now live in cur-1
		if advance && !s.compact(cur) {
			if i > 0 {
				s.a.Blocks[cur].SafeForReconfig = frames[i-1].EndOfLinkedMeasurement
			}
			cur++
			if cur >= len(s.a.Blocks) {
				return Assignment{}, fmt.Errorf("%w: %d raw frames need more than %d blocks", ErrInfeasible, len(frames), len(blocks))
			}
			if s.a.Blocks[cur].MaxSequenceLength < 1 {
				return Assignment{}, fmt.Errorf("%w: block %d has no capacity", ErrInfeasible, cur)
			}
		}

		s.a.Slots[i] = Slot{Block: cur, Position: len(s.members[cur])}
		s.members[cur] = append(s.members[cur], i)
	}

	if s.compact(cur) {
		cur--
	}
	s.a.Blocks[cur].SafeForReconfig = frames[len(frames)-1].EndOfLinkedMeasurement

	for b := range s.a.Blocks {
		seq := make([]SequenceEntry, len(s.members[b]))
		for pos, idx := range s.members[b] {
			seq[pos] = SequenceEntry{RawFrame: idx}
		}
		s.a.Blocks[b].Sequence = seq
	}
	return s.a, nil
}

// Feasible reports whether Assign would succeed. It never modifies blocks.
func Feasible(p usecase.Plan, timings []float64, blocks []MeasurementBlock) bool {
	_, err := Assign(p, timings, blocks)
	return err == nil
}

// linkedRunLength counts the frames from start up to and including the next
// frame that ends a linked run.
func linkedRunLength(frames []usecase.RawFrame, start int) int {
	n := 0
	for i := start; i < len(frames); i++ {
		n++
		if frames[i].EndOfLinkedRawFrames {
			break
		}
	}
	return n
}

type assigner struct {
	frames  []usecase.RawFrame
	timings []float64
	a       Assignment
	// members holds the raw frames stored in each block, in sequence order.
	members [][]int
}

// compact folds block cur into cur-1 if both hold the same raw frames with
// the same summed timing and the predecessor can still be repeated.
func (s *assigner) compact(cur int) bool {
	if cur == 0 || s.a.Blocks[cur-1].Cycles >= MaxRepeat || !s.equal(cur-1, cur) {
		return false
	}
	prev := &s.a.Blocks[cur-1]
	prev.Cycles++
	for pos, idx := range s.members[cur] {
		s.a.Slots[idx] = Slot{Block: cur - 1, Repeat: prev.Cycles - 1, Position: pos}
	}
	s.members[cur] = s.members[cur][:0]
	return true
}

func (s *assigner) equal(first, second int) bool {
	a, b := s.members[first], s.members[second]
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	if !scalar.EqualWithinAbs(s.sumTimings(a), s.sumTimings(b), blockTimeTolerance) {
		return false
	}
	return slices.EqualFunc(a, b, func(x, y int) bool { return s.frames[x] == s.frames[y] })
}

func (s *assigner) sumTimings(idx []int) float64 {
	t := make([]float64, len(idx))
	for i, j := range idx {
		t[i] = s.timings[j]
	}
	return floats.Sum(t)
}
