// Package sequencer maps the raw frames of a use case onto the fixed-capacity
// measurement blocks of a time-of-flight sensor and derives the per-frame
// timing and the longest window in which reconfiguration can be deferred.
package sequencer

import (
	"errors"
	"slices"
)

// MaxRepeat is the largest repeat count a measurement block can hold.
const MaxRepeat = 255

var (
	// ErrInfeasible is returned when the raw frames do not fit the blocks.
	ErrInfeasible = errors.New("raw frames do not fit the measurement blocks")
	// ErrLogic is returned for raw frame sequences that break the alignment order.
	ErrLogic = errors.New("sequencer logic error")
)

// SequenceEntry is one slot of a measurement block. The sequencer fills in
// RawFrame; the register fields are set by the sensor when it builds the
// register program.
type SequenceEntry struct {
	RawFrame         int
	ExposureRegister uint16
	FrameRateCounter uint16
	PhaseSetting     uint16
	PLLSet           uint16
	FrameRateIsZero  bool
}

// MeasurementBlock is a hardware sequencer resource that stores and
// optionally repeats a short sequence of raw frame configurations.
type MeasurementBlock struct {
	MaxSequenceLength int
	Cycles            int
	Sequence          []SequenceEntry
	FrameRateCounter  uint16
	SafeForReconfig   bool
}

// NewBlocks returns count empty blocks of the given capacity.
func NewBlocks(count, capacity int) []MeasurementBlock {
	blocks := make([]MeasurementBlock, count)
	for i := range blocks {
		blocks[i] = MeasurementBlock{MaxSequenceLength: capacity, Cycles: 1}
	}
	return blocks
}

func cloneBlocks(in []MeasurementBlock) []MeasurementBlock {
	out := make([]MeasurementBlock, len(in))
	for i, b := range in {
		b.Sequence = slices.Clone(b.Sequence)
		if b.Cycles < 1 {
			b.Cycles = 1
		}
		out[i] = b
	}
	return out
}

// Slot locates one raw frame in the block list: the block, which repeat of
// that block and the position within its sequence. Frames with Repeat 0 are
// the ones physically stored in the block.
type Slot struct {
	Block    int
	Repeat   int
	Position int
}

// Assignment is the result of mapping raw frames onto measurement blocks.
// Slots has one entry per raw frame, in raw frame order.
type Assignment struct {
	Blocks []MeasurementBlock
	Slots  []Slot
}

// Stored returns the raw frame indices stored in the block, in sequence order.
func (a Assignment) Stored(block int) []int {
	if block < 0 || block >= len(a.Blocks) {
		return nil
	}
	out := make([]int, 0, len(a.Blocks[block].Sequence))
	for _, e := range a.Blocks[block].Sequence {
		out = append(out, e.RawFrame)
	}
	return out
}

// UsedBlocks counts blocks holding at least one raw frame.
func (a Assignment) UsedBlocks() int {
	n := 0
	for _, b := range a.Blocks {
		if len(b.Sequence) > 0 {
			n++
		}
	}
	return n
}

// BlockSizes lists the raw frame count of every physical block occurrence,
// with each repeat listed separately. Unused blocks are skipped.
func (a Assignment) BlockSizes() []int {
	var sizes []int
	for _, b := range a.Blocks {
		if len(b.Sequence) == 0 {
			continue
		}
		for c := 0; c < b.Cycles; c++ {
			sizes = append(sizes, len(b.Sequence))
		}
	}
	return sizes
}
