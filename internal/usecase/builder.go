package usecase

import (
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// New returns an empty use case with a fresh identifier. Exposure groups,
// streams and raw frame sets are added with the Create/Add methods.
func New(typeName string, targetRate, minRate, maxRate, columns, rows uint16) *UseCase {
	return &UseCase{
		ID:         uuid.New(),
		TypeName:   typeName,
		TargetRate: targetRate,
		MinRate:    minRate,
		MaxRate:    maxRate,
		Columns:    columns,
		Rows:       rows,
	}
}

// CreateExposureGroup appends an exposure group and returns its index.
// Group names must be unique within the use case.
func (u *UseCase) CreateExposureGroup(name string, limits ExposureLimits, exposure uint32) (int, error) {
	if lo.ContainsBy(u.ExposureGroups, func(g ExposureGroup) bool { return g.Name == name }) {
		return 0, fmt.Errorf("%w: duplicate exposure group %q", ErrInvalidValue, name)
	}
	u.ExposureGroups = append(u.ExposureGroups, ExposureGroup{Name: name, Limits: limits, ExposureTime: exposure})
	return len(u.ExposureGroups) - 1, nil
}

// CreateStream adds a stream. An id of 0 picks DefaultStreamID for the first
// stream and the highest existing id plus one afterwards.
func (u *UseCase) CreateStream(id StreamID) (StreamID, error) {
	if id == 0 {
		if len(u.Streams) == 0 {
			id = DefaultStreamID
		} else {
			highest := lo.MaxBy(u.Streams, func(a, b Stream) bool { return a.ID > b.ID }).ID
			if highest == math.MaxUint16 {
				return 0, fmt.Errorf("%w: no stream id left", ErrInvalidValue)
			}
			id = highest + 1
		}
	}
	if _, ok := u.Stream(id); ok {
		return 0, fmt.Errorf("%w: duplicate stream id %#x", ErrInvalidValue, uint16(id))
	}
	u.Streams = append(u.Streams, Stream{ID: id})
	return id, nil
}

// Stream returns the stream with the given id.
func (u *UseCase) Stream(id StreamID) (*Stream, bool) {
	for i := range u.Streams {
		if u.Streams[i].ID == id {
			return &u.Streams[i], true
		}
	}
	return nil, false
}

// StreamIDs lists the stream ids in creation order.
func (u *UseCase) StreamIDs() []StreamID {
	return lo.Map(u.Streams, func(s Stream, _ int) StreamID { return s.ID })
}

// AddFrameGroup appends sets to the use case and references them from a frame
// group of the stream. With ClockAligned the first set is clock aligned and
// the rest start aligned; any other alignment is applied to every set. If
// appendPrevious is set the sets extend the stream's last frame group.
func (u *UseCase) AddFrameGroup(id StreamID, sets []RawFrameSet, alignment Alignment, appendPrevious bool) error {
	if len(u.RawFrameSets) == 0 && alignment != ClockAligned {
		return fmt.Errorf("%w: the first raw frame set of a use case must be clock aligned", ErrLogic)
	}
	stream, ok := u.Stream(id)
	if !ok {
		return fmt.Errorf("%w: unknown stream id %#x", ErrInvalidValue, uint16(id))
	}
	if appendPrevious && len(stream.FrameGroups) == 0 {
		return fmt.Errorf("%w: stream %#x has no frame group to append to", ErrLogic, uint16(id))
	}
	for _, s := range sets {
		if s.ExposureGroup < 0 || s.ExposureGroup >= len(u.ExposureGroups) {
			return fmt.Errorf("%w: exposure group index %d out of range", ErrInvalidValue, s.ExposureGroup)
		}
	}

	first := len(u.RawFrameSets)
	indices := make([]int, 0, len(sets))
	for i, s := range sets {
		switch {
		case i == 0 && alignment == ClockAligned:
			s.Alignment = ClockAligned
		case alignment == StopAligned || alignment == NextStopAligned:
			s.Alignment = alignment
		default:
			s.Alignment = StartAligned
		}
		u.RawFrameSets = append(u.RawFrameSets, s)
		indices = append(indices, first+i)
	}

	if appendPrevious {
		last := &stream.FrameGroups[len(stream.FrameGroups)-1]
		last.RawFrameSets = append(last.RawFrameSets, indices...)
	} else {
		stream.FrameGroups = append(stream.FrameGroups, FrameGroup{RawFrameSets: indices})
	}
	return nil
}

// ConstructNonMixed builds the common single-stream layout: one default
// stream with one clock-aligned frame group holding all sets.
func (u *UseCase) ConstructNonMixed(sets []RawFrameSet) error {
	if len(u.Streams) != 0 {
		return fmt.Errorf("%w: use case already has streams", ErrLogic)
	}
	id, err := u.CreateStream(DefaultStreamID)
	if err != nil {
		return err
	}
	return u.AddFrameGroup(id, sets, ClockAligned, false)
}

// RawFrameCount is the number of physical raw frames, summed over all sets.
func (u *UseCase) RawFrameCount() int {
	return lo.SumBy(u.RawFrameSets, func(s RawFrameSet) int { return s.CountRawFrames() })
}

// ExposureGroupByName returns the index of the named exposure group.
func (u *UseCase) ExposureGroupByName(name string) (int, bool) {
	_, idx, ok := lo.FindIndexOf(u.ExposureGroups, func(g ExposureGroup) bool { return g.Name == name })
	return idx, ok
}

// ExposureTimes returns the current exposure time of every group, in group order.
func (u *UseCase) ExposureTimes() []uint32 {
	return lo.Map(u.ExposureGroups, func(g ExposureGroup, _ int) uint32 { return g.ExposureTime })
}

// SetExposureTimes replaces all exposure times. The slice must have one entry
// per exposure group and every value must lie within its group's limits.
func (u *UseCase) SetExposureTimes(times []uint32) error {
	if len(times) != len(u.ExposureGroups) {
		return fmt.Errorf("%w: got %d exposure times for %d exposure groups", ErrLogic, len(times), len(u.ExposureGroups))
	}
	for i, t := range times {
		if !u.ExposureGroups[i].Limits.Contains(t) {
			return fmt.Errorf("%w: exposure time %d outside limits of group %q", ErrInvalidValue, t, u.ExposureGroups[i].Name)
		}
	}
	for i, t := range times {
		u.ExposureGroups[i].ExposureTime = t
	}
	return nil
}

// SetExposureTime changes the exposure time of a single named group.
func (u *UseCase) SetExposureTime(name string, t uint32) error {
	idx, ok := u.ExposureGroupByName(name)
	if !ok {
		return fmt.Errorf("%w: unknown exposure group %q", ErrInvalidValue, name)
	}
	if !u.ExposureGroups[idx].Limits.Contains(t) {
		return fmt.Errorf("%w: exposure time %d outside limits of group %q", ErrInvalidValue, t, name)
	}
	u.ExposureGroups[idx].ExposureTime = t
	return nil
}

// SetTargetRate changes the target frame rate within [MinRate, MaxRate].
func (u *UseCase) SetTargetRate(rate uint16) error {
	if rate < u.MinRate || rate > u.MaxRate {
		return fmt.Errorf("%w: target rate %d outside [%d, %d]", ErrInvalidValue, rate, u.MinRate, u.MaxRate)
	}
	u.TargetRate = rate
	return nil
}

// SetDutyCycle sets the illumination duty cycle, given in percent, on the set
// at index. A negative index applies it to every modulated set.
func (u *UseCase) SetDutyCycle(percent float64, index int) error {
	var dc DutyCycle
	switch uint16(percent * 100) {
	case 0:
		dc = DutyCycle0
	case 2500:
		dc = DutyCycle25
	case 3750:
		dc = DutyCycle37_5
	case 5000:
		dc = DutyCycle50
	case 7500:
		dc = DutyCycle75
	case 10000:
		dc = DutyCycle100
	default:
		return fmt.Errorf("%w: unsupported duty cycle %.2f%%", ErrInvalidValue, percent)
	}

	if index >= 0 {
		if index >= len(u.RawFrameSets) {
			return fmt.Errorf("%w: raw frame set index %d out of range", ErrInvalidValue, index)
		}
		u.RawFrameSets[index].DutyCycle = dc
		return nil
	}
	for i := range u.RawFrameSets {
		if !u.RawFrameSets[i].IsGrayscale() {
			u.RawFrameSets[i].DutyCycle = dc
		}
	}
	return nil
}

// Clone returns a deep copy sharing no slices with u.
func (u *UseCase) Clone() *UseCase {
	c := *u
	c.RawFrameSets = slices.Clone(u.RawFrameSets)
	c.ExposureGroups = slices.Clone(u.ExposureGroups)
	c.Streams = make([]Stream, len(u.Streams))
	for i, s := range u.Streams {
		c.Streams[i] = Stream{ID: s.ID, FrameGroups: make([]FrameGroup, len(s.FrameGroups))}
		for j, fg := range s.FrameGroups {
			c.Streams[i].FrameGroups[j] = FrameGroup{RawFrameSets: slices.Clone(fg.RawFrameSets)}
		}
	}
	return &c
}
