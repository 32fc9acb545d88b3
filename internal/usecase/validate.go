package usecase

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	// ErrInvariant is returned when a use case breaks a structural invariant.
	ErrInvariant = errors.New("use case invariant violated")
	// ErrInvalidValue is returned for rejected arguments to builder methods.
	ErrInvalidValue = errors.New("invalid value")
	// ErrLogic is returned when builder methods are called in an order that
	// cannot produce a valid use case.
	ErrLogic = errors.New("logic error")
)

func invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// Validate checks the class invariants of the use case. A use case that fails
// validation is a programming error and must never reach the sensor.
func (u *UseCase) Validate() error {
	if u.TypeName == "" {
		return invariant("unnamed use case")
	}
	if u.TargetRate > u.MaxRate || u.MinRate > u.MaxRate {
		return invariant("rate %d/%d exceeds max rate %d", u.TargetRate, u.MinRate, u.MaxRate)
	}
	if len(u.RawFrameSets) == 0 {
		return invariant("empty use case (no raw frame sets)")
	}
	if n := u.RawFrameCount(); n >= MaxRawFrames {
		return invariant("%d raw frames exceed the 12-bit frame counter", n)
	}
	if u.RawFrameSets[0].Alignment != ClockAligned {
		return invariant("first raw frame set is %s aligned, must be clock aligned", u.RawFrameSets[0].Alignment)
	}
	if len(u.Streams) == 0 {
		return invariant("no streams")
	}
	if len(u.ExposureGroups) == 0 {
		return invariant("no exposure groups")
	}

	used := make([]bool, len(u.ExposureGroups))
	for i, rfs := range u.RawFrameSets {
		if rfs.ExposureGroup < 0 || rfs.ExposureGroup >= len(u.ExposureGroups) {
			return invariant("raw frame set %d references exposure group %d out of range", i, rfs.ExposureGroup)
		}
		used[rfs.ExposureGroup] = true
	}
	if idx := slices.Index(used, false); idx >= 0 {
		return invariant("exposure group %q is not used", u.ExposureGroups[idx].Name)
	}

	for _, g := range u.ExposureGroups {
		if g.Name == "" {
			return invariant("unnamed exposure group")
		}
		if g.Limits.Min > g.Limits.Max {
			return invariant("exposure limits of %q are reversed", g.Name)
		}
		if !g.Limits.Contains(g.ExposureTime) {
			return invariant("exposure time %d of %q is outside [%d, %d]", g.ExposureTime, g.Name, g.Limits.Min, g.Limits.Max)
		}
	}
	names := lo.Map(u.ExposureGroups, func(g ExposureGroup, _ int) string { return g.Name })
	if len(lo.Uniq(names)) != len(names) {
		return invariant("duplicate exposure group names")
	}

	ids := u.StreamIDs()
	if len(lo.Uniq(ids)) != len(ids) {
		return invariant("duplicate stream ids")
	}
	for _, s := range u.Streams {
		if err := u.validateStream(s); err != nil {
			return err
		}
	}
	return nil
}

func (u *UseCase) validateStream(s Stream) error {
	if s.ID == 0 {
		return invariant("invalid stream id 0")
	}
	if len(s.FrameGroups) == 0 {
		return invariant("stream %#x has no frame groups", uint16(s.ID))
	}
	groupZero := s.FrameGroups[0].RawFrameSets
	if len(groupZero) == 0 {
		return invariant("stream %#x has an empty frame group", uint16(s.ID))
	}
	for _, g := range s.FrameGroups {
		for _, idx := range g.RawFrameSets {
			if idx < 0 || idx >= len(u.RawFrameSets) {
				return invariant("stream %#x references raw frame set %d out of range", uint16(s.ID), idx)
			}
		}
	}
	for _, g := range s.FrameGroups[1:] {
		if len(g.RawFrameSets) != len(groupZero) {
			return invariant("stream %#x has frame groups of different length", uint16(s.ID))
		}
		for j, idx := range g.RawFrameSets {
			if u.RawFrameSets[idx] != u.RawFrameSets[groupZero[j]] {
				return invariant("stream %#x has mismatched raw frame sets at position %d", uint16(s.ID), j)
			}
		}
	}
	return nil
}

// Equal reports deep structural equality of two use cases.
func (u *UseCase) Equal(o *UseCase) bool {
	if u == nil || o == nil {
		return u == o
	}
	if u.ID != o.ID || u.TypeName != o.TypeName ||
		u.TargetRate != o.TargetRate || u.MinRate != o.MinRate || u.MaxRate != o.MaxRate ||
		u.Columns != o.Columns || u.Rows != o.Rows || u.SSC != o.SSC {
		return false
	}
	if !slices.Equal(u.RawFrameSets, o.RawFrameSets) || !slices.Equal(u.ExposureGroups, o.ExposureGroups) {
		return false
	}
	return slices.EqualFunc(u.Streams, o.Streams, func(a, b Stream) bool {
		return a.ID == b.ID && slices.EqualFunc(a.FrameGroups, b.FrameGroups, func(x, y FrameGroup) bool {
			return slices.Equal(x.RawFrameSets, y.RawFrameSets)
		})
	})
}

// HasIdentifier reports whether the use case carries a non-nil identifier.
func (u *UseCase) HasIdentifier() bool {
	return u.ID != uuid.Nil
}
