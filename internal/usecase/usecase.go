// Package usecase holds the value model of one time-of-flight capture session:
// raw frame sets, exposure groups, streams and frame groups, together with the
// structural invariants the sequencer relies on.
package usecase

import (
	"fmt"

	"github.com/google/uuid"
)

// Alignment describes how a raw frame is anchored in time.
type Alignment int

const (
	// ClockAligned frames start on the master clock.
	ClockAligned Alignment = iota
	// StartAligned frames start when the previous frame ends.
	StartAligned
	// StopAligned frames end when the master interval ends.
	StopAligned
	// NextStopAligned frames end on the start of the next master interval.
	NextStopAligned
)

var alignmentNames = map[Alignment]string{
	ClockAligned:    "clock",
	StartAligned:    "start",
	StopAligned:     "stop",
	NextStopAligned: "nextstop",
}

func (a Alignment) String() string {
	if s, ok := alignmentNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Alignment(%d)", int(a))
}

// MarshalText implements encoding.TextMarshaler.
func (a Alignment) MarshalText() ([]byte, error) {
	s, ok := alignmentNames[a]
	if !ok {
		return nil, fmt.Errorf("unknown alignment %d", int(a))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Alignment) UnmarshalText(text []byte) error {
	for k, v := range alignmentNames {
		if v == string(text) {
			*a = k
			return nil
		}
	}
	return fmt.Errorf("unknown alignment %q", string(text))
}

// PhaseDefinition selects how many raw frames a set expands to.
type PhaseDefinition int

const (
	Grayscale PhaseDefinition = iota
	Modulated4PhCW
)

var phaseNames = map[PhaseDefinition]string{
	Grayscale:      "grayscale",
	Modulated4PhCW: "modulated_4ph_cw",
}

func (p PhaseDefinition) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("PhaseDefinition(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p PhaseDefinition) MarshalText() ([]byte, error) {
	s, ok := phaseNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown phase definition %d", int(p))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PhaseDefinition) UnmarshalText(text []byte) error {
	for k, v := range phaseNames {
		if v == string(text) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown phase definition %q", string(text))
}

// PhaseAngles returns the illumination phase angles in degrees, one per raw frame.
func (p PhaseDefinition) PhaseAngles() []uint16 {
	if p == Modulated4PhCW {
		return []uint16{0, 90, 180, 270}
	}
	return []uint16{0}
}

// DutyCycle of the illumination. DutyCycleAuto lets the sensor pick its default.
type DutyCycle int

const (
	DutyCycleAuto DutyCycle = iota
	DutyCycle0
	DutyCycle25
	DutyCycle25Deprecated
	DutyCycle37_5
	DutyCycle37_5Deprecated
	DutyCycle50
	DutyCycle75
	DutyCycle100
)

var dutyCycleNames = map[DutyCycle]string{
	DutyCycleAuto:           "auto",
	DutyCycle0:              "0",
	DutyCycle25:             "25",
	DutyCycle25Deprecated:   "25_deprecated",
	DutyCycle37_5:           "37.5",
	DutyCycle37_5Deprecated: "37.5_deprecated",
	DutyCycle50:             "50",
	DutyCycle75:             "75",
	DutyCycle100:            "100",
}

func (d DutyCycle) String() string {
	if s, ok := dutyCycleNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DutyCycle(%d)", int(d))
}

// MarshalText implements encoding.TextMarshaler.
func (d DutyCycle) MarshalText() ([]byte, error) {
	s, ok := dutyCycleNames[d]
	if !ok {
		return nil, fmt.Errorf("unknown duty cycle %d", int(d))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DutyCycle) UnmarshalText(text []byte) error {
	for k, v := range dutyCycleNames {
		if v == string(text) {
			*d = k
			return nil
		}
	}
	return fmt.Errorf("unknown duty cycle %q", string(text))
}

// RawFrameSet is one capture unit. A modulation frequency of 0 means grayscale.
type RawFrameSet struct {
	ModulationFrequency uint32          `json:"modulation_frequency"`
	Phase               PhaseDefinition `json:"phase"`
	DutyCycle           DutyCycle       `json:"duty_cycle"`
	ExposureGroup       int             `json:"exposure_group"`
	Alignment           Alignment       `json:"alignment"`
	// EyeSafetyPause is the illumination-free time in seconds required after the set.
	EyeSafetyPause float64 `json:"t_eye_safety,omitempty"`
}

// CountRawFrames is the number of physical raw frames the set expands to.
func (r RawFrameSet) CountRawFrames() int {
	return len(r.Phase.PhaseAngles())
}

// IsGrayscale reports whether the set captures without modulated illumination.
func (r RawFrameSet) IsGrayscale() bool {
	return r.Phase == Grayscale
}

// ExposureLimits bounds an exposure time in microseconds.
type ExposureLimits struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

// Contains reports whether t lies within the limits.
func (l ExposureLimits) Contains(t uint32) bool {
	return l.Min <= t && t <= l.Max
}

// ExposureGroup shares one exposure time between raw frame sets.
type ExposureGroup struct {
	Name         string         `json:"name"`
	Limits       ExposureLimits `json:"limits"`
	ExposureTime uint32         `json:"exposure_time"`
}

// FrameGroup is an ordered list of indices into UseCase.RawFrameSets.
type FrameGroup struct {
	RawFrameSets []int `json:"raw_frame_sets"`
}

// StreamID identifies a stream. Zero is never a valid id.
type StreamID uint16

// DefaultStreamID is assigned to the first stream created without an explicit id.
const DefaultStreamID StreamID = 0xdefa

// Stream owns the frame groups delivered together to the processing side.
type Stream struct {
	ID          StreamID     `json:"id"`
	FrameGroups []FrameGroup `json:"frame_groups"`
}

// MaxRawFrames is the exclusive ceiling on raw frames per use case; frame
// counters on the sensor side are 12 bits wide.
const MaxRawFrames = 2047

// UseCase is the full declarative description of a capture session. Streams
// reference raw frame sets by index; the sets themselves live only in
// RawFrameSets.
type UseCase struct {
	ID             uuid.UUID       `json:"id"`
	TypeName       string          `json:"type_name"`
	TargetRate     uint16          `json:"target_rate"`
	MinRate        uint16          `json:"min_rate"`
	MaxRate        uint16          `json:"max_rate"`
	Columns        uint16          `json:"columns"`
	Rows           uint16          `json:"rows"`
	SSC            bool            `json:"ssc,omitempty"`
	RawFrameSets   []RawFrameSet   `json:"raw_frame_sets"`
	ExposureGroups []ExposureGroup `json:"exposure_groups"`
	Streams        []Stream        `json:"streams"`
}
