package usecase

import "slices"

// RawFrame is one physical sensor exposure and readout, as produced by
// expanding the raw frame sets of a use case.
type RawFrame struct {
	ModulationFrequency uint32
	ExposureTime        uint32
	PhaseAngle          uint16
	DutyCycle           DutyCycle
	Alignment           Alignment
	Grayscale           bool
	EyeSafetyPause      float64

	// StartOfLinkedRawFrames and EndOfLinkedRawFrames bracket frames that must
	// not be split across a measurement block boundary.
	StartOfLinkedRawFrames bool
	EndOfLinkedRawFrames   bool
	// EndOfLinkedMeasurement marks a point after which reconfiguration is safe.
	EndOfLinkedMeasurement bool
}

// Plan is the sensor-side view of a use case: the flat, ordered list of raw
// frames plus the settings the sequencer needs.
type Plan struct {
	RawFrames  []RawFrame
	TargetRate uint16
	Columns    uint16
	Rows       uint16
	SSC        bool
	MixedMode  bool
	// SetIndex maps each raw frame to the raw frame set it came from.
	SetIndex []int
}

// Plan expands the raw frame sets into raw frames. The use case must be valid.
func (u *UseCase) Plan() Plan {
	p := Plan{
		TargetRate: u.TargetRate,
		Columns:    u.Columns,
		Rows:       u.Rows,
		SSC:        u.SSC,
		MixedMode:  len(u.Streams) > 1,
	}

	for setIdx, rfs := range u.RawFrameSets {
		angles := rfs.Phase.PhaseAngles()
		for i, pa := range angles {
			rf := RawFrame{
				ModulationFrequency:    rfs.ModulationFrequency,
				ExposureTime:           u.ExposureGroups[rfs.ExposureGroup].ExposureTime,
				PhaseAngle:             pa,
				DutyCycle:              rfs.DutyCycle,
				Alignment:              rfs.Alignment,
				Grayscale:              rfs.IsGrayscale(),
				EyeSafetyPause:         rfs.EyeSafetyPause,
				StartOfLinkedRawFrames: i == 0,
				EndOfLinkedRawFrames:   i == len(angles)-1,
			}
			// a clock aligned set is one clock aligned frame followed by start aligned ones
			if i > 0 && rf.Alignment == ClockAligned {
				rf.Alignment = StartAligned
			}
			p.RawFrames = append(p.RawFrames, rf)
			p.SetIndex = append(p.SetIndex, setIdx)
		}
	}

	p.markSafeReconfigPoints(u)
	return p
}

// FramesOfSet returns the raw frame indices produced by one raw frame set.
func (p Plan) FramesOfSet(set int) []int {
	var out []int
	for i, s := range p.SetIndex {
		if s == set {
			out = append(out, i)
		}
	}
	return out
}

// A raw frame is a safe reconfiguration point if it closes the last set of
// some frame group and no frame group spans across it. In interleaved layouts
// such as "ES1 HT1 ES2 HT2 HT3" every frame of HT1 lies inside the ES group.
func (p *Plan) markSafeReconfigPoints(u *UseCase) {
	possiblySafe := make(map[int]bool)
	notSafe := make(map[int]bool)

	for _, s := range u.Streams {
		for _, fg := range s.FrameGroups {
			if len(fg.RawFrameSets) == 0 {
				continue
			}
			sorted := slices.Clone(fg.RawFrameSets)
			slices.Sort(sorted)
			first, last := sorted[0], sorted[len(sorted)-1]

			if frames := p.FramesOfSet(last); len(frames) > 0 {
				possiblySafe[frames[len(frames)-1]] = true
			}
			for set := first; set < last; set++ {
				for _, idx := range p.FramesOfSet(set) {
					notSafe[idx] = true
				}
			}
		}
	}

	for i := range p.RawFrames {
		rf := &p.RawFrames[i]
		rf.EndOfLinkedMeasurement = rf.EndOfLinkedRawFrames && possiblySafe[i] && !notSafe[i]
	}
}
