package imager

import (
	"fmt"
	"slices"

	"github.com/banshee-data/tofseq/internal/sensor"
	"github.com/banshee-data/tofseq/internal/sequencer"
	"github.com/banshee-data/tofseq/internal/usecase"
)

// Verify checks uc against the sensor capability without any register I/O.
// The returned error is non-nil only when uc breaks a use case invariant;
// every other problem is reported through the status.
func Verify(s sensor.Capability, uc *usecase.UseCase) (VerificationStatus, error) {
	vErr, err := verify(s, uc)
	if err != nil {
		return 0, err
	}
	if vErr != nil {
		return vErr.Status, nil
	}
	return Success, nil
}

// slotTolerance absorbs rounding in the slot arithmetic, in seconds.
const slotTolerance = 1e-12

func verify(s sensor.Capability, uc *usecase.UseCase) (*VerificationError, error) {
	if err := uc.Validate(); err != nil {
		return nil, err
	}
	l := s.Limits()
	if uc.TargetRate == 0 {
		return failed(Framerate, "target rate is zero"), nil
	}

	plan := uc.Plan()
	timings, err := sequencer.Timings(plan, s.Duration)
	if err != nil {
		return failed(Sequencer, "%v", err), nil
	}
	if !sequencer.Feasible(plan, timings, s.NewBlocks()) {
		return failed(Sequencer, "%d raw frames do not fit the measurement blocks", len(plan.RawFrames)), nil
	}

	for i, rf := range plan.RawFrames {
		f := frequencyOf(rf, l)
		if f == 0 {
			// reported as a phase failure below
			continue
		}
		if _, err := s.ExposureRegister(rf.ExposureTime, f); err != nil {
			return failed(ExposureTime, "raw frame %d: %v", i, err), nil
		}
	}

	if uc.Columns == 0 || uc.Rows == 0 || uc.Columns > l.MaxColumns || uc.Rows > l.MaxRows {
		return failed(Region, "%dx%d outside %dx%d", uc.Columns, uc.Rows, l.MaxColumns, l.MaxRows), nil
	}
	if l.ColumnAlignment > 0 && uc.Columns%l.ColumnAlignment != 0 {
		return failed(Region, "%d columns not a multiple of %d", uc.Columns, l.ColumnAlignment), nil
	}

	if vErr := verifyModulation(s, uc, plan); vErr != nil {
		return vErr, nil
	}

	for i, set := range uc.RawFrameSets {
		if set.EyeSafetyPause > 0 {
			return failed(Framerate, "raw frame set %d: eye-safety pause of %gs is not supported", i, set.EyeSafetyPause), nil
		}
	}
	for i, rf := range plan.RawFrames {
		if timings[i] < 0 {
			return failed(Framerate, "raw frame %d does not fit the frame period at %d fps", i, uc.TargetRate), nil
		}
		// each frame must fit the slot it was granted
		if d := s.Duration(&plan, rf.ExposureTime, rf.ModulationFrequency, false); d > timings[i]+slotTolerance {
			return failed(Framerate, "raw frame %d takes %.6fs, longer than its %.6fs slot at %d fps", i, d, timings[i], uc.TargetRate), nil
		}
	}

	for i, set := range uc.RawFrameSets {
		if set.IsGrayscale() {
			continue
		}
		d := set.DutyCycle
		if d == usecase.DutyCycleAuto {
			d = l.DefaultDutyCycle
		}
		if !slices.Contains(l.DutyCycles, d) {
			return failed(DutyCycle, "raw frame set %d: duty cycle %s", i, set.DutyCycle), nil
		}
	}

	if len(uc.Streams) > l.MaxStreams {
		return failed(StreamCount, "%d streams, sensor supports %d", len(uc.Streams), l.MaxStreams), nil
	}
	if !uc.HasIdentifier() {
		return failed(UsecaseIdentifier, "nil identifier"), nil
	}
	return nil, nil
}

// verifyModulation covers the phase definition, the frequency range and
// step, the PLL, spread spectrum and the lookup-table size.
func verifyModulation(s sensor.Capability, uc *usecase.UseCase, plan usecase.Plan) *VerificationError {
	l := s.Limits()
	for i, set := range uc.RawFrameSets {
		f := set.ModulationFrequency
		switch {
		case set.IsGrayscale() && f != 0:
			return failed(ModulationFrequency, "raw frame set %d: grayscale at %d Hz", i, f)
		case set.IsGrayscale():
			continue
		case f == 0:
			return failed(Phase, "raw frame set %d: %s needs a modulation frequency", i, set.Phase)
		case f > l.MaxModulationFrequency:
			return failed(ModulationFrequency, "raw frame set %d: %d Hz above %d Hz", i, f, l.MaxModulationFrequency)
		case l.ModulationStep > 0 && f%l.ModulationStep != 0:
			return failed(ModulationFrequency, "raw frame set %d: %d Hz not a multiple of %d Hz", i, f, l.ModulationStep)
		}
	}

	if uc.SSC && !l.SSC {
		return failed(ModulationFrequency, "spread spectrum not supported")
	}

	lut, err := assignLUT(plan, l)
	if err != nil {
		return failed(ModulationFrequency, "%v", err)
	}
	for f := range lut {
		if _, err := s.PLLRegisters(f, uc.SSC); err != nil {
			return failed(ModulationFrequency, "%v", err)
		}
	}
	return nil
}

// compiled is everything executeUseCase derives from a verified use case.
type compiled struct {
	plan       usecase.Plan
	timings    []float64
	assignment sequencer.Assignment
	lut        sensor.LUT
	safeWindow uint32
}

func compile(s sensor.Capability, uc *usecase.UseCase) (*compiled, error) {
	plan := uc.Plan()
	timings, err := sequencer.Timings(plan, s.Duration)
	if err != nil {
		return nil, err
	}
	a, err := sequencer.Assign(plan, timings, s.NewBlocks())
	if err != nil {
		return nil, err
	}
	lut, err := assignLUT(plan, s.Limits())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return &compiled{
		plan:       plan,
		timings:    timings,
		assignment: a,
		lut:        lut,
		safeWindow: sequencer.MaxSafeReconfigMillis(a, timings),
	}, nil
}
