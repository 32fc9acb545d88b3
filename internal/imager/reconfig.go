package imager

import (
	"fmt"
	"maps"
	"slices"

	"go.uber.org/multierr"

	"github.com/banshee-data/tofseq/internal/usecase"
)

// ReconfigureExposureTimes changes the exposure time of every exposure group
// while capturing. It returns the value of the sensor's reconfiguration
// counter before the change; frames up to that index use the old times.
func (im *Imager) ReconfigureExposureTimes(times []uint32) (uint16, error) {
	return im.reconfigure("exposure", func(uc *usecase.UseCase) error {
		return uc.SetExposureTimes(times)
	})
}

// ReconfigureTargetFrameRate changes the target frame rate while capturing.
func (im *Imager) ReconfigureTargetFrameRate(rate uint16) (uint16, error) {
	return im.reconfigure("frame_rate", func(uc *usecase.UseCase) error {
		return uc.SetTargetRate(rate)
	})
}

// AcknowledgeReconfig consumes the outstanding reconfiguration once the
// acquisition side has seen the frame with index idx.
func (im *Imager) AcknowledgeReconfig(idx uint16) error {
	im.reconfigMu.Lock()
	defer im.reconfigMu.Unlock()
	if im.outstanding == nil {
		return fmt.Errorf("%w: no reconfiguration outstanding", ErrInvalidValue)
	}
	if *im.outstanding != idx {
		return fmt.Errorf("%w: outstanding reconfiguration is %d, not %d", ErrInvalidValue, *im.outstanding, idx)
	}
	im.outstanding = nil
	return nil
}

// OutstandingReconfig returns the index of the reconfiguration that has not
// been acknowledged yet.
func (im *Imager) OutstandingReconfig() (uint16, bool) {
	im.reconfigMu.Lock()
	defer im.reconfigMu.Unlock()
	if im.outstanding == nil {
		return 0, false
	}
	return *im.outstanding, true
}

func (im *Imager) reconfigure(kind string, mutate func(*usecase.UseCase) error) (uint16, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.requireState("reconfigure", Capturing); err != nil {
		return 0, err
	}
	im.reconfigMu.Lock()
	busy := im.outstanding != nil
	im.reconfigMu.Unlock()
	if busy {
		return 0, fmt.Errorf("reconfigure %s: %w: previous reconfiguration not acknowledged", kind, ErrBusy)
	}

	if im.executing == nil {
		return 0, fmt.Errorf("reconfigure %s: %w", kind, ErrNotExecuted)
	}
	uc := im.executing.Clone()
	if err := mutate(uc); err != nil {
		return 0, fmt.Errorf("reconfigure %s: %w", kind, err)
	}
	if uc.RawFrameCount() != im.executing.RawFrameCount() {
		return 0, fmt.Errorf("reconfigure %s: %w: raw frame count changed", kind, ErrLogic)
	}

	vErr, err := verify(im.sensor, uc)
	if err != nil {
		return 0, err
	}
	if vErr != nil {
		im.metrics.IncVerification(vErr.Status.String())
		return 0, vErr
	}
	c, err := compile(im.sensor, uc)
	if err != nil {
		return 0, fmt.Errorf("reconfigure %s: %w", kind, err)
	}
	if err := im.compatible(uc, c); err != nil {
		return 0, fmt.Errorf("reconfigure %s: %w", kind, err)
	}

	program, err := im.sensor.Program(c.plan, c.assignment, c.timings, c.lut)
	if err != nil {
		return 0, fmt.Errorf("reconfigure %s: %w", kind, err)
	}

	ctl := im.sensor.Control()
	idx, err := im.transport.ReadRegister(ctl.ReconfigCounter)
	if err != nil {
		return 0, fmt.Errorf("reconfigure %s: %w", kind, err)
	}
	if err := im.writeProgram(program); err != nil {
		return 0, im.restoreProgram(fmt.Errorf("reconfigure %s: %w", kind, err))
	}
	if err := im.transport.WriteRegister(ctl.Trigger, ctl.TriggerReconfig); err != nil {
		return 0, im.restoreProgram(fmt.Errorf("reconfigure %s: %w", kind, err))
	}

	im.reconfigMu.Lock()
	im.outstanding = &idx
	im.reconfigMu.Unlock()
	im.executing = uc
	im.compiled = c
	im.metrics.IncReconfig(kind)
	im.metrics.SetSafeWindow(c.safeWindow)
	im.logf("reconfigured %s at frame %d", kind, idx)
	return idx, nil
}

// restoreProgram writes the executing program back after a reconfiguration
// failed part way. Only registers the shadow shows as changed are sent. If
// that fails too the executing use case is dropped, since the sensor no
// longer holds a known program, and StopCapture must be followed by a new
// ExecuteUseCase.
func (im *Imager) restoreProgram(cause error) error {
	old := im.compiled
	program, err := im.sensor.Program(old.plan, old.assignment, old.timings, old.lut)
	if err == nil {
		err = im.writeProgram(program)
	}
	if err != nil {
		im.logf("restore after failed reconfiguration: %v", err)
		im.executing = nil
		im.compiled = nil
		return multierr.Combine(cause, fmt.Errorf("restore program: %w", err))
	}
	im.logf("restored program after failed reconfiguration: %v", cause)
	return cause
}

// compatible rejects a reconfiguration the live sequencer cannot absorb: a
// different PLL lookup table, a different block layout or a changed duty
// cycle.
func (im *Imager) compatible(uc *usecase.UseCase, c *compiled) error {
	old := im.compiled
	if !maps.Equal(old.lut, c.lut) {
		return fmt.Errorf("%w: modulation lookup table changed", ErrLogic)
	}
	if !slices.Equal(old.assignment.BlockSizes(), c.assignment.BlockSizes()) {
		return fmt.Errorf("%w: measurement block layout changed", ErrLogic)
	}
	if len(uc.RawFrameSets) != len(im.executing.RawFrameSets) {
		return fmt.Errorf("%w: raw frame sets changed", ErrLogic)
	}
	for i, set := range uc.RawFrameSets {
		if set.DutyCycle != im.executing.RawFrameSets[i].DutyCycle {
			return fmt.Errorf("%w: duty cycle of raw frame set %d changed", ErrLogic, i)
		}
	}
	return nil
}
