package imager

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/usecase"
)

// ExecuteUseCase verifies uc, assigns it to the measurement blocks and writes
// the resulting register program. A use case that fails verification is
// returned as a *VerificationError and nothing is written.
//
// A transport failure during the write leaves the sensor half programmed; the
// imager then power-cycles back to Ready and returns the failure together
// with any error of that rollback.
func (im *Imager) ExecuteUseCase(uc *usecase.UseCase) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.requireState("execute", Ready); err != nil {
		return err
	}

	vErr, err := verify(im.sensor, uc)
	if err != nil {
		return err
	}
	if vErr != nil {
		im.metrics.IncVerification(vErr.Status.String())
		im.logf("refusing use case %q: %v", uc.TypeName, vErr)
		return vErr
	}
	im.metrics.IncVerification(Success.String())

	c, err := compile(im.sensor, uc)
	if err != nil {
		return fmt.Errorf("execute use case: %w", err)
	}
	program, err := im.sensor.Program(c.plan, c.assignment, c.timings, c.lut)
	if err != nil {
		return fmt.Errorf("execute use case: %w", err)
	}

	if cm, ok := im.transport.(bridge.Commenter); ok {
		cm.Comment(fmt.Sprintf("execute %s %s", uc.TypeName, uc.ID))
	}
	if err := im.writeProgram(program); err != nil {
		return im.rollback(fmt.Errorf("execute use case: %w", err))
	}

	im.executing = uc.Clone()
	im.compiled = c
	im.metrics.SetSafeWindow(c.safeWindow)
	im.logf("executing %q: %d blocks, safe reconfig window %dms", uc.TypeName, c.assignment.UsedBlocks(), c.safeWindow)

	if im.journal != nil {
		if err := im.journal.RecordExecution(uc, c.safeWindow, c.assignment.BlockSizes()); err != nil {
			im.logf("journal: %v", err)
		}
	}
	return nil
}

// rollback power-cycles the sensor after a failed execution. It must be
// called with mu held.
func (im *Imager) rollback(cause error) error {
	im.logf("rolling back: %v", cause)
	err := im.sleep()
	if err == nil {
		err = im.wake()
	}
	if err == nil {
		err = im.initialize()
	}
	if err != nil {
		im.logf("rollback failed in state %s: %v", im.state, err)
	}
	return multierr.Combine(cause, err)
}

// IsVerificationFailure reports whether err is a refused use case and
// returns its status.
func IsVerificationFailure(err error) (VerificationStatus, bool) {
	var vErr *VerificationError
	if errors.As(err, &vErr) {
		return vErr.Status, true
	}
	return Success, false
}
