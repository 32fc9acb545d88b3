// Package imager runs the lifecycle of one time-of-flight sensor: power
// states, use case verification and execution, capture and live
// reconfiguration. It is the only component that talks to the register
// transport.
package imager

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/monitoring"
	"github.com/banshee-data/tofseq/internal/sensor"
	"github.com/banshee-data/tofseq/internal/timeutil"
	"github.com/banshee-data/tofseq/internal/usecase"
)

// stopSettle is added to the safe reconfiguration window before the stop
// status is polled.
const stopSettle = 10 * time.Millisecond

// ExecutionRecorder persists every successfully executed use case.
type ExecutionRecorder interface {
	RecordExecution(uc *usecase.UseCase, safeWindowMillis uint32, blockSizes []int) error
}

// Options configures an Imager. The zero value uses the real clock and no
// metrics or journal.
type Options struct {
	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
	Journal ExecutionRecorder
}

// Imager is the lifecycle state machine for one sensor. All methods are safe
// for concurrent use; transitions are serialized.
type Imager struct {
	sensor    sensor.Capability
	transport bridge.Transport
	clock     timeutil.Clock
	metrics   *monitoring.Metrics
	journal   ExecutionRecorder
	logf      func(format string, v ...interface{})

	mu        sync.Mutex
	state     State
	shadow    shadow
	executing *usecase.UseCase
	compiled  *compiled
	lastStop  time.Time

	// reconfigMu guards the single outstanding reconfiguration.
	reconfigMu  sync.Mutex
	outstanding *uint16
}

// New returns an imager in the Virgin state.
func New(s sensor.Capability, t bridge.Transport, opts Options) *Imager {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Imager{
		sensor:    s,
		transport: t,
		clock:     clock,
		metrics:   opts.Metrics,
		journal:   opts.Journal,
		logf:      monitoring.Prefixed("[imager]"),
		shadow:    make(shadow),
	}
}

// State returns the current lifecycle state.
func (im *Imager) State() State {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.state
}

func (im *Imager) setState(s State) {
	if s == im.state {
		return
	}
	im.logf("%s -> %s", im.state, s)
	im.state = s
	im.metrics.IncTransition(s.String())
}

func (im *Imager) requireState(op string, allowed ...State) error {
	if !slices.Contains(allowed, im.state) {
		return fmt.Errorf("%w: %s in state %s", ErrWrongState, op, im.state)
	}
	return nil
}

// Wake releases the sensor from reset and moves to PowerUp. The register
// shadow is cleared since the sensor starts from its reset values.
func (im *Imager) Wake() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.requireState("wake", Virgin, PowerDown); err != nil {
		return err
	}
	return im.wake()
}

func (im *Imager) wake() error {
	clear(im.shadow)
	im.transport.SleepFor(time.Microsecond)
	if err := im.transport.Reset(false); err != nil {
		return fmt.Errorf("wake: %w", err)
	}
	im.setState(PowerUp)
	return nil
}

// Sleep holds the sensor in reset and moves to PowerDown. The executed use
// case is forgotten. Sleeping in PowerDown does nothing.
func (im *Imager) Sleep() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.state == PowerDown {
		return nil
	}
	if err := im.requireState("sleep", Virgin, PowerUp, Ready); err != nil {
		return err
	}
	return im.sleep()
}

func (im *Imager) sleep() error {
	if err := im.transport.Reset(true); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	im.setState(PowerDown)
	im.executing = nil
	im.compiled = nil
	im.lastStop = im.clock.Now()
	return nil
}

// Initialize writes the sensor base configuration and moves to Ready.
func (im *Imager) Initialize() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.requireState("initialize", PowerUp); err != nil {
		return err
	}
	return im.initialize()
}

func (im *Imager) initialize() error {
	if err := im.writeProgram(im.sensor.BaseConfig()); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	im.setState(Ready)
	return nil
}

func (im *Imager) writeProgram(program []bridge.Register) error {
	registers, bursts, err := im.shadow.write(im.transport, program)
	im.metrics.AddRegisterWrites(registers, bursts)
	return err
}

// VerifyUseCase checks uc against the sensor without any register I/O. It
// is allowed in Ready and, to vet a reconfiguration, in Capturing.
func (im *Imager) VerifyUseCase(uc *usecase.UseCase) (VerificationStatus, error) {
	im.mu.Lock()
	err := im.requireState("verify", Ready, Capturing)
	im.mu.Unlock()
	if err != nil {
		return 0, err
	}
	status, err := Verify(im.sensor, uc)
	if err != nil {
		return 0, err
	}
	im.metrics.IncVerification(status.String())
	return status, nil
}

// StartCapture triggers the sequencer. It first waits out the eye-safety gap
// after the last stop and fails with ErrBusy while the sequencer still runs.
func (im *Imager) StartCapture() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.requireState("start capture", Ready); err != nil {
		return err
	}
	if im.compiled == nil {
		return fmt.Errorf("start capture: %w", ErrNotExecuted)
	}

	if wait := im.sensor.Limits().MinStopToStart - im.clock.Since(im.lastStop); wait > 0 {
		im.transport.SleepFor(wait)
	}

	ctl := im.sensor.Control()
	status, err := im.transport.ReadRegister(ctl.Status)
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	if status&ctl.BusyMask != 0 {
		return fmt.Errorf("start capture: %w: sequencer status 0x%04x", ErrBusy, status)
	}
	if err := im.transport.WriteRegister(ctl.Trigger, ctl.TriggerStart); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	status, err = im.transport.ReadRegister(ctl.Status)
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	if status&ctl.PLLErrorMask != 0 {
		if err := im.transport.WriteRegister(ctl.Trigger, ctl.TriggerStop); err != nil {
			im.logf("stop after PLL error: %v", err)
		}
		return fmt.Errorf("start capture: %w: PLL not locked, status 0x%04x", ErrTransport, status)
	}
	im.setState(Capturing)
	return nil
}

// StopCapture stops the sequencer and blocks until the sensor reports idle.
// On timeout the imager stays in Capturing.
func (im *Imager) StopCapture() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.requireState("stop capture", Capturing); err != nil {
		return err
	}

	ctl := im.sensor.Control()
	limits := im.sensor.Limits()
	if err := im.transport.WriteRegister(ctl.Trigger, ctl.TriggerStop); err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	var window time.Duration
	if im.compiled != nil {
		window = time.Duration(im.compiled.safeWindow) * time.Millisecond
	}
	im.transport.SleepFor(window + stopSettle)

	poll := limits.PollInterval
	if poll <= 0 {
		poll = time.Millisecond
	}
	start := im.clock.Now()
	for {
		status, err := im.transport.ReadRegister(ctl.Status)
		if err != nil {
			return fmt.Errorf("stop capture: %w", err)
		}
		if status&ctl.BusyMask == 0 {
			break
		}
		if im.clock.Since(start) >= limits.StopTimeout {
			return fmt.Errorf("stop capture: %w: sequencer still busy after %s", ErrTimeout, limits.StopTimeout)
		}
		im.transport.SleepFor(poll)
	}

	im.setState(Ready)
	im.lastStop = im.clock.Now()
	im.reconfigMu.Lock()
	im.outstanding = nil
	im.reconfigMu.Unlock()
	return nil
}

// ExecutingUseCase returns a copy of the executed use case, or nil.
func (im *Imager) ExecutingUseCase() *usecase.UseCase {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.executing == nil {
		return nil
	}
	return im.executing.Clone()
}

// GetMeasurementBlockSizes returns the raw frame count of every block
// occurrence of the executed use case, each repeat counted separately.
func (im *Imager) GetMeasurementBlockSizes() ([]int, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.compiled == nil {
		return nil, ErrNotExecuted
	}
	return im.compiled.assignment.BlockSizes(), nil
}

// MaxSafeReconfigMillis returns the safe reconfiguration window of the
// executed use case.
func (im *Imager) MaxSafeReconfigMillis() (uint32, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.compiled == nil {
		return 0, ErrNotExecuted
	}
	return im.compiled.safeWindow, nil
}
