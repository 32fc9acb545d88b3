package imager

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/sensor"
)

// resetHook runs onReset before every reset of the wrapped transport.
type resetHook struct {
	*bridge.TestableTransport
	onReset func()
}

func (r *resetHook) Reset(asserted bool) error {
	r.onReset()
	return r.TestableTransport.Reset(asserted)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Virgin, h.im.State())

	require.NoError(t, h.im.Wake())
	assert.Equal(t, PowerUp, h.im.State())
	assert.Equal(t, []bool{false}, h.tr.Resets)

	require.NoError(t, h.im.Initialize())
	assert.Equal(t, Ready, h.im.State())
	assert.Equal(t, []uint16{0x1c03}, h.tr.WritesTo(0x9000))
	assert.Equal(t, []uint16{0x0008}, h.tr.WritesTo(sensor.RegMode))

	require.NoError(t, h.im.Sleep())
	assert.Equal(t, PowerDown, h.im.State())
	assert.Equal(t, []bool{false, true}, h.tr.Resets)

	require.NoError(t, h.im.Wake())
	assert.Equal(t, PowerUp, h.im.State())
}

func TestLifecycleExclusivity(t *testing.T) {
	uc := fourPhaseUseCase(t)
	for _, steps := range [][]func(*Imager) error{
		nil,
		{(*Imager).Sleep},
		{(*Imager).Wake},
	} {
		h := newHarness(t)
		for _, step := range steps {
			require.NoError(t, step(h.im))
		}
		state := h.im.State()

		if err := h.im.StartCapture(); !errors.Is(err, ErrWrongState) {
			t.Errorf("StartCapture() in %s err = %v, want ErrWrongState", state, err)
		}
		if err := h.im.ExecuteUseCase(uc); !errors.Is(err, ErrWrongState) {
			t.Errorf("ExecuteUseCase() in %s err = %v, want ErrWrongState", state, err)
		}
		if err := h.im.StopCapture(); !errors.Is(err, ErrWrongState) {
			t.Errorf("StopCapture() in %s err = %v, want ErrWrongState", state, err)
		}
		if _, err := h.im.ReconfigureExposureTimes([]uint32{400, 100}); !errors.Is(err, ErrWrongState) {
			t.Errorf("ReconfigureExposureTimes() in %s err = %v, want ErrWrongState", state, err)
		}
		if _, err := h.im.VerifyUseCase(uc); !errors.Is(err, ErrWrongState) {
			t.Errorf("VerifyUseCase() in %s err = %v, want ErrWrongState", state, err)
		}
		assert.Equal(t, state, h.im.State(), "failed calls must not change the state")
	}

	h := newHarness(t)
	h.ready(t)
	assert.ErrorIs(t, h.im.Wake(), ErrWrongState)
	assert.ErrorIs(t, h.im.Initialize(), ErrWrongState)
}

func TestExecuteUseCase(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	uc := fourPhaseUseCase(t)

	status, err := h.im.VerifyUseCase(uc)
	require.NoError(t, err)
	require.Equal(t, Success, status)

	require.NoError(t, h.im.ExecuteUseCase(uc))
	assert.Equal(t, Ready, h.im.State())
	assert.True(t, uc.Equal(h.im.ExecutingUseCase()))

	sizes, err := h.im.GetMeasurementBlockSizes()
	require.NoError(t, err)
	assert.Equal(t, []int{5}, sizes)

	regs := h.tr.Snapshot()
	assert.Equal(t, uint16(1875), regs[sensor.RegSequenceBase])
	assert.Equal(t, uint16(223), regs[sensor.RegROIColumnEnd])
	assert.Equal(t, uint16(1), regs[sensor.RegBlockCount])
	assert.Positive(t, h.tr.Bursts)
}

func TestExecuteKeepsACopy(t *testing.T) {
	h := newHarness(t)
	uc := fourPhaseUseCase(t)
	h.executing(t, uc)

	uc.TypeName = "CHANGED"
	got := h.im.ExecutingUseCase()
	assert.Equal(t, "MODE_9_5FPS", got.TypeName)
	got.TypeName = "ALSO_CHANGED"
	assert.Equal(t, "MODE_9_5FPS", h.im.ExecutingUseCase().TypeName)
}

func TestExecuteWritesOnlyChanges(t *testing.T) {
	h := newHarness(t)
	uc := fourPhaseUseCase(t)
	h.executing(t, uc)

	h.tr.ClearLog()
	require.NoError(t, h.im.ExecuteUseCase(uc))
	assert.Empty(t, h.tr.Writes, "executing the same use case again writes nothing")

	uc.ExposureGroups[1].ExposureTime = 200
	require.NoError(t, h.im.ExecuteUseCase(uc))
	// gray raw frame occupies sequence slot 4: exposure and frame rate counter change
	for _, w := range h.tr.Writes {
		if w.Address < sensor.RegSequenceBase+16 || w.Address > sensor.RegSequenceBase+20 {
			t.Errorf("unexpected write %s", w)
		}
	}
	assert.Equal(t, []uint16{78}, h.tr.WritesTo(sensor.RegSequenceBase+16))
}

func TestExecuteRefusesFailedVerification(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.tr.ClearLog()

	uc := fourPhaseUseCase(t)
	uc.Columns = 100
	err := h.im.ExecuteUseCase(uc)
	var vErr *VerificationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, Region, vErr.Status)
	assert.Empty(t, h.tr.Writes)
	assert.Equal(t, Ready, h.im.State())
	assert.Nil(t, h.im.ExecutingUseCase())

	if _, err := h.im.GetMeasurementBlockSizes(); !errors.Is(err, ErrNotExecuted) {
		t.Errorf("GetMeasurementBlockSizes() err = %v, want ErrNotExecuted", err)
	}
	if _, err := h.im.MaxSafeReconfigMillis(); !errors.Is(err, ErrNotExecuted) {
		t.Errorf("MaxSafeReconfigMillis() err = %v, want ErrNotExecuted", err)
	}
	assert.ErrorIs(t, h.im.StartCapture(), ErrNotExecuted)
}

func TestExecuteRollsBackOnTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	// base config took two write calls; fail the second write of the program
	h.tr.FailWritesAfter = 3

	err := h.im.ExecuteUseCase(fourPhaseUseCase(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, bridge.ErrInjected)
	// the re-initialization fails as well and both are reported
	assert.Len(t, multierr.Errors(err), 2)

	assert.Equal(t, []bool{false, true, false}, h.tr.Resets, "rollback power-cycles the sensor")
	assert.Equal(t, PowerUp, h.im.State())
	assert.Nil(t, h.im.ExecutingUseCase())
}

func TestExecuteRollbackRestoresReady(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.tr.ClearLog()
	// the first program write fails; the rollback reset lifts the failure
	h.tr.FailWritesAfter = 2
	resets := 0
	h.im.transport = &resetHook{TestableTransport: h.tr, onReset: func() {
		resets++
		h.tr.FailWritesAfter = -1
	}}

	err := h.im.ExecuteUseCase(fourPhaseUseCase(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Equal(t, Ready, h.im.State())
	assert.Equal(t, 2, resets)
	assert.NotEmpty(t, h.tr.WritesTo(0x9000), "base config rewritten")
}

func TestStartStopCapture(t *testing.T) {
	h := newHarness(t)
	h.capturing(t, fourPhaseUseCase(t))
	assert.Equal(t, Capturing, h.im.State())
	assert.Equal(t, []uint16{sensor.TriggerStart}, h.tr.WritesTo(sensor.RegTrigger))

	window, err := h.im.MaxSafeReconfigMillis()
	require.NoError(t, err)

	require.NoError(t, h.im.StopCapture())
	assert.Equal(t, Ready, h.im.State())
	assert.Equal(t, []uint16{sensor.TriggerStart, sensor.TriggerStop}, h.tr.WritesTo(sensor.RegTrigger))
	assert.Contains(t, h.clock.Sleeps(), time.Duration(window)*time.Millisecond+stopSettle)
}

func TestStartCaptureWaitsForEyeSafety(t *testing.T) {
	h := newHarness(t)
	h.capturing(t, fourPhaseUseCase(t))
	for _, d := range h.clock.Sleeps() {
		assert.Less(t, d, 10*time.Millisecond, "first start after power up does not wait")
	}
	require.NoError(t, h.im.StopCapture())

	before := len(h.clock.Sleeps())
	require.NoError(t, h.im.StartCapture())
	sleeps := h.clock.Sleeps()[before:]
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, sleeps)

	// a stop long ago needs no wait
	require.NoError(t, h.im.StopCapture())
	h.clock.Advance(time.Second)
	before = len(h.clock.Sleeps())
	require.NoError(t, h.im.StartCapture())
	assert.Empty(t, h.clock.Sleeps()[before:])
}

func TestStartCaptureBusy(t *testing.T) {
	h := newHarness(t)
	h.executing(t, fourPhaseUseCase(t))
	h.tr.Set(sensor.RegStatus, sensor.StatusBusy)

	err := h.im.StartCapture()
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, Ready, h.im.State())
	assert.Empty(t, h.tr.WritesTo(sensor.RegTrigger))
}

func TestStartCapturePLLError(t *testing.T) {
	h := newHarness(t)
	h.executing(t, fourPhaseUseCase(t))
	h.fake.pllFail = true

	err := h.im.StartCapture()
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, Ready, h.im.State())
	assert.Equal(t, []uint16{sensor.TriggerStart, sensor.TriggerStop}, h.tr.WritesTo(sensor.RegTrigger))
}

func TestStopCaptureTimeout(t *testing.T) {
	h := newHarness(t)
	h.capturing(t, fourPhaseUseCase(t))
	h.fake.stuck = true

	start := h.clock.Now()
	err := h.im.StopCapture()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Capturing, h.im.State(), "a failed stop leaves the imager capturing")
	assert.GreaterOrEqual(t, h.clock.Since(start), 500*time.Millisecond)

	h.fake.stuck = false
	require.NoError(t, h.im.StopCapture())
	assert.Equal(t, Ready, h.im.State())
}

func TestStopCaptureTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.capturing(t, fourPhaseUseCase(t))
	h.tr.ReadError = errors.New("bus stuck")

	assert.ErrorIs(t, h.im.StopCapture(), ErrTransport)
	assert.Equal(t, Capturing, h.im.State())
}

func TestSleepForgetsExecutedUseCase(t *testing.T) {
	h := newHarness(t)
	h.executing(t, fourPhaseUseCase(t))
	require.NoError(t, h.im.Sleep())
	assert.Nil(t, h.im.ExecutingUseCase())
	_, err := h.im.GetMeasurementBlockSizes()
	assert.ErrorIs(t, err, ErrNotExecuted)

	// wake clears the shadow, so initialize writes the base config again
	h.tr.ClearLog()
	h.ready(t)
	assert.Equal(t, []uint16{0x1c03}, h.tr.WritesTo(0x9000))
}

func TestStateString(t *testing.T) {
	names := []string{Virgin.String(), PowerDown.String(), PowerUp.String(), Ready.String(), Capturing.String()}
	assert.Equal(t, []string{"Virgin", "PowerDown", "PowerUp", "Ready", "Capturing"}, names)
	assert.Equal(t, "State(9)", State(9).String())
}

func TestSleepInPowerDownDoesNothing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.im.Wake())
	require.NoError(t, h.im.Sleep())
	require.NoError(t, h.im.Sleep())
	assert.Equal(t, PowerDown, h.im.State())
	assert.Equal(t, []bool{false, true}, h.tr.Resets, "no second reset")

	h = newHarness(t)
	h.capturing(t, fourPhaseUseCase(t))
	assert.ErrorIs(t, h.im.Sleep(), ErrWrongState)
}
