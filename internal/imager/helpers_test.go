package imager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/config"
	"github.com/banshee-data/tofseq/internal/monitoring"
	"github.com/banshee-data/tofseq/internal/sensor"
	"github.com/banshee-data/tofseq/internal/timeutil"
	"github.com/banshee-data/tofseq/internal/usecase"
)

func init() {
	monitoring.SetLogger(nil)
}

func reference(t *testing.T) *sensor.Reference {
	t.Helper()
	r, err := sensor.NewReference(config.MustLoadDefaultConfig())
	require.NoError(t, err)
	return r
}

// fourPhaseUseCase is one 4-phase 30 MHz set followed by a grayscale set at
// 5 fps. All five raw frames fit one measurement block.
func fourPhaseUseCase(t *testing.T) *usecase.UseCase {
	t.Helper()
	uc := usecase.New("MODE_9_5FPS", 5, 1, 5, 224, 172)
	mod, err := uc.CreateExposureGroup("mod", usecase.ExposureLimits{Min: 1, Max: 1000}, 500)
	require.NoError(t, err)
	gray, err := uc.CreateExposureGroup("gray", usecase.ExposureLimits{Min: 1, Max: 1000}, 100)
	require.NoError(t, err)
	require.NoError(t, uc.ConstructNonMixed([]usecase.RawFrameSet{
		{ModulationFrequency: 30000000, Phase: usecase.Modulated4PhCW, ExposureGroup: mod},
		{Phase: usecase.Grayscale, ExposureGroup: gray},
	}))
	return uc
}

// fakeSensor makes a register file behave like the sequencer: a start
// trigger sets the busy bit and a stop trigger clears it unless stuck is
// set. A reconfiguration trigger advances the reconfiguration counter.
type fakeSensor struct {
	stuck   bool
	pllFail bool
}

func (f *fakeSensor) onWrite(t *bridge.TestableTransport, addr, value uint16) {
	if addr != sensor.RegTrigger {
		return
	}
	switch value {
	case sensor.TriggerStart:
		status := sensor.StatusBusy
		if f.pllFail {
			status |= sensor.StatusPLLError
		}
		t.Set(sensor.RegStatus, status)
	case sensor.TriggerStop:
		if !f.stuck {
			t.Set(sensor.RegStatus, 0)
		}
	case sensor.TriggerReconfig:
		t.Set(sensor.RegReconfigCounter, t.Get(sensor.RegReconfigCounter)+1)
	}
}

type harness struct {
	im      *Imager
	tr      *bridge.TestableTransport
	clock   *timeutil.MockClock
	fake    *fakeSensor
	metrics *monitoring.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := bridge.NewTestableTransport(clock)
	fake := &fakeSensor{}
	tr.OnWrite = fake.onWrite
	metrics := monitoring.NewMetrics()
	im := New(reference(t), tr, Options{Clock: clock, Metrics: metrics})
	return &harness{im: im, tr: tr, clock: clock, fake: fake, metrics: metrics}
}

// ready brings the imager to Ready.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, h.im.Wake())
	require.NoError(t, h.im.Initialize())
}

// executing brings the imager to Ready with uc executed.
func (h *harness) executing(t *testing.T, uc *usecase.UseCase) {
	t.Helper()
	h.ready(t)
	require.NoError(t, h.im.ExecuteUseCase(uc))
}

// capturing brings the imager to Capturing with uc executed.
func (h *harness) capturing(t *testing.T, uc *usecase.UseCase) {
	t.Helper()
	h.executing(t, uc)
	require.NoError(t, h.im.StartCapture())
}
