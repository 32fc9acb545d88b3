package journal

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/monitoring"
	"github.com/banshee-data/tofseq/internal/usecase"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenAppliesMigrations(t *testing.T) {
	j := openTestJournal(t)

	version, dirty, err := j.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	for _, table := range []string{"transport_events", "executions"} {
		var n int
		err := j.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s", table)
	}

	var mode string
	require.NoError(t, j.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	// a second run is a no-op
	require.NoError(t, j.MigrateUp())
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(bridge.Event{Kind: bridge.EventWrite, Address: 1, Value: 2, Time: time.Unix(10, 0)}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	events, err := j.Events(0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordEvents(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []bridge.Event{
		{Kind: bridge.EventComment, Time: base, Text: "execute MODE_9"},
		{Kind: bridge.EventBurstStart, Time: base, Address: 0x9100, Count: 2},
		{Kind: bridge.EventWrite, Time: base, Address: 0x9100, Value: 1875},
		{Kind: bridge.EventWrite, Time: base, Address: 0x9101, Value: 24},
		{Kind: bridge.EventBurstEnd, Time: base, Address: 0x9100, Count: 2},
		{Kind: bridge.EventSleep, Time: base.Add(time.Millisecond), Duration: 10 * time.Millisecond},
		{Kind: bridge.EventRead, Time: base.Add(2 * time.Millisecond), Address: 0x9400, Err: errors.New("nack")},
	}
	for _, e := range in {
		require.NoError(t, j.Record(e))
	}

	all, err := j.Events(0)
	require.NoError(t, err)
	require.Len(t, all, len(in))
	for i := range in {
		assert.Equal(t, in[i].Kind, all[i].Kind)
		assert.True(t, in[i].Time.Equal(all[i].Time), "event %d time", i)
		assert.Equal(t, in[i].Address, all[i].Address)
		assert.Equal(t, in[i].Value, all[i].Value)
		assert.Equal(t, in[i].Count, all[i].Count)
		assert.Equal(t, in[i].Duration, all[i].Duration)
		assert.Equal(t, in[i].Text, all[i].Text)
	}
	require.Error(t, all[6].Err)
	assert.Equal(t, "nack", all[6].Err.Error())

	last, err := j.Events(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, bridge.EventSleep, last[0].Kind, "limited queries stay oldest first")
	assert.Equal(t, bridge.EventRead, last[1].Kind)
}

func TestLoggedTransportRecordsToJournal(t *testing.T) {
	j := openTestJournal(t)
	tr := bridge.NewTestableTransport(nil)
	logged := bridge.NewLogged(tr, j, nil)

	require.NoError(t, logged.WriteBurst(0x10, []uint16{1, 2}))
	_, err := logged.ReadRegister(0x10)
	require.NoError(t, err)

	events, err := j.Events(0)
	require.NoError(t, err)
	kinds := make([]bridge.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []bridge.EventKind{
		bridge.EventBurstStart, bridge.EventWrite, bridge.EventWrite, bridge.EventBurstEnd, bridge.EventRead,
	}, kinds)
}

func testUseCase(t *testing.T) *usecase.UseCase {
	t.Helper()
	uc := usecase.New("MODE_9_5FPS", 5, 1, 5, 224, 172)
	g, err := uc.CreateExposureGroup("mod", usecase.ExposureLimits{Min: 1, Max: 1000}, 500)
	require.NoError(t, err)
	require.NoError(t, uc.ConstructNonMixed([]usecase.RawFrameSet{
		{ModulationFrequency: 30000000, Phase: usecase.Modulated4PhCW, ExposureGroup: g, DutyCycle: usecase.DutyCycle37_5},
	}))
	return uc
}

func TestRecordExecution(t *testing.T) {
	j := openTestJournal(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return at }

	first := testUseCase(t)
	second := testUseCase(t)
	second.TypeName = "SECOND"
	require.NoError(t, j.RecordExecution(first, 200, []int{4}))
	require.NoError(t, j.RecordExecution(second, 125, []int{2, 2}))

	execs, err := j.Executions(0)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	latest := execs[0]
	assert.Equal(t, "SECOND", latest.TypeName)
	assert.Equal(t, second.ID, latest.UseCaseID)
	assert.Equal(t, uint32(125), latest.SafeWindowMillis)
	assert.Equal(t, []int{2, 2}, latest.BlockSizes)
	assert.Equal(t, 4, latest.RawFrames)
	assert.Equal(t, uint16(5), latest.TargetRate)
	assert.True(t, at.Equal(latest.Time))
	assert.True(t, second.Equal(latest.UseCase), "use case survives the round trip")

	one, err := j.Executions(1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, latest.ID, one[0].ID)
}

func TestAttachAdminRoutes(t *testing.T) {
	j := openTestJournal(t)
	mux := http.NewServeMux()
	require.NoError(t, j.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusNotFound, w.Code, "tailsql route registered")
}
