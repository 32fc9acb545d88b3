// Package journal keeps a sqlite record of the register traffic to the
// sensor and of every executed use case.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/monitoring"
	"github.com/banshee-data/tofseq/internal/usecase"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Journal is a migrated sqlite database. It implements bridge.Recorder and
// the imager's execution recorder.
type Journal struct {
	*sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the journal at path and applies pending migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	j := &Journal{DB: db, path: path, now: time.Now}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Record stores one transport event.
func (j *Journal) Record(e bridge.Event) error {
	var errText string
	if e.Err != nil {
		errText = e.Err.Error()
	}
	_, err := j.Exec(`
		INSERT INTO transport_events (time_ns, kind, address, value, count, duration_ns, text, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixNano(), e.Kind.String(), e.Address, e.Value, e.Count, int64(e.Duration), e.Text, errText,
	)
	return err
}

// Events returns the most recent transport events, oldest first. A limit
// of 0 or less returns every event.
func (j *Journal) Events(limit int) ([]bridge.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.Query(`
		SELECT time_ns, kind, address, value, count, duration_ns, text, error FROM (
			SELECT * FROM transport_events ORDER BY event_id DESC LIMIT ?
		) ORDER BY event_id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []bridge.Event
	for rows.Next() {
		var (
			e                   bridge.Event
			timeNs, durationNs  int64
			kind, text, errText string
		)
		if err := rows.Scan(&timeNs, &kind, &e.Address, &e.Value, &e.Count, &durationNs, &text, &errText); err != nil {
			return nil, err
		}
		k, ok := parseKind(kind)
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", kind)
		}
		e.Kind = k
		e.Time = time.Unix(0, timeNs)
		e.Duration = time.Duration(durationNs)
		e.Text = text
		if errText != "" {
			e.Err = errors.New(errText)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func parseKind(s string) (bridge.EventKind, bool) {
	for k := bridge.EventRead; k <= bridge.EventComment; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Execution is one executed use case.
type Execution struct {
	ID               int64
	Time             time.Time
	UseCaseID        uuid.UUID
	TypeName         string
	TargetRate       uint16
	RawFrames        int
	SafeWindowMillis uint32
	BlockSizes       []int
	UseCase          *usecase.UseCase
}

// RecordExecution stores an executed use case with its block layout.
func (j *Journal) RecordExecution(uc *usecase.UseCase, safeWindowMillis uint32, blockSizes []int) error {
	body, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("encoding use case: %w", err)
	}
	sizes, err := json.Marshal(blockSizes)
	if err != nil {
		return fmt.Errorf("encoding block sizes: %w", err)
	}
	_, err = j.Exec(`
		INSERT INTO executions (time_ns, use_case_id, type_name, target_rate, raw_frames, safe_window_ms, block_sizes, use_case)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.now().UnixNano(), uc.ID.String(), uc.TypeName, uc.TargetRate, uc.RawFrameCount(), safeWindowMillis, string(sizes), string(body),
	)
	return err
}

// Executions returns the most recent executions, newest first.
func (j *Journal) Executions(limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.Query(`
		SELECT execution_id, time_ns, use_case_id, type_name, target_rate, raw_frames, safe_window_ms, block_sizes, use_case
		FROM executions ORDER BY execution_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e           Execution
			timeNs      int64
			id          string
			sizes, body string
		)
		if err := rows.Scan(&e.ID, &timeNs, &id, &e.TypeName, &e.TargetRate, &e.RawFrames, &e.SafeWindowMillis, &sizes, &body); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, timeNs)
		if e.UseCaseID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("execution %d: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(sizes), &e.BlockSizes); err != nil {
			return nil, fmt.Errorf("execution %d block sizes: %w", e.ID, err)
		}
		e.UseCase = new(usecase.UseCase)
		if err := json.Unmarshal([]byte(body), e.UseCase); err != nil {
			return nil, fmt.Errorf("execution %d use case: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts tailsql over the journal on the tsweb debug mux.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+j.path, j.DB, &tailsql.DBOptions{
		Label: "tofseq journal",
	})
	debug.Handle("tailsql/", "SQL live debugging of the register journal", tsql.NewMux())
	monitoring.Logf("[journal] tailsql mounted for %s", j.path)
	return nil
}
