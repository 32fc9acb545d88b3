package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tofseq/internal/monitoring"
)

// EventKind classifies a transport event.
type EventKind int

const (
	EventRead EventKind = iota
	EventWrite
	EventBurstStart
	EventBurstEnd
	EventSleep
	EventReset
	EventComment
)

var eventKindNames = [...]string{"read", "write", "burst_start", "burst_end", "sleep", "reset", "comment"}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event is one logged transport operation.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Address  uint16
	Value    uint16
	Count    int
	Duration time.Duration
	Text     string
	Err      error
}

// Recorder receives transport events, usually the journal.
type Recorder interface {
	Record(Event) error
}

// Logged wraps a Transport and reports every operation to a Recorder.
// Recording failures are logged and never fail the register operation.
type Logged struct {
	Transport
	rec Recorder
	now func() time.Time

	mu       sync.Mutex
	failures int
}

// NewLogged wraps t. now stamps the events; nil selects time.Now.
func NewLogged(t Transport, rec Recorder, now func() time.Time) *Logged {
	if now == nil {
		now = time.Now
	}
	return &Logged{Transport: t, rec: rec, now: now}
}

func (l *Logged) record(e Event) {
	e.Time = l.now()
	if err := l.rec.Record(e); err != nil {
		l.mu.Lock()
		l.failures++
		n := l.failures
		l.mu.Unlock()
		// only the first few failures are worth a log line
		if n <= 3 {
			monitoring.Logf("[bridge] failed to record %s event: %v", e.Kind, err)
		}
	}
}

// RecordFailures returns how many events the recorder rejected.
func (l *Logged) RecordFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

func (l *Logged) ReadRegister(addr uint16) (uint16, error) {
	v, err := l.Transport.ReadRegister(addr)
	l.record(Event{Kind: EventRead, Address: addr, Value: v, Count: 1, Err: err})
	return v, err
}

func (l *Logged) WriteRegister(addr, value uint16) error {
	err := l.Transport.WriteRegister(addr, value)
	l.record(Event{Kind: EventWrite, Address: addr, Value: value, Count: 1, Err: err})
	return err
}

func (l *Logged) ReadBurst(addr uint16, n int) ([]uint16, error) {
	l.record(Event{Kind: EventBurstStart, Address: addr, Count: n, Text: "read"})
	values, err := l.Transport.ReadBurst(addr, n)
	for i, v := range values {
		l.record(Event{Kind: EventRead, Address: addr + uint16(i), Value: v, Count: 1})
	}
	l.record(Event{Kind: EventBurstEnd, Address: addr, Count: len(values), Err: err})
	return values, err
}

func (l *Logged) WriteBurst(addr uint16, values []uint16) error {
	l.record(Event{Kind: EventBurstStart, Address: addr, Count: len(values), Text: "write"})
	err := l.Transport.WriteBurst(addr, values)
	for i, v := range values {
		l.record(Event{Kind: EventWrite, Address: addr + uint16(i), Value: v, Count: 1})
	}
	l.record(Event{Kind: EventBurstEnd, Address: addr, Count: len(values), Err: err})
	return err
}

func (l *Logged) Reset(asserted bool) error {
	err := l.Transport.Reset(asserted)
	e := Event{Kind: EventReset, Err: err}
	if asserted {
		e.Value = 1
	}
	l.record(e)
	return err
}

func (l *Logged) SleepFor(d time.Duration) {
	l.Transport.SleepFor(d)
	l.record(Event{Kind: EventSleep, Duration: d})
}

// Comment adds a free-text marker to the event log.
func (l *Logged) Comment(text string) {
	l.record(Event{Kind: EventComment, Text: text})
}
