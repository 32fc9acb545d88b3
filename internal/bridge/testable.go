package bridge

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/banshee-data/tofseq/internal/timeutil"
)

// ErrInjected is the error used by TestableTransport when a failure is
// injected without a specific error.
var ErrInjected = errors.New("injected transport failure")

// TestableTransport is an in-memory register file implementing Transport.
// It records every write and can be scripted to return sequences of values
// and to fail at chosen points.
type TestableTransport struct {
	mu sync.Mutex

	registers map[uint16]uint16
	scripts   map[uint16][]uint16
	clock     timeutil.Clock

	// Writes lists every register written, bursts expanded, in order.
	Writes []Register
	// Bursts counts WriteBurst calls.
	Bursts int
	// Reads lists every address read, bursts expanded.
	Reads []uint16
	// Resets lists every Reset argument.
	Resets []bool

	// FailWritesAfter fails the write call after this many successful write
	// calls (WriteRegister or WriteBurst). Negative disables it.
	FailWritesAfter int
	// WriteError, ReadError and ResetError are returned by every matching
	// call while set.
	WriteError error
	ReadError  error
	ResetError error
	Closed     bool

	// OnWrite is called after each register write, outside the lock. A fake
	// sensor uses it to react to trigger registers.
	OnWrite func(t *TestableTransport, addr, value uint16)

	writeCalls int
}

// NewTestableTransport returns an empty register file. A nil clock selects a
// mock clock starting at the zero time.
func NewTestableTransport(clock timeutil.Clock) *TestableTransport {
	if clock == nil {
		clock = timeutil.NewMockClock(time.Time{})
	}
	return &TestableTransport{
		registers:       make(map[uint16]uint16),
		scripts:         make(map[uint16][]uint16),
		clock:           clock,
		FailWritesAfter: -1,
	}
}

// Set stores a register value without logging a write.
func (t *TestableTransport) Set(addr, value uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registers[addr] = value
}

// Get returns a register value without logging a read.
func (t *TestableTransport) Get(addr uint16) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registers[addr]
}

// Snapshot copies the register file.
func (t *TestableTransport) Snapshot() map[uint16]uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.registers)
}

// Script queues values returned by successive reads of addr. Once the
// queue is drained, reads return the stored register value again.
func (t *TestableTransport) Script(addr uint16, values ...uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[addr] = append(t.scripts[addr], values...)
}

// WritesTo returns the values written to addr, in order.
func (t *TestableTransport) WritesTo(addr uint16) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint16
	for _, w := range t.Writes {
		if w.Address == addr {
			out = append(out, w.Value)
		}
	}
	return out
}

// ClearLog forgets the recorded reads, writes and resets.
func (t *TestableTransport) ClearLog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Writes = nil
	t.Reads = nil
	t.Resets = nil
	t.Bursts = 0
}

func (t *TestableTransport) read(addr uint16) uint16 {
	t.Reads = append(t.Reads, addr)
	if q := t.scripts[addr]; len(q) > 0 {
		t.scripts[addr] = q[1:]
		t.registers[addr] = q[0]
	}
	return t.registers[addr]
}

func (t *TestableTransport) ReadRegister(addr uint16) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ReadError != nil {
		return 0, transportErr("read", addr, t.ReadError)
	}
	return t.read(addr), nil
}

func (t *TestableTransport) ReadBurst(addr uint16, n int) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ReadError != nil {
		return nil, transportErr("burst read", addr, t.ReadError)
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = t.read(addr + uint16(i))
	}
	return out, nil
}

// checkWrite must be called with the lock held.
func (t *TestableTransport) checkWrite(addr uint16) error {
	if t.WriteError != nil {
		return transportErr("write", addr, t.WriteError)
	}
	if t.FailWritesAfter >= 0 && t.writeCalls >= t.FailWritesAfter {
		return transportErr("write", addr, ErrInjected)
	}
	t.writeCalls++
	return nil
}

func (t *TestableTransport) WriteRegister(addr, value uint16) error {
	return t.WriteBurst(addr, []uint16{value})
}

func (t *TestableTransport) WriteBurst(addr uint16, values []uint16) error {
	t.mu.Lock()
	if err := t.checkWrite(addr); err != nil {
		t.mu.Unlock()
		return err
	}
	if len(values) > 1 {
		t.Bursts++
	}
	for i, v := range values {
		a := addr + uint16(i)
		t.registers[a] = v
		t.Writes = append(t.Writes, Register{Address: a, Value: v})
	}
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		for i, v := range values {
			hook(t, addr+uint16(i), v)
		}
	}
	return nil
}

func (t *TestableTransport) Reset(asserted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ResetError != nil {
		return transportErr("reset", 0, t.ResetError)
	}
	t.Resets = append(t.Resets, asserted)
	return nil
}

func (t *TestableTransport) SleepFor(d time.Duration) {
	t.clock.Sleep(d)
}

func (t *TestableTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

var (
	_ Transport = (*TestableTransport)(nil)
	_ Transport = (*SerialBridge[*TestableSerialPort])(nil)
	_ Transport = (*I2CBridge)(nil)
	_ Transport = (*Logged)(nil)
	_ Commenter = (*Logged)(nil)
)
