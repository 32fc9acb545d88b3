package bridge

import (
	"bytes"
	"errors"
	"sync"
)

// TestableSerialPort implements SerialPorter with canned replies for testing
// the serial bridge without hardware.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds the bridge replies returned by Read.
	ReadBuffer *bytes.Buffer
	// WriteBuffer captures the command lines written to the port.
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set.
	ReadError error
	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes the next Write report one byte less than given.
	ShortWrite bool
	// CloseError is returned by Close if set.
	CloseError error

	Closed     bool
	WriteCalls int
}

// NewTestableSerialPort creates an empty TestableSerialPort.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		t.ShortWrite = false
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

// AddReply queues reply lines for subsequent reads.
func (t *TestableSerialPort) AddReply(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range lines {
		t.ReadBuffer.WriteString(l + "\n")
	}
}

// Commands returns the command lines written so far.
func (t *TestableSerialPort) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.WriteBuffer.String()
	if s == "" {
		return nil
	}
	lines := bytes.Split(bytes.TrimSuffix([]byte(s), []byte("\n")), []byte("\n"))
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}
