package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/tofseq/internal/timeutil"
)

// ErrWriteFailed is returned when the port accepts fewer bytes than sent.
var ErrWriteFailed = errors.New("failed to write to serial port")

// SerialPorter is the minimal interface needed for a serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialBridge talks to a bridge microcontroller that forwards register
// accesses to the sensor. Each request is one line, each reply is one line:
//
//	R 9400            -> 0001
//	W 9400 0001       -> OK
//	RB 9410 2         -> 0001 0002
//	WB 9410 0001 0002 -> OK
//	RST 1             -> OK
//
// Values are hexadecimal. A reply starting with ERR is a bridge-side failure.
type SerialBridge[T SerialPorter] struct {
	port   T
	reader *bufio.Reader
	clock  timeutil.Clock
	// maxBurst bounds the registers sent in one WB line.
	maxBurst int

	mu sync.Mutex
}

// NewSerialBridge wraps an open port. A nil clock selects the real clock.
func NewSerialBridge[T SerialPorter](port T, clock timeutil.Clock) *SerialBridge[T] {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SerialBridge[T]{
		port:     port,
		reader:   bufio.NewReader(port),
		clock:    clock,
		maxBurst: 64,
	}
}

// OpenSerialBridge opens the serial device at path.
func OpenSerialBridge(path string, opts PortOptions) (*SerialBridge[serial.Port], error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrTransport, path, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %w", ErrTransport, path, err)
	}
	return NewSerialBridge[serial.Port](port, nil), nil
}

// roundTrip sends one command line and returns the reply line.
func (s *SerialBridge[T]) roundTrip(command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return "", err
	}
	if n != len(command) {
		return "", ErrWriteFailed
	}

	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading reply to %q: %w", strings.TrimSpace(command), err)
	}
	line = strings.TrimSpace(line)
	if msg, ok := strings.CutPrefix(line, "ERR"); ok {
		return "", fmt.Errorf("bridge error: %s", strings.TrimSpace(msg))
	}
	return line, nil
}

func (s *SerialBridge[T]) expectOK(command string) error {
	reply, err := s.roundTrip(command)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("unexpected reply %q", reply)
	}
	return nil
}

func parseWords(reply string, n int) ([]uint16, error) {
	fields := strings.Fields(reply)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d values, got %q", n, reply)
	}
	out := make([]uint16, n)
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("bad value %q: %w", f, err)
		}
		out[i] = uint16(v)
	}
	return out, nil
}

func (s *SerialBridge[T]) ReadRegister(addr uint16) (uint16, error) {
	reply, err := s.roundTrip(fmt.Sprintf("R %04X", addr))
	if err != nil {
		return 0, transportErr("read", addr, err)
	}
	v, err := parseWords(reply, 1)
	if err != nil {
		return 0, transportErr("read", addr, err)
	}
	return v[0], nil
}

func (s *SerialBridge[T]) WriteRegister(addr, value uint16) error {
	if err := s.expectOK(fmt.Sprintf("W %04X %04X", addr, value)); err != nil {
		return transportErr("write", addr, err)
	}
	return nil
}

func (s *SerialBridge[T]) ReadBurst(addr uint16, n int) ([]uint16, error) {
	if n <= 0 {
		return nil, nil
	}
	reply, err := s.roundTrip(fmt.Sprintf("RB %04X %d", addr, n))
	if err != nil {
		return nil, transportErr("burst read", addr, err)
	}
	v, err := parseWords(reply, n)
	if err != nil {
		return nil, transportErr("burst read", addr, err)
	}
	return v, nil
}

// WriteBurst splits long bursts into lines of at most maxBurst registers.
func (s *SerialBridge[T]) WriteBurst(addr uint16, values []uint16) error {
	for start := 0; start < len(values); start += s.maxBurst {
		end := min(start+s.maxBurst, len(values))
		var b strings.Builder
		fmt.Fprintf(&b, "WB %04X", addr+uint16(start))
		for _, v := range values[start:end] {
			fmt.Fprintf(&b, " %04X", v)
		}
		if err := s.expectOK(b.String()); err != nil {
			return transportErr("burst write", addr+uint16(start), err)
		}
	}
	return nil
}

func (s *SerialBridge[T]) Reset(asserted bool) error {
	cmd := "RST 0"
	if asserted {
		cmd = "RST 1"
	}
	if err := s.expectOK(cmd); err != nil {
		return fmt.Errorf("%w: reset: %w", ErrTransport, err)
	}
	return nil
}

func (s *SerialBridge[T]) SleepFor(d time.Duration) {
	s.clock.Sleep(d)
}

func (s *SerialBridge[T]) Close() error {
	return s.port.Close()
}
