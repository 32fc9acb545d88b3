// Package bridge provides the register transport to a time-of-flight sensor.
//
// The imager only ever talks to a Transport. The serial bridge speaks a line
// protocol to a USB bridge microcontroller, the I2C bridge drives the sensor
// bus directly through periph.io, and TestableTransport is an in-memory
// register file for tests and dry runs.
package bridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrTransport wraps every register I/O failure.
var ErrTransport = errors.New("register transport failure")

// Transport is the register-level access to one sensor. All calls are
// synchronous. Addresses and values are 16 bit.
type Transport interface {
	ReadRegister(addr uint16) (uint16, error)
	WriteRegister(addr, value uint16) error
	// ReadBurst reads n consecutive registers starting at addr.
	ReadBurst(addr uint16, n int) ([]uint16, error)
	// WriteBurst writes values to consecutive registers starting at addr.
	WriteBurst(addr uint16, values []uint16) error
	// Reset drives the sensor reset line; true holds the sensor in reset.
	Reset(asserted bool) error
	SleepFor(d time.Duration)
	Close() error
}

// Commenter is implemented by transports that can annotate their event log.
type Commenter interface {
	Comment(text string)
}

// Register is one register write. A zero Mask writes the whole value; any
// other mask is applied as a read-modify-write of the masked bits.
type Register struct {
	Address uint16
	Value   uint16
	Mask    uint16
}

func (r Register) String() string {
	if r.Mask == 0 {
		return fmt.Sprintf("0x%04x=0x%04x", r.Address, r.Value)
	}
	return fmt.Sprintf("0x%04x=0x%04x/0x%04x", r.Address, r.Value, r.Mask)
}

// Apply merges a masked write into the current register value.
func (r Register) Apply(current uint16) uint16 {
	if r.Mask == 0 {
		return r.Value
	}
	return current&^r.Mask | r.Value&r.Mask
}

func transportErr(op string, addr uint16, err error) error {
	return fmt.Errorf("%w: %s 0x%04x: %w", ErrTransport, op, addr, err)
}
