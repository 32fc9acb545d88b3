package bridge

import (
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"

	"github.com/banshee-data/tofseq/internal/monitoring"
	"github.com/banshee-data/tofseq/internal/timeutil"
)

// DefaultI2CAddr is the 7-bit bus address of the reference sensor.
const DefaultI2CAddr uint16 = 0x3d

// maxI2CBurst bounds the registers moved in one bus transaction.
const maxI2CBurst = 32

// I2CBridge accesses the sensor registers directly on an I2C bus. Register
// addresses and values are sent big endian. The reset line is an optional
// GPIO; the sensor reset is active low.
type I2CBridge struct {
	c     conn.Conn
	reset gpio.PinOut
	clock timeutil.Clock
}

// NewI2CBridge returns a bridge to the device at addr on bus b. reset may be
// nil when the board ties the reset line high.
func NewI2CBridge(b i2c.Bus, addr uint16, reset gpio.PinOut, clock timeutil.Clock) *I2CBridge {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &I2CBridge{
		c:     &i2c.Dev{Bus: b, Addr: addr},
		reset: reset,
		clock: clock,
	}
}

func (d *I2CBridge) String() string {
	return fmt.Sprintf("tof-i2c(%s)", d.c)
}

func (d *I2CBridge) ReadRegister(addr uint16) (uint16, error) {
	v, err := d.ReadBurst(addr, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (d *I2CBridge) WriteRegister(addr, value uint16) error {
	return d.WriteBurst(addr, []uint16{value})
}

func (d *I2CBridge) ReadBurst(addr uint16, n int) ([]uint16, error) {
	out := make([]uint16, 0, n)
	for len(out) < n {
		chunk := min(n-len(out), maxI2CBurst)
		start := addr + uint16(len(out))
		w := binary.BigEndian.AppendUint16(nil, start)
		r := make([]byte, 2*chunk)
		if err := d.c.Tx(w, r); err != nil {
			return nil, transportErr("i2c read", start, err)
		}
		for i := 0; i < chunk; i++ {
			out = append(out, binary.BigEndian.Uint16(r[2*i:]))
		}
	}
	return out, nil
}

func (d *I2CBridge) WriteBurst(addr uint16, values []uint16) error {
	for done := 0; done < len(values); {
		chunk := min(len(values)-done, maxI2CBurst)
		start := addr + uint16(done)
		w := binary.BigEndian.AppendUint16(make([]byte, 0, 2+2*chunk), start)
		for _, v := range values[done : done+chunk] {
			w = binary.BigEndian.AppendUint16(w, v)
		}
		if err := d.c.Tx(w, nil); err != nil {
			return transportErr("i2c write", start, err)
		}
		done += chunk
	}
	return nil
}

func (d *I2CBridge) Reset(asserted bool) error {
	if d.reset == nil {
		monitoring.Logf("[bridge] %s has no reset line, ignoring reset(%t)", d, asserted)
		return nil
	}
	level := gpio.High
	if asserted {
		level = gpio.Low
	}
	if err := d.reset.Out(level); err != nil {
		return fmt.Errorf("%w: reset line: %w", ErrTransport, err)
	}
	return nil
}

func (d *I2CBridge) SleepFor(dur time.Duration) {
	d.clock.Sleep(dur)
}

// Close leaves the bus open; the caller owns it.
func (d *I2CBridge) Close() error {
	return nil
}
