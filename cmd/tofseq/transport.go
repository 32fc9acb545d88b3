package main

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/sensor"
	"github.com/banshee-data/tofseq/internal/timeutil"
)

type transportOptions struct {
	Kind     string
	Port     string
	Baud     int
	I2CBus   string
	I2CAddr  uint16
	ResetPin string
}

// i2cTransport closes the bus together with the bridge.
type i2cTransport struct {
	*bridge.I2CBridge
	bus i2c.BusCloser
}

func (t *i2cTransport) Close() error {
	return t.bus.Close()
}

func openTransport(o transportOptions, clock timeutil.Clock) (bridge.Transport, error) {
	switch o.Kind {
	case "mock":
		return newMockTransport(clock), nil
	case "serial":
		b, err := bridge.OpenSerialBridge(o.Port, bridge.PortOptions{BaudRate: o.Baud})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "i2c":
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialize periph host: %w", err)
		}
		bus, err := i2creg.Open(o.I2CBus)
		if err != nil {
			return nil, fmt.Errorf("failed to open I2C bus %q: %w", o.I2CBus, err)
		}
		var reset gpio.PinOut
		if o.ResetPin != "" {
			pin := gpioreg.ByName(o.ResetPin)
			if pin == nil {
				bus.Close()
				return nil, fmt.Errorf("unknown reset pin %q", o.ResetPin)
			}
			reset = pin
		}
		return &i2cTransport{I2CBridge: bridge.NewI2CBridge(bus, o.I2CAddr, reset, clock), bus: bus}, nil
	default:
		return nil, fmt.Errorf("unknown bridge %q (want serial, i2c or mock)", o.Kind)
	}
}

// newMockTransport is an in-memory sensor for dry runs. Its sequencer goes
// busy on start, idle on stop and counts reconfigurations.
func newMockTransport(clock timeutil.Clock) *bridge.TestableTransport {
	mock := bridge.NewTestableTransport(clock)
	mock.OnWrite = func(t *bridge.TestableTransport, addr, value uint16) {
		if addr != sensor.RegTrigger {
			return
		}
		switch value {
		case sensor.TriggerStart:
			t.Set(sensor.RegStatus, sensor.StatusBusy)
		case sensor.TriggerStop:
			t.Set(sensor.RegStatus, 0)
		case sensor.TriggerReconfig:
			t.Set(sensor.RegReconfigCounter, t.Get(sensor.RegReconfigCounter)+1)
		}
	}
	return mock
}
