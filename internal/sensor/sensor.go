// Package sensor describes what the imager needs to know about one sensor
// variant: its sequencer resources, its limits, the raw frame duration model,
// the frequency synthesis and the register program. Reference is a
// config-driven implementation of that capability.
package sensor

import (
	"errors"
	"time"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/sequencer"
	"github.com/banshee-data/tofseq/internal/usecase"
)

var (
	// ErrOutOfRange is returned for values the sensor registers cannot hold.
	ErrOutOfRange = errors.New("value out of sensor range")
	// ErrPLLInfeasible is returned when no synthesizer setting produces the
	// requested frequency.
	ErrPLLInfeasible = errors.New("modulation frequency not feasible for the PLL")
)

// LUT maps a modulation frequency to its PLL lookup-table slot.
type LUT map[uint32]int

// Limits are the static ranges the imager verifies a use case against.
type Limits struct {
	MaxColumns      uint16
	MaxRows         uint16
	ColumnAlignment uint16

	MaxModulationFrequency uint32
	ModulationStep         uint32
	GrayscaleFrequency     uint32
	LUTSlots               int
	SSC                    bool

	MaxStreams       int
	DefaultDutyCycle usecase.DutyCycle
	DutyCycles       []usecase.DutyCycle

	// MinStopToStart is the eye-safety gap between a stop and the next start.
	MinStopToStart time.Duration
	StopTimeout    time.Duration
	PollInterval   time.Duration
}

// ControlRegisters locates the registers the lifecycle drives directly.
type ControlRegisters struct {
	Status          uint16
	Trigger         uint16
	ReconfigCounter uint16

	TriggerStart    uint16
	TriggerStop     uint16
	TriggerReconfig uint16

	// BusyMask selects the status bits that are set while the sequencer runs.
	BusyMask uint16
	// PLLErrorMask selects the status bits that report a PLL lock failure.
	PLLErrorMask uint16
}

// Capability is the sensor-specific layer consumed by the imager.
type Capability interface {
	Name() string
	Limits() Limits
	Control() ControlRegisters

	// NewBlocks returns the empty measurement blocks of the sequencer.
	NewBlocks() []sequencer.MeasurementBlock
	// Duration has the signature of sequencer.DurationFunc.
	Duration(p *usecase.Plan, exposureTime, modulationFrequency uint32, linkedStart bool) float64
	// ExposureRegister converts an exposure time in microseconds at the given
	// modulation frequency into its register value.
	ExposureRegister(exposureTime, modulationFrequency uint32) (uint16, error)
	// PLLRegisters is the frequency synthesis: the register tuple that makes
	// the PLL produce frequency.
	PLLRegisters(frequency uint32, ssc bool) ([]uint16, error)

	// BaseConfig is written once by Initialize.
	BaseConfig() []bridge.Register
	// Program builds the register program for an assigned plan and fills in
	// the register fields of the assignment's sequence entries.
	Program(p usecase.Plan, a sequencer.Assignment, timings []float64, lut LUT) ([]bridge.Register, error)
}
