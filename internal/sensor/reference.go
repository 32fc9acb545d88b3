package sensor

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/config"
	"github.com/banshee-data/tofseq/internal/sequencer"
	"github.com/banshee-data/tofseq/internal/usecase"
)

// Register map of the reference sensor.
const (
	RegStatus          uint16 = 0x9400
	RegTrigger         uint16 = 0x9401
	RegReconfigCounter uint16 = 0x9402
	RegROIColumnStart  uint16 = 0x9403
	RegROIColumnEnd    uint16 = 0x9404
	RegROIRowStart     uint16 = 0x9405
	RegROIRowEnd       uint16 = 0x9406
	RegSSC             uint16 = 0x9407
	RegMode            uint16 = 0x9408
	RegBlockCount      uint16 = 0x9409

	// RegBlockBase holds two registers per measurement block: repeat count
	// and sequence length.
	RegBlockBase uint16 = 0x9410
	// RegSequenceBase holds four registers per sequence slot: exposure,
	// frame rate counter, phase setting and LUT index.
	RegSequenceBase uint16 = 0x9100
	// RegLUTBase holds eight registers per PLL lookup-table slot.
	RegLUTBase uint16 = 0x9200
)

const (
	TriggerStart    uint16 = 1 << 0
	TriggerStop     uint16 = 1 << 1
	TriggerReconfig uint16 = 1 << 2

	StatusBusy     uint16 = 1 << 0
	StatusPLLError uint16 = 0x0030

	modeMixed      uint16 = 1 << 1
	modeSafeReconf uint16 = 1 << 3
)

// frameRateTick is the resolution of the frame rate counter, in seconds.
const frameRateTick = 100e-6

// Reference is the config-driven reference sensor.
type Reference struct {
	name         string
	limits       Limits
	blocks       int
	capacity     int
	minFrequency uint32
	pllTable     map[uint32][]uint16

	overheadMicros float64
	rowMicros      float64
	settleMicros   float64
}

// NewReference builds the reference sensor from cfg. A nil cfg uses the
// defaults of an empty config.
func NewReference(cfg *config.SensorConfig) (*Reference, error) {
	if cfg == nil {
		cfg = config.EmptySensorConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	parse := func(text string) (usecase.DutyCycle, error) {
		var d usecase.DutyCycle
		err := d.UnmarshalText([]byte(text))
		return d, err
	}
	def, err := parse(cfg.GetDefaultDutyCycle())
	if err != nil {
		return nil, fmt.Errorf("default_duty_cycle: %w", err)
	}
	var cycles []usecase.DutyCycle
	for _, text := range cfg.GetSupportedDutyCycles() {
		d, err := parse(text)
		if err != nil {
			return nil, fmt.Errorf("supported_duty_cycles: %w", err)
		}
		cycles = append(cycles, d)
	}
	if !lo.Contains(cycles, def) {
		return nil, fmt.Errorf("default duty cycle %s is not supported", def)
	}

	table := make(map[uint32][]uint16, len(cfg.PLLTable))
	for _, e := range cfg.PLLTable {
		table[e.Frequency] = e.Registers
	}

	return &Reference{
		name: cfg.GetName(),
		limits: Limits{
			MaxColumns:             cfg.GetMaxColumns(),
			MaxRows:                cfg.GetMaxRows(),
			ColumnAlignment:        cfg.GetColumnAlignment(),
			MaxModulationFrequency: cfg.GetMaxModulationFrequency(),
			ModulationStep:         cfg.GetModulationStep(),
			GrayscaleFrequency:     cfg.GetGrayscaleFrequency(),
			LUTSlots:               cfg.GetLUTSlots(),
			SSC:                    cfg.GetSSC(),
			MaxStreams:             cfg.GetMaxStreams(),
			DefaultDutyCycle:       def,
			DutyCycles:             cycles,
			MinStopToStart:         cfg.GetMinStopToStart(),
			StopTimeout:            cfg.GetStopTimeout(),
			PollInterval:           cfg.GetPollInterval(),
		},
		blocks:         cfg.GetMeasurementBlocks(),
		capacity:       cfg.GetBlockCapacity(),
		minFrequency:   cfg.GetMinModulationFrequency(),
		pllTable:       table,
		overheadMicros: cfg.GetFrameOverheadMicros(),
		rowMicros:      cfg.GetRowReadoutMicros(),
		settleMicros:   cfg.GetPLLSettleMicros(),
	}, nil
}

func (r *Reference) Name() string { return r.name }

func (r *Reference) Limits() Limits { return r.limits }

func (r *Reference) Control() ControlRegisters {
	return ControlRegisters{
		Status:          RegStatus,
		Trigger:         RegTrigger,
		ReconfigCounter: RegReconfigCounter,
		TriggerStart:    TriggerStart,
		TriggerStop:     TriggerStop,
		TriggerReconfig: TriggerReconfig,
		BusyMask:        StatusBusy,
		PLLErrorMask:    StatusPLLError,
	}
}

func (r *Reference) NewBlocks() []sequencer.MeasurementBlock {
	return sequencer.NewBlocks(r.blocks, r.capacity)
}

// Duration is exposure plus a fixed overhead plus the row readout. The first
// raw frame of a linked run also waits for the PLL to settle on its frequency.
func (r *Reference) Duration(p *usecase.Plan, exposureTime, _ uint32, linkedStart bool) float64 {
	micros := float64(exposureTime) + r.overheadMicros + float64(p.Rows)*r.rowMicros
	if linkedStart {
		micros += r.settleMicros
	}
	return micros * 1e-6
}

// ExposureRegister counts the exposure in units of eight modulation periods.
func (r *Reference) ExposureRegister(exposureTime, modulationFrequency uint32) (uint16, error) {
	if modulationFrequency == 0 {
		return 0, fmt.Errorf("%w: exposure needs a modulation frequency", ErrOutOfRange)
	}
	v := uint64(exposureTime) * uint64(modulationFrequency) / 8000000
	if v > math.MaxUint16 {
		return 0, fmt.Errorf("%w: exposure %d us at %d Hz", ErrOutOfRange, exposureTime, modulationFrequency)
	}
	return uint16(v), nil
}

// BaseConfig powers up the analog front end and arms the safe
// reconfiguration firmware.
func (r *Reference) BaseConfig() []bridge.Register {
	return []bridge.Register{
		{Address: 0x9000, Value: 0x1c03},
		{Address: 0x9001, Value: 0x0000},
		{Address: 0x9002, Value: 0x4b1e},
		{Address: 0x9003, Value: 0x0101},
		{Address: RegMode, Value: modeSafeReconf, Mask: modeSafeReconf},
	}
}

// FrequencyOf returns the frequency a raw frame is clocked at.
func (r *Reference) FrequencyOf(rf usecase.RawFrame) uint32 {
	if rf.Grayscale {
		return r.limits.GrayscaleFrequency
	}
	return rf.ModulationFrequency
}

var dutyCycleCodes = map[usecase.DutyCycle]uint16{
	usecase.DutyCycle0:              0,
	usecase.DutyCycle25:             1,
	usecase.DutyCycle25Deprecated:   1,
	usecase.DutyCycle37_5:           2,
	usecase.DutyCycle37_5Deprecated: 2,
	usecase.DutyCycle50:             3,
	usecase.DutyCycle75:             4,
	usecase.DutyCycle100:            5,
}

func (r *Reference) phaseSetting(rf usecase.RawFrame) uint16 {
	d := rf.DutyCycle
	if d == usecase.DutyCycleAuto {
		d = r.limits.DefaultDutyCycle
	}
	v := rf.PhaseAngle/90 | dutyCycleCodes[d]<<4
	if rf.Grayscale {
		v |= 1 << 8
	}
	return v
}

func frameRateCounter(t float64) uint16 {
	if t <= 0 {
		return 0
	}
	return uint16(min(math.Round(t/frameRateTick), math.MaxUint16))
}

// Program lays the measurement blocks out back to back in sequence RAM. Every
// block gets its repeat count and length even when unused so a shorter use
// case leaves no stale blocks running.
func (r *Reference) Program(p usecase.Plan, a sequencer.Assignment, timings []float64, lut LUT) ([]bridge.Register, error) {
	if len(timings) != len(p.RawFrames) {
		return nil, fmt.Errorf("%d timings for %d raw frames", len(timings), len(p.RawFrames))
	}
	if p.Columns == 0 || p.Rows == 0 {
		return nil, fmt.Errorf("%w: empty region", ErrOutOfRange)
	}

	var mode uint16
	if p.MixedMode {
		mode |= modeMixed
	}
	ssc := lo.Ternary[uint16](p.SSC, 1, 0)
	regs := []bridge.Register{
		{Address: RegROIColumnStart, Value: 0},
		{Address: RegROIColumnEnd, Value: p.Columns - 1},
		{Address: RegROIRowStart, Value: 0},
		{Address: RegROIRowEnd, Value: p.Rows - 1},
		{Address: RegSSC, Value: ssc},
		{Address: RegMode, Value: mode, Mask: modeMixed},
		{Address: RegBlockCount, Value: uint16(a.UsedBlocks())},
	}

	for freq, slot := range lut {
		if slot < 0 || slot >= r.limits.LUTSlots {
			return nil, fmt.Errorf("%w: LUT slot %d", ErrOutOfRange, slot)
		}
		pll, err := r.PLLRegisters(freq, p.SSC)
		if err != nil {
			return nil, err
		}
		for i, v := range pll {
			regs = append(regs, bridge.Register{Address: RegLUTBase + uint16(8*slot+i), Value: v})
		}
	}

	offset := 0
	for b := range a.Blocks {
		block := &a.Blocks[b]
		if len(block.Sequence) > block.MaxSequenceLength {
			return nil, fmt.Errorf("%w: block %d holds %d entries", ErrOutOfRange, b, len(block.Sequence))
		}
		cycles := 0
		if len(block.Sequence) > 0 {
			cycles = block.Cycles
		}
		regs = append(regs,
			bridge.Register{Address: RegBlockBase + uint16(2*b), Value: uint16(cycles)},
			bridge.Register{Address: RegBlockBase + uint16(2*b+1), Value: uint16(len(block.Sequence))},
		)

		var total uint32
		for pos := range block.Sequence {
			e := &block.Sequence[pos]
			if e.RawFrame < 0 || e.RawFrame >= len(p.RawFrames) {
				return nil, fmt.Errorf("block %d position %d refers to raw frame %d", b, pos, e.RawFrame)
			}
			rf := p.RawFrames[e.RawFrame]
			freq := r.FrequencyOf(rf)
			slot, ok := lut[freq]
			if !ok {
				return nil, fmt.Errorf("%w: no LUT slot for %d Hz", ErrOutOfRange, freq)
			}
			exposure, err := r.ExposureRegister(rf.ExposureTime, freq)
			if err != nil {
				return nil, err
			}

			e.ExposureRegister = exposure
			e.FrameRateCounter = frameRateCounter(timings[e.RawFrame])
			e.FrameRateIsZero = e.FrameRateCounter == 0
			e.PhaseSetting = r.phaseSetting(rf)
			e.PLLSet = uint16(slot)
			total += uint32(e.FrameRateCounter)

			base := RegSequenceBase + uint16(4*(offset+pos))
			regs = append(regs,
				bridge.Register{Address: base, Value: e.ExposureRegister},
				bridge.Register{Address: base + 1, Value: e.FrameRateCounter},
				bridge.Register{Address: base + 2, Value: e.PhaseSetting},
				bridge.Register{Address: base + 3, Value: e.PLLSet},
			)
		}
		block.FrameRateCounter = uint16(min(total, math.MaxUint16))
		offset += block.MaxSequenceLength
	}
	return regs, nil
}

var _ Capability = (*Reference)(nil)
