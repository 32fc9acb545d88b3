package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the reference sensor defaults file.
const DefaultConfigPath = "config/sensor.defaults.json"

// PLLEntry pins the synthesizer registers for one modulation frequency.
type PLLEntry struct {
	Frequency uint32   `json:"frequency"`
	Registers []uint16 `json:"registers"`
}

// SensorConfig describes the reference sensor. Every field is optional; the
// Get* accessors supply the default when a field is unset, so partial
// configs are safe.
type SensorConfig struct {
	Name *string `json:"name,omitempty"`

	// Sequencer resources
	MeasurementBlocks *int `json:"measurement_blocks,omitempty"`
	BlockCapacity     *int `json:"block_capacity,omitempty"`

	// Region limits
	MaxColumns      *uint16 `json:"max_columns,omitempty"`
	MaxRows         *uint16 `json:"max_rows,omitempty"`
	ColumnAlignment *uint16 `json:"column_alignment,omitempty"`

	// Modulation
	MaxModulationFrequency *uint32    `json:"max_modulation_frequency,omitempty"`
	MinModulationFrequency *uint32    `json:"min_modulation_frequency,omitempty"`
	ModulationStep         *uint32    `json:"modulation_step,omitempty"`
	GrayscaleFrequency     *uint32    `json:"grayscale_frequency,omitempty"`
	LUTSlots               *int       `json:"lut_slots,omitempty"`
	SSC                    *bool      `json:"ssc,omitempty"`
	PLLTable               []PLLEntry `json:"pll_table,omitempty"`

	// Streams and duty cycle
	MaxStreams          *int     `json:"max_streams,omitempty"`
	DefaultDutyCycle    *string  `json:"default_duty_cycle,omitempty"`
	SupportedDutyCycles []string `json:"supported_duty_cycles,omitempty"`

	// Raw frame duration model, in microseconds
	FrameOverheadMicros *float64 `json:"frame_overhead_us,omitempty"`
	RowReadoutMicros    *float64 `json:"row_readout_us,omitempty"`
	PLLSettleMicros     *float64 `json:"pll_settle_us,omitempty"`

	// Capture timing, duration strings like "10ms"
	MinStopToStart *string `json:"min_stop_to_start,omitempty"`
	StopTimeout    *string `json:"stop_timeout,omitempty"`
	PollInterval   *string `json:"poll_interval,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrUint16(v uint16) *uint16 { return &v }
func ptrUint32(v uint32) *uint32 { return &v }

// EmptySensorConfig returns a SensorConfig with every field unset.
func EmptySensorConfig() *SensorConfig {
	return &SensorConfig{}
}

// LoadSensorConfig loads a SensorConfig from a JSON file. The file must have
// a .json extension and be under 1MB.
func LoadSensorConfig(path string) (*SensorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySensorConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up towards the repository root. Panics if the file cannot be
// loaded, intended for test setup.
func MustLoadDefaultConfig() *SensorConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tofseq/ subpackages
	}
	for _, path := range candidates {
		if cfg, err := LoadSensorConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *SensorConfig) Validate() error {
	if c.MeasurementBlocks != nil && (*c.MeasurementBlocks < 1 || *c.MeasurementBlocks > 16) {
		return fmt.Errorf("measurement_blocks must be between 1 and 16, got %d", *c.MeasurementBlocks)
	}
	if c.BlockCapacity != nil && *c.BlockCapacity < 1 {
		return fmt.Errorf("block_capacity must be positive, got %d", *c.BlockCapacity)
	}
	// the sequence RAM holds 64 entries of four registers
	if c.GetMeasurementBlocks()*c.GetBlockCapacity() > 64 {
		return fmt.Errorf("measurement_blocks * block_capacity must not exceed 64, got %d", c.GetMeasurementBlocks()*c.GetBlockCapacity())
	}
	if c.LUTSlots != nil && (*c.LUTSlots < 1 || *c.LUTSlots > 8) {
		return fmt.Errorf("lut_slots must be between 1 and 8, got %d", *c.LUTSlots)
	}
	if c.ModulationStep != nil && *c.ModulationStep == 0 {
		return fmt.Errorf("modulation_step must be positive")
	}
	if c.ColumnAlignment != nil && *c.ColumnAlignment == 0 {
		return fmt.Errorf("column_alignment must be positive")
	}
	if c.GetMinModulationFrequency() > c.GetMaxModulationFrequency() {
		return fmt.Errorf("min_modulation_frequency %d exceeds max_modulation_frequency %d",
			c.GetMinModulationFrequency(), c.GetMaxModulationFrequency())
	}
	for i, e := range c.PLLTable {
		if e.Frequency == 0 {
			return fmt.Errorf("pll_table[%d]: frequency must be positive", i)
		}
		if len(e.Registers) == 0 || len(e.Registers) > 8 {
			return fmt.Errorf("pll_table[%d]: expected 1 to 8 registers, got %d", i, len(e.Registers))
		}
	}
	for name, v := range map[string]*string{
		"min_stop_to_start": c.MinStopToStart,
		"stop_timeout":      c.StopTimeout,
		"poll_interval":     c.PollInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, *v)
		}
	}
	for _, f := range []*float64{c.FrameOverheadMicros, c.RowReadoutMicros, c.PLLSettleMicros} {
		if f != nil && *f < 0 {
			return fmt.Errorf("duration model values must not be negative, got %f", *f)
		}
	}
	return nil
}

func durationOr(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// GetName returns the sensor name or the default.
func (c *SensorConfig) GetName() string {
	if c.Name == nil {
		return "reference"
	}
	return *c.Name
}

// GetMeasurementBlocks returns the number of measurement blocks.
func (c *SensorConfig) GetMeasurementBlocks() int {
	if c.MeasurementBlocks == nil {
		return 8
	}
	return *c.MeasurementBlocks
}

// GetBlockCapacity returns the sequence length of one measurement block.
func (c *SensorConfig) GetBlockCapacity() int {
	if c.BlockCapacity == nil {
		return 8
	}
	return *c.BlockCapacity
}

func (c *SensorConfig) GetMaxColumns() uint16 {
	if c.MaxColumns == nil {
		return 224
	}
	return *c.MaxColumns
}

func (c *SensorConfig) GetMaxRows() uint16 {
	if c.MaxRows == nil {
		return 172
	}
	return *c.MaxRows
}

func (c *SensorConfig) GetColumnAlignment() uint16 {
	if c.ColumnAlignment == nil {
		return 16
	}
	return *c.ColumnAlignment
}

// GetMaxModulationFrequency returns the highest modulation frequency in Hz.
func (c *SensorConfig) GetMaxModulationFrequency() uint32 {
	if c.MaxModulationFrequency == nil {
		return 100000000
	}
	return *c.MaxModulationFrequency
}

// GetMinModulationFrequency returns the lowest frequency the PLL locks to.
func (c *SensorConfig) GetMinModulationFrequency() uint32 {
	if c.MinModulationFrequency == nil {
		return 3000000
	}
	return *c.MinModulationFrequency
}

// GetModulationStep returns the frequency granularity in Hz.
func (c *SensorConfig) GetModulationStep() uint32 {
	if c.ModulationStep == nil {
		return 10000
	}
	return *c.ModulationStep
}

// GetGrayscaleFrequency returns the frequency used for grayscale raw frames.
func (c *SensorConfig) GetGrayscaleFrequency() uint32 {
	if c.GrayscaleFrequency == nil {
		return 3152500
	}
	return *c.GrayscaleFrequency
}

// GetLUTSlots returns the number of PLL lookup-table slots.
func (c *SensorConfig) GetLUTSlots() int {
	if c.LUTSlots == nil {
		return 4
	}
	return *c.LUTSlots
}

func (c *SensorConfig) GetSSC() bool {
	if c.SSC == nil {
		return true
	}
	return *c.SSC
}

func (c *SensorConfig) GetMaxStreams() int {
	if c.MaxStreams == nil {
		return 2
	}
	return *c.MaxStreams
}

// GetDefaultDutyCycle returns the duty cycle text that Auto resolves to.
func (c *SensorConfig) GetDefaultDutyCycle() string {
	if c.DefaultDutyCycle == nil {
		return "50"
	}
	return *c.DefaultDutyCycle
}

// GetSupportedDutyCycles returns the duty cycle texts the sensor accepts.
func (c *SensorConfig) GetSupportedDutyCycles() []string {
	if len(c.SupportedDutyCycles) == 0 {
		return []string{"25", "37.5", "50", "75"}
	}
	return c.SupportedDutyCycles
}

func (c *SensorConfig) GetFrameOverheadMicros() float64 {
	if c.FrameOverheadMicros == nil {
		return 100
	}
	return *c.FrameOverheadMicros
}

func (c *SensorConfig) GetRowReadoutMicros() float64 {
	if c.RowReadoutMicros == nil {
		return 10
	}
	return *c.RowReadoutMicros
}

func (c *SensorConfig) GetPLLSettleMicros() float64 {
	if c.PLLSettleMicros == nil {
		return 50
	}
	return *c.PLLSettleMicros
}

// GetMinStopToStart returns the eye-safety gap between stop and start.
func (c *SensorConfig) GetMinStopToStart() time.Duration {
	return durationOr(c.MinStopToStart, 10*time.Millisecond)
}

// GetStopTimeout returns how long stopCapture polls for the idle status.
func (c *SensorConfig) GetStopTimeout() time.Duration {
	return durationOr(c.StopTimeout, 500*time.Millisecond)
}

func (c *SensorConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, time.Millisecond)
}
