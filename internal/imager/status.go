package imager

import "fmt"

// VerificationStatus is the outcome of verifying a use case. Every value but
// Success names the category of the first failing check.
type VerificationStatus int

const (
	Success VerificationStatus = iota
	Framerate
	Phase
	DutyCycle
	ModulationFrequency
	ExposureTime
	Region
	StreamCount
	UsecaseIdentifier
	// FlashConfig is reserved for sensors that drive their illumination from
	// flash-stored settings. The reference sensor never reports it.
	FlashConfig
	Sequencer
)

var statusNames = [...]string{
	"Success", "Framerate", "Phase", "DutyCycle", "ModulationFrequency",
	"ExposureTime", "Region", "StreamCount", "UsecaseIdentifier", "FlashConfig", "Sequencer",
}

func (v VerificationStatus) String() string {
	if v < 0 || int(v) >= len(statusNames) {
		return fmt.Sprintf("VerificationStatus(%d)", int(v))
	}
	return statusNames[v]
}

// VerificationError is returned by operations that refuse a use case which
// failed verification.
type VerificationError struct {
	Status VerificationStatus
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("use case verification failed: %s", e.Status)
	}
	return fmt.Sprintf("use case verification failed: %s: %s", e.Status, e.Detail)
}

func failed(status VerificationStatus, format string, args ...interface{}) *VerificationError {
	return &VerificationError{Status: status, Detail: fmt.Sprintf(format, args...)}
}
