package imager

import (
	"errors"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/usecase"
)

var (
	// ErrWrongState is returned when an operation is not allowed in the
	// current lifecycle state.
	ErrWrongState = errors.New("operation not allowed in this imager state")
	// ErrBusy is returned while the sensor or a reconfiguration is still in
	// flight. It is the only retryable error.
	ErrBusy = errors.New("imager busy")
	// ErrTimeout is returned when the sensor does not reach the expected
	// status in time.
	ErrTimeout = errors.New("imager timeout")
	// ErrNotExecuted is returned by accessors before a use case is executed.
	ErrNotExecuted = errors.New("no use case executed")

	ErrTransport    = bridge.ErrTransport
	ErrInvalidValue = usecase.ErrInvalidValue
	ErrLogic        = usecase.ErrLogic
)

// IsRetryable reports whether err is a busy condition the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
