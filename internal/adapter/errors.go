package adapter

import "errors"

// Sentinel errors shared by all variants so callers can classify with
// errors.Is regardless of which driver produced them.
var (
	ErrBackendMissing    = errors.New("backend missing")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceBusy        = errors.New("device busy")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrIndexOutOfRange   = errors.New("device index out of range")
	ErrTransmitFailed    = errors.New("transmit failed")
	ErrTimeout           = errors.New("timeout")
	ErrConnectionLost    = errors.New("connection lost")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrClosed            = errors.New("adapter closed")
)

// Kind maps an error to its stable taxonomy name for logs and API replies.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrBackendMissing):
		return "BackendMissing"
	case errors.Is(err, ErrDeviceNotFound):
		return "DeviceNotFound"
	case errors.Is(err, ErrDeviceBusy):
		return "DeviceBusy"
	case errors.Is(err, ErrInvalidConfig):
		return "InvalidConfig"
	case errors.Is(err, ErrIndexOutOfRange):
		return "IndexOutOfRange"
	case errors.Is(err, ErrTransmitFailed):
		return "TransmitFailed"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrConnectionLost):
		return "ConnectionLost"
	case errors.Is(err, ErrProtocolViolation):
		return "ProtocolViolation"
	case errors.Is(err, ErrClosed):
		return "Closed"
	default:
		return "Unknown"
	}
}
