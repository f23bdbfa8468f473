package adapter

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindClassifiesWrappedErrors(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("%w: libusb not found", ErrBackendMissing):    "BackendMissing",
		fmt.Errorf("%w: USB3", ErrDeviceNotFound):                "DeviceNotFound",
		fmt.Errorf("open: %w", ErrDeviceBusy):                    "DeviceBusy",
		fmt.Errorf("%w: baud", ErrInvalidConfig):                 "InvalidConfig",
		fmt.Errorf("%w: 4 of 2", ErrIndexOutOfRange):             "IndexOutOfRange",
		fmt.Errorf("%w: queue full", ErrTransmitFailed):          "TransmitFailed",
		ErrTimeout:        "Timeout",
		ErrConnectionLost: "ConnectionLost",
		fmt.Errorf("%w: bad record", ErrProtocolViolation): "ProtocolViolation",
		errors.New("mystery"): "Unknown",
	}
	for err, want := range cases {
		if got := Kind(err); got != want {
			t.Errorf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
}
