//go:build !linux

// Package socketcan drives a Linux raw CAN interface; unsupported elsewhere.
package socketcan

import (
	"fmt"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

// Config parameterizes Open (see the linux build).
type Config struct {
	Channel  string
	Baudrate int
}

// Driver is never constructed on non-linux platforms.
type Driver struct{}

func Open(cfg Config) (*Driver, error) {
	return nil, fmt.Errorf("%w: socketcan unsupported on this platform", adapter.ErrBackendMissing)
}

func (d *Driver) Close() error                       { return nil }
func (d *Driver) Transmit(fr can.Frame) error        { return adapter.ErrBackendMissing }
func (d *Driver) Capabilities() adapter.Capabilities { return adapter.Capabilities{} }
func (d *Driver) Frames() <-chan can.Frame           { return nil }
func (d *Driver) Variant() adapter.Variant           { return adapter.VariantSocketCAN }
