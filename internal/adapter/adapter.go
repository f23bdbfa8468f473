// Package adapter defines the uniform contract over heterogeneous CAN
// adapters. Concrete variants live in subpackages; the command dispatcher
// owns the bound driver and the receive pump is the sole reader of Frames().
package adapter

import (
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
)

// Variant tags the concrete adapter family.
type Variant string

const (
	VariantPCAN      Variant = "pcan"
	VariantGSUSB     Variant = "gsusb"
	VariantRelay     Variant = "network"
	VariantBluetooth Variant = "bluetooth"
	VariantSLCAN     Variant = "slcan"
	VariantSocketCAN Variant = "socketcan"
)

// Capabilities describes what a bound adapter can do.
type Capabilities struct {
	SupportsExtended bool
	SupportsRemote   bool
	MaxDLC           uint8
}

// Driver is the capability set every variant implements. Construction opens
// the device (each subpackage exposes an Open with variant-specific channel
// semantics); Close releases it. Frames is the push primitive: a bounded
// receive channel written by the driver's internal goroutine and drained by
// exactly one reader, the receive pump. The channel is closed when the
// driver's receive path terminates (Close or fatal transport error).
type Driver interface {
	Close() error
	Transmit(can.Frame) error
	Capabilities() Capabilities
	Frames() <-chan can.Frame
	Variant() Variant
}

// BackendConfig carries environment-specific native-backend resolution,
// threaded explicitly through driver construction (no global monkey-patching).
type BackendConfig struct {
	// LibraryPath optionally points at the USB backend shared library for
	// environments where it is not on the default loader path. Installed
	// process-globally, once.
	LibraryPath string
}

// DefaultRxQueue is the per-driver receive buffer depth.
const DefaultRxQueue = 4096

// Push performs the standard non-blocking receive-queue enqueue: a full
// queue drops the frame and counts it rather than stalling the device
// reader.
func Push(ch chan<- can.Frame, fr can.Frame, variant Variant) {
	select {
	case ch <- fr:
		metrics.IncAdapterRx(string(variant))
	default:
		metrics.IncError(metrics.ErrAdapterRead)
	}
}
