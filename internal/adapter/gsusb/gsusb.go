// Package gsusb drives gs_usb-family devices (candleLight, CANable in
// candlelight mode, CANtact) over libusb.
package gsusb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
)

// gs_usb vendor control requests.
const (
	breqHostFormat = 0
	breqBitTiming  = 1
	breqMode       = 2

	modeReset = 0
	modeStart = 1

	hostFormatMagic = 0x0000BEEF
)

// Known gs_usb identities: candleLight/CANable (OpenMoko pool) and the
// bytewerk candleLight bootloader pool.
var knownIDs = []struct{ vid, pid gousb.ID }{
	{0x1D50, 0x606F},
	{0x1209, 0x2323},
}

// Config parameterizes Open. Index selects among enumerated devices,
// 0-based, ordered by bus and address.
type Config struct {
	Index    int
	Baudrate int
	Backend  adapter.BackendConfig
}

// Driver is the gs_usb adapter.
type Driver struct {
	usbCtx *gousb.Context
	dev    *gousb.Device
	devCfg *gousb.Config
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	recv   chan can.Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open installs the USB backend (once, process-globally), enumerates
// matching devices and claims the one at cfg.Index.
func Open(cfg Config) (*Driver, error) {
	if err := installBackend(cfg.Backend); err != nil {
		return nil, err
	}
	bt, err := timingFor(cfg.Baudrate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}

	usbCtx := gousb.NewContext()
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, id := range knownIDs {
			if desc.Vendor == id.vid && desc.Product == id.pid {
				return true
			}
		}
		return false
	})
	if err != nil && len(devs) == 0 {
		_ = usbCtx.Close()
		return nil, fmt.Errorf("%w: usb enumerate: %v", adapter.ErrBackendMissing, err)
	}
	if len(devs) == 0 {
		_ = usbCtx.Close()
		return nil, fmt.Errorf("%w: no gs_usb device present", adapter.ErrDeviceNotFound)
	}
	sort.Slice(devs, func(i, j int) bool {
		a, b := devs[i].Desc, devs[j].Desc
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		return a.Address < b.Address
	})
	if cfg.Index < 0 || cfg.Index >= len(devs) {
		for _, d := range devs {
			_ = d.Close()
		}
		_ = usbCtx.Close()
		return nil, fmt.Errorf("%w: index %d of %d gs_usb devices", adapter.ErrIndexOutOfRange, cfg.Index, len(devs))
	}
	dev := devs[cfg.Index]
	for i, d := range devs {
		if i != cfg.Index {
			_ = d.Close()
		}
	}

	d := &Driver{usbCtx: usbCtx, dev: dev, recv: make(chan can.Frame, adapter.DefaultRxQueue)}
	if err := d.setup(bt); err != nil {
		d.teardown()
		return nil, err
	}
	logging.L().Info("gsusb_open", "index", cfg.Index, "bitrate", cfg.Baudrate)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.rxLoop(ctx)
	return d, nil
}

func (d *Driver) setup(bt *bitTiming) error {
	if err := d.dev.SetAutoDetach(true); err != nil {
		logging.L().Warn("gsusb_autodetach_failed", "error", err)
	}
	var err error
	if d.devCfg, err = d.dev.Config(1); err != nil {
		return fmt.Errorf("%w: claim config: %v", adapter.ErrDeviceBusy, err)
	}
	if d.iface, err = d.devCfg.Interface(0, 0); err != nil {
		return fmt.Errorf("%w: claim interface: %v", adapter.ErrDeviceBusy, err)
	}
	if d.in, err = d.iface.InEndpoint(1); err != nil {
		return fmt.Errorf("%w: in endpoint: %v", adapter.ErrProtocolViolation, err)
	}
	if d.out, err = d.iface.OutEndpoint(2); err != nil {
		return fmt.Errorf("%w: out endpoint: %v", adapter.ErrProtocolViolation, err)
	}
	// Declare host byte order, program timing, start the channel.
	magic := []byte{0xEF, 0xBE, 0x00, 0x00}
	if err := d.control(breqHostFormat, magic); err != nil {
		return fmt.Errorf("%w: host format: %v", adapter.ErrProtocolViolation, err)
	}
	if err := d.control(breqBitTiming, bt.marshal()); err != nil {
		return fmt.Errorf("%w: bit timing: %v", adapter.ErrInvalidConfig, err)
	}
	if err := d.control(breqMode, modeBody(modeStart)); err != nil {
		return fmt.Errorf("%w: mode start: %v", adapter.ErrProtocolViolation, err)
	}
	return nil
}

func modeBody(mode uint32) []byte {
	return []byte{byte(mode), byte(mode >> 8), byte(mode >> 16), byte(mode >> 24), 0, 0, 0, 0}
}

func (d *Driver) control(request uint8, data []byte) error {
	rtype := uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlInterface)
	_, err := d.dev.Control(rtype, request, 0, 0, data)
	return err
}

func (d *Driver) Variant() adapter.Variant { return adapter.VariantGSUSB }

func (d *Driver) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsExtended: true, SupportsRemote: true, MaxDLC: 8}
}

func (d *Driver) Frames() <-chan can.Frame { return d.recv }

// Transmit writes one host frame to the OUT endpoint. The device echoes the
// frame back on the IN endpoint as a send confirmation; the RX loop filters
// those echoes out of the receive stream.
func (d *Driver) Transmit(fr can.Frame) error {
	if d.closed.Load() {
		return adapter.ErrClosed
	}
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	if _, err := d.out.Write(fromFrame(fr, 0).marshal()); err != nil {
		metrics.IncError(metrics.ErrAdapterWrite)
		return fmt.Errorf("%w: %v", adapter.ErrTransmitFailed, err)
	}
	metrics.IncAdapterTx(string(adapter.VariantGSUSB))
	return nil
}

// Close stops the channel and releases the device.
func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	_ = d.control(breqMode, modeBody(modeReset))
	d.cancel()
	d.teardown()
	d.wg.Wait()
	close(d.recv)
	return nil
}

func (d *Driver) teardown() {
	if d.iface != nil {
		d.iface.Close()
	}
	if d.devCfg != nil {
		_ = d.devCfg.Close()
	}
	if d.dev != nil {
		_ = d.dev.Close()
	}
	if d.usbCtx != nil {
		_ = d.usbCtx.Close()
	}
}

func (d *Driver) rxLoop(ctx context.Context) {
	defer d.wg.Done()
	defer logging.L().Info("gsusb_rx_end")
	buf := make([]byte, hostFrameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := d.in.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || d.closed.Load() {
				return
			}
			if errors.Is(err, gousb.TransferCancelled) {
				return
			}
			metrics.IncError(metrics.ErrAdapterRead)
			logging.L().Warn("gsusb_read_error", "error", err)
			continue
		}
		if n < hostFrameSize {
			metrics.IncMalformed()
			continue
		}
		var h hostFrame
		if err := h.unmarshal(buf[:n]); err != nil {
			metrics.IncMalformed()
			continue
		}
		if h.EchoID != echoIDRx {
			continue // loopback confirmation of our own transmission
		}
		fr, err := h.toFrame()
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		fr.Timestamp = can.Now()
		adapter.Push(d.recv, fr, adapter.VariantGSUSB)
	}
}
