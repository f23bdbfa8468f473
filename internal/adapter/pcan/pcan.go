// Package pcan drives PEAK PCAN-USB adapters through their vendor USB
// protocol.
package pcan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
)

const (
	vendorID  = 0x0C72
	productID = 0x000C

	// Vendor command records written to the command endpoint:
	// [function, number, param[14]].
	cmdLen          = 16
	fnBitrate       = 1
	numSetBTR       = 2
	fnBusControl    = 3
	numBusActive    = 2
	busOn           = 1
	busOff          = 0
	cmdEndpoint     = 1
	frameEndpointIn = 2
	frameEndpointTx = 2

	// The vendor library is polled at most every 10 ms; bulk reads use the
	// same bound so shutdown stays responsive.
	rxPollInterval = 10 * time.Millisecond

	// Frame telegram: [recType, flags|dlc, id u32 LE, data[0..8]].
	recData     = 0x80
	flagExt     = 0x02
	flagRtr     = 0x01
	recHeadSize = 6
)

// Config parameterizes Open. Channel is "USB1".."USB16".
type Config struct {
	Channel  string
	Baudrate int
}

// Driver is the PCAN-USB adapter.
type Driver struct {
	usbCtx *gousb.Context
	dev    *gousb.Device
	devCfg *gousb.Config
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	recv   chan can.Frame
	txMu   sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open claims the PCAN device designated by the channel name, programs the
// preset bit rate and puts the controller on the bus.
func Open(cfg Config) (*Driver, error) {
	idx, err := parseChannel(cfg.Channel)
	if err != nil {
		return nil, err
	}
	btr, err := btrFor(cfg.Baudrate)
	if err != nil {
		return nil, err
	}

	usbCtx := gousb.NewContext()
	devs, _ := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vendorID && desc.Product == productID
	})
	if len(devs) == 0 {
		_ = usbCtx.Close()
		return nil, fmt.Errorf("%w: no PCAN-USB adapter present", adapter.ErrDeviceNotFound)
	}
	sort.Slice(devs, func(i, j int) bool {
		a, b := devs[i].Desc, devs[j].Desc
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		return a.Address < b.Address
	})
	if idx >= len(devs) {
		for _, d := range devs {
			_ = d.Close()
		}
		_ = usbCtx.Close()
		return nil, fmt.Errorf("%w: channel %s (only %d adapters present)", adapter.ErrDeviceNotFound, cfg.Channel, len(devs))
	}
	dev := devs[idx]
	for i, d := range devs {
		if i != idx {
			_ = d.Close()
		}
	}

	d := &Driver{usbCtx: usbCtx, dev: dev, recv: make(chan can.Frame, adapter.DefaultRxQueue)}
	if err := d.setup(btr); err != nil {
		d.teardown()
		return nil, err
	}
	logging.L().Info("pcan_open", "channel", cfg.Channel, "baudrate", cfg.Baudrate)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.rxLoop(ctx)
	return d, nil
}

func (d *Driver) setup(btr uint16) error {
	if err := d.dev.SetAutoDetach(true); err != nil {
		logging.L().Warn("pcan_autodetach_failed", "error", err)
	}
	var err error
	if d.devCfg, err = d.dev.Config(1); err != nil {
		// Another process holds the channel.
		return fmt.Errorf("%w: %v", adapter.ErrDeviceBusy, err)
	}
	if d.iface, err = d.devCfg.Interface(0, 0); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrDeviceBusy, err)
	}
	if d.in, err = d.iface.InEndpoint(frameEndpointIn); err != nil {
		return fmt.Errorf("%w: in endpoint: %v", adapter.ErrProtocolViolation, err)
	}
	if d.out, err = d.iface.OutEndpoint(frameEndpointTx); err != nil {
		return fmt.Errorf("%w: out endpoint: %v", adapter.ErrProtocolViolation, err)
	}
	if err := d.command(fnBitrate, numSetBTR, uint16le(btr)); err != nil {
		return fmt.Errorf("%w: set btr: %v", adapter.ErrInvalidConfig, err)
	}
	if err := d.command(fnBusControl, numBusActive, []byte{busOn}); err != nil {
		return fmt.Errorf("%w: bus on: %v", adapter.ErrProtocolViolation, err)
	}
	return nil
}

func uint16le(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }

// command writes one vendor command record to the command endpoint.
func (d *Driver) command(function, number byte, params []byte) error {
	ep, err := d.iface.OutEndpoint(cmdEndpoint)
	if err != nil {
		return err
	}
	rec := make([]byte, cmdLen)
	rec[0] = function
	rec[1] = number
	copy(rec[2:], params)
	_, err = ep.Write(rec)
	return err
}

func (d *Driver) Variant() adapter.Variant { return adapter.VariantPCAN }

func (d *Driver) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsExtended: true, SupportsRemote: true, MaxDLC: 8}
}

func (d *Driver) Frames() <-chan can.Frame { return d.recv }

// Transmit writes one data telegram.
func (d *Driver) Transmit(fr can.Frame) error {
	if d.closed.Load() {
		return adapter.ErrClosed
	}
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	rec := encodeTelegram(fr)
	d.txMu.Lock()
	_, err := d.out.Write(rec)
	d.txMu.Unlock()
	if err != nil {
		metrics.IncError(metrics.ErrAdapterWrite)
		return fmt.Errorf("%w: %v", adapter.ErrTransmitFailed, err)
	}
	metrics.IncAdapterTx(string(adapter.VariantPCAN))
	return nil
}

// Close takes the controller off the bus and releases the device.
func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	_ = d.command(fnBusControl, numBusActive, []byte{busOff})
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
	defer logging.L().Info("pcan_rx_end")
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rctx, cancel := context.WithTimeout(ctx, rxPollInterval)
		n, err := d.in.ReadContext(rctx, buf)
		cancel()
		if err != nil {
			if ctx.Err() != nil || d.closed.Load() {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferCancelled) {
				continue // poll tick with nothing buffered
			}
			metrics.IncError(metrics.ErrAdapterRead)
			logging.L().Warn("pcan_read_error", "error", err)
			continue
		}
		d.decodeTelegrams(buf[:n])
	}
}

// decodeTelegrams walks a bulk transfer that may carry several records.
func (d *Driver) decodeTelegrams(buf []byte) {
	for len(buf) >= recHeadSize {
		if buf[0]&recData == 0 {
			// Status/error record: fixed head size, no payload bytes.
			buf = buf[recHeadSize:]
			continue
		}
		dlc := int(buf[1] & 0x0F)
		if dlc > 8 || len(buf) < recHeadSize+dlc {
			metrics.IncMalformed()
			return
		}
		ext := buf[1]&(flagExt<<4) != 0
		rtr := buf[1]&(flagRtr<<4) != 0
		id := binary.LittleEndian.Uint32(buf[2:6])
		fr, err := can.New(id, ext, rtr, buf[recHeadSize:recHeadSize+dlc])
		if err != nil {
			metrics.IncMalformed()
			buf = buf[recHeadSize+dlc:]
			continue
		}
		fr.Timestamp = can.Now()
		adapter.Push(d.recv, fr, adapter.VariantPCAN)
		buf = buf[recHeadSize+dlc:]
	}
}

func encodeTelegram(fr can.Frame) []byte {
	rec := make([]byte, recHeadSize+fr.DLC)
	rec[0] = recData
	rec[1] = fr.DLC & 0x0F
	if fr.Extended {
		rec[1] |= flagExt << 4
	}
	if fr.Remote {
		rec[1] |= flagRtr << 4
	}
	binary.LittleEndian.PutUint32(rec[2:6], fr.ID)
	copy(rec[recHeadSize:], fr.Data[:fr.DLC])
	return rec
}
