//go:build linux

// Package socketcan drives a Linux raw CAN interface (can0, vcan0, ...).
package socketcan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/transport"
)

const (
	txQueueSize  = 1024
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Config parameterizes Open. Channel is the interface name; bitrate is set
// out-of-band (ip link), so Baudrate is informational only.
type Config struct {
	Channel  string
	Baudrate int
}

// Driver is the SocketCAN adapter.
type Driver struct {
	dev    Dev
	recv   chan can.Frame
	tx     *transport.AsyncTx
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open binds the raw socket and starts the RX loop.
func Open(cfg Config) (*Driver, error) {
	dev, err := openDevice(cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("%w: socketcan %s: %v", adapter.ErrDeviceNotFound, cfg.Channel, err)
	}
	logging.L().Info("socketcan_open", "if", cfg.Channel)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		dev:    dev,
		recv:   make(chan can.Frame, adapter.DefaultRxQueue),
		cancel: cancel,
	}
	d.tx = transport.NewAsyncTx(ctx, txQueueSize, dev.WriteFrame, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrAdapterWrite)
			logging.L().Error("socketcan_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncAdapterTx(string(adapter.VariantSocketCAN)) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return fmt.Errorf("%w: socketcan tx queue full", adapter.ErrTransmitFailed)
		},
	})
	d.wg.Add(1)
	go d.rxLoop(ctx)
	return d, nil
}

func (d *Driver) Variant() adapter.Variant { return adapter.VariantSocketCAN }

func (d *Driver) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsExtended: true, SupportsRemote: true, MaxDLC: 8}
}

func (d *Driver) Frames() <-chan can.Frame { return d.recv }

func (d *Driver) Transmit(fr can.Frame) error {
	if d.closed.Load() {
		return adapter.ErrClosed
	}
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	return d.tx.SendFrame(fr)
}

func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.cancel()
	err := d.dev.Close()
	d.tx.Close()
	d.wg.Wait()
	close(d.recv)
	return err
}

func (d *Driver) rxLoop(ctx context.Context) {
	defer d.wg.Done()
	defer logging.L().Info("socketcan_rx_end")
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var fr can.Frame
		if err := d.dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil || d.closed.Load() {
				return
			}
			metrics.IncError(metrics.ErrAdapterRead)
			logging.L().Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		fr.Timestamp = can.Now()
		adapter.Push(d.recv, fr, adapter.VariantSocketCAN)
		backoff = rxBackoffMin
	}
}
