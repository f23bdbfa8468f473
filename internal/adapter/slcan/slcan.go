// Package slcan drives CANable-class adapters in serial-line (LAWICEL) mode.
package slcan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
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
	serialBaud        = 115200
	serialReadTimeout = 50 * time.Millisecond
	readBufSize       = 4096
	txQueueSize       = 1024
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
	// reclaimThreshold caps the RX accumulator: once drained past this
	// capacity the backing array is dropped so bursts of line noise do not
	// pin memory.
	reclaimThreshold = 16 * 1024
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Config parameterizes Open. Channel is the serial device path.
type Config struct {
	Channel  string
	Baudrate int
}

// Driver is the SLCAN adapter.
type Driver struct {
	port     Port
	codec    Codec
	recv     chan can.Frame
	recvOnce sync.Once
	tx       *transport.AsyncTx
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// Open claims the serial port, configures the bitrate and opens the channel.
func Open(cfg Config) (*Driver, error) {
	code, err := bitrateCode(cfg.Baudrate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	sp, err := openPort(cfg.Channel, serialBaud, serialReadTimeout)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", adapter.ErrDeviceNotFound, cfg.Channel)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s: %v", adapter.ErrDeviceBusy, cfg.Channel, err)
		}
		return nil, fmt.Errorf("open %s: %w", cfg.Channel, err)
	}
	// Close any stale channel, set bitrate, open.
	for _, cmd := range [][]byte{{'C', '\r'}, {'S', code, '\r'}, {'O', '\r'}} {
		if _, err := sp.Write(cmd); err != nil {
			_ = sp.Close()
			return nil, fmt.Errorf("%w: setup %q: %v", adapter.ErrTransmitFailed, cmd, err)
		}
	}
	logging.L().Info("slcan_open", "device", cfg.Channel, "bitrate", cfg.Baudrate)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		port:   sp,
		recv:   make(chan can.Frame, adapter.DefaultRxQueue),
		cancel: cancel,
	}
	d.tx = transport.NewAsyncTx(ctx, txQueueSize, func(fr can.Frame) error {
		_, err := sp.Write(d.codec.Encode(fr))
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrAdapterWrite)
			logging.L().Error("slcan_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncAdapterTx(string(adapter.VariantSLCAN)) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return fmt.Errorf("%w: slcan tx queue full", adapter.ErrTransmitFailed)
		},
	})
	d.wg.Add(1)
	go d.rxLoop(ctx)
	return d, nil
}

func (d *Driver) Variant() adapter.Variant { return adapter.VariantSLCAN }

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

// Close shuts the channel ('C') and releases the port.
func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	_, _ = d.port.Write([]byte{'C', '\r'})
	d.cancel()
	d.tx.Close()
	err := d.port.Close()
	d.wg.Wait()
	d.recvOnce.Do(func() { close(d.recv) })
	return err
}

func (d *Driver) rxLoop(ctx context.Context) {
	defer d.wg.Done()
	defer logging.L().Info("slcan_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := d.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = d.codec.DecodeStream(acc, func(fr can.Frame) {
				fr.Timestamp = can.Now()
				adapter.Push(d.recv, fr, adapter.VariantSLCAN)
			})
			if acc.Len() == 0 && cap(acc.Bytes()) > reclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil { // shutting down
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				// Device removed: end the stream so the pump surfaces the
				// disconnection (unless Close owns the teardown).
				if !d.closed.Load() {
					d.recvOnce.Do(func() { close(d.recv) })
				}
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout tick
			}
			metrics.IncError(metrics.ErrAdapterRead)
			logging.L().Warn("slcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}
