// Package pump owns an adapter's receive path: it is the sole reader of the
// driver's frame channel, normalizes and timestamps every frame, feeds the
// bootloader tap and the aggregator, and fans the rest out to subscribers.
package pump

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/agg"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/hub"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

// Tap is the synchronous aggregator-subscriber slot (the bootloader engine
// during a flash). OnFrame is called for every frame, in receive order,
// before any session subscriber sees it. Returning true marks the frame
// consumed: it still updates the stats table but never reaches the fan-out.
type Tap interface {
	OnFrame(can.Frame) (consumed bool)
}

// InbandDecoder is implemented by drivers whose remote end decodes frames
// server-side (network relay, Bluetooth SPP).
type InbandDecoder interface {
	InbandDecode(can.Key) *symbols.DecodeResult
}

// ErrTapBusy is returned when a second tap attach is attempted.
var ErrTapBusy = errors.New("pump: tap already attached")

// tsEpsilon restores strict monotonicity when a source repeats timestamps.
const tsEpsilon = 1e-6

// Pump is the single reader of one bound driver.
type Pump struct {
	drv    adapter.Driver
	table  *agg.Table
	dec    *symbols.Adapter
	h      *hub.Hub
	inband InbandDecoder // non-nil when the driver decodes remotely

	tap atomic.Pointer[tapHolder]

	lastTS       float64
	onDisconnect func()
	once         sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

type tapHolder struct{ tap Tap }

// New wires a pump. onDisconnect fires exactly once, after the driver's
// receive path terminates and all queued frames were flushed to subscribers.
func New(drv adapter.Driver, table *agg.Table, dec *symbols.Adapter, h *hub.Hub, onDisconnect func()) *Pump {
	p := &Pump{
		drv:          drv,
		table:        table,
		dec:          dec,
		h:            h,
		onDisconnect: onDisconnect,
		done:         make(chan struct{}),
	}
	if ib, ok := drv.(InbandDecoder); ok {
		p.inband = ib
	}
	return p
}

// Start launches the pump goroutine.
func (p *Pump) Start() {
	p.wg.Add(1)
	go p.run()
}

// Done is closed once the pump has terminated.
func (p *Pump) Done() <-chan struct{} { return p.done }

// Wait blocks until the pump goroutine exits (driver closed).
func (p *Pump) Wait() { p.wg.Wait() }

// AttachTap installs the synchronous consumer. At most one may be attached.
func (p *Pump) AttachTap(t Tap) error {
	if !p.tap.CompareAndSwap(nil, &tapHolder{tap: t}) {
		return ErrTapBusy
	}
	return nil
}

// DetachTap removes the synchronous consumer, if any.
func (p *Pump) DetachTap() { p.tap.Store(nil) }

func (p *Pump) run() {
	defer p.wg.Done()
	defer close(p.done)
	defer logging.L().Info("pump_stopped", "variant", p.drv.Variant())
	logging.L().Info("pump_started", "variant", p.drv.Variant())
	for fr := range p.drv.Frames() {
		p.dispatch(fr)
	}
	// Channel closed: the driver's receive path is gone. Everything queued
	// was drained above; surface one disconnection event. Delivered from its
	// own goroutine so a handler may Wait() on the pump without deadlocking.
	p.once.Do(func() {
		if p.onDisconnect != nil {
			go p.onDisconnect()
		}
	})
}

func (p *Pump) dispatch(fr can.Frame) {
	if err := fr.Validate(); err != nil {
		metrics.IncMalformed()
		return
	}
	// Timestamp: driver-provided or taken at ingest; strictly monotonic
	// either way.
	if fr.Timestamp == 0 {
		fr.Timestamp = can.Now()
	}
	if fr.Timestamp <= p.lastTS {
		fr.Timestamp = p.lastTS + tsEpsilon
	}
	p.lastTS = fr.Timestamp

	consumed := false
	if h := p.tap.Load(); h != nil {
		consumed = h.tap.OnFrame(fr)
		if consumed {
			metrics.IncConsumed()
		}
	}

	var decoded *symbols.DecodeResult
	if p.dec != nil {
		decoded = p.dec.Decode(fr.ID, fr.Extended, fr.Data[:fr.DLC])
	}
	if decoded == nil && p.inband != nil {
		decoded = p.inband.InbandDecode(fr.Key())
	}
	p.table.Observe(fr, decoded)

	if consumed {
		return
	}
	metrics.IncDispatched()
	p.h.Broadcast(fr, decoded)
}
