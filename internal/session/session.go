// Package session owns the process-wide device session and serializes every
// operation that mutates it. It is the only writer of the bound driver, the
// flash state and the loaded symbol database.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/agg"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/boot"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/hub"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/pump"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/store"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/transport"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrFlashBusy        = errors.New("flash in progress")
	ErrNoFlash          = errors.New("no flash in progress")
)

// OpenFunc binds a driver for a variant; injectable for tests.
type OpenFunc func(variant adapter.Variant, channel string, baudrate int, backend adapter.BackendConfig) (adapter.Driver, error)

// Status is the externally visible session state.
type Status struct {
	Connected       bool            `json:"connected"`
	Variant         adapter.Variant `json:"variant,omitempty"`
	Channel         string          `json:"channel,omitempty"`
	Baudrate        int             `json:"baudrate,omitempty"`
	ConnectedAt     time.Time       `json:"connected_at,omitempty"`
	FlashInProgress bool            `json:"flash_in_progress"`
	Symbols         string          `json:"symbols,omitempty"`
	Subscribers     int             `json:"subscribers"`
}

// Manager is the command dispatcher: a serialized front over the mutable
// session. Every public method that touches the bound driver, the flash
// state or the symbol database through the session takes the dispatch lock,
// so those operations are totally ordered and at most one is in flight.
// Subscribe, Unsubscribe, Stats, SchemaList and RestoreSymbols do not take
// it.
type Manager struct {
	mu sync.Mutex

	openFn OpenFunc
	table  *agg.Table
	h      *hub.Hub
	dec    *symbols.Adapter
	st     *store.Store
	loader symbols.Loader

	drv      adapter.Driver
	pmp      *pump.Pump
	variant  adapter.Variant
	channel  string
	baudrate int
	bound    time.Time
	session  uint64 // incremented per connect; stale disconnect events no-op

	flashing    bool
	flashCancel context.CancelFunc
	flashDone   chan error
}

// Config wires a Manager.
type Config struct {
	Open   OpenFunc
	Table  *agg.Table
	Hub    *hub.Hub
	Dec    *symbols.Adapter
	Store  *store.Store
	Loader symbols.Loader
}

func NewManager(cfg Config) *Manager {
	if cfg.Open == nil {
		cfg.Open = OpenDriver
	}
	return &Manager{
		openFn: cfg.Open,
		table:  cfg.Table,
		h:      cfg.Hub,
		dec:    cfg.Dec,
		st:     cfg.Store,
		loader: cfg.Loader,
	}
}

// Connect binds a driver and starts its receive pump.
func (m *Manager) Connect(variant adapter.Variant, channel string, baudrate int, backend adapter.BackendConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv != nil {
		return ErrAlreadyConnected
	}
	drv, err := m.openFn(variant, channel, baudrate, backend)
	if err != nil {
		return err
	}
	m.session++
	sid := m.session
	m.drv = drv
	m.variant = variant
	m.channel = channel
	m.baudrate = baudrate
	m.bound = time.Now()
	m.pmp = pump.New(drv, m.table, m.dec, m.h, func() { m.driverGone(sid) })
	m.pmp.Start()
	logging.L().Info("session_connected", "variant", variant, "channel", channel, "baudrate", baudrate)
	return nil
}

// driverGone handles the pump's single disconnection event: the adapter's
// receive path died underneath us (device unplugged, relay lost).
func (m *Manager) driverGone(sid uint64) {
	m.mu.Lock()
	if m.session != sid || m.drv == nil {
		m.mu.Unlock()
		return // a newer session owns the state, or an orderly disconnect ran
	}
	logging.L().Warn("session_driver_lost", "variant", m.variant)
	m.teardownLocked()
	m.mu.Unlock()
}

// Disconnect tears the session down. A running flash is cancelled first.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv == nil {
		return ErrNotConnected
	}
	if m.flashing {
		m.cancelFlashLocked()
	}
	_ = m.drv.Close()
	m.pmp.Wait()
	m.teardownLocked()
	logging.L().Info("session_disconnected")
	return nil
}

// teardownLocked resets session state, clears stats and invalidates the
// subscribers bound to the session (their one disconnection event is the
// closed handle).
func (m *Manager) teardownLocked() {
	m.session++ // invalidate any in-flight driver-gone notification
	if m.flashing {
		m.cancelFlashLocked()
	}
	for _, cl := range m.h.Snapshot() {
		m.h.Remove(cl)
	}
	m.table.Clear()
	m.drv = nil
	m.pmp = nil
	m.variant = ""
	m.channel = ""
	m.baudrate = 0
	m.bound = time.Time{}
}

// Send transmits one frame. Rejected while a flash owns the bus.
func (m *Manager) Send(fr can.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv == nil {
		return ErrNotConnected
	}
	if m.flashing {
		return ErrFlashBusy
	}
	if err := fr.Validate(); err != nil {
		return err
	}
	return m.drv.Transmit(fr)
}

// StartFlash launches a flash job. The engine is attached as the pump's
// synchronous tap for the duration, so target frames never reach session
// subscribers. The returned channel yields the job's final error.
func (m *Manager) StartFlash(module int, image []byte, opts boot.Options) (<-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv == nil {
		return nil, ErrNotConnected
	}
	if m.flashing {
		return nil, ErrFlashBusy
	}
	engine := boot.New(transport.FrameFunc(m.drv.Transmit))
	p := m.pmp
	if err := p.AttachTap(engine); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlashBusy, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.flashing = true
	m.flashCancel = cancel
	done := make(chan error, 1)
	m.flashDone = done
	go func() {
		err := engine.Flash(ctx, module, image, opts)
		p.DetachTap()
		cancel()
		m.mu.Lock()
		m.flashing = false
		m.flashCancel = nil
		m.flashDone = nil
		m.mu.Unlock()
		if err != nil {
			logging.L().Error("flash_failed", "module", module, "error", err)
		}
		done <- err
	}()
	return done, nil
}

// CancelFlash aborts a running flash; the job returns Cancelled.
func (m *Manager) CancelFlash() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.flashing {
		return ErrNoFlash
	}
	m.cancelFlashLocked()
	return nil
}

func (m *Manager) cancelFlashLocked() {
	cancel := m.flashCancel
	done := m.flashDone
	if cancel == nil {
		return
	}
	cancel()
	// Release the lock while the job winds down; it needs it to clear state.
	m.mu.Unlock()
	if done != nil {
		select {
		case err := <-done:
			// Re-arm the channel for any other waiter.
			done <- err
		case <-time.After(20 * time.Second):
			logging.L().Error("flash_cancel_timeout")
		}
	}
	m.mu.Lock()
}

// LoadSymbols persists a symbol blob, parses it through the loader and
// installs the database atomically. Remote-decoding drivers also receive the
// file so their in-band annotations stay consistent.
func (m *Manager) LoadSymbols(name string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, err := m.loader(name, blob)
	if err != nil {
		return fmt.Errorf("parse symbols %s: %w", name, err)
	}
	if m.st != nil {
		if err := m.st.SaveSymbols(name, blob); err != nil {
			return err
		}
	}
	m.dec.Swap(db, name)
	if up, ok := m.drv.(interface{ UploadSymbols(string, []byte) error }); ok {
		if err := up.UploadSymbols(name, blob); err != nil {
			logging.L().Warn("remote_symbols_upload_failed", "error", err)
		}
	}
	return nil
}

// ClearSymbols unloads the database (local and, best effort, remote).
func (m *Manager) ClearSymbols() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dec.Clear()
	if m.st != nil {
		_ = m.st.ClearCurrent()
	}
	if cl, ok := m.drv.(interface{ ClearSymbols() error }); ok {
		if err := cl.ClearSymbols(); err != nil {
			logging.L().Warn("remote_symbols_clear_failed", "error", err)
		}
	}
	return nil
}

// ClearStats empties the aggregation table.
func (m *Manager) ClearStats() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.Clear()
	return nil
}

// Subscribe attaches a live observer bound to the current session.
func (m *Manager) Subscribe() *hub.Client {
	cl := hub.NewClient(m.h.OutBufSize)
	m.h.Add(cl)
	return cl
}

// Unsubscribe detaches an observer.
func (m *Manager) Unsubscribe(cl *hub.Client) { m.h.Remove(cl) }

// Stats snapshots the aggregation table.
func (m *Manager) Stats() []agg.Stats { return m.table.Snapshot() }

// SchemaList enumerates the loaded symbol database's message layouts.
func (m *Manager) SchemaList() []symbols.SchemaInfo { return m.dec.SchemaList() }

// Status reports the session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected:       m.drv != nil,
		Variant:         m.variant,
		Channel:         m.channel,
		Baudrate:        m.baudrate,
		ConnectedAt:     m.bound,
		FlashInProgress: m.flashing,
		Symbols:         m.dec.Name(),
		Subscribers:     m.h.Count(),
	}
}

// RestoreSymbols reloads the most recently loaded symbol file at startup.
func (m *Manager) RestoreSymbols() {
	if m.st == nil {
		return
	}
	name, blob, err := m.st.CurrentSymbols()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.L().Warn("symbols_restore_failed", "error", err)
		}
		return
	}
	db, err := m.loader(name, blob)
	if err != nil {
		logging.L().Warn("symbols_restore_parse_failed", "name", name, "error", err)
		return
	}
	m.dec.Swap(db, name)
	logging.L().Info("symbols_restored", "name", name)
}
