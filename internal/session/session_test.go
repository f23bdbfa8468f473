package session

import (
	"errors"
	"testing"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/agg"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/boot"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/hub"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

// fakeDriver records transmissions and lets tests inject received frames.
type fakeDriver struct {
	ch   chan can.Frame
	sent chan can.Frame
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{ch: make(chan can.Frame, 256), sent: make(chan can.Frame, 256)}
}

func (f *fakeDriver) Close() error { close(f.ch); return nil }
func (f *fakeDriver) Transmit(fr can.Frame) error {
	f.sent <- fr
	return nil
}
func (f *fakeDriver) Capabilities() adapter.Capabilities { return adapter.Capabilities{MaxDLC: 8} }
func (f *fakeDriver) Frames() <-chan can.Frame           { return f.ch }
func (f *fakeDriver) Variant() adapter.Variant           { return "fake" }

func newManager(t *testing.T) (*Manager, *fakeDriver) {
	t.Helper()
	drv := newFakeDriver()
	m := NewManager(Config{
		Open: func(adapter.Variant, string, int, adapter.BackendConfig) (adapter.Driver, error) {
			return drv, nil
		},
		Table:  agg.New(),
		Hub:    hub.New(),
		Dec:    symbols.NewAdapter(),
		Loader: func(name string, blob []byte) (symbols.Database, error) { return symbols.NewStatic(), nil },
	})
	return m, drv
}

func connect(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Connect("fake", "chan", 500000, adapter.BackendConfig{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	m, _ := newManager(t)
	if err := m.Send(can.Frame{ID: 1, DLC: 0}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send before connect: %v", err)
	}
	connect(t, m)
	if err := m.Connect("fake", "chan", 500000, adapter.BackendConfig{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("double connect: %v", err)
	}
	st := m.Status()
	if !st.Connected || st.Channel != "chan" || st.Baudrate != 500000 {
		t.Fatalf("status = %+v", st)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if m.Status().Connected {
		t.Fatalf("still connected after disconnect")
	}
	if err := m.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("double disconnect: %v", err)
	}
}

func TestSendRejectedDuringFlash(t *testing.T) {
	m, drv := newManager(t)
	connect(t, m)
	defer m.Disconnect()

	// A silent target: the flash will sit in reset-wait for 3 s; cancel it.
	opts := boot.DefaultOptions()
	opts.OnProgress = func(boot.Progress) {}
	done, err := m.StartFlash(1, []byte{1, 2, 3, 4}, opts)
	if err != nil {
		t.Fatalf("start flash: %v", err)
	}
	fr, _ := can.New(0x123, false, false, []byte{1})
	if err := m.Send(fr); !errors.Is(err, ErrFlashBusy) {
		t.Fatalf("send during flash: %v", err)
	}
	if _, err := m.StartFlash(1, []byte{1}, opts); !errors.Is(err, ErrFlashBusy) {
		t.Fatalf("second flash: %v", err)
	}
	if err := m.CancelFlash(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case ferr := <-done:
		if !errors.Is(ferr, boot.ErrCancelled) {
			t.Fatalf("flash result = %v, want Cancelled", ferr)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("flash did not stop after cancel")
	}
	// Reset frame went out before the cancel.
	select {
	case sent := <-drv.sent:
		if sent.ID != boot.ResetID(1) {
			t.Fatalf("first tx = 0x%08X, want reset id", sent.ID)
		}
	default:
		t.Fatalf("reset frame never transmitted")
	}
	if err := m.Send(fr); err != nil {
		t.Fatalf("send after flash finished: %v", err)
	}
}

func TestDisconnectCancelsRunningFlash(t *testing.T) {
	m, _ := newManager(t)
	connect(t, m)
	opts := boot.DefaultOptions()
	opts.OnProgress = func(boot.Progress) {}
	done, err := m.StartFlash(0, []byte{1, 2, 3, 4}, opts)
	if err != nil {
		t.Fatalf("start flash: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect during flash: %v", err)
	}
	select {
	case ferr := <-done:
		if !errors.Is(ferr, boot.ErrCancelled) {
			t.Fatalf("flash result = %v, want Cancelled", ferr)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("flash survived disconnect")
	}
}

func TestBootloaderFramesHiddenFromSubscribers(t *testing.T) {
	m, drv := newManager(t)
	connect(t, m)
	defer m.Disconnect()

	cl := m.Subscribe()
	defer m.Unsubscribe(cl)

	opts := boot.DefaultOptions()
	opts.OnProgress = func(boot.Progress) {}
	done, err := m.StartFlash(2, []byte{1, 2, 3, 4}, opts)
	if err != nil {
		t.Fatalf("start flash: %v", err)
	}
	// Inject a target frame and a normal frame while the tap is attached.
	boot1, _ := can.New(0x18000700, true, false, []byte{0x14, 0x07, 0, 0, 0, 0, 0, 0})
	normal, _ := can.New(0x123, false, false, []byte{0xAA})
	drv.ch <- boot1
	drv.ch <- normal

	select {
	case d := <-cl.Out:
		if d.Frame.ID == 0x18000700 {
			t.Fatalf("bootloader frame leaked to subscriber")
		}
		if d.Frame.ID != 0x123 {
			t.Fatalf("unexpected delivery 0x%X", d.Frame.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("normal frame not delivered during flash")
	}
	_ = m.CancelFlash()
	<-done
}

func TestClearStatsIdempotent(t *testing.T) {
	m, drv := newManager(t)
	connect(t, m)
	defer m.Disconnect()
	fr, _ := can.New(0x42, false, false, []byte{1})
	drv.ch <- fr
	deadline := time.Now().Add(time.Second)
	for len(m.Stats()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("frame never aggregated")
		}
		time.Sleep(2 * time.Millisecond)
	}
	_ = m.ClearStats()
	if len(m.Stats()) != 0 {
		t.Fatalf("stats survived clear")
	}
	_ = m.ClearStats() // immediate second clear is a no-op
	if len(m.Stats()) != 0 {
		t.Fatalf("double clear not idempotent")
	}
}

func TestLoadSymbolsInstallsDatabase(t *testing.T) {
	m, _ := newManager(t)
	connect(t, m)
	defer m.Disconnect()
	if err := m.LoadSymbols("veh.dbc", []byte("BO_ 291 X: 8 ECU")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Status().Symbols != "veh.dbc" {
		t.Fatalf("symbols name = %q", m.Status().Symbols)
	}
	if err := m.ClearSymbols(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if m.Status().Symbols != "" {
		t.Fatalf("symbols survived clear")
	}
}
