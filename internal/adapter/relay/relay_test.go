package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
)

func mustFrame(t *testing.T, id uint32, ext bool, data []byte) can.Frame {
	t.Helper()
	fr, err := can.New(id, ext, false, data)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	return fr
}

// fakeRelay is a minimal in-memory relay server.
type fakeRelay struct {
	mu        sync.Mutex
	connected bool
	buffer    []map[string]any
	cleared   int
	sent      []map[string]any
	pollErrs  int // when >0, /api/messages GET returns 500 and decrements
	dbc       string
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "fake-relay"})
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"status":  map[string]any{"connected": f.connected},
		})
	})
	mux.HandleFunc("/api/connect", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.connected = true
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "ok"})
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if f.pollErrs > 0 {
				f.pollErrs--
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "messages": f.buffer})
		case http.MethodPost:
			var m map[string]any
			_ = json.NewDecoder(r.Body).Decode(&m)
			f.sent = append(f.sent, m)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		case http.MethodDelete:
			f.cleared++
			f.buffer = nil
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		}
	})
	mux.HandleFunc("/api/dbc", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var sb strings.Builder
			buf := make([]byte, 1024)
			for {
				n, err := r.Body.Read(buf)
				sb.Write(buf[:n])
				if err != nil {
					break
				}
			}
			f.dbc = sb.String()
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		case http.MethodDelete:
			f.dbc = ""
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		}
	})
	return mux
}

func startFake(t *testing.T, f *fakeRelay) (string, func()) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	return strings.TrimPrefix(srv.URL, "http://"), srv.Close
}

func openFast(t *testing.T, f *fakeRelay) (*Driver, func()) {
	t.Helper()
	host, stop := startFake(t, f)
	d, err := Open(Config{Host: host, Channel: 0, Baudrate: 500000, PollInterval: 10 * time.Millisecond})
	if err != nil {
		stop()
		t.Fatalf("open: %v", err)
	}
	return d, func() { _ = d.Close(); stop() }
}

func TestOpenConnectsAndClearsBuffer(t *testing.T) {
	f := &fakeRelay{}
	d, stop := openFast(t, f)
	defer stop()

	f.mu.Lock()
	connected, cleared := f.connected, f.cleared
	f.mu.Unlock()
	if !connected {
		t.Fatalf("relay upstream not connected")
	}
	if cleared != 1 {
		t.Fatalf("server buffer cleared %d times, want exactly 1", cleared)
	}
	if d.Variant() != "network" {
		t.Fatalf("variant = %s", d.Variant())
	}
}

func TestPollAcceptsFirstBatchSortsAndDeduplicates(t *testing.T) {
	f := &fakeRelay{}
	d, stop := openFast(t, f)
	defer stop()

	// Out of order, with hex-string id and hex-string data forms mixed in.
	f.mu.Lock()
	f.buffer = []map[string]any{
		{"id": "0x18FF0000", "data": "DEADBEEF", "timestamp": 2.0, "is_extended": true},
		{"id": 0x123, "data": []int{1, 2}, "timestamp": 1.0},
	}
	f.mu.Unlock()

	var got []uint32
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case fr := <-d.Frames():
			got = append(got, fr.ID)
		case <-deadline:
			t.Fatalf("frames not delivered, got %v", got)
		}
	}
	if got[0] != 0x123 || got[1] != 0x18FF0000 {
		t.Fatalf("batch not sorted by timestamp: %v", got)
	}

	// Same batch again: everything at/below the high-water mark is dropped.
	select {
	case fr := <-d.Frames():
		t.Fatalf("duplicate frame delivered: %v", fr)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInbandDecodeCarried(t *testing.T) {
	f := &fakeRelay{}
	d, stop := openFast(t, f)
	defer stop()

	f.mu.Lock()
	f.buffer = []map[string]any{{
		"id": "0x18FF0000", "data": []int{0xA0, 0x0F}, "timestamp": 1.5, "is_extended": true,
		"message_name": "BatteryState",
		"signals":      []map[string]any{{"name": "Voltage", "value": "400.00", "unit": "V"}},
	}}
	f.mu.Unlock()

	select {
	case fr := <-d.Frames():
		dec := d.InbandDecode(fr.Key())
		if dec == nil || dec.MessageName != "BatteryState" || len(dec.Signals) != 1 {
			t.Fatalf("in-band decode missing: %+v", dec)
		}
	case <-time.After(time.Second):
		t.Fatalf("frame not delivered")
	}
}

func TestTransmitPostsFrame(t *testing.T) {
	f := &fakeRelay{}
	d, stop := openFast(t, f)
	defer stop()

	fr := mustFrame(t, 0x321, false, []byte{9, 8, 7})
	if err := d.Transmit(fr); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		n := len(f.sent)
		f.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame not posted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	sent := f.sent[0]
	f.mu.Unlock()
	if sent["id"] != "0x321" {
		t.Fatalf("posted id = %v", sent["id"])
	}
	if sent["is_extended"] != false {
		t.Fatalf("posted is_extended = %v", sent["is_extended"])
	}
}

func TestConnectionLostAfterConsecutiveErrors(t *testing.T) {
	f := &fakeRelay{}
	host, stop := startFake(t, f)
	defer stop()
	d, err := Open(Config{Host: host, PollInterval: 5 * time.Millisecond, MaxErrors: 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	f.mu.Lock()
	f.pollErrs = 1000
	f.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for !d.lost.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("driver did not surface ConnectionLost")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := d.Transmit(mustFrame(t, 0x1, false, nil)); err == nil {
		t.Fatalf("transmit after loss must fail")
	}
}

func TestUploadSymbols(t *testing.T) {
	f := &fakeRelay{}
	d, stop := openFast(t, f)
	defer stop()

	if err := d.UploadSymbols("veh.dbc", []byte("BO_ 291 Test: 8 ECU")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	f.mu.Lock()
	dbc := f.dbc
	f.mu.Unlock()
	if !strings.Contains(dbc, "BO_ 291") {
		t.Fatalf("dbc not stored on server: %q", dbc)
	}
	if err := d.ClearSymbols(); err != nil {
		t.Fatalf("clear: %v", err)
	}
}
