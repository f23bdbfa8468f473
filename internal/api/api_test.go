package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/agg"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/hub"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/session"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/store"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

type fakeDriver struct {
	ch   chan can.Frame
	sent []can.Frame
}

func newFakeDriver() *fakeDriver { return &fakeDriver{ch: make(chan can.Frame, 256)} }

func (f *fakeDriver) Close() error { close(f.ch); return nil }
func (f *fakeDriver) Transmit(fr can.Frame) error {
	f.sent = append(f.sent, fr)
	return nil
}
func (f *fakeDriver) Capabilities() adapter.Capabilities { return adapter.Capabilities{MaxDLC: 8} }
func (f *fakeDriver) Frames() <-chan can.Frame           { return f.ch }
func (f *fakeDriver) Variant() adapter.Variant           { return "fake" }

type fixture struct {
	srv *httptest.Server
	drv *fakeDriver
	mgr *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	drv := newFakeDriver()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	db := symbols.NewStatic()
	db.Add(0x18FF0000, true, &symbols.MessageSchema{
		Name: "BatteryState",
		Signals: []symbols.Signal{
			{Name: "Voltage", StartBit: 0, Length: 16, Order: symbols.LittleEndian, Scale: 0.1, Unit: "V"},
		},
	})
	mgr := session.NewManager(session.Config{
		Open: func(adapter.Variant, string, int, adapter.BackendConfig) (adapter.Driver, error) {
			return drv, nil
		},
		Table:  agg.New(),
		Hub:    hub.New(),
		Dec:    symbols.NewAdapter(),
		Store:  st,
		Loader: func(name string, blob []byte) (symbols.Database, error) { return db, nil },
	})
	s := NewServer(WithManager(mgr), WithStore(st), WithVersion("test"))
	ctx, cancel := context.WithCancel(context.Background())
	s.StartBuffer(ctx)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() { cancel(); ts.Close() })
	return &fixture{srv: ts, drv: drv, mgr: mgr}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestProbe(t *testing.T) {
	f := newFixture(t)
	code, out := f.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "trevcan-bridge", out["name"])
}

func TestConnectStatusSend(t *testing.T) {
	f := newFixture(t)
	code, out := f.do(t, http.MethodPost, "/api/connect",
		`{"variant":"gsusb","channel":0,"baudrate":"BAUD_500K"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["success"])

	code, out = f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	status := out["status"].(map[string]any)
	require.Equal(t, true, status["connected"])
	require.EqualValues(t, 500000, status["baudrate"])

	// Hex-string id with hex-string data, relay style.
	code, _ = f.do(t, http.MethodPost, "/api/messages",
		`{"id":"0x18FF0001","data":"DEADBEEF","is_extended":true}`)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, f.drv.sent, 1)
	require.Equal(t, uint32(0x18FF0001), f.drv.sent[0].ID)
	require.True(t, f.drv.sent[0].Extended)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, f.drv.sent[0].Payload())
}

func TestSendWithoutConnectRejected(t *testing.T) {
	f := newFixture(t)
	code, out := f.do(t, http.MethodPost, "/api/messages", `{"id":291,"data":[1,2]}`)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "NotConnected", out["kind"])
}

func TestPullBufferWithDecode(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/connect", `{"variant":"gsusb","channel":0}`)
	require.Equal(t, http.StatusOK, code)
	// Load the symbol database so deliveries are annotated.
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/dbc?filename=veh.dbc", strings.NewReader("BO_ stub"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fr, _ := can.New(0x18FF0000, true, false, []byte{0xA0, 0x0F})
	f.drv.ch <- fr

	var msgs []any
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, out := f.do(t, http.MethodGet, "/api/messages?count=10", "")
		msgs, _ = out["messages"].([]any)
		if len(msgs) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, msgs, 1, "frame must land in the pull buffer")
	m := msgs[0].(map[string]any)
	require.Equal(t, "0x18FF0000", m["id"])
	require.Equal(t, "BatteryState", m["message_name"])

	// Pull consumed the buffer; a second pull is empty.
	_, out := f.do(t, http.MethodGet, "/api/messages", "")
	require.EqualValues(t, 0, out["count"])
}

func TestSchemaListFollowsLoadedSymbols(t *testing.T) {
	f := newFixture(t)
	_, out := f.do(t, http.MethodGet, "/api/schemas", "")
	require.Len(t, out["schemas"], 0)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/dbc?filename=veh.dbc", strings.NewReader("BO_ stub"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	_, out = f.do(t, http.MethodGet, "/api/schemas", "")
	schemas := out["schemas"].([]any)
	require.Len(t, schemas, 1)
	row := schemas[0].(map[string]any)
	require.Equal(t, "BatteryState", row["name"])
	require.Equal(t, true, row["extended"])
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, _ = f.do(t, http.MethodPost, "/api/connect", `{"variant":"gsusb","channel":0}`)
	fr, _ := can.New(0x100, false, false, []byte{1})
	f.drv.ch <- fr

	deadline := time.Now().Add(2 * time.Second)
	var rows []any
	for {
		_, out := f.do(t, http.MethodGet, "/api/stats", "")
		rows, _ = out["stats"].([]any)
		if len(rows) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	require.EqualValues(t, 0x100, row["id"])
	require.EqualValues(t, 1, row["count"])

	code, _ := f.do(t, http.MethodDelete, "/api/stats", "")
	require.Equal(t, http.StatusOK, code)
	_, out := f.do(t, http.MethodGet, "/api/stats", "")
	rows, _ = out["stats"].([]any)
	require.Len(t, rows, 0)
}

func TestTransmitListRoundTripHTTP(t *testing.T) {
	f := newFixture(t)
	body := `[{"name":"ping","id":256,"extended":false,"data":"AQID"},{"name":"ext","id":256,"extended":true,"data":"BA=="}]`
	code, _ := f.do(t, http.MethodPost, "/api/transmit-lists/veh", body)
	require.Equal(t, http.StatusOK, code)

	code, out := f.do(t, http.MethodGet, "/api/transmit-lists/veh", "")
	require.Equal(t, http.StatusOK, code)
	items := out["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	second := items[1].(map[string]any)
	require.Equal(t, false, first["extended"] == true)
	require.Equal(t, true, second["extended"])

	code, out = f.do(t, http.MethodGet, "/api/transmit-lists", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, []any{"veh"}, out["lists"])
}

func TestFlashRejectedWhenDisconnected(t *testing.T) {
	f := newFixture(t)
	code, out := f.do(t, http.MethodPost, "/api/flash", `{"module_id":1,"image":"AQIDBA=="}`)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "NotConnected", out["kind"])
	code, _ = f.do(t, http.MethodPost, "/api/flash/cancel", "")
	require.Equal(t, http.StatusConflict, code)
}

func TestBaudrateForms(t *testing.T) {
	cases := map[string]int{
		`500000`:      500000,
		`"500000"`:    500000,
		`"BAUD_500K"`: 500000,
		`"BAUD_1M"`:   1000000,
		`"250K"`:      250000,
	}
	for raw, want := range cases {
		got, err := parseBaudrate(json.RawMessage(raw))
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := parseBaudrate(json.RawMessage(`"fast"`))
	require.Error(t, err)
}
