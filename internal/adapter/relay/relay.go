// Package relay implements the NetworkRelay adapter: a remote CAN bridge
// reached over HTTP, polled for buffered frames. The rest of the system sees
// only the standard driver contract; the polling, ordering and de-duplication
// rules live here.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/transport"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxErrors    = 10
	defaultHTTPTimeout  = 5 * time.Second
	pollBatchCount      = 200
	txQueueSize         = 1024
)

// Config parameterizes Open. Host is "host:port".
type Config struct {
	Host         string
	Channel      int
	Baudrate     int
	PollInterval time.Duration
	MaxErrors    int
	HTTPTimeout  time.Duration
}

// Driver polls a relay server and synthesizes a frame stream with a
// high-water-mark rule on server timestamps.
type Driver struct {
	cfg     Config
	baseURL string
	client  *http.Client
	recv    chan can.Frame
	tx      *transport.AsyncTx
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lost     atomic.Bool
	closed   atomic.Bool
	recvOnce sync.Once

	// highWater is the last observed server timestamp; frames at or below it
	// are duplicates from a previous poll and are discarded.
	highWater float64

	inbandMu sync.RWMutex
	inband   map[can.Key]*symbols.DecodeResult
}

// Open probes the relay, binds the upstream channel/baudrate, clears the
// server buffer once and starts the poll loop with the mark at zero so the
// first batch is accepted.
func Open(cfg Config) (*Driver, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: empty relay host", adapter.ErrInvalidConfig)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = defaultMaxErrors
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	d := &Driver{
		cfg:     cfg,
		baseURL: "http://" + cfg.Host,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		recv:    make(chan can.Frame, adapter.DefaultRxQueue),
		inband:  make(map[can.Key]*symbols.DecodeResult),
	}

	var probe struct {
		Name string `json:"name"`
	}
	if err := d.getJSON("/", &probe); err != nil {
		return nil, fmt.Errorf("%w: relay %s unreachable: %v", adapter.ErrDeviceNotFound, cfg.Host, err)
	}
	logging.L().Info("relay_probe_ok", "host", cfg.Host, "name", probe.Name)

	var st statusResponse
	if err := d.getJSON("/api/status", &st); err != nil {
		return nil, fmt.Errorf("%w: relay status: %v", adapter.ErrConnectionLost, err)
	}
	if !st.Status.Connected {
		var res simpleResponse
		body := map[string]any{"channel": cfg.Channel, "baudrate": cfg.Baudrate}
		if err := d.postJSON("/api/connect", body, &res); err != nil {
			return nil, fmt.Errorf("%w: relay connect: %v", adapter.ErrConnectionLost, err)
		}
		if !res.Success {
			return nil, fmt.Errorf("%w: relay connect refused: %s", adapter.ErrInvalidConfig, res.Error)
		}
	}

	// One-shot buffer clear, then accept everything from mark zero.
	if err := d.del("/api/messages"); err != nil {
		logging.L().Warn("relay_buffer_clear_failed", "error", err)
	}
	d.highWater = 0

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.tx = transport.NewAsyncTx(ctx, txQueueSize, d.post1Frame, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrAdapterWrite)
			logging.L().Error("relay_tx_error", "error", err)
		},
		OnAfter: func() { metrics.IncAdapterTx(string(adapter.VariantRelay)) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return fmt.Errorf("%w: relay tx queue full", adapter.ErrTransmitFailed)
		},
	})
	d.wg.Add(1)
	go d.pollLoop(ctx)
	return d, nil
}

func (d *Driver) Variant() adapter.Variant { return adapter.VariantRelay }

func (d *Driver) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsExtended: true, SupportsRemote: false, MaxDLC: 8}
}

func (d *Driver) Frames() <-chan can.Frame { return d.recv }

// Transmit posts one frame to the relay.
func (d *Driver) Transmit(fr can.Frame) error {
	if d.closed.Load() {
		return adapter.ErrClosed
	}
	if d.lost.Load() {
		return adapter.ErrConnectionLost
	}
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	return d.tx.SendFrame(fr)
}

func (d *Driver) post1Frame(fr can.Frame) error {
	body := map[string]any{
		"id":          fmt.Sprintf("0x%X", fr.ID),
		"data":        fr.Payload(),
		"is_extended": fr.Extended,
	}
	var res simpleResponse
	if err := d.postJSON("/api/messages", body, &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", adapter.ErrTransmitFailed, res.Error)
	}
	return nil
}

// UploadSymbols uploads a symbol file as text/plain so the relay decodes
// frames server-side; decode results come back in-band on each frame.
func (d *Driver) UploadSymbols(filename string, blob []byte) error {
	req, err := http.NewRequest(http.MethodPost, d.baseURL+"/api/dbc?filename="+filename, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnectionLost, err)
	}
	defer resp.Body.Close()
	var res simpleResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrProtocolViolation, err)
	}
	if !res.Success {
		return fmt.Errorf("relay dbc upload: %s", res.Error)
	}
	return nil
}

// ClearSymbols removes the relay's symbol file.
func (d *Driver) ClearSymbols() error { return d.del("/api/dbc") }

// InbandDecode returns the most recent server-side decode for a key, if the
// relay delivered one.
func (d *Driver) InbandDecode(key can.Key) *symbols.DecodeResult {
	d.inbandMu.RLock()
	defer d.inbandMu.RUnlock()
	return d.inband[key]
}

// Close stops polling and releases the HTTP session.
func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.cancel()
	d.tx.Close()
	d.wg.Wait()
	d.recvOnce.Do(func() { close(d.recv) })
	return nil
}

func (d *Driver) pollLoop(ctx context.Context) {
	defer d.wg.Done()
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	errCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := d.pollOnce(); err != nil {
			errCount++
			metrics.IncError(metrics.ErrRelayPoll)
			logging.L().Warn("relay_poll_error", "error", err, "consecutive", errCount)
			if errCount >= d.cfg.MaxErrors {
				d.lost.Store(true)
				logging.L().Error("relay_connection_lost", "host", d.cfg.Host, "errors", errCount)
				// Ends the frame stream so the pump surfaces one
				// disconnection event to subscribers.
				d.recvOnce.Do(func() { close(d.recv) })
				return
			}
			// Back off: each consecutive error stretches the poll interval.
			t.Reset(d.cfg.PollInterval * time.Duration(errCount+1))
			continue
		}
		if errCount > 0 {
			t.Reset(d.cfg.PollInterval)
		}
		errCount = 0
	}
}

func (d *Driver) pollOnce() error {
	var res messagesResponse
	if err := d.getJSON(fmt.Sprintf("/api/messages?count=%d", pollBatchCount), &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", adapter.ErrProtocolViolation, res.Error)
	}
	// Order within the batch before dispatch.
	sort.SliceStable(res.Messages, func(i, j int) bool {
		return res.Messages[i].Timestamp < res.Messages[j].Timestamp
	})
	for i := range res.Messages {
		m := &res.Messages[i]
		if m.Timestamp <= d.highWater {
			continue
		}
		d.highWater = m.Timestamp
		payload, err := m.Payload()
		if err != nil || len(payload) > 8 {
			metrics.IncMalformed()
			continue
		}
		fr, err := can.New(uint32(m.ID), m.Extended(), m.IsRemote, payload)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		fr.Timestamp = m.Timestamp
		if dec := m.Decoded(); dec != nil {
			d.inbandMu.Lock()
			d.inband[fr.Key()] = dec
			d.inbandMu.Unlock()
		}
		adapter.Push(d.recv, fr, adapter.VariantRelay)
	}
	return nil
}

func (d *Driver) getJSON(path string, out any) error {
	resp, err := d.client.Get(d.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (d *Driver) postJSON(path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := d.client.Post(d.baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (d *Driver) del(path string) error {
	req, err := http.NewRequest(http.MethodDelete, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("DELETE %s: status %d", path, resp.StatusCode)
	}
	return nil
}
