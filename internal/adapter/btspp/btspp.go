// Package btspp implements the Bluetooth SPP adapter: a line-delimited JSON
// command protocol spoken over an RFCOMM stream. Requests and responses are
// correlated by order of arrival on the single connection; unsolicited
// events are demultiplexed out of the response path before correlation.
package btspp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/jsonwire"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

const (
	// DefaultChannel is the conventional RFCOMM channel for SPP.
	DefaultChannel    = 1
	defaultCmdTimeout = 5 * time.Second
	maxLine           = 256 * 1024
)

var macRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// dialRFCOMM is platform-specific (overridden in tests).
var dialRFCOMM = dialSocket

// Config parameterizes Open.
type Config struct {
	Address string // MAC, XX:XX:XX:XX:XX:XX
	Channel uint8  // RFCOMM channel, default 1
	Timeout time.Duration
}

// request is a command envelope.
type request struct {
	Cmd    string `json:"cmd"`
	Params any    `json:"params,omitempty"`
}

// Response is a command reply or, when Event is set, an unsolicited push.
type Response struct {
	Success  bool               `json:"success"`
	Error    string             `json:"error"`
	Event    string             `json:"event"`
	Count    int                `json:"count"`
	Messages []jsonwire.Message `json:"messages"`
	Status   map[string]any     `json:"status"`
}

// Driver is the SPP adapter.
type Driver struct {
	cfg      Config
	conn     io.ReadWriteCloser
	recv     chan can.Frame
	recvOnce sync.Once
	closed   atomic.Bool
	wg       sync.WaitGroup

	// reqMu orders writes; pending holds response waiters in write order.
	reqMu   sync.Mutex
	pending []chan Response

	inbandMu sync.RWMutex
	inband   map[can.Key]*symbols.DecodeResult
}

// Open connects to the SPP server, starts the reader and subscribes to the
// live message stream.
func Open(cfg Config) (*Driver, error) {
	if !macRe.MatchString(cfg.Address) {
		return nil, fmt.Errorf("%w: bad bluetooth address %q", adapter.ErrInvalidConfig, cfg.Address)
	}
	if cfg.Channel == 0 {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCmdTimeout
	}
	conn, err := dialRFCOMM(cfg.Address, cfg.Channel)
	if err != nil {
		return nil, err
	}
	d := newDriver(cfg, conn)
	if _, err := d.command("subscribe", nil); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	logging.L().Info("btspp_connected", "address", cfg.Address, "channel", cfg.Channel)
	return d, nil
}

func newDriver(cfg Config, conn io.ReadWriteCloser) *Driver {
	d := &Driver{
		cfg:    cfg,
		conn:   conn,
		recv:   make(chan can.Frame, adapter.DefaultRxQueue),
		inband: make(map[can.Key]*symbols.DecodeResult),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

func (d *Driver) Variant() adapter.Variant { return adapter.VariantBluetooth }

func (d *Driver) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsExtended: true, SupportsRemote: true, MaxDLC: 8}
}

func (d *Driver) Frames() <-chan can.Frame { return d.recv }

// Transmit sends one frame through the server.
func (d *Driver) Transmit(fr can.Frame) error {
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	res, err := d.command("send_message", map[string]any{
		"id":       fr.ID,
		"data":     fr.Payload(),
		"extended": fr.Extended,
		"remote":   fr.Remote,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", adapter.ErrTransmitFailed, res.Error)
	}
	metrics.IncAdapterTx(string(adapter.VariantBluetooth))
	return nil
}

// SendBatch transmits several frames in one round-trip.
func (d *Driver) SendBatch(frames []can.Frame) error {
	msgs := make([]map[string]any, 0, len(frames))
	for _, fr := range frames {
		if err := fr.Validate(); err != nil {
			return fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
		}
		msgs = append(msgs, map[string]any{
			"id":       fr.ID,
			"data":     fr.Payload(),
			"extended": fr.Extended,
			"remote":   fr.Remote,
		})
	}
	res, err := d.command("send_batch", map[string]any{"messages": msgs})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", adapter.ErrTransmitFailed, res.Error)
	}
	return nil
}

// LoadDBC uploads a symbol file for server-side decoding.
func (d *Driver) LoadDBC(filename string, content []byte) error {
	res, err := d.command("load_dbc", map[string]any{"filename": filename, "content": string(content)})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("load_dbc: %s", res.Error)
	}
	return nil
}

// UploadSymbols mirrors the relay driver's remote-symbol surface so the
// dispatcher can treat both uniformly.
func (d *Driver) UploadSymbols(filename string, blob []byte) error { return d.LoadDBC(filename, blob) }

// ClearSymbols removes the server-side symbol file.
func (d *Driver) ClearSymbols() error { return d.UnloadDBC() }

// UnloadDBC removes the server-side symbol file.
func (d *Driver) UnloadDBC() error {
	res, err := d.command("unload_dbc", nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("unload_dbc: %s", res.Error)
	}
	return nil
}

// GetStatus fetches the server status object.
func (d *Driver) GetStatus() (map[string]any, error) {
	res, err := d.command("get_status", nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("get_status: %s", res.Error)
	}
	return res.Status, nil
}

// GetMessages pulls up to count buffered frames from the server.
func (d *Driver) GetMessages(count int) ([]can.Frame, error) {
	res, err := d.command("get_messages", map[string]any{"count": count})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("get_messages: %s", res.Error)
	}
	frames := make([]can.Frame, 0, len(res.Messages))
	for i := range res.Messages {
		if fr, ok := d.parseMessage(&res.Messages[i]); ok {
			frames = append(frames, fr)
		}
	}
	return frames, nil
}

// ClearMessages empties the server-side buffer.
func (d *Driver) ClearMessages() error {
	res, err := d.command("clear_messages", nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("clear_messages: %s", res.Error)
	}
	return nil
}

// InbandDecode returns the most recent server-side decode for a key.
func (d *Driver) InbandDecode(key can.Key) *symbols.DecodeResult {
	d.inbandMu.RLock()
	defer d.inbandMu.RUnlock()
	return d.inband[key]
}

// Close unsubscribes (best effort) and tears the connection down.
func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	// Short leash: the server may already be gone.
	done := make(chan struct{})
	go func() { _, _ = d.command("unsubscribe", nil); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	err := d.conn.Close()
	d.wg.Wait()
	d.recvOnce.Do(func() { close(d.recv) })
	d.failPending()
	return err
}

// command writes a request and waits for its FIFO-correlated response.
func (d *Driver) command(cmd string, params any) (Response, error) {
	if d.closed.Load() && cmd != "unsubscribe" {
		return Response{}, adapter.ErrClosed
	}
	line, err := json.Marshal(request{Cmd: cmd, Params: params})
	if err != nil {
		return Response{}, err
	}
	line = append(line, '\n')

	waiter := make(chan Response, 1)
	// Enqueue and write under one lock so waiter order matches wire order.
	d.reqMu.Lock()
	d.pending = append(d.pending, waiter)
	_, werr := d.conn.Write(line)
	if werr != nil {
		d.pending = d.pending[:len(d.pending)-1]
		d.reqMu.Unlock()
		return Response{}, fmt.Errorf("%w: %v", adapter.ErrConnectionLost, werr)
	}
	d.reqMu.Unlock()

	select {
	case res, ok := <-waiter:
		if !ok {
			return Response{}, adapter.ErrConnectionLost
		}
		return res, nil
	case <-time.After(d.cfg.Timeout):
		return Response{}, fmt.Errorf("%w: no response to %s", adapter.ErrTimeout, cmd)
	}
}

func (d *Driver) readLoop() {
	defer d.wg.Done()
	sc := bufio.NewScanner(d.conn)
	sc.Buffer(make([]byte, 4096), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var res Response
		if err := json.Unmarshal(line, &res); err != nil {
			metrics.IncError(metrics.ErrBTProtocol)
			logging.L().Warn("btspp_bad_json", "error", err)
			continue
		}
		// Events never consume a response slot.
		if res.Event != "" {
			d.handleEvent(&res)
			continue
		}
		d.reqMu.Lock()
		var waiter chan Response
		if len(d.pending) > 0 {
			waiter = d.pending[0]
			d.pending = d.pending[1:]
		}
		d.reqMu.Unlock()
		if waiter == nil {
			metrics.IncError(metrics.ErrBTProtocol)
			logging.L().Warn("btspp_unmatched_response")
			continue
		}
		waiter <- res
	}
	// Connection gone: end the frame stream (unless Close owns the teardown)
	// and release parked commands.
	if !d.closed.Load() {
		d.recvOnce.Do(func() { close(d.recv) })
	}
	d.failPending()
}

func (d *Driver) handleEvent(res *Response) {
	switch res.Event {
	case "messages":
		for i := range res.Messages {
			if fr, ok := d.parseMessage(&res.Messages[i]); ok {
				adapter.Push(d.recv, fr, adapter.VariantBluetooth)
			}
		}
	default:
		logging.L().Debug("btspp_event_ignored", "event", res.Event)
	}
}

func (d *Driver) parseMessage(m *jsonwire.Message) (can.Frame, bool) {
	payload, err := m.Payload()
	if err != nil || len(payload) > 8 {
		metrics.IncMalformed()
		return can.Frame{}, false
	}
	fr, err := can.New(uint32(m.ID), m.Extended(), m.IsRemote, payload)
	if err != nil {
		metrics.IncMalformed()
		return can.Frame{}, false
	}
	fr.Timestamp = m.Timestamp
	if dec := m.Decoded(); dec != nil {
		d.inbandMu.Lock()
		d.inband[fr.Key()] = dec
		d.inbandMu.Unlock()
	}
	return fr, true
}

// failPending releases any waiters still parked when the connection dies.
func (d *Driver) failPending() {
	d.reqMu.Lock()
	pending := d.pending
	d.pending = nil
	d.reqMu.Unlock()
	for _, w := range pending {
		close(w)
	}
}
