// Package api exposes the bridge over HTTP: the relay-compatible endpoint
// set plus the host operations (stats, flash, symbols, transmit lists) and a
// streaming channel of annotated frames.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter/jsonwire"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/boot"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/hub"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/session"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/store"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

// Device is one row of the device listing.
type Device struct {
	Variant     string `json:"variant"`
	Channel     string `json:"channel"`
	Description string `json:"description,omitempty"`
}

// DeviceLister supplies discoverable devices (mDNS relays and static hints).
type DeviceLister func() []Device

// Server is the HTTP surface. Construction follows the option pattern; Serve
// blocks until the context ends.
type Server struct {
	name    string
	version string
	addr    string
	mgr     *session.Manager
	st      *store.Store
	devices DeviceLister
	buf     *frameBuffer

	readyOnce sync.Once
	readyCh   chan struct{}

	progressMu   sync.Mutex
	progressSubs map[chan boot.Progress]struct{}
	lastProgress *boot.Progress

	stopBuffer context.CancelFunc
}

type Option func(*Server)

func WithAddr(a string) Option               { return func(s *Server) { s.addr = a } }
func WithManager(m *session.Manager) Option  { return func(s *Server) { s.mgr = m } }
func WithStore(st *store.Store) Option       { return func(s *Server) { s.st = st } }
func WithDeviceLister(fn DeviceLister) Option { return func(s *Server) { s.devices = fn } }
func WithVersion(v string) Option            { return func(s *Server) { s.version = v } }

func NewServer(opts ...Option) *Server {
	s := &Server{
		name:         "trevcan-bridge",
		addr:         ":8080",
		readyCh:      make(chan struct{}),
		buf:          newFrameBuffer(0),
		progressSubs: make(map[chan boot.Progress]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.StartBuffer(ctx)

	srv := &http.Server{Addr: s.addr, Handler: s.Router()}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		logging.L().Info("api_listen", "addr", s.addr)
		s.readyOnce.Do(func() { close(s.readyCh) })
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, c := context.WithTimeout(context.Background(), 3*time.Second)
		defer c()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// StartBuffer launches the pull-buffer subscription loop; every call starts
// a new loop (Serve calls it once, tests may call it directly when
// exercising the Router).
func (s *Server) StartBuffer(ctx context.Context) {
	bctx, cancel := context.WithCancel(ctx)
	s.stopBuffer = cancel
	go s.bufferLoop(bctx)
}

// bufferLoop keeps one hub subscription alive feeding the pull buffer,
// re-attaching after each session teardown.
func (s *Server) bufferLoop(ctx context.Context) {
	for {
		cl := s.mgr.Subscribe()
		for {
			select {
			case <-ctx.Done():
				s.mgr.Unsubscribe(cl)
				return
			case d := <-cl.Out:
				s.buf.add(d)
			case <-cl.Closed:
				goto reattach
			}
		}
	reattach:
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Router assembles the gin engine.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		metrics.IncAPIRequest(c.FullPath())
		c.Next()
	})

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"name": s.name, "version": s.version})
	})

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/devices", s.handleDevices)
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.POST("/connect", s.handleConnect)
		apiGroup.POST("/disconnect", s.handleDisconnect)
		apiGroup.POST("/messages", s.handleSend)
		apiGroup.GET("/messages", s.handlePull)
		apiGroup.DELETE("/messages", s.handleClearBuffer)
		apiGroup.POST("/dbc", s.handleUploadSymbols)
		apiGroup.DELETE("/dbc", s.handleClearSymbols)
		apiGroup.GET("/stats", s.handleStats)
		apiGroup.DELETE("/stats", s.handleClearStats)
		apiGroup.POST("/flash", s.handleFlash)
		apiGroup.POST("/flash/cancel", s.handleFlashCancel)
		apiGroup.GET("/schemas", s.handleSchemas)
		apiGroup.GET("/symbols", s.handleListSymbols)
		apiGroup.GET("/symbols/current", s.handleCurrentSymbols)
		apiGroup.DELETE("/symbols/:name", s.handleDeleteSymbols)
		apiGroup.GET("/transmit-lists", s.handleListTransmitLists)
		apiGroup.GET("/transmit-lists/:key", s.handleLoadTransmitList)
		apiGroup.POST("/transmit-lists/:key", s.handleSaveTransmitList)
		apiGroup.GET("/stream", s.handleStream)
	}
	return r
}

func fail(c *gin.Context, status int, err error) {
	metrics.IncError(metrics.ErrAPI)
	c.JSON(status, gin.H{"success": false, "error": err.Error(), "kind": errKind(err)})
}

// errKind maps session and adapter errors onto the stable taxonomy.
func errKind(err error) string {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return "NotConnected"
	case errors.Is(err, session.ErrFlashBusy):
		return "FlashBusy"
	case errors.Is(err, session.ErrAlreadyConnected):
		return "DeviceBusy"
	case errors.Is(err, boot.ErrCancelled):
		return "Cancelled"
	case errors.Is(err, store.ErrNotFound):
		return "NotFound"
	default:
		return adapter.Kind(err)
	}
}

func (s *Server) handleDevices(c *gin.Context) {
	devices := []Device{}
	if s.devices != nil {
		devices = append(devices, s.devices()...)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "devices": devices})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.mgr.Status()
	c.JSON(http.StatusOK, gin.H{"success": true, "status": gin.H{
		"connected":         st.Connected,
		"variant":           st.Variant,
		"channel":           st.Channel,
		"baudrate":          st.Baudrate,
		"flash_in_progress": st.FlashInProgress,
		"symbols":           st.Symbols,
		"subscribers":       st.Subscribers,
		"buffer_size":       s.buf.size(),
	}})
}

type connectRequest struct {
	Variant     string          `json:"variant"`
	Channel     json.RawMessage `json:"channel"`
	Baudrate    json.RawMessage `json:"baudrate"`
	BackendPath string          `json:"backend_path"`
}

func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.BindJSON(&req); err != nil {
		return // gin wrote the 400
	}
	variant := adapter.Variant(req.Variant)
	if req.Variant == "" {
		variant = adapter.VariantGSUSB
	}
	channel := parseFlexString(req.Channel)
	baud, err := parseBaudrate(req.Baudrate)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	backend := adapter.BackendConfig{LibraryPath: req.BackendPath}
	if err := s.mgr.Connect(variant, channel, baud, backend); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("connected %s %s @ %d", variant, channel, baud)})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.mgr.Disconnect(); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sendRequest struct {
	ID         jsonwire.FlexID   `json:"id"`
	Data       jsonwire.FlexBytes `json:"data"`
	IsExtended *bool             `json:"is_extended"`
	IsRemote   bool              `json:"is_remote"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}
	extended := uint32(req.ID) > can.CAN_SFF_MASK
	if req.IsExtended != nil {
		extended = *req.IsExtended
	}
	fr, err := can.New(uint32(req.ID), extended, req.IsRemote, req.Data)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.mgr.Send(fr); err != nil {
		status := http.StatusConflict
		if errors.Is(err, session.ErrFlashBusy) {
			status = http.StatusLocked
		}
		fail(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// deliveryJSON renders a delivery the way the relay protocol expects,
// including the in-band decode and the per-subscriber drop count.
func deliveryJSON(d hub.Delivery) gin.H {
	fr := d.Frame
	out := gin.H{
		"id":          fr.DisplayID(),
		"data":        fr.Payload(),
		"dlc":         fr.DLC,
		"timestamp":   fr.Timestamp,
		"is_extended": fr.Extended,
		"is_remote":   fr.Remote,
	}
	if d.Decoded != nil {
		out["message_name"] = d.Decoded.MessageName
		out["signals"] = d.Decoded.Signals
	}
	if d.Dropped > 0 {
		out["dropped"] = d.Dropped
	}
	return out
}

func (s *Server) handlePull(c *gin.Context) {
	count := 100
	if v := c.Query("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	deliveries := s.buf.take(count)
	msgs := make([]gin.H, 0, len(deliveries))
	for _, d := range deliveries {
		msgs = append(msgs, deliveryJSON(d))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": msgs, "count": len(msgs)})
}

func (s *Server) handleClearBuffer(c *gin.Context) {
	s.buf.clear()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUploadSymbols(c *gin.Context) {
	blob, err := io.ReadAll(io.LimitReader(c.Request.Body, 16<<20))
	if err != nil || len(blob) == 0 {
		fail(c, http.StatusBadRequest, errors.New("empty symbol file"))
		return
	}
	name := c.Query("filename")
	if name == "" {
		name = "uploaded.dbc"
	}
	if err := s.mgr.LoadSymbols(name, blob); err != nil {
		fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("loaded %s", name)})
}

func (s *Server) handleClearSymbols(c *gin.Context) {
	if err := s.mgr.ClearSymbols(); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.mgr.Stats()
	rows := make([]gin.H, 0, len(stats))
	for _, st := range stats {
		row := gin.H{
			"id":          st.Key.ID,
			"is_extended": st.Key.Extended,
			"count":       st.Count,
			"period_ms":   st.PeriodMs,
			"last_ts":     st.LastTimestamp,
			"data":        st.LastPayload,
			"dlc":         st.DLC,
		}
		if st.LastDecoded != nil {
			row["message_name"] = st.LastDecoded.MessageName
			row["signals"] = st.LastDecoded.Signals
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": rows})
}

func (s *Server) handleClearStats(c *gin.Context) {
	_ = s.mgr.ClearStats()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type flashRequest struct {
	ModuleID  int    `json:"module_id"`
	Image     string `json:"image"` // base64
	BatchSize int    `json:"batch_size"`
	Verify    *bool  `json:"verify"`
	Jump      *bool  `json:"jump"`
}

func (s *Server) handleFlash(c *gin.Context) {
	var req flashRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}
	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("image not base64: %w", err))
		return
	}
	opts := boot.DefaultOptions()
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}
	if req.Verify != nil {
		opts.Verify = *req.Verify
	}
	if req.Jump != nil {
		opts.Jump = *req.Jump
	}
	opts.OnProgress = s.publishProgress
	if _, err := s.mgr.StartFlash(req.ModuleID, image, opts); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "flash started"})
}

func (s *Server) handleFlashCancel(c *gin.Context) {
	if err := s.mgr.CancelFlash(); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSchemas(c *gin.Context) {
	schemas := s.mgr.SchemaList()
	if schemas == nil {
		schemas = []symbols.SchemaInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "schemas": schemas})
}

func (s *Server) handleListSymbols(c *gin.Context) {
	if s.st == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "symbols": []string{}})
		return
	}
	names, err := s.st.ListSymbols()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "symbols": names})
}

func (s *Server) handleCurrentSymbols(c *gin.Context) {
	st := s.mgr.Status()
	c.JSON(http.StatusOK, gin.H{"success": true, "current": st.Symbols})
}

func (s *Server) handleDeleteSymbols(c *gin.Context) {
	if s.st == nil {
		fail(c, http.StatusNotFound, store.ErrNotFound)
		return
	}
	if err := s.st.DeleteSymbols(c.Param("name")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleListTransmitLists(c *gin.Context) {
	if s.st == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "lists": []string{}})
		return
	}
	keys, err := s.st.ListTransmitLists()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "lists": keys})
}

func (s *Server) handleLoadTransmitList(c *gin.Context) {
	items, err := s.st.LoadTransmitList(c.Param("key"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "items": items})
}

func (s *Server) handleSaveTransmitList(c *gin.Context) {
	var items []store.TransmitItem
	if err := c.BindJSON(&items); err != nil {
		return
	}
	if err := s.st.SaveTransmitList(c.Param("key"), items); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleStream serves the live annotated-frame channel as server-sent
// events. Flash progress events are multiplexed onto the same stream.
func (s *Server) handleStream(c *gin.Context) {
	cl := s.mgr.Subscribe()
	defer s.mgr.Unsubscribe(cl)
	progress := s.subscribeProgress()
	defer s.unsubscribeProgress(progress)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	write := func(event string, payload any) bool {
		raw, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, raw); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-cl.Closed:
			write("disconnected", gin.H{"reason": "session closed"})
			return
		case d := <-cl.Out:
			if !write("frame", deliveryJSON(d)) {
				return
			}
		case p := <-progress:
			if !write("flash_progress", p) {
				return
			}
		}
	}
}

func (s *Server) publishProgress(p boot.Progress) {
	s.progressMu.Lock()
	s.lastProgress = &p
	for ch := range s.progressSubs {
		select {
		case ch <- p:
		default:
		}
	}
	s.progressMu.Unlock()
}

func (s *Server) subscribeProgress() chan boot.Progress {
	ch := make(chan boot.Progress, 64)
	s.progressMu.Lock()
	s.progressSubs[ch] = struct{}{}
	s.progressMu.Unlock()
	return ch
}

func (s *Server) unsubscribeProgress(ch chan boot.Progress) {
	s.progressMu.Lock()
	delete(s.progressSubs, ch)
	s.progressMu.Unlock()
}

func parseFlexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var num int
	if err := json.Unmarshal(raw, &num); err == nil {
		return strconv.Itoa(num)
	}
	return strings.Trim(string(raw), `"`)
}

// parseBaudrate accepts 500000, "500000" or the enum form "BAUD_500K".
func parseBaudrate(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 500000, nil
	}
	var num int
	if err := json.Unmarshal(raw, &num); err == nil && num > 0 {
		return num, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, fmt.Errorf("bad baudrate %s", raw)
	}
	str = strings.ToUpper(strings.TrimSpace(str))
	if n, err := strconv.Atoi(str); err == nil && n > 0 {
		return n, nil
	}
	str = strings.TrimPrefix(str, "BAUD_")
	mult := 1
	switch {
	case strings.HasSuffix(str, "M"):
		mult, str = 1000000, strings.TrimSuffix(str, "M")
	case strings.HasSuffix(str, "K"):
		mult, str = 1000, strings.TrimSuffix(str, "K")
	}
	n, err := strconv.Atoi(str)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad baudrate %q", raw)
	}
	return n * mult, nil
}
