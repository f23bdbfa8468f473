package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series. Adapter counters are labeled by variant so a single
// bound driver at a time keeps cardinality trivially bounded.
var (
	AdapterRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_rx_frames_total",
		Help: "Total CAN frames received from the adapter, by variant.",
	}, []string{"variant"})
	AdapterTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_tx_frames_total",
		Help: "Total CAN frames transmitted to the adapter, by variant.",
	}, []string{"variant"})
	PumpDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pump_dispatched_frames_total",
		Help: "Total frames the receive pump handed to subscribers.",
	})
	PumpConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pump_consumed_frames_total",
		Help: "Total frames consumed by the bootloader tap before fan-out.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped (oldest-first) due to slow subscribers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total subscribers disconnected by the kick backpressure policy.",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of attached live subscribers.",
	})
	FlashBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_bytes_written_total",
		Help: "Total firmware bytes written over the bootloader protocol.",
	})
	FlashCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_commands_total",
		Help: "Bootloader commands sent, by command name.",
	}, []string{"command"})
	FlashHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_heartbeats_skipped_total",
		Help: "Heartbeat frames discarded while awaiting command responses.",
	})
	DecodeHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decode_hits_total",
		Help: "Frames matched against the symbol database.",
	})
	DecodeMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decode_misses_total",
		Help: "Frames with no schema in the symbol database.",
	})
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "HTTP API requests, by route.",
	}, []string{"route"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrAdapterRead  = "adapter_read"
	ErrAdapterWrite = "adapter_write"
	ErrTxOverflow   = "tx_overflow"
	ErrRelayPoll    = "relay_poll"
	ErrBTProtocol   = "bt_protocol"
	ErrFlash        = "flash"
	ErrDecode       = "decode"
	ErrAPI          = "api"
	ErrStore        = "store"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localAdapterRx  uint64
	localAdapterTx  uint64
	localDispatched uint64
	localConsumed   uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubClients uint64
	localFlashBytes uint64
	localHeartbeats uint64
	localDecodeHit  uint64
	localDecodeMiss uint64
	localErrors     uint64
	localMalformed  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	AdapterRx  uint64
	AdapterTx  uint64
	Dispatched uint64
	Consumed   uint64
	HubDrops   uint64
	HubKicks   uint64
	HubClients uint64
	FlashBytes uint64
	Heartbeats uint64
	DecodeHit  uint64
	DecodeMiss uint64
	Errors     uint64 // sum across error labels
	Malformed  uint64
}

func Snap() Snapshot {
	return Snapshot{
		AdapterRx:  atomic.LoadUint64(&localAdapterRx),
		AdapterTx:  atomic.LoadUint64(&localAdapterTx),
		Dispatched: atomic.LoadUint64(&localDispatched),
		Consumed:   atomic.LoadUint64(&localConsumed),
		HubDrops:   atomic.LoadUint64(&localHubDrop),
		HubKicks:   atomic.LoadUint64(&localHubKick),
		HubClients: atomic.LoadUint64(&localHubClients),
		FlashBytes: atomic.LoadUint64(&localFlashBytes),
		Heartbeats: atomic.LoadUint64(&localHeartbeats),
		DecodeHit:  atomic.LoadUint64(&localDecodeHit),
		DecodeMiss: atomic.LoadUint64(&localDecodeMiss),
		Errors:     atomic.LoadUint64(&localErrors),
		Malformed:  atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func IncAdapterRx(variant string) {
	AdapterRxFrames.WithLabelValues(variant).Inc()
	atomic.AddUint64(&localAdapterRx, 1)
}

func IncAdapterTx(variant string) {
	AdapterTxFrames.WithLabelValues(variant).Inc()
	atomic.AddUint64(&localAdapterTx, 1)
}

func IncDispatched() {
	PumpDispatched.Inc()
	atomic.AddUint64(&localDispatched, 1)
}

func IncConsumed() {
	PumpConsumed.Inc()
	atomic.AddUint64(&localConsumed, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func AddFlashBytes(n int) {
	FlashBytesWritten.Add(float64(n))
	atomic.AddUint64(&localFlashBytes, uint64(n))
}

func IncFlashCommand(name string) { FlashCommands.WithLabelValues(name).Inc() }

func IncHeartbeat() {
	FlashHeartbeats.Inc()
	atomic.AddUint64(&localHeartbeats, 1)
}

func IncDecodeHit() {
	DecodeHits.Inc()
	atomic.AddUint64(&localDecodeHit, 1)
}

func IncDecodeMiss() {
	DecodeMisses.Inc()
	atomic.AddUint64(&localDecodeMiss, 1)
}

func IncAPIRequest(route string) { APIRequests.WithLabelValues(route).Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrAdapterRead, ErrAdapterWrite, ErrTxOverflow,
		ErrRelayPoll, ErrBTProtocol, ErrFlash,
		ErrDecode, ErrAPI, ErrStore,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
