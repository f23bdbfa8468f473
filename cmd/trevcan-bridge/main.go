package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/agg"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/api"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/discovery"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/hub"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/session"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/store"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("trevcan-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	st, err := store.Open(cfg.dataDir)
	if err != nil {
		l.Error("store_open_error", "error", err)
		os.Exit(1)
	}

	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	if cfg.hubPolicy == "kick" {
		h.Policy = hub.PolicyKick
	}
	l.Info("hub_config", "policy", cfg.hubPolicy, "buffer", h.OutBufSize)

	mgr := session.NewManager(session.Config{
		Table:  agg.New(),
		Hub:    h,
		Dec:    symbols.NewAdapter(),
		Store:  st,
		Loader: symbols.JSONLoader,
	})
	mgr.RestoreSymbols()

	var browser *discovery.Browser
	if cfg.mdnsEnable {
		browser = discovery.NewBrowser(ctx)
	}
	devices := func() []api.Device {
		out := []api.Device{}
		if browser != nil {
			for _, r := range browser.Relays() {
				out = append(out, api.Device{Variant: "network", Channel: r.Host, Description: r.Instance})
			}
		}
		return out
	}

	srv := api.NewServer(
		api.WithAddr(cfg.apiAddr),
		api.WithManager(mgr),
		api.WithStore(st),
		api.WithDeviceLister(devices),
		api.WithVersion(version),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("api_server_error", "error", err)
			cancel()
		}
	}()

	// Advertise the API once the listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := 0
		if _, p, err := net.SplitHostPort(cfg.apiAddr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				port = pn
			}
		}
		meta := []string{"version=" + version, "commit=" + commit}
		cleanup, err := discovery.Advertise(ctx, cfg.mdnsName, port, meta)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", discovery.ServiceType, "port", port)
		go func() { <-ctx.Done(); cleanup() }()
	}()

	if cfg.autoVariant != "" {
		backend := adapter.BackendConfig{LibraryPath: cfg.backendPath}
		if err := mgr.Connect(adapter.Variant(cfg.autoVariant), cfg.autoChannel, cfg.autoBaudrate, backend); err != nil {
			l.Warn("auto_connect_failed", "variant", cfg.autoVariant, "channel", cfg.autoChannel, "error", err)
		}
	}

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if mgr.Status().Connected {
		_ = mgr.Disconnect()
	}
	wg.Wait()
}
