package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"adapter_rx", snap.AdapterRx,
					"adapter_tx", snap.AdapterTx,
					"dispatched", snap.Dispatched,
					"consumed", snap.Consumed,
					"hub_drops", snap.HubDrops,
					"hub_clients", snap.HubClients,
					"flash_bytes", snap.FlashBytes,
					"heartbeats", snap.Heartbeats,
					"decode_hits", snap.DecodeHit,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
