package main

import (
	"testing"
	"time"
)

func TestEnvOverridesApplyWhenFlagUnset(t *testing.T) {
	t.Setenv("CAN_BRIDGE_API_ADDR", ":9000")
	t.Setenv("CAN_BRIDGE_HUB_BUFFER", "2048")
	t.Setenv("CAN_BRIDGE_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CAN_BRIDGE_MDNS_ENABLE", "true")
	t.Setenv("CAN_BRIDGE_CONNECT_VARIANT", "slcan")
	t.Setenv("CAN_BRIDGE_CONNECT_CHANNEL", "/dev/ttyACM0")

	cfg := validConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.apiAddr != ":9000" {
		t.Errorf("apiAddr = %q", cfg.apiAddr)
	}
	if cfg.hubBuffer != 2048 {
		t.Errorf("hubBuffer = %d", cfg.hubBuffer)
	}
	if cfg.logMetricsEvery != 5*time.Second {
		t.Errorf("logMetricsEvery = %v", cfg.logMetricsEvery)
	}
	if !cfg.mdnsEnable {
		t.Errorf("mdnsEnable not set")
	}
	if cfg.autoVariant != "slcan" || cfg.autoChannel != "/dev/ttyACM0" {
		t.Errorf("auto connect = %q %q", cfg.autoVariant, cfg.autoChannel)
	}
}

func TestExplicitFlagWinsOverEnv(t *testing.T) {
	t.Setenv("CAN_BRIDGE_API_ADDR", ":9000")
	cfg := validConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{"api-addr": {}}); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.apiAddr != ":8080" {
		t.Errorf("flag value overridden by env: %q", cfg.apiAddr)
	}
}

func TestBadEnvValueSurfaces(t *testing.T) {
	t.Setenv("CAN_BRIDGE_HUB_BUFFER", "lots")
	cfg := validConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err == nil {
		t.Fatalf("bad numeric env value must error")
	}
}
