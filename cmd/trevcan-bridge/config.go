package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	apiAddr         string
	dataDir         string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	autoVariant     string
	autoChannel     string
	autoBaudrate    int
	backendPath     string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	apiAddr := flag.String("api-addr", ":8080", "HTTP API listen address")
	dataDir := flag.String("data-dir", "./data", "Directory for symbol files and transmit lists")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 1024, "Per-subscriber queue (frames)")
	hubPolicy := flag.String("hub-policy", "drop-oldest", "Backpressure policy: drop-oldest|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement and relay discovery")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default trevcan-bridge-<hostname>)")
	autoVariant := flag.String("connect-variant", "", "Auto-connect at startup: adapter variant (pcan|gsusb|network|bluetooth|slcan|socketcan)")
	autoChannel := flag.String("connect-channel", "", "Auto-connect channel (per variant semantics)")
	autoBaudrate := flag.Int("connect-baudrate", 500000, "Auto-connect CAN bit rate")
	backendPath := flag.String("usb-backend", "", "Explicit path to the USB backend library (gs_usb)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.apiAddr = *apiAddr
	cfg.dataDir = *dataDir
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.autoVariant = *autoVariant
	cfg.autoChannel = *autoChannel
	cfg.autoBaudrate = *autoBaudrate
	cfg.backendPath = *backendPath

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop-oldest", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.apiAddr == "" {
		return errors.New("api-addr must not be empty")
	}
	if c.dataDir == "" {
		return errors.New("data-dir must not be empty")
	}
	switch c.autoVariant {
	case "", "pcan", "gsusb", "network", "bluetooth", "slcan", "socketcan":
	default:
		return fmt.Errorf("invalid connect-variant: %s", c.autoVariant)
	}
	if c.autoVariant != "" && c.autoChannel == "" {
		return errors.New("connect-variant requires connect-channel")
	}
	if c.autoBaudrate <= 0 {
		return fmt.Errorf("connect-baudrate must be > 0 (got %d)", c.autoBaudrate)
	}
	return nil
}

// applyEnvOverrides maps CAN_BRIDGE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["api-addr"]; !ok {
		if v, ok := get("CAN_BRIDGE_API_ADDR"); ok && v != "" {
			c.apiAddr = v
		}
	}
	if _, ok := set["data-dir"]; !ok {
		if v, ok := get("CAN_BRIDGE_DATA_DIR"); ok && v != "" {
			c.dataDir = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_BRIDGE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_BRIDGE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_BRIDGE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("CAN_BRIDGE_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_BRIDGE_HUB_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("CAN_BRIDGE_HUB_POLICY"); ok && v != "" {
			c.hubPolicy = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_BRIDGE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_BRIDGE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_BRIDGE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_BRIDGE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["connect-variant"]; !ok {
		if v, ok := get("CAN_BRIDGE_CONNECT_VARIANT"); ok && v != "" {
			c.autoVariant = v
		}
	}
	if _, ok := set["connect-channel"]; !ok {
		if v, ok := get("CAN_BRIDGE_CONNECT_CHANNEL"); ok && v != "" {
			c.autoChannel = v
		}
	}
	if _, ok := set["connect-baudrate"]; !ok {
		if v, ok := get("CAN_BRIDGE_CONNECT_BAUDRATE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.autoBaudrate = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_BRIDGE_CONNECT_BAUDRATE: %w", err)
			}
		}
	}
	if _, ok := set["usb-backend"]; !ok {
		if v, ok := get("CAN_BRIDGE_USB_BACKEND"); ok && v != "" {
			c.backendPath = v
		}
	}
	return firstErr
}
