package main

import "testing"

func validConfig() *appConfig {
	return &appConfig{
		apiAddr:      ":8080",
		dataDir:      "./data",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    1024,
		hubPolicy:    "drop-oldest",
		autoBaudrate: 500000,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*appConfig)
	}{
		{"bad log format", func(c *appConfig) { c.logFormat = "xml" }},
		{"bad log level", func(c *appConfig) { c.logLevel = "verbose" }},
		{"bad hub policy", func(c *appConfig) { c.hubPolicy = "block" }},
		{"zero hub buffer", func(c *appConfig) { c.hubBuffer = 0 }},
		{"empty api addr", func(c *appConfig) { c.apiAddr = "" }},
		{"empty data dir", func(c *appConfig) { c.dataDir = "" }},
		{"unknown variant", func(c *appConfig) { c.autoVariant = "firewire" }},
		{"variant without channel", func(c *appConfig) { c.autoVariant = "gsusb" }},
		{"zero baudrate", func(c *appConfig) { c.autoBaudrate = 0 }},
	}
	for _, c := range cases {
		cfg := validConfig()
		c.mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("%s: validation passed unexpectedly", c.name)
		}
	}
}

func TestValidateVariantWithChannel(t *testing.T) {
	cfg := validConfig()
	cfg.autoVariant = "network"
	cfg.autoChannel = "10.0.0.5:8080"
	if err := cfg.validate(); err != nil {
		t.Fatalf("variant+channel rejected: %v", err)
	}
}
