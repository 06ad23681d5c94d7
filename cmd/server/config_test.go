package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":4000" || cfg.PortFirst != 62300 || cfg.PortLast != 62325 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Fatalf("ops server must default to loopback, got %q", cfg.MetricsAddr)
	}
	if cfg.ConnectTimeout != 10*time.Minute {
		t.Fatalf("connect timeout %s", cfg.ConnectTimeout)
	}
	if !cfg.AllowAnyOrigin() {
		t.Fatal("development config should accept any origin")
	}
}

func TestLoadConfigEnvThenFlags(t *testing.T) {
	t.Setenv("TERMBRIDGE_PORT_FIRST", "50000")
	t.Setenv("TERMBRIDGE_PORT_LAST", "50010")
	t.Setenv("TERMBRIDGE_PRODUCTION", "true")
	cfg, err := loadConfig([]string{"-port-last", "50005", "-connect-timeout", "30s"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PortFirst != 50000 || cfg.PortLast != 50005 {
		t.Fatalf("port range %d-%d", cfg.PortFirst, cfg.PortLast)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("connect timeout %s", cfg.ConnectTimeout)
	}
	if cfg.AllowAnyOrigin() || len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != productionOrigin {
		t.Fatalf("production origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadConfigOriginsFlag(t *testing.T) {
	cfg, err := loadConfig([]string{"-origins", "a.example, b.example,,"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "b.example" {
		t.Fatalf("origins %q", cfg.AllowedOrigins)
	}
	if cfg.AllowAnyOrigin() {
		t.Fatal("explicit origins must be enforced")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"inverted range", []string{"-port-first", "10", "-port-last", "5"}},
		{"port zero", []string{"-port-first", "0"}},
		{"zero timeout", []string{"-connect-timeout", "0s"}},
		{"negative rate", []string{"-handshake-rate", "-1"}},
		{"rate without burst", []string{"-handshake-burst", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadConfig(tc.args); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
