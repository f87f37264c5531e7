package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("LINK_SERVER_BIND", "127.0.0.1")
	os.Setenv("LINK_SERVER_PORT", "4242")
	os.Setenv("VERBOSE", "1")
	os.Setenv("LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("LINK_SERVER_BIND")
		os.Unsetenv("LINK_SERVER_PORT")
		os.Unsetenv("VERBOSE")
		os.Unsetenv("LOG_METRICS_INTERVAL")
	})

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.listenBind != "127.0.0.1" {
		t.Fatalf("expected listenBind override, got %q", base.listenBind)
	}
	if base.listenPort != 4242 {
		t.Fatalf("expected listenPort override, got %d", base.listenPort)
	}
	if !base.verbose {
		t.Fatalf("expected verbose true")
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := baseConfig()
	base.listenPort = 1337
	os.Setenv("LINK_SERVER_PORT", "4242")
	t.Cleanup(func() { os.Unsetenv("LINK_SERVER_PORT") })

	if err := applyEnvOverrides(base, map[string]struct{}{"listen-port": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.listenPort != 1337 {
		t.Fatalf("expected listenPort unchanged 1337, got %d", base.listenPort)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := baseConfig()
	os.Setenv("LINK_SERVER_PORT", "notint")
	t.Cleanup(func() { os.Unsetenv("LINK_SERVER_PORT") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := baseConfig()
	os.Setenv("LOG_METRICS_INTERVAL", "notaduration")
	t.Cleanup(func() { os.Unsetenv("LOG_METRICS_INTERVAL") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
