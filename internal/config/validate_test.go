package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredUnparseableURLIsFatal(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "://not a url"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("unparseable signaling_url should be fatal")
	}
}

func TestValidateTieredWSSchemeIsAccepted(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "wss://relay.example.com/ws"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("wss scheme should be accepted: %v", result.Fatals)
	}
}

func TestValidateTieredBitrateClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.VideoBitrateBps = 0
	cfg.AudioBitrateBps = -1
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped bitrate should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) < 2 {
		t.Fatalf("expected warnings for both bitrates, got %d", len(result.Warnings))
	}
	if cfg.VideoBitrateBps != 2_500_000 {
		t.Fatalf("VideoBitrateBps = %d, want 2500000 (clamped)", cfg.VideoBitrateBps)
	}
	if cfg.AudioBitrateBps != 64_000 {
		t.Fatalf("AudioBitrateBps = %d, want 64000 (clamped)", cfg.AudioBitrateBps)
	}
}

func TestValidateTieredMaxReconnectAttemptsClamping(t *testing.T) {
	cfg := Default()
	cfg.MaxReconnectAttempts = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped max_reconnect_attempts should be warning: %v", result.Fatals)
	}
	if cfg.MaxReconnectAttempts != 10 {
		t.Fatalf("MaxReconnectAttempts = %d, want 10", cfg.MaxReconnectAttempts)
	}
}

func TestValidateTieredEmptySTUNServersIsWarning(t *testing.T) {
	cfg := Default()
	cfg.STUNServers = nil
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("missing stun_servers should not be fatal")
	}
	if len(cfg.STUNServers) == 0 {
		t.Fatal("expected default stun_servers to be filled in")
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info (defaulted)", cfg.LogLevel)
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "ftp://bad" // fatal
	cfg.LogFormat = "xml"          // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
	if !strings.Contains(all[0].Error(), "signaling_url") {
		t.Fatalf("expected fatal first in AllErrors(), got: %v", all[0])
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.SignalingURL = "https://relay.example.com"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
