package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"trace":   true,
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must block startup (Fatals,
// e.g. an unparseable signaling URL) from ones that are logged and
// otherwise clamped to a safe default (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just
// want to log everything regardless of severity.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config, clamping dangerous out-of-range
// tunables to safe defaults and collecting the rest as fatal errors.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.SignalingURL != "" {
		u, err := url.Parse(c.SignalingURL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("signaling_url %q is not a valid URL: %w", c.SignalingURL, err))
		} else {
			switch u.Scheme {
			case "http", "https", "ws", "wss":
			default:
				result.Fatals = append(result.Fatals, fmt.Errorf("signaling_url scheme must be http(s) or ws(s), got %q", u.Scheme))
			}
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid, defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid, defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	if c.VideoBitrateBps <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("video_bitrate_bps %d is non-positive, clamping to 2500000", c.VideoBitrateBps))
		c.VideoBitrateBps = 2_500_000
	}

	if c.AudioBitrateBps <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("audio_bitrate_bps %d is non-positive, clamping to 64000", c.AudioBitrateBps))
		c.AudioBitrateBps = 64_000
	}

	if c.MaxReconnectAttempts <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_reconnect_attempts %d is non-positive, clamping to 10", c.MaxReconnectAttempts))
		c.MaxReconnectAttempts = 10
	}

	if len(c.STUNServers) == 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("no stun_servers configured, using default"))
		c.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}

	return result
}
