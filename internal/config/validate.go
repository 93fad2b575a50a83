package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationResult separates fatal errors (block startup) from warnings
// (startup continues, with the value clamped or reset where one applies).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ValidateTiered checks the config for invalid values. Dangerous zero/negative
// pool sizes are fatal since they would make the swarm unable to run any
// session at all; everything else is a warning. Negative counts are clamped
// to 0 and bad log settings reset to their defaults; a bad URL is only
// reported.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.WorkerThreads < 1 {
		result.Fatals = append(result.Fatals, fmt.Errorf("worker_threads must be >= 1, got %d", c.WorkerThreads))
	}
	if c.NetworkThreads < 1 {
		result.Fatals = append(result.Fatals, fmt.Errorf("network_threads must be >= 1, got %d", c.NetworkThreads))
	}
	if c.PeerConnectionFactories < 1 {
		result.Fatals = append(result.Fatals, fmt.Errorf("peer_connection_factories must be >= 1, got %d", c.PeerConnectionFactories))
	}

	if c.AuthBaseURL != "" {
		u, err := url.Parse(c.AuthBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			result.Warnings = append(result.Warnings, fmt.Errorf("auth_base_url %q is not a valid http(s) URL", c.AuthBaseURL))
		}
	}

	if c.ProtooBaseURL != "" {
		u, err := url.Parse(c.ProtooBaseURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			result.Warnings = append(result.Warnings, fmt.Errorf("protoo_base_url %q is not a valid ws(s) URL", c.ProtooBaseURL))
		}
	}

	if c.RoomCount < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("room_count %d is negative, clamping to 0", c.RoomCount))
		c.RoomCount = 0
	}
	if c.UserPerRoom < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("user_per_room %d is negative, clamping to 0", c.UserPerRoom))
		c.UserPerRoom = 0
	}
	if c.ViewerCount < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("viewer_count %d is negative, clamping to 0", c.ViewerCount))
		c.ViewerCount = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
		c.LogFormat = "text"
	}

	return result
}
