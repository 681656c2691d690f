// Package config loads and validates GuardClaw runtime settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Settings holds every runtime knob. Ingestion paths read an immutable
// Snapshot at the start of processing one call, so toggles take effect
// per-call rather than mid-call.
type Settings struct {
	// Server
	ListenHost string `json:"listenHost"`
	ListenPort int    `json:"listenPort"`
	DataDir    string `json:"dataDir"`

	// Decision behavior
	BlockingEnabled    bool    `json:"blockingEnabled"`
	FailClosed         bool    `json:"failClosed"`
	AutoAllowThreshold int     `json:"autoAllowThreshold"` // score <= threshold -> allow
	AutoBlockThreshold int     `json:"autoBlockThreshold"` // score >= threshold -> deny
	WarnSampleRate     float64 `json:"warnSampleRate"`     // WARNING verdicts routed to ask for feedback

	// LLM judge
	LLMBackendURL string `json:"llmBackendUrl"`
	LLMModel      string `json:"llmModel"` // model id, or "auto"
	LLMTimeoutMS  int    `json:"llmTimeoutMs"`

	// Gateway streaming
	GatewayURL     string `json:"gatewayUrl"`
	PollIntervalMS int    `json:"pollIntervalMs"`

	// Retention and capacity
	MaxEvents      int `json:"maxEvents"`
	MaxToolHistory int `json:"maxToolHistory"`

	// Logging
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
}

// DefaultSettings returns the baseline configuration.
func DefaultSettings() *Settings {
	return &Settings{
		ListenHost:         "127.0.0.1",
		ListenPort:         7977,
		DataDir:            defaultDataDir(),
		BlockingEnabled:    true,
		FailClosed:         false,
		AutoAllowThreshold: 6,
		AutoBlockThreshold: 9,
		WarnSampleRate:     0.1,
		LLMBackendURL:      "http://localhost:11434",
		LLMModel:           "auto",
		LLMTimeoutMS:       30000,
		PollIntervalMS:     30000,
		MaxEvents:          10000,
		MaxToolHistory:     10,
		LogLevel:           "info",
		LogFormat:          "auto",
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".guardclaw")
	}
	return "./guardclaw-data"
}

// Load builds Settings from defaults, an optional JSON config file, and
// environment variable overrides, in that order of precedence.
func Load() (*Settings, error) {
	s := DefaultSettings()

	if err := loadFromFile(s); err != nil {
		log.Warn().Err(err).Msg("Failed to load config file, using defaults")
	}

	loadFromEnv(s)

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return s, nil
}

func configPaths() []string {
	paths := []string{}
	if v := os.Getenv("GUARDCLAW_CONFIG"); v != "" {
		paths = append(paths, v)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".guardclaw", "guardclaw.json"))
	}
	return append(paths, "/etc/guardclaw/guardclaw.json", "./guardclaw.json")
}

func loadFromFile(s *Settings) error {
	for _, path := range configPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, s); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Loaded config file")
		return nil
	}
	return nil
}

func loadFromEnv(s *Settings) {
	setString(&s.ListenHost, "LISTEN_HOST")
	setInt(&s.ListenPort, "LISTEN_PORT")
	setString(&s.DataDir, "DATA_DIR")
	setBool(&s.BlockingEnabled, "BLOCKING_ENABLED")
	setBool(&s.FailClosed, "FAIL_CLOSED")
	setInt(&s.AutoAllowThreshold, "AUTO_ALLOW_THRESHOLD")
	setInt(&s.AutoBlockThreshold, "AUTO_BLOCK_THRESHOLD")
	setFloat(&s.WarnSampleRate, "WARN_SAMPLE_RATE")
	setString(&s.LLMBackendURL, "LLM_BACKEND_URL")
	setString(&s.LLMModel, "LLM_MODEL")
	setInt(&s.LLMTimeoutMS, "LLM_TIMEOUT_MS")
	setString(&s.GatewayURL, "GATEWAY_URL")
	setInt(&s.PollIntervalMS, "POLL_INTERVAL_MS")
	setInt(&s.MaxEvents, "MAX_EVENTS")
	setInt(&s.MaxToolHistory, "MAX_TOOL_HISTORY")
	setString(&s.LogLevel, "LOG_LEVEL")
	setString(&s.LogFormat, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer env value")
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric env value")
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-boolean env value")
		}
	}
}

// Validate checks internal consistency of the settings.
func (s *Settings) Validate() error {
	if s.ListenPort < 1 || s.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", s.ListenPort)
	}
	if s.AutoAllowThreshold < 1 || s.AutoAllowThreshold > 10 {
		return fmt.Errorf("AUTO_ALLOW_THRESHOLD must be in 1..10, got %d", s.AutoAllowThreshold)
	}
	if s.AutoBlockThreshold < 1 || s.AutoBlockThreshold > 10 {
		return fmt.Errorf("AUTO_BLOCK_THRESHOLD must be in 1..10, got %d", s.AutoBlockThreshold)
	}
	if s.AutoAllowThreshold >= s.AutoBlockThreshold {
		return fmt.Errorf("AUTO_ALLOW_THRESHOLD (%d) must be below AUTO_BLOCK_THRESHOLD (%d)",
			s.AutoAllowThreshold, s.AutoBlockThreshold)
	}
	if s.WarnSampleRate < 0 || s.WarnSampleRate > 1 {
		return fmt.Errorf("WARN_SAMPLE_RATE must be in [0,1], got %v", s.WarnSampleRate)
	}
	if s.LLMTimeoutMS <= 0 {
		return fmt.Errorf("LLM_TIMEOUT_MS must be positive, got %d", s.LLMTimeoutMS)
	}
	if s.MaxEvents < 1 {
		return fmt.Errorf("MAX_EVENTS must be positive, got %d", s.MaxEvents)
	}
	if s.MaxToolHistory < 1 {
		return fmt.Errorf("MAX_TOOL_HISTORY must be positive, got %d", s.MaxToolHistory)
	}
	return nil
}

// LLMTimeout returns the judge timeout as a duration.
func (s *Settings) LLMTimeout() time.Duration {
	return time.Duration(s.LLMTimeoutMS) * time.Millisecond
}

// Snapshot returns a copy of the settings for use by a single ingestion pass.
func (s *Settings) Snapshot() Settings {
	return *s
}
