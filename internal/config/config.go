package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for both the relay (interactive session)
// and bridge (background context) daemons. A single file serves both; each
// daemon reads only the sections it needs.
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Identity IdentityConfig `yaml:"identity"`
	Capture  CaptureConfig  `yaml:"capture"`
	Pending  PendingConfig  `yaml:"pending"`
	HTTP     HTTPConfig     `yaml:"http"`
	LogLevel string         `yaml:"log_level"`
}

// RelayConfig configures the transport channel to the relay server.
type RelayConfig struct {
	// URL is the websocket endpoint of the relay server, e.g.
	// wss://host/ws/audio/conductores/.
	URL string `yaml:"url"`
	// Room is the shared broadcast group name.
	Room string `yaml:"room"`
	// ReconnectBase is the initial reconnect delay. Doubled per attempt.
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	// ReconnectCap bounds the backoff delay.
	ReconnectCap time.Duration `yaml:"reconnect_cap"`
	// MaxAttempts is the reconnect attempt budget before the channel
	// parks in the failed state.
	MaxAttempts int `yaml:"max_attempts"`
}

// IdentityConfig identifies the local party on the broadcast group.
type IdentityConfig struct {
	SenderID   string `yaml:"sender_id"`
	SenderName string `yaml:"sender_name"`
	// SenderRole is "Central" for the operator or "driver" for fleet
	// clients. It selects the outbound frame type.
	SenderRole string `yaml:"sender_role"`
}

// CaptureConfig configures the audio input path.
type CaptureConfig struct {
	// SampleRate in Hz. Opus supports 8/12/16/24/48 kHz.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	// MaxClip bounds a single press-and-hold recording.
	MaxClip time.Duration `yaml:"max_clip"`
}

// PendingConfig configures the pending-audio store.
type PendingConfig struct {
	// DBPath is the sqlite database file. Shared by both daemons.
	DBPath string `yaml:"db_path"`
	// Retention is how long records (active or dismissed) are kept.
	Retention time.Duration `yaml:"retention"`
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HTTPConfig configures the bridge daemon's HTTP surface.
type HTTPConfig struct {
	// Addr is the listen address for the push webhook, health and
	// metrics endpoints.
	Addr string `yaml:"addr"`
}

// Default returns a Config populated with the relay's standard constants.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Room:          "conductores",
			ReconnectBase: time.Second,
			ReconnectCap:  30 * time.Second,
			MaxAttempts:   10,
		},
		Capture: CaptureConfig{
			SampleRate: 48000,
			Channels:   1,
			MaxClip:    30 * time.Second,
		},
		Pending: PendingConfig{
			DBPath:        "pending_audio.db",
			Retention:     time.Hour,
			SweepInterval: 30 * time.Minute,
		},
		HTTP:     HTTPConfig{Addr: ":8090"},
		LogLevel: "info",
	}
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override file settings without
// editing the file. Only a handful of operationally relevant keys.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("SENDER_ID"); v != "" {
		cfg.Identity.SenderID = v
	}
	if v := os.Getenv("SENDER_ROLE"); v != "" {
		cfg.Identity.SenderRole = v
	}
	if v := os.Getenv("PENDING_DB_PATH"); v != "" {
		cfg.Pending.DBPath = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Relay.URL == "" {
		errs = append(errs, errors.New("relay.url is required"))
	}
	if cfg.Relay.ReconnectBase <= 0 {
		errs = append(errs, fmt.Errorf("relay.reconnect_base must be positive, got %v", cfg.Relay.ReconnectBase))
	}
	if cfg.Relay.ReconnectCap < cfg.Relay.ReconnectBase {
		errs = append(errs, fmt.Errorf("relay.reconnect_cap %v is below relay.reconnect_base %v", cfg.Relay.ReconnectCap, cfg.Relay.ReconnectBase))
	}
	if cfg.Relay.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("relay.max_attempts must be positive, got %d", cfg.Relay.MaxAttempts))
	}
	if cfg.Identity.SenderID == "" {
		errs = append(errs, errors.New("identity.sender_id is required"))
	}
	switch cfg.Capture.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is not an opus rate (8000/12000/16000/24000/48000)", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels != 1 && cfg.Capture.Channels != 2 {
		errs = append(errs, fmt.Errorf("capture.channels must be 1 or 2, got %d", cfg.Capture.Channels))
	}
	if cfg.Pending.Retention <= 0 {
		errs = append(errs, fmt.Errorf("pending.retention must be positive, got %v", cfg.Pending.Retention))
	}
	if cfg.Pending.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("pending.sweep_interval must be positive, got %v", cfg.Pending.SweepInterval))
	}

	return errors.Join(errs...)
}
