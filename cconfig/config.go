// Package cconfig loads the server configuration from YAML.
package cconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
// Zero-valued fields in a file keep their [Default] values.
type Config struct {
	// Simulation ticks per second.
	TickRate int `yaml:"tick_rate"`

	EventTimeout time.Duration `yaml:"event_timeout"`
	MaxQueueSize int           `yaml:"max_queue_size"`

	ClockMaxStep uint32 `yaml:"clock_max_step"`

	// Call history entries kept per rpc handler.
	HistorySize int `yaml:"history_size"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	QUIC      QUICConfig      `yaml:"quic"`

	// Address for the diagnostics HTTP endpoint.
	// Empty disables it.
	DebugAddr string `yaml:"debug_addr"`
}

type WebSocketConfig struct {
	// Empty disables the websocket listener.
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`

	OutboundQueueSize int `yaml:"outbound_queue_size"`
}

type QUICConfig struct {
	// Empty disables the QUIC listener.
	Addr string `yaml:"addr"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// Send tick reports as datagrams.
	TickDatagrams bool `yaml:"tick_datagrams"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		TickRate: 60,

		EventTimeout: 5 * time.Second,
		MaxQueueSize: 1024,

		ClockMaxStep: 4,
		HistorySize:  32,

		WebSocket: WebSocketConfig{
			Addr: ":7777",
			Path: "/coop",

			OutboundQueueSize: 64,
		},
	}
}

// TickInterval is the wall-clock duration of one tick.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Validate reports every problem in c, joined.
func (c Config) Validate() error {
	var errs []error

	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate must be positive (got %d)", c.TickRate))
	}
	if c.EventTimeout <= 0 {
		errs = append(errs, fmt.Errorf("event_timeout must be positive (got %s)", c.EventTimeout))
	}
	if c.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("max_queue_size must be positive (got %d)", c.MaxQueueSize))
	}
	if c.ClockMaxStep == 0 {
		errs = append(errs, errors.New("clock_max_step must be positive"))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("history_size must be positive (got %d)", c.HistorySize))
	}

	if c.WebSocket.Addr == "" && c.QUIC.Addr == "" {
		errs = append(errs, errors.New("at least one of websocket.addr or quic.addr must be set"))
	}
	if c.WebSocket.Addr != "" && c.WebSocket.Path == "" {
		errs = append(errs, errors.New("websocket.path must be set when websocket.addr is set"))
	}
	if c.QUIC.Addr != "" && (c.QUIC.CertFile == "" || c.QUIC.KeyFile == "") {
		errs = append(errs, errors.New("quic.cert_file and quic.key_file are required when quic.addr is set"))
	}

	return errors.Join(errs...)
}

// Load reads and validates the configuration at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode reads a configuration from r over the defaults,
// rejecting unknown fields, and validates the result.
// An empty document yields the defaults.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
