package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the values the relay core is constructed with.
type Config struct {
	// QueueSize is the capacity of each connection's outbound queue.
	QueueSize int `yaml:"queue_size"`
	// EnqueueTimeout bounds how long a sender may wait on a full queue
	// before the enqueue fails with backpressure. Zero fails immediately.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`

	// FormingTimeout aborts sessions that do not reach quorum in time.
	FormingTimeout time.Duration `yaml:"forming_timeout"`
	// IdleTimeout is the resumption window after a member disconnects. It
	// also bounds the validity of resumption tokens.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// ReorderWindow is how far ahead of the expected sequence number an
	// envelope may arrive and still be buffered.
	ReorderWindow uint64 `yaml:"reorder_window"`
	// ReorderTimeout drops buffered envelopes whose gap did not close.
	ReorderTimeout time.Duration `yaml:"reorder_timeout"`

	// DefaultQuorum applies to open sessions created without a quorum.
	DefaultQuorum int `yaml:"default_quorum"`
	// MaxMembers caps open-membership sessions.
	MaxMembers int `yaml:"max_members"`
	// AbortOnMismatch aborts a closed session when an unexpected identity
	// tries to join it, instead of only rejecting the join.
	AbortOnMismatch bool `yaml:"abort_on_mismatch"`

	// RetainTerminal keeps closed and aborted sessions queryable.
	RetainTerminal time.Duration `yaml:"retain_terminal"`
	// SweepInterval is the period of the deadline sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ShutdownGrace is how long queues may flush on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// RequestRate and RequestBurst limit inbound requests per connection.
	RequestRate  float64 `yaml:"request_rate"`
	RequestBurst int     `yaml:"request_burst"`

	// Transport limits, enforced by the WebSocket pumps.
	MaxFrameSize int64         `yaml:"max_frame_size"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// NonceTTL is the lifetime of an authentication nonce.
	NonceTTL time.Duration `yaml:"nonce_ttl"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		EnqueueTimeout: 0,
		FormingTimeout: 5 * time.Minute,
		IdleTimeout:    30 * time.Second,
		ReorderWindow:  64,
		ReorderTimeout: 10 * time.Second,
		DefaultQuorum:  2,
		MaxMembers:     64,
		RetainTerminal: 2 * time.Minute,
		SweepInterval:  time.Second,
		ShutdownGrace:  5 * time.Second,
		RequestRate:    200,
		RequestBurst:   400,
		MaxFrameSize:   1 << 20,
		PingInterval:   20 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		NonceTTL:       time.Minute,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Unknown keys are an
// error so that typos do not silently fall back to defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.QueueSize <= 0:
		return errors.New("queue_size must be positive")
	case c.EnqueueTimeout < 0:
		return errors.New("enqueue_timeout must not be negative")
	case c.FormingTimeout <= 0:
		return errors.New("forming_timeout must be positive")
	case c.IdleTimeout <= 0:
		return errors.New("idle_timeout must be positive")
	case c.ReorderWindow == 0:
		return errors.New("reorder_window must be positive")
	case c.ReorderTimeout <= 0:
		return errors.New("reorder_timeout must be positive")
	case c.DefaultQuorum <= 0:
		return errors.New("default_quorum must be positive")
	case c.MaxMembers < c.DefaultQuorum:
		return errors.New("max_members must not be below default_quorum")
	case c.RetainTerminal < 0:
		return errors.New("retain_terminal must not be negative")
	case c.SweepInterval <= 0:
		return errors.New("sweep_interval must be positive")
	case c.RequestRate <= 0 || c.RequestBurst <= 0:
		return errors.New("request_rate and request_burst must be positive")
	case c.MaxFrameSize <= 0:
		return errors.New("max_frame_size must be positive")
	case c.PingInterval <= 0 || c.PongTimeout <= c.PingInterval:
		return errors.New("pong_timeout must exceed a positive ping_interval")
	case c.WriteTimeout <= 0:
		return errors.New("write_timeout must be positive")
	case c.NonceTTL <= 0:
		return errors.New("nonce_ttl must be positive")
	}
	return nil
}
