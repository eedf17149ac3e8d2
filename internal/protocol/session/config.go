package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/labctl/internal/protocol/frame"
	"github.com/danmuck/labctl/internal/protocol/reply"
)

// BackoffConfig defines connect retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport and command defaults for one instrument.
type Config struct {
	Address            string
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	ReplyTimeout       time.Duration
	PollInterval       time.Duration
	MaxConnectAttempts int
	ReadBufferSize     int
	MaxFrameBuffer     int
	// Handshake sends a HardwareRequest right after connecting so the
	// instrument answers and frees the ready gate.
	Handshake    bool
	SchemaPath   string
	ResultBuffer int
	Backoff      BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReplyTimeout:       10 * time.Second,
		PollInterval:       reply.DefaultPollInterval,
		MaxConnectAttempts: 5,
		ReadBufferSize:     8 * 1024,
		MaxFrameBuffer:     frame.DefaultMaxBuffer,
		Handshake:          true,
		ResultBuffer:       16,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Address = strings.TrimSpace(c.Address)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = d.ReplyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxFrameBuffer <= 0 {
		c.MaxFrameBuffer = d.MaxFrameBuffer
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = d.ResultBuffer
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.Address == "" {
		return ErrAddressRequired
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return fmt.Errorf("session: backoff multiplier must be >= 1, got %v", c.Backoff.Multiplier)
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("session: max connect attempts must be >= 0, got %d", c.MaxConnectAttempts)
	}
	return nil
}
