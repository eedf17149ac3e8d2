// Package shim persists shim results per instrument and answers whether the
// last shim is still recent enough to trust.
package shim

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("shim: no record")
	ErrUnknownBackend = errors.New("shim: unknown store backend")
)

// Record is the outcome of one shim run.
type Record struct {
	Timestamp    time.Time `toml:"timestamp" json:"timestamp"`
	LineWidth50  float64   `toml:"line_width_50" json:"line_width_50"`
	LineWidth055 float64   `toml:"line_width_0_55" json:"line_width_0_55"`
	Threshold50  float64   `toml:"threshold_50" json:"threshold_50"`
	Threshold055 float64   `toml:"threshold_0_55" json:"threshold_0_55"`
	Passed       bool      `toml:"passed" json:"passed"`
}

// Store keeps the latest record per instrument address.
type Store interface {
	Load(ctx context.Context, key string) (Record, error)
	Save(ctx context.Context, key string, rec Record) error
	Close() error
}
