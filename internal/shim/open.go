package shim

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	Backend     string
	Path        string
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
}

func Open(cfg StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		return NewFileStore(cfg.Path), nil
	case BackendSQLite:
		return OpenSQLite(cfg.Path)
	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return NewRedisStore(client, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
