// Package config loads the labctl TOML file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/labctl/internal/protocol/message"
	"github.com/danmuck/labctl/internal/protocol/session"
	"github.com/danmuck/labctl/internal/shim"
)

var ErrInvalid = errors.New("config: invalid")

type ShimConfig struct {
	Params   session.ShimParams
	Validity time.Duration
}

type DiagConfig struct {
	Addr        string
	CorsOrigins []string
}

// Config is the resolved runtime configuration.
type Config struct {
	Session session.Config
	Shim    ShimConfig
	Store   shim.StoreConfig
	Diag    DiagConfig
}

func Default() Config {
	return Config{
		Session: session.DefaultConfig(),
		Shim: ShimConfig{
			Params:   session.DefaultShimParams(),
			Validity: shim.DefaultValidity,
		},
		Store: shim.StoreConfig{
			Backend: shim.BackendFile,
			Path:    "labctl-shim.toml",
		},
		Diag: DiagConfig{
			Addr:        "127.0.0.1:9300",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

type fileConfig struct {
	Instrument struct {
		Address   string `toml:"address"`
		Schema    string `toml:"schema"`
		Handshake bool   `toml:"handshake"`
	} `toml:"instrument"`
	Session struct {
		ConnectTimeout     string `toml:"connect_timeout"`
		WriteTimeout       string `toml:"write_timeout"`
		ReplyTimeout       string `toml:"reply_timeout"`
		PollInterval       string `toml:"poll_interval"`
		MaxConnectAttempts int    `toml:"max_connect_attempts"`
		BackoffInitial     string `toml:"backoff_initial"`
		BackoffMax         string `toml:"backoff_max"`
	} `toml:"session"`
	Shim struct {
		Protocol        string  `toml:"protocol"`
		Mode            string  `toml:"mode"`
		MaxLineWidth50  float64 `toml:"max_line_width_50"`
		MaxLineWidth055 float64 `toml:"max_line_width_0_55"`
		MaxAttempts     int     `toml:"max_attempts"`
		Validity        string  `toml:"validity"`
	} `toml:"shim"`
	Store struct {
		Backend     string `toml:"backend"`
		Path        string `toml:"path"`
		RedisAddr   string `toml:"redis_addr"`
		RedisDB     int    `toml:"redis_db"`
		RedisPrefix string `toml:"redis_prefix"`
	} `toml:"store"`
	Diag struct {
		Addr        string   `toml:"addr"`
		CorsOrigins []string `toml:"cors_origins"`
	} `toml:"diag"`
}

// Load reads path and applies every key it defines over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if meta.IsDefined("instrument", "address") {
		cfg.Session.Address = strings.TrimSpace(raw.Instrument.Address)
	}
	if meta.IsDefined("instrument", "schema") {
		cfg.Session.SchemaPath = strings.TrimSpace(raw.Instrument.Schema)
	}
	if meta.IsDefined("instrument", "handshake") {
		cfg.Session.Handshake = raw.Instrument.Handshake
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"session", "connect_timeout"}, raw.Session.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{[]string{"session", "write_timeout"}, raw.Session.WriteTimeout, &cfg.Session.WriteTimeout},
		{[]string{"session", "reply_timeout"}, raw.Session.ReplyTimeout, &cfg.Session.ReplyTimeout},
		{[]string{"session", "poll_interval"}, raw.Session.PollInterval, &cfg.Session.PollInterval},
		{[]string{"session", "backoff_initial"}, raw.Session.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{[]string{"session", "backoff_max"}, raw.Session.BackoffMax, &cfg.Session.Backoff.MaxDelay},
		{[]string{"shim", "validity"}, raw.Shim.Validity, &cfg.Shim.Validity},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "max_connect_attempts") {
		cfg.Session.MaxConnectAttempts = raw.Session.MaxConnectAttempts
	}

	if meta.IsDefined("shim", "protocol") {
		cfg.Shim.Params.Protocol = strings.TrimSpace(raw.Shim.Protocol)
	}
	if meta.IsDefined("shim", "mode") {
		cfg.Shim.Params.Options = message.NewOptions(message.Option{Name: "Shim", Value: strings.TrimSpace(raw.Shim.Mode)})
	}
	if meta.IsDefined("shim", "max_line_width_50") {
		cfg.Shim.Params.MaxLineWidth50 = raw.Shim.MaxLineWidth50
	}
	if meta.IsDefined("shim", "max_line_width_0_55") {
		cfg.Shim.Params.MaxLineWidth055 = raw.Shim.MaxLineWidth055
	}
	if meta.IsDefined("shim", "max_attempts") {
		cfg.Shim.Params.MaxAttempts = raw.Shim.MaxAttempts
	}

	if meta.IsDefined("store", "backend") {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(raw.Store.Backend))
	}
	if meta.IsDefined("store", "path") {
		cfg.Store.Path = strings.TrimSpace(raw.Store.Path)
	}
	if meta.IsDefined("store", "redis_addr") {
		cfg.Store.RedisAddr = strings.TrimSpace(raw.Store.RedisAddr)
	}
	if meta.IsDefined("store", "redis_db") {
		cfg.Store.RedisDB = raw.Store.RedisDB
	}
	if meta.IsDefined("store", "redis_prefix") {
		cfg.Store.RedisPrefix = raw.Store.RedisPrefix
	}

	if meta.IsDefined("diag", "addr") {
		cfg.Diag.Addr = strings.TrimSpace(raw.Diag.Addr)
	}
	if meta.IsDefined("diag", "cors_origins") {
		cfg.Diag.CorsOrigins = normalizeOrigins(raw.Diag.CorsOrigins)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Session.Address) == "" {
		return fmt.Errorf("%w: instrument.address is required", ErrInvalid)
	}
	if cfg.Session.PollInterval <= 0 || cfg.Session.ReplyTimeout <= 0 {
		return fmt.Errorf("%w: session timeouts must be positive", ErrInvalid)
	}
	if cfg.Shim.Params.MaxLineWidth50 <= 0 || cfg.Shim.Params.MaxLineWidth055 <= 0 {
		return fmt.Errorf("%w: shim thresholds must be positive", ErrInvalid)
	}
	if cfg.Shim.Params.MaxAttempts <= 0 {
		return fmt.Errorf("%w: shim.max_attempts must be positive", ErrInvalid)
	}
	if cfg.Shim.Validity <= 0 {
		return fmt.Errorf("%w: shim.validity must be positive", ErrInvalid)
	}
	switch cfg.Store.Backend {
	case shim.BackendFile, shim.BackendSQLite:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return fmt.Errorf("%w: store.path is required for %s", ErrInvalid, cfg.Store.Backend)
		}
	case shim.BackendRedis:
		if strings.TrimSpace(cfg.Store.RedisAddr) == "" {
			return fmt.Errorf("%w: store.redis_addr is required for redis", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalid, cfg.Store.Backend)
	}
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
