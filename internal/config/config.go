// Package config loads tabd settings: built-in defaults, then an optional
// YAML file named by TABD_CONFIG, then environment variables (a .env file is
// read first when present).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fanline/realtime/internal/dedupe"
	"github.com/fanline/realtime/internal/lease"
	"github.com/fanline/realtime/internal/typing"
)

// Bus transport modes.
const (
	TransportAuto  = "auto"
	TransportNATS  = "nats"
	TransportRedis = "redis"
)

// Config holds every tabd setting.
type Config struct {
	Profile     string      `yaml:"profile"`
	TabID       string      `yaml:"tab_id"` // empty means random
	RedisAddr   string      `yaml:"redis_addr"`
	NATSURL     string      `yaml:"nats_url"`
	StreamURL   string      `yaml:"stream_url"`
	TypingURL   string      `yaml:"typing_url"`
	MetricsAddr string      `yaml:"metrics_addr"`
	SenderRole  typing.Role `yaml:"sender_role"`

	LeaseTick time.Duration `yaml:"lease_tick"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`

	DedupeMaxEntries int           `yaml:"dedupe_max_entries"`
	DedupeTTL        time.Duration `yaml:"dedupe_ttl"`

	TypingHideAfter     time.Duration `yaml:"typing_hide_after"`
	TypingSweepInterval time.Duration `yaml:"typing_sweep_interval"`

	StreamReconnectWait time.Duration `yaml:"stream_reconnect_wait"`

	BusTransport string `yaml:"bus_transport"` // auto, nats or redis
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Profile:             "default",
		RedisAddr:           "localhost:6379",
		NATSURL:             "nats://localhost:4222",
		StreamURL:           "ws://localhost:8080/realtime/stream",
		TypingURL:           "http://localhost:8080/api/typing",
		MetricsAddr:         ":9102",
		SenderRole:          typing.RoleCreator,
		LeaseTick:           lease.DefaultTick,
		LeaseTTL:            lease.DefaultTTL,
		DedupeMaxEntries:    dedupe.DefaultMaxEntries,
		DedupeTTL:           dedupe.DefaultTTL,
		TypingHideAfter:     typing.DefaultHideAfter,
		TypingSweepInterval: typing.DefaultSweepInterval,
		StreamReconnectWait: 3 * time.Second,
		BusTransport:        TransportAuto,
	}
}

// Load reads .env when present, overlays the YAML file named by TABD_CONFIG
// and applies environment overrides. Invalid values are ignored; an
// unreadable config file is an error.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path := os.Getenv("TABD_CONFIG"); path != "" {
		fileCfg, err := LoadFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}
	return Apply(cfg, os.Getenv), nil
}

// LoadFile overlays the YAML file at path onto base. Keys absent from the
// file keep their base value.
func LoadFile(path string, base Config) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: file not found: %s", path)
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return normalize(cfg, base), nil
}

// FromEnv applies overrides read through getenv to the defaults.
func FromEnv(getenv func(string) string) Config {
	return Apply(Default(), getenv)
}

// Apply applies overrides read through getenv to cfg.
func Apply(cfg Config, getenv func(string) string) Config {
	setString(getenv, "PROFILE", &cfg.Profile)
	setString(getenv, "TAB_ID", &cfg.TabID)
	setString(getenv, "REDIS_ADDR", &cfg.RedisAddr)
	setString(getenv, "NATS_URL", &cfg.NATSURL)
	setString(getenv, "STREAM_URL", &cfg.StreamURL)
	setString(getenv, "TYPING_URL", &cfg.TypingURL)
	setString(getenv, "METRICS_ADDR", &cfg.MetricsAddr)

	if v := getenv("SENDER_ROLE"); v != "" {
		if r, ok := parseRole(v); ok {
			cfg.SenderRole = r
		}
	}

	setDuration(getenv, "LEASE_TICK", &cfg.LeaseTick)
	setDuration(getenv, "LEASE_TTL", &cfg.LeaseTTL)
	setDuration(getenv, "DEDUPE_TTL", &cfg.DedupeTTL)
	setDuration(getenv, "TYPING_HIDE_AFTER", &cfg.TypingHideAfter)
	setDuration(getenv, "TYPING_SWEEP_INTERVAL", &cfg.TypingSweepInterval)
	setDuration(getenv, "STREAM_RECONNECT_WAIT", &cfg.StreamReconnectWait)

	if v := getenv("DEDUPE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DedupeMaxEntries = n
		}
	}

	if v := getenv("BUS_TRANSPORT"); v != "" {
		if m, ok := parseTransport(v); ok {
			cfg.BusTransport = m
		}
	}

	return cfg
}

// normalize replaces invalid file values with the base ones.
func normalize(cfg, base Config) Config {
	if r, ok := parseRole(string(cfg.SenderRole)); ok {
		cfg.SenderRole = r
	} else {
		cfg.SenderRole = base.SenderRole
	}
	if m, ok := parseTransport(cfg.BusTransport); ok {
		cfg.BusTransport = m
	} else {
		cfg.BusTransport = base.BusTransport
	}
	for _, d := range []struct{ dst, def *time.Duration }{
		{&cfg.LeaseTick, &base.LeaseTick},
		{&cfg.LeaseTTL, &base.LeaseTTL},
		{&cfg.DedupeTTL, &base.DedupeTTL},
		{&cfg.TypingHideAfter, &base.TypingHideAfter},
		{&cfg.TypingSweepInterval, &base.TypingSweepInterval},
		{&cfg.StreamReconnectWait, &base.StreamReconnectWait},
	} {
		if *d.dst <= 0 {
			*d.dst = *d.def
		}
	}
	if cfg.DedupeMaxEntries <= 0 {
		cfg.DedupeMaxEntries = base.DedupeMaxEntries
	}
	return cfg
}

func parseRole(v string) (typing.Role, bool) {
	switch r := typing.Role(strings.ToLower(v)); r {
	case typing.RoleFan, typing.RoleCreator, typing.RoleOperator:
		return r, true
	}
	return "", false
}

func parseTransport(v string) (string, bool) {
	switch m := strings.ToLower(v); m {
	case TransportAuto, TransportNATS, TransportRedis:
		return m, true
	}
	return "", false
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(getenv func(string) string, key string, dst *time.Duration) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
