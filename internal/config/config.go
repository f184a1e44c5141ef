package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	Port        int
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string

	TokenSecret string
	TokenIssuer string

	RedisURL     string
	KeyPrefix    string
	StoreTimeout time.Duration
	ProcessID    string

	HeartbeatInterval time.Duration

	AllowedOrigins     []string
	HandshakeRateLimit int

	LogLevel  string
	LogFormat string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:               5000,
		GinMode:            "release",
		TokenIssuer:        "peerconnect",
		RedisURL:           "redis://localhost:6379/0",
		KeyPrefix:          "{peerconnect}:",
		StoreTimeout:       2 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		HandshakeRateLimit: 60,
		LogLevel:           "info",
		LogFormat:          "console",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.TokenSecret = env.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("TOKEN_SECRET is required")
	}
	if raw := env.Getenv("TOKEN_ISSUER"); raw != "" {
		cfg.TokenIssuer = raw
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("REDIS_URL"); raw != "" {
		cfg.RedisURL = raw
	}
	if raw := env.Getenv("KEY_PREFIX"); raw != "" {
		cfg.KeyPrefix = raw
	}
	if raw := env.Getenv("STORE_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid STORE_TIMEOUT_MS")
		}
		cfg.StoreTimeout = time.Duration(ms) * time.Millisecond
	}
	cfg.ProcessID = env.Getenv("PROCESS_ID")
	if raw := env.Getenv("HEARTBEAT_INTERVAL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid HEARTBEAT_INTERVAL_MS")
		}
		cfg.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}

	cfg.AllowedOrigins = splitList(env.Getenv("ALLOWED_ORIGINS"))
	if raw := env.Getenv("HANDSHAKE_RATE_LIMIT"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return Config{}, fmt.Errorf("invalid HANDSHAKE_RATE_LIMIT")
		}
		cfg.HandshakeRateLimit = limit
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("invalid LOG_FORMAT")
	}

	return cfg, nil
}

// ApplyFlags overrides cfg with any command-line flags present in args.
func ApplyFlags(cfg Config, args []string) (Config, error) {
	fs := pflag.NewFlagSet("peerconnect-server", pflag.ContinueOnError)
	port := fs.Int("port", cfg.Port, "listen port")
	redisURL := fs.String("redis-url", cfg.RedisURL, "shared state store URL")
	processID := fs.String("process-id", cfg.ProcessID, "routing id of this process")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", cfg.LogFormat, "log format (console or json)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *port <= 0 || *port > 65535 {
		return Config{}, fmt.Errorf("invalid --port")
	}
	if *logFormat != "console" && *logFormat != "json" {
		return Config{}, fmt.Errorf("invalid --log-format")
	}

	cfg.Port = *port
	cfg.RedisURL = *redisURL
	cfg.ProcessID = *processID
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "/"))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
