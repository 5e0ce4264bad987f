// Package config provides server configuration loaded from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth strategy names accepted by MEMGATE_AUTH_STRATEGY.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "apikey"
)

// Server modes.
const (
	ModeDefault    = "default"
	ModeAggregator = "aggregator"
)

// Upstream identifies one federated memory server in aggregator mode.
type Upstream struct {
	Name string
	URL  string
}

// Config holds all server configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	Host          string
	Port          string
	Mode          string

	// Capability flags advertised at initialize.
	EnableTools    bool
	EnableLogging  bool
	EnableMemory   bool
	EnableFederate bool

	AuthStrategy string
	BearerToken  string
	APIKeys      []string

	RateLimitWindow  time.Duration
	RateLimitCeiling int
	MaxParamBytes    int

	ConsiderationThreshold float64
	MergeThreshold         float64

	SessionIdleTimeout time.Duration

	DataDir string

	Upstreams       []Upstream
	UpstreamTimeout time.Duration
	PrimaryUpstream string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ServerName:             getEnv("MEMGATE_SERVER_NAME", "memgate"),
		ServerVersion:          getEnv("MEMGATE_SERVER_VERSION", "dev"),
		Host:                   getEnv("MEMGATE_HOST", "0.0.0.0"),
		Port:                   getEnv("MEMGATE_PORT", "8484"),
		Mode:                   getEnv("MEMGATE_MODE", ModeDefault),
		EnableTools:            getEnvBool("MEMGATE_CAP_TOOLS", true),
		EnableLogging:          getEnvBool("MEMGATE_CAP_LOGGING", true),
		EnableMemory:           getEnvBool("MEMGATE_CAP_MEMORY", true),
		EnableFederate:         getEnvBool("MEMGATE_CAP_FEDERATION", false),
		AuthStrategy:           getEnv("MEMGATE_AUTH_STRATEGY", AuthNone),
		BearerToken:            getEnv("MEMGATE_AUTH_TOKEN", ""),
		APIKeys:                splitList(getEnv("MEMGATE_API_KEYS", "")),
		RateLimitWindow:        getEnvDuration("MEMGATE_RATE_WINDOW", time.Minute),
		RateLimitCeiling:       getEnvInt("MEMGATE_RATE_CEILING", 120),
		MaxParamBytes:          getEnvInt("MEMGATE_MAX_PARAM_BYTES", 64*1024),
		ConsiderationThreshold: getEnvFloat("MEMGATE_CONSIDERATION_THRESHOLD", 0.5),
		MergeThreshold:         getEnvFloat("MEMGATE_MERGE_THRESHOLD", 0.85),
		SessionIdleTimeout:     getEnvDuration("MEMGATE_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		DataDir:                getEnv("MEMGATE_DATA_DIR", "./data"),
		UpstreamTimeout:        getEnvDuration("MEMGATE_UPSTREAM_TIMEOUT", 10*time.Second),
		PrimaryUpstream:        getEnv("MEMGATE_PRIMARY_UPSTREAM", ""),
	}

	upstreams, err := parseUpstreams(getEnv("MEMGATE_UPSTREAMS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Upstreams = upstreams

	if cfg.Mode == ModeAggregator {
		cfg.EnableFederate = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the loaded configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("MEMGATE_PORT cannot be empty")
	}
	switch c.Mode {
	case ModeDefault, ModeAggregator:
	default:
		return fmt.Errorf("MEMGATE_MODE must be %q or %q, got %q", ModeDefault, ModeAggregator, c.Mode)
	}
	switch c.AuthStrategy {
	case AuthNone:
	case AuthBearer:
		if c.BearerToken == "" {
			return fmt.Errorf("MEMGATE_AUTH_TOKEN required for bearer auth")
		}
	case AuthAPIKey:
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("MEMGATE_API_KEYS required for apikey auth")
		}
	default:
		return fmt.Errorf("unknown auth strategy %q", c.AuthStrategy)
	}
	if c.RateLimitCeiling <= 0 {
		return fmt.Errorf("MEMGATE_RATE_CEILING must be > 0")
	}
	if c.MaxParamBytes <= 0 {
		return fmt.Errorf("MEMGATE_MAX_PARAM_BYTES must be > 0")
	}
	if c.ConsiderationThreshold < 0 || c.ConsiderationThreshold > 1 {
		return fmt.Errorf("MEMGATE_CONSIDERATION_THRESHOLD must be in [0,1]")
	}
	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("MEMGATE_MERGE_THRESHOLD must be in [0,1]")
	}
	if c.MergeThreshold < c.ConsiderationThreshold {
		return fmt.Errorf("merge threshold must be >= consideration threshold")
	}
	if c.Mode == ModeAggregator && len(c.Upstreams) == 0 {
		return fmt.Errorf("MEMGATE_UPSTREAMS required in aggregator mode")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// parseUpstreams parses "name=ws://host:port,name2=ws://..." into descriptors.
func parseUpstreams(s string) ([]Upstream, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Upstream
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("upstream entry %q must be name=url", part)
		}
		out = append(out, Upstream{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
	}
	return out, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
