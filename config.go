package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all proxy configuration.
type Config struct {
	Server    ServerConfig
	Fetch     FetchConfig
	Asset     AssetConfig
	Inject    InjectConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Port            string        `envconfig:"PORT" default:"3000"`
	PublicURL       string        `envconfig:"PUBLIC_URL"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	TrustProxy      bool          `envconfig:"TRUST_PROXY" default:"false"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// FetchConfig controls how target pages are retrieved.
type FetchConfig struct {
	Timeout      time.Duration `envconfig:"FETCH_TIMEOUT" default:"20s"`
	Retries      int           `envconfig:"FETCH_RETRIES" default:"1"`
	MaxRedirects int           `envconfig:"MAX_REDIRECTS" default:"5"`
	MaxPageBytes int64         `envconfig:"MAX_PAGE_BYTES" default:"10485760"`
	UserAgent    string        `envconfig:"USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"`
}

// AssetConfig controls the asset proxy and manifest rewriting.
type AssetConfig struct {
	HeaderTimeout    time.Duration `envconfig:"ASSET_HEADER_TIMEOUT" default:"20s"`
	MaxManifestBytes int64         `envconfig:"MAX_MANIFEST_BYTES" default:"5242880"`
	RewriteTagURIs   bool          `envconfig:"REWRITE_TAG_URIS" default:"false"`
}

// InjectConfig controls what gets injected into proxied pages.
type InjectConfig struct {
	PermissiveCSP bool   `envconfig:"PERMISSIVE_CSP" default:"true"`
	InterceptBase string `envconfig:"INTERCEPT_BASE" default:"proxy"`
	HLSScriptURL  string `envconfig:"HLS_SCRIPT_URL" default:"https://cdn.jsdelivr.net/npm/hls.js@1"`
	MinifyRuntime bool   `envconfig:"MINIFY_RUNTIME" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	File        string `envconfig:"LOG_FILE"`
}

// RateLimitConfig holds per-client rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	MaxClients        int  `envconfig:"RATE_LIMIT_CLIENTS" default:"4096"`
}

const (
	interceptProxy  = "proxy"
	interceptOrigin = "origin"
)

// Load reads an optional .env file and decodes the environment.
func Load() (*Config, error) {
	// A missing .env is the normal case in containers.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "3000",
			ShutdownTimeout: 10 * time.Second,
		},
		Fetch: FetchConfig{
			Timeout:      20 * time.Second,
			Retries:      1,
			MaxRedirects: 5,
			MaxPageBytes: 10 << 20,
			UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		},
		Asset: AssetConfig{
			HeaderTimeout:    20 * time.Second,
			MaxManifestBytes: 5 << 20,
		},
		Inject: InjectConfig{
			PermissiveCSP: true,
			InterceptBase: interceptProxy,
			HLSScriptURL:  "https://cdn.jsdelivr.net/npm/hls.js@1",
			MinifyRuntime: true,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			Burst:             200,
			MaxClients:        4096,
		},
	}
}

// Validate rejects values the proxy cannot run with.
func (c *Config) Validate() error {
	switch c.Inject.InterceptBase {
	case interceptProxy, interceptOrigin:
	default:
		return fmt.Errorf("INTERCEPT_BASE must be %q or %q, got %q", interceptProxy, interceptOrigin, c.Inject.InterceptBase)
	}
	if c.Server.PublicURL != "" {
		if _, err := parseTarget(c.Server.PublicURL); err != nil {
			return fmt.Errorf("PUBLIC_URL: %w", err)
		}
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("MAX_REDIRECTS must not be negative")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive RATE_LIMIT_RPS and RATE_LIMIT_BURST")
	}
	return nil
}

func (c *Config) normalize() {
	c.Server.PublicURL = strings.TrimSuffix(strings.TrimSpace(c.Server.PublicURL), "/")
	c.Inject.InterceptBase = strings.ToLower(strings.TrimSpace(c.Inject.InterceptBase))

	origins := c.Server.AllowedOrigins[:0]
	for _, o := range c.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Server.AllowedOrigins = origins
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}
