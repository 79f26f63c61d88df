// Package config loads gateway configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full gateway configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Domain    DomainConfig    `yaml:"domain"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Inspector InspectorConfig `yaml:"inspector"`
	Replay    ReplayConfig    `yaml:"replay"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Access    AccessConfig    `yaml:"access"`
}

// ListenConfig specifies the address to bind on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// DomainConfig controls how public URLs are built and parsed.
type DomainConfig struct {
	// Apex is the base domain under which tunnel subdomains live,
	// e.g. "tunnel.example.com" serves "myapp.tunnel.example.com".
	Apex string `yaml:"apex"`
	// Scheme used when composing public URLs ("http" or "https").
	Scheme string `yaml:"scheme"`
	// PublicPort, when non-zero, is appended to public URLs.
	PublicPort int `yaml:"public_port"`
}

// TunnelConfig controls control-channel behaviour.
type TunnelConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	MaxSubdomainAttempts int           `yaml:"max_subdomain_attempts"`
	// Reserved subdomains that can never be allocated to a tunnel.
	Reserved []string `yaml:"reserved"`
	// AuthToken, when set, must be presented by agents at registration.
	AuthToken string `yaml:"auth_token"`
}

// InspectorConfig bounds the in-memory traffic capture store.
type InspectorConfig struct {
	MaxStored       int           `yaml:"max_stored"`
	Retention       time.Duration `yaml:"retention"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ReplayConfig bounds the replay history.
type ReplayConfig struct {
	HistorySize int `yaml:"history_size"`
}

// RateLimitConfig configures the sliding-window limiters checked at ingress.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	ClientLimit int  `yaml:"client_limit"`
	TunnelLimit int  `yaml:"tunnel_limit"`
	GlobalLimit int  `yaml:"global_limit"`
}

// AccessConfig configures the IP allow/deny hook and temporary auth blocks.
type AccessConfig struct {
	AllowIPs      []string      `yaml:"allow_ips"`
	DenyIPs       []string      `yaml:"deny_ips"`
	MaxFailedAuth int           `yaml:"max_failed_auth"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

// DefaultReserved is the canonical set of subdomains that never resolve to a
// tunnel.
var DefaultReserved = []string{"www", "api", "admin", "dashboard", "auth", "health", "metrics"}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Addr: ":8080"},
		Domain: DomainConfig{Apex: "localhost", Scheme: "http", PublicPort: 8080},
		Tunnel: TunnelConfig{
			HeartbeatInterval:    30 * time.Second,
			RequestTimeout:       30 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			MaxSubdomainAttempts: 10,
			Reserved:             append([]string(nil), DefaultReserved...),
		},
		Inspector: InspectorConfig{
			MaxStored:       1000,
			Retention:       30 * time.Minute,
			MetricsInterval: 5 * time.Second,
			CleanupInterval: 60 * time.Second,
		},
		Replay: ReplayConfig{HistorySize: 100},
		RateLimit: RateLimitConfig{
			Enabled:     false,
			ClientLimit: 300,
			TunnelLimit: 600,
			GlobalLimit: 5000,
		},
		Access: AccessConfig{
			MaxFailedAuth: 5,
			BlockDuration: 15 * time.Minute,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults, then applies
// environment overrides. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TUNNELGATE_ADDR"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("TUNNELGATE_APEX"); v != "" {
		c.Domain.Apex = v
	}
	if v := os.Getenv("TUNNELGATE_SCHEME"); v != "" {
		c.Domain.Scheme = v
	}
	if v := os.Getenv("TUNNELGATE_PUBLIC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Domain.PublicPort = n
		}
	}
	if v := os.Getenv("TUNNELGATE_AUTH_TOKEN"); v != "" {
		c.Tunnel.AuthToken = v
	}
	if v := os.Getenv("TUNNELGATE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Tunnel.RequestTimeout = d
		}
	}
}

func (c *Config) validate() error {
	if c.Domain.Apex == "" {
		return fmt.Errorf("domain.apex is required")
	}
	if c.Domain.Scheme != "http" && c.Domain.Scheme != "https" {
		return fmt.Errorf("domain.scheme must be http or https, got %q", c.Domain.Scheme)
	}
	if c.Inspector.MaxStored <= 0 {
		return fmt.Errorf("inspector.max_stored must be positive")
	}
	if c.Tunnel.RequestTimeout <= 0 {
		return fmt.Errorf("tunnel.request_timeout must be positive")
	}
	return nil
}

// PublicURL composes the public URL for a subdomain.
func (c *Config) PublicURL(subdomain string) string {
	host := subdomain + "." + c.Domain.Apex
	if c.Domain.PublicPort != 0 && !isDefaultPort(c.Domain.Scheme, c.Domain.PublicPort) {
		host = fmt.Sprintf("%s:%d", host, c.Domain.PublicPort)
	}
	return c.Domain.Scheme + "://" + host
}

func isDefaultPort(scheme string, port int) bool {
	return (scheme == "http" && port == 80) || (scheme == "https" && port == 443)
}
