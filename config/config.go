// Package config loads and saves termgate's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// IssuerConfig describes one trusted JWT issuer and where to fetch its JWKS.
type IssuerConfig struct {
	Name         string `yaml:"name"`
	JWKSURL      string `yaml:"jwks_url"`
	IssuerValue  string `yaml:"issuer_value"`
	Audience     string `yaml:"audience,omitempty"`
	ReplayWindow string `yaml:"replay_window,omitempty"` // e.g. "5m"; if any issuer sets one, jti replay checks apply to tokens from every issuer
}

// Config is the full recognized configuration surface.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
		TLSCert string `yaml:"tls_cert,omitempty"`
		TLSKey  string `yaml:"tls_key,omitempty"`
	} `yaml:"server"`

	JWT struct {
		Issuers         []IssuerConfig `yaml:"issuers"`
		RefreshInterval string         `yaml:"refresh_interval"`
		CacheTTL        string         `yaml:"cache_ttl"`
		LeewaySeconds   int            `yaml:"leeway_seconds"`
	} `yaml:"jwt"`

	Authz struct {
		AllowedUsers  []string `yaml:"allowed_users"`
		AllowedGroups []string `yaml:"allowed_groups"`
	} `yaml:"authz"`

	Session struct {
		MaxPerUser   int    `yaml:"max_per_user"`
		IdleTimeout  string `yaml:"idle_timeout"`
		GraceWindow  string `yaml:"grace_window"`
		DefaultShell string `yaml:"default_shell"`
	} `yaml:"session"`

	PTY struct {
		MaxBufferSize int `yaml:"max_buffer_size"`
	} `yaml:"pty"`

	RateLimit struct {
		PerIPPerMinute int `yaml:"per_ip_per_minute"`
	} `yaml:"ratelimit"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

// DefaultPath mirrors config.yaml living next to the binary.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "config.yaml")
}

// Load reads and parses the config file, filling in defaults for zero fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that parse but cannot be served safely.
func (c *Config) Validate() error {
	tls := c.Server.TLSCert != "" && c.Server.TLSKey != ""
	if (c.Server.TLSCert != "") != (c.Server.TLSKey != "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if tls {
		for _, o := range c.CORS.AllowedOrigins {
			if o == "*" {
				return fmt.Errorf("cors.allowed_origins must not contain %q when TLS is enabled", "*")
			}
		}
	}
	return nil
}

// Save writes cfg to path atomically (write tmp, then rename).
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8765
	}
	if cfg.JWT.RefreshInterval == "" {
		cfg.JWT.RefreshInterval = "15m"
	}
	if cfg.JWT.CacheTTL == "" {
		cfg.JWT.CacheTTL = "1h"
	}
	if cfg.JWT.LeewaySeconds == 0 {
		cfg.JWT.LeewaySeconds = 60
	}
	if cfg.Session.MaxPerUser == 0 {
		cfg.Session.MaxPerUser = 10
	}
	if cfg.Session.IdleTimeout == "" {
		cfg.Session.IdleTimeout = "30m"
	}
	if cfg.Session.GraceWindow == "" {
		cfg.Session.GraceWindow = "5m"
	}
	if cfg.Session.DefaultShell == "" {
		cfg.Session.DefaultShell = "/bin/sh"
	}
	if cfg.PTY.MaxBufferSize == 0 {
		cfg.PTY.MaxBufferSize = 1024 * 1024
	}
	if cfg.RateLimit.PerIPPerMinute == 0 {
		cfg.RateLimit.PerIPPerMinute = 100
	}
}

// Duration parses a config duration string, falling back to def on error or
// empty input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GenerateExample writes a starter config.yaml with one placeholder issuer, for
// RunFirstSetup-style bootstrapping (see cmd/termgatectl).
func GenerateExample(path string) (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)
	cfg.Server.Host = "0.0.0.0"
	cfg.JWT.Issuers = []IssuerConfig{{
		Name:        "example",
		JWKSURL:     "https://issuer.example.com/.well-known/jwks.json",
		IssuerValue: "https://issuer.example.com/",
	}}
	if err := Save(&cfg, path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}
	return &cfg, nil
}
