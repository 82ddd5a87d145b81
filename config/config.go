// File: config/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Gateway configuration: built-in defaults, then an optional JSON or
// YAML file, then environment overrides. The merged result is validated
// once at startup and immutable afterwards.

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize is the hard limit on the config file.
const MaxConfigFileSize = 1 << 20 // 1 MiB

// MaxBodySize is the hard ceiling on an HTTP request body and on a
// connection's receive buffer.
const MaxBodySize = 10 << 20 // 10 MiB

// Config is the full gateway configuration tree.
type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	AuthMode  string    `json:"auth_mode" yaml:"auth_mode"` // token | jwt
	AuthToken string    `json:"auth_token" yaml:"auth_token"`
	JWT       JWTConfig `json:"jwt" yaml:"jwt"`

	BrowserPath      string `json:"browser_path" yaml:"browser_path"`
	MaxConnections   int    `json:"max_connections" yaml:"max_connections"`
	RequestTimeoutMs int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	BrowserTimeoutMs int    `json:"browser_timeout_ms" yaml:"browser_timeout_ms"`

	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	IPFilter  IPFilterConfig  `json:"ip_whitelist" yaml:"ip_whitelist"`
	SSL       SSLConfig       `json:"ssl" yaml:"ssl"`
	CORS      CORSConfig      `json:"cors" yaml:"cors"`
	WebSocket WSConfig        `json:"websocket" yaml:"websocket"`
	IPCTests  IPCTestConfig   `json:"ipc_tests" yaml:"ipc_tests"`

	GracefulShutdown    bool `json:"graceful_shutdown" yaml:"graceful_shutdown"`
	ShutdownTimeoutSec  int  `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
	KeepAliveTimeoutSec int  `json:"keep_alive_timeout_sec" yaml:"keep_alive_timeout_sec"`

	LogRequests bool   `json:"log_requests" yaml:"log_requests"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
	LogFormat   string `json:"log_format" yaml:"log_format"` // json | console

	PanelPassword string `json:"panel_password" yaml:"panel_password"`
}

// JWTConfig configures the JWT verification mode.
type JWTConfig struct {
	PublicKeyPath    string `json:"public_key_path" yaml:"public_key_path"`
	Algorithm        string `json:"algorithm" yaml:"algorithm"`
	ExpectedIssuer   string `json:"expected_issuer" yaml:"expected_issuer"`
	ExpectedAudience string `json:"expected_audience" yaml:"expected_audience"`
	ClockSkewSeconds int    `json:"clock_skew_seconds" yaml:"clock_skew_seconds"`
	RequireExp       *bool  `json:"require_exp" yaml:"require_exp"`
}

// RateLimitConfig configures the hybrid limiter.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	RequestsPerWindow int  `json:"requests_per_window" yaml:"requests_per_window"`
	WindowSeconds     int  `json:"window_seconds" yaml:"window_seconds"`
	BurstSize         int  `json:"burst_size" yaml:"burst_size"`
}

// IPFilterConfig configures the allowlist gate.
type IPFilterConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Entries []string `json:"entries" yaml:"entries"`
}

// SSLConfig configures the external TLS terminator handoff.
type SSLConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	CertPath     string `json:"cert_path" yaml:"cert_path"`
	KeyPath      string `json:"key_path" yaml:"key_path"`
	CAPath       string `json:"ca_path" yaml:"ca_path"`
	VerifyClient bool   `json:"verify_client" yaml:"verify_client"`
}

// CORSConfig configures the uniform CORS headers.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers"`
	MaxAgeSeconds  int      `json:"max_age_seconds" yaml:"max_age_seconds"`
}

// WSConfig configures the WebSocket hub.
type WSConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	MaxConnections  int  `json:"max_connections" yaml:"max_connections"`
	MessageMaxSize  int  `json:"message_max_size" yaml:"message_max_size"`
	PingIntervalSec int  `json:"ping_interval_sec" yaml:"ping_interval_sec"`
	PongTimeoutSec  int  `json:"pong_timeout_sec" yaml:"pong_timeout_sec"`
}

// IPCTestConfig configures the optional IPC test harness.
type IPCTestConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	TestClientPath string `json:"test_client_path" yaml:"test_client_path"`
	ReportsDir     string `json:"reports_dir" yaml:"reports_dir"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             8080,
		AuthMode:         "token",
		MaxConnections:   100,
		RequestTimeoutMs: 30000,
		BrowserTimeoutMs: 60000,
		JWT: JWTConfig{
			Algorithm:        "RS256",
			ClockSkewSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 100,
			WindowSeconds:     60,
			BurstSize:         20,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAgeSeconds:  600,
		},
		WebSocket: WSConfig{
			Enabled:         true,
			MaxConnections:  50,
			MessageMaxSize:  16 << 20,
			PingIntervalSec: 30,
			PongTimeoutSec:  10,
		},
		GracefulShutdown:    true,
		ShutdownTimeoutSec:  30,
		KeepAliveTimeoutSec: 60,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load builds the configuration: defaults, optional file, env, validate.
// path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.mergeEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return fmt.Errorf("config file %s exceeds %d bytes", path, MaxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	return nil
}

// mergeEnv applies GATEWAY_* environment overrides on top of the file.
func (c *Config) mergeEnv() {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("GATEWAY_AUTH_MODE"); v != "" {
		c.AuthMode = v
	}
	if v := os.Getenv("GATEWAY_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("GATEWAY_BROWSER_PATH"); v != "" {
		c.BrowserPath = v
	}
	if v := os.Getenv("GATEWAY_PANEL_PASSWORD"); v != "" {
		c.PanelPassword = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_LOG_REQUESTS"); v != "" {
		c.LogRequests = v == "1" || strings.EqualFold(v, "true")
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.BrowserPath == "" {
		return fmt.Errorf("browser_path is required")
	}
	switch c.AuthMode {
	case "token":
		if c.AuthToken == "" {
			return fmt.Errorf("auth_token is required in token mode")
		}
	case "jwt":
		if c.JWT.PublicKeyPath == "" {
			return fmt.Errorf("jwt.public_key_path is required in jwt mode")
		}
		switch c.JWT.Algorithm {
		case "RS256", "RS384", "RS512":
		default:
			return fmt.Errorf("jwt.algorithm must be RS256, RS384 or RS512, got %q", c.JWT.Algorithm)
		}
	default:
		return fmt.Errorf("auth_mode must be token or jwt, got %q", c.AuthMode)
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.RequestTimeoutMs <= 0 {
		c.RequestTimeoutMs = 30000
	}
	if c.BrowserTimeoutMs <= 0 {
		c.BrowserTimeoutMs = 60000
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerWindow <= 0 {
			c.RateLimit.RequestsPerWindow = 100
		}
		if c.RateLimit.WindowSeconds <= 0 {
			c.RateLimit.WindowSeconds = 60
		}
		if c.RateLimit.BurstSize < 0 {
			c.RateLimit.BurstSize = 0
		}
	}
	if c.SSL.Enabled {
		if c.SSL.CertPath == "" || c.SSL.KeyPath == "" {
			return fmt.Errorf("ssl.cert_path and ssl.key_path are required when ssl is enabled")
		}
	}
	if c.WebSocket.Enabled {
		if c.WebSocket.MaxConnections <= 0 {
			c.WebSocket.MaxConnections = 50
		}
		if c.WebSocket.MessageMaxSize <= 0 {
			c.WebSocket.MessageMaxSize = 16 << 20
		}
		if c.WebSocket.PingIntervalSec <= 0 {
			c.WebSocket.PingIntervalSec = 30
		}
		if c.WebSocket.PongTimeoutSec <= 0 {
			c.WebSocket.PongTimeoutSec = 10
		}
	}
	if c.IPCTests.Enabled {
		if c.IPCTests.TestClientPath == "" {
			return fmt.Errorf("ipc_tests.test_client_path is required when ipc_tests is enabled")
		}
		if c.IPCTests.ReportsDir == "" {
			c.IPCTests.ReportsDir = "ipc-test-reports"
		}
	}
	if c.ShutdownTimeoutSec <= 0 {
		c.ShutdownTimeoutSec = 30
	}
	if c.KeepAliveTimeoutSec <= 0 {
		c.KeepAliveTimeoutSec = 60
	}
	if c.JWT.ClockSkewSeconds < 0 {
		c.JWT.ClockSkewSeconds = 0
	}
	switch c.LogFormat {
	case "", "json":
		c.LogFormat = "json"
	case "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// RequireExpEnabled reports whether `exp` enforcement is on (default true).
func (j JWTConfig) RequireExpEnabled() bool {
	return j.RequireExp == nil || *j.RequireExp
}
