package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Backend   BackendConfig   `yaml:"backend"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds, HTTP endpoints only
	WriteTimeout int    `yaml:"write_timeout"` // seconds, HTTP endpoints only
}

// AuthConfig contains JWT and user store configuration
type AuthConfig struct {
	JWTSecret string       `yaml:"jwt_secret"`
	TokenTTL  int          `yaml:"token_ttl"` // seconds
	Users     []UserConfig `yaml:"users"`
}

// UserConfig seeds one entry of the in-memory user store.
// PasswordHash is a bcrypt hash; Password is accepted as a plaintext
// fallback for development setups and hashed at load time.
type UserConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

// SessionConfig contains per-session policy parameters
type SessionConfig struct {
	IdleTimeout           int    `yaml:"idle_timeout"`            // seconds
	MaxDuration           int    `yaml:"max_duration"`            // seconds
	MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"` // per user
	DefaultLanguage       string `yaml:"default_language"`
}

// RateLimitConfig contains per-user audio frame rate limiting parameters
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"` // 0 means same as requests_per_minute
}

// BackendConfig contains the recognition backend connection parameters
type BackendConfig struct {
	URL            string `yaml:"url"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	WriteTimeout   int    `yaml:"write_timeout"`   // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in defaults for optional parameters
func (c *Config) applyDefaults() {
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 60
	}
	if c.Session.MaxDuration == 0 {
		c.Session.MaxDuration = 600
	}
	if c.Session.MaxConcurrentSessions == 0 {
		c.Session.MaxConcurrentSessions = 1
	}
	if c.Session.DefaultLanguage == "" {
		c.Session.DefaultLanguage = "en-US"
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 100
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerMinute
	}
	if c.Backend.ConnectTimeout == 0 {
		c.Backend.ConnectTimeout = 10
	}
	if c.Backend.WriteTimeout == 0 {
		c.Backend.WriteTimeout = 10
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 3600
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("ratelimit config: %w", err)
	}

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout cannot be negative, got %d", s.ReadTimeout)
	}

	if s.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout cannot be negative, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates auth configuration
func (a *AuthConfig) Validate() error {
	if len(a.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes, got %d", len(a.JWTSecret))
	}

	if a.TokenTTL < 1 {
		return fmt.Errorf("token_ttl must be at least 1 second, got %d", a.TokenTTL)
	}

	for i, u := range a.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d]: username cannot be empty", i)
		}
		if u.Password == "" && u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: either password or password_hash is required", i)
		}
	}

	return nil
}

// Validate validates session policy configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.MaxDuration < s.IdleTimeout {
		return fmt.Errorf("max_duration (%d) must be at least idle_timeout (%d)", s.MaxDuration, s.IdleTimeout)
	}

	if s.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", s.MaxConcurrentSessions)
	}

	if s.DefaultLanguage == "" {
		return fmt.Errorf("default_language cannot be empty")
	}

	return nil
}

// Validate validates rate limiting configuration
func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute must be at least 1, got %d", r.RequestsPerMinute)
	}

	if r.Burst < 1 {
		return fmt.Errorf("burst must be at least 1, got %d", r.Burst)
	}

	return nil
}

// Validate validates backend connection configuration
func (b *BackendConfig) Validate() error {
	if b.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if b.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", b.ConnectTimeout)
	}

	if b.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", b.WriteTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetMaxDuration returns the session duration cap as a time.Duration
func (s *SessionConfig) GetMaxDuration() time.Duration {
	return time.Duration(s.MaxDuration) * time.Second
}

// GetTokenTTL returns the JWT lifetime as a time.Duration
func (a *AuthConfig) GetTokenTTL() time.Duration {
	return time.Duration(a.TokenTTL) * time.Second
}

// GetConnectTimeout returns the backend dial timeout as a time.Duration
func (b *BackendConfig) GetConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Second
}

// GetWriteTimeout returns the backend write deadline as a time.Duration
func (b *BackendConfig) GetWriteTimeout() time.Duration {
	return time.Duration(b.WriteTimeout) * time.Second
}
