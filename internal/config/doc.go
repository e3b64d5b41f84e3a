// Package config provides configuration loading and validation for the ASR relay gateway.
// It handles YAML-based configuration with struct validation covering the HTTP server,
// authentication, session policy, rate limiting and backend connection parameters.
package config
