// Package config provides configuration loading and validation for the call stream service.
// It handles YAML-based configuration with per-section validation and lets secrets
// and addresses be overridden from the environment or a .env file.
package config
