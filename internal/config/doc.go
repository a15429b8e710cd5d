// Package config loads, validates, and persists the daemon's TOML
// configuration.
package config
