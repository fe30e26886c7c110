// Package config loads the daemon's YAML configuration with sane defaults.
package config
