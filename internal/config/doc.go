// Package config loads, normalizes, and validates chorus configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks for remote
// storage credentials and the API token. The Config type centralizes every
// knob the daemon and CLI need: consensus thresholds, export batching limits,
// free-tier quota limits, role policy overrides, and alert thresholds.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
