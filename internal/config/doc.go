// Package config loads, normalizes, and validates Tessera configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// TESSERA_STORE_DSN and TESSERA_SSH_PASSPHRASE. The Config type centralizes
// every knob the worker daemon and CLI need: queue retry policy, raster
// conversion parameters, archive credentials, and worker pool sizes.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
