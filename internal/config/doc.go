// Package config loads, normalizes, and validates DrillQuiz client configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// DRILLQUIZ_API_BASE_URL. The Config type centralizes every knob the CLI and
// the API client need: where the backend lives, how credentials are persisted,
// and how the realtime voice client reconnects.
//
// Always obtain settings through this package so downstream code receives
// a resolved base URL, expanded storage paths, and clear validation errors.
package config
