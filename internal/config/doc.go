// Package config loads the voice mentor's YAML configuration, fills defaults,
// applies environment overrides for secrets and validates every section.
package config
