// Package config provides configuration loading and validation for the voice origin service.
// It reads a YAML file over built-in defaults, applies overrides from the environment
// (optionally populated from a .env file) and validates every section.
package config
