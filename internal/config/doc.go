// Package config provides configuration loading and validation for the chat hub and client.
// It handles YAML-based configuration layered over built-in defaults and validates
// every section before the binaries start their workers.
package config
