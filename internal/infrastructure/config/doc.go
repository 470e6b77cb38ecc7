// Package config loads attachproc configuration from environment variables
// with envconfig. Every field has a default, so LoadOrDefault never fails;
// command-line flags override individual values afterwards.
package config
