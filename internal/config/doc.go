// Package config loads application configuration from environment
// variables with optional .env file support.
package config
