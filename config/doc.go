// Package config loads harness settings from the environment, an optional
// .env file and an optional config file, and validates them as a whole.
package config
