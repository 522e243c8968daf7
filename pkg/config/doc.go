// Package config loads the manager configuration with viper. Values come
// from a .env file, an optional flow.yaml and FLOW_ environment variables.
package config
