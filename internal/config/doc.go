// Package config loads the guardian configuration from a YAML file and lets
// secrets and endpoints be overridden from GUARDIAN_* environment variables.
package config
