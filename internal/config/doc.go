// Package config loads service configuration from defaults, an optional
// feedpulse.yaml file and FEEDPULSE_ environment variables, then validates
// it. Environment variables take precedence over the file.
package config
