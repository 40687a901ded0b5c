// ABOUTME: Configuration for telemetry setup: service identity, exporter selection and validation

package telemetry

import (
	"fmt"
)

// Config holds telemetry settings.
type Config struct {
	// ServiceName identifies the service in telemetry data
	ServiceName string `json:"service_name" mapstructure:"service_name"`

	// ServiceVersion identifies the service version in telemetry data
	ServiceVersion string `json:"service_version" mapstructure:"service_version"`

	// Enabled controls whether telemetry is active
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Exporter selects where data goes: "none" records into the globally
	// installed providers, "stdout" pretty-prints spans and metrics to the
	// telemetry writer
	Exporter string `json:"exporter" mapstructure:"exporter"`
}

// Supported exporters
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// DefaultConfig returns telemetry disabled with the service identity filled in.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "stenoscope",
		ServiceVersion: "development",
		Enabled:        false,
		Exporter:       ExporterNone,
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version cannot be empty")
	}

	switch c.Exporter {
	case "", ExporterNone, ExporterStdout:
	default:
		return fmt.Errorf("unsupported exporter %q", c.Exporter)
	}

	return nil
}
