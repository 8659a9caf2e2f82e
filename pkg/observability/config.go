package observability

import "fmt"

const (
	DefaultServiceName  = "switchboard"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultSamplingRate = 1.0
	DefaultMetricsPort  = 9464
)

// Config configures the observability system.
type Config struct {
	// Tracing configures OpenTelemetry distributed tracing.
	Tracing TracerConfig `yaml:"tracing,omitempty"`

	// Metrics configures Prometheus metrics collection.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func (c *TracerConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.ExporterType == "" {
		c.ExporterType = "otlp"
	}
	if c.EndpointURL == "" {
		c.EndpointURL = DefaultOTLPEndpoint
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = DefaultSamplingRate
	}
}

func (c *TracerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.EndpointURL == "" {
		return fmt.Errorf("endpoint_url is required when tracing is enabled")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	return nil
}

func (c *MetricsConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultMetricsPort
	}
}

func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.Port)
	}
	return nil
}
