// Package config defines the YAML configuration surface and its loader.
// Values pass through environment expansion before decoding, then every
// section applies defaults and validates itself.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/switchboard/pkg/observability"
	"github.com/kadirpekel/switchboard/pkg/ratelimit"
)

// Config is the root configuration document.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server,omitempty"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Protocol configures request validation and stream handling.
	Protocol ProtocolConfig `yaml:"protocol,omitempty"`

	// Providers lists the upstream providers pipelines are built from.
	Providers []ProviderConfig `yaml:"providers,omitempty"`

	// Router holds the model-to-pipeline routing table.
	Router RouterConfig `yaml:"router,omitempty"`

	// RateLimit throttles ingress per session.
	RateLimit ratelimit.Config `yaml:"rate_limit,omitempty"`

	// Observability configures tracing and metrics.
	Observability observability.Config `yaml:"observability,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty"`

	// ReadTimeout bounds request header and body reads.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty"`

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "simple" or "verbose".
	Format string `yaml:"format,omitempty"`

	// File receives log output when set; stderr otherwise.
	File string `yaml:"file,omitempty"`
}

// ProtocolConfig configures the protocol controller and session flow.
type ProtocolConfig struct {
	// StreamConversion enables collapsing streamed client requests into
	// non-stream upstream calls and re-expanding the reply.
	StreamConversion *bool `yaml:"stream_conversion,omitempty"`

	// Validation enables structural request validation.
	Validation *bool `yaml:"validation,omitempty"`

	// MaxRequestBytes caps the serialized request size.
	MaxRequestBytes int64 `yaml:"max_request_bytes,omitempty"`

	// ConcurrencyLimit bounds requests executing at once across all
	// conversations.
	ConcurrencyLimit int `yaml:"concurrency_limit,omitempty"`

	// RequestTimeout bounds one end-to-end request.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// MaxRetries is the default upstream retry budget.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryDelay is the pause between upstream retries.
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`
}

const (
	DefaultPort             = 8080
	DefaultMaxRequestBytes  = 10 * 1024 * 1024
	DefaultConcurrencyLimit = 10
	DefaultRequestTimeout   = 120 * time.Second
	DefaultMaxRetries       = 2
	DefaultRetryDelay       = time.Second
)

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Protocol.SetDefaults()
	for i := range c.Providers {
		c.Providers[i].SetDefaults()
	}
	c.Router.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the whole document.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}

	names := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		names[p.Name] = true
	}

	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// Provider returns the provider config with the given name.
func (c *Config) Provider(name string) (*ProviderConfig, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Minute
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
	switch c.Format {
	case "simple", "verbose":
	default:
		return fmt.Errorf("invalid log format %q (valid: simple, verbose)", c.Format)
	}
	return nil
}

func (c *ProtocolConfig) SetDefaults() {
	if c.StreamConversion == nil {
		c.StreamConversion = BoolPtr(true)
	}
	if c.Validation == nil {
		c.Validation = BoolPtr(true)
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.ConcurrencyLimit == 0 {
		c.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

func (c *ProtocolConfig) Validate() error {
	if c.MaxRequestBytes < 0 {
		return fmt.Errorf("max_request_bytes must not be negative")
	}
	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("concurrency_limit must not be negative")
	}
	return nil
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
