package bulkmail

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the complete dispatcher configuration.
type Config struct {
	// Endpoints is the ordered failover list. The first entry has the highest priority.
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// Dispatch contains worker pool and connection handling configuration.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Compiler contains configuration for the built-in template compiler.
	Compiler CompilerConfig `yaml:"compiler"`

	// Monitoring contains observability configuration.
	Monitoring MonitoringConfig `yaml:"monitoring"`

	deps dependencies
}

// DispatchConfig controls how jobs are executed.
type DispatchConfig struct {
	// MaxConcurrentSenders is the worker pool size used by the async API.
	MaxConcurrentSenders int `yaml:"max_concurrent_senders"`

	// ReuseConnections keeps a worker's connection open across consecutive jobs that
	// select the same endpoint. When false every job ends with a disconnect.
	ReuseConnections bool `yaml:"reuse_connections"`

	// DefaultTimeout applies to endpoints without their own Timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// CompilerConfig contains template compiler configuration.
type CompilerConfig struct {
	// BaseDir confines attachment paths. Relative paths are resolved against it and
	// paths escaping it are rejected. Empty means the working directory.
	BaseDir string `yaml:"base_dir"`

	// AllowUnsafeFunctions enables unsafe template functions that bypass auto-escaping.
	// WARNING: Only enable this if you trust all template content completely.
	AllowUnsafeFunctions bool `yaml:"allow_unsafe_functions"`
}

// MonitoringConfig contains observability configuration.
type MonitoringConfig struct {
	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled indicates whether spans are recorded.
	Enabled bool `yaml:"enabled"`

	// ServiceName is the instrumentation name passed to the tracer provider.
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled indicates whether Prometheus collectors are registered.
	Enabled bool `yaml:"enabled"`

	// Namespace is the metrics namespace/prefix.
	Namespace string `yaml:"namespace"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log format (json, console).
	Format string `yaml:"format"`

	// Output is where to write logs (stdout, stderr, or file path).
	Output string `yaml:"output"`
}

// Endpoint defaults.
const (
	DefaultMaxFailures = 1
	DefaultTimeout     = 30 * time.Second
)

// DefaultConfig returns a configuration with sensible defaults and no endpoints.
func DefaultConfig() Config {
	return Config{
		Dispatch: DispatchConfig{
			MaxConcurrentSenders: 4,
			ReuseConnections:     true,
			DefaultTimeout:       DefaultTimeout,
		},
		Compiler: CompilerConfig{
			AllowUnsafeFunctions: false, // Secure by default
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     true,
				ServiceName: "github.com/lattiq/bulkmail",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "bulkmail",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
		},
	}
}

// applyDefaults fills zero endpoint fields.
func (c *Config) applyDefaults() {
	timeout := c.Dispatch.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Kind == "" {
			ep.Kind = TransportSMTP
		}
		if ep.MaxFailures == 0 {
			ep.MaxFailures = DefaultMaxFailures
		}
		if ep.Timeout == 0 {
			ep.Timeout = timeout
		}
	}
}

// Validate checks if the configuration is valid and complete.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return &ValidationError{
			Field:   "endpoints",
			Message: "at least one endpoint is required",
		}
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if err := validateEndpoint(ep); err != nil {
			err.Field = fmt.Sprintf("endpoints[%d].%s", i, err.Field)
			return err
		}
		if seen[ep.Name] {
			return &ValidationError{
				Field:   fmt.Sprintf("endpoints[%d].name", i),
				Message: "duplicate endpoint name: " + ep.Name,
			}
		}
		seen[ep.Name] = true
	}

	if c.Dispatch.MaxConcurrentSenders < 1 {
		return &ValidationError{
			Field:   "dispatch.max_concurrent_senders",
			Message: "max concurrent senders must be at least 1",
		}
	}

	switch strings.ToLower(c.Monitoring.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return &ValidationError{
			Field:   "monitoring.logging.level",
			Message: "invalid log level: " + c.Monitoring.Logging.Level,
		}
	}

	switch c.Monitoring.Logging.Format {
	case "", "json", "console", "text":
	default:
		return &ValidationError{
			Field:   "monitoring.logging.format",
			Message: "invalid log format: " + c.Monitoring.Logging.Format,
		}
	}

	return nil
}

func validateEndpoint(ep EndpointConfig) *ValidationError {
	if ep.Name == "" {
		return NewValidationError("name", "endpoint name is required")
	}
	if ep.Kind != "" && !ep.Kind.Valid() {
		return NewValidationErrorWithValue("kind", "invalid or unsupported transport kind", string(ep.Kind))
	}
	if !ep.Security.Valid() {
		return NewValidationErrorWithValue("security", "invalid security mode", string(ep.Security))
	}
	if ep.MaxFailures < 0 {
		return NewValidationError("max_failures", "max failures must not be negative")
	}
	if ep.RetryDelay < 0 {
		return NewValidationError("retry_delay", "retry delay must not be negative")
	}
	if ep.DelayBetweenMessages < 0 {
		return NewValidationError("delay_between_messages", "delay between messages must not be negative")
	}
	if ep.Timeout < 0 {
		return NewValidationError("timeout", "timeout must not be negative")
	}
	if ep.Kind == TransportSMTP || ep.Kind == "" {
		if ep.Host == "" {
			return NewValidationError("host", "SMTP host is required")
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return NewValidationErrorWithValue("port", "invalid port number", ep.Port)
		}
	}
	return nil
}
