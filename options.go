package bulkmail

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option is a functional option for configuring the client.
type Option func(*Config)

// dependencies are collaborators that cannot be expressed in a config file.
// They are only set through options.
type dependencies struct {
	logger         *zap.Logger
	compiler       Compiler
	factory        TransportFactory
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	clock          func() time.Time
}

// WithEndpoint appends an endpoint to the failover list. Endpoints added later have
// lower priority.
func WithEndpoint(endpoint EndpointConfig) Option {
	return func(c *Config) {
		c.Endpoints = append(c.Endpoints, endpoint)
	}
}

// WithSMTPEndpoint appends a plain SMTP endpoint.
func WithSMTPEndpoint(name, host string, port int) Option {
	return WithEndpoint(EndpointConfig{
		Name: name,
		Kind: TransportSMTP,
		Host: host,
		Port: port,
	})
}

// WithSMTPAuthEndpoint appends an SMTP endpoint with authentication.
func WithSMTPAuthEndpoint(name, host string, port int, username, password string, security SecurityMode) Option {
	return WithEndpoint(EndpointConfig{
		Name:       name,
		Kind:       TransportSMTP,
		Host:       host,
		Port:       port,
		Security:   security,
		Credential: &Credential{Username: username, Password: password},
	})
}

// WithSESEndpoint appends an AWS SES endpoint using the default credential chain.
func WithSESEndpoint(name, region string) Option {
	return WithEndpoint(EndpointConfig{
		Name:     name,
		Kind:     TransportSES,
		Settings: map[string]string{"region": region},
	})
}

// WithSESCredentialsEndpoint appends an AWS SES endpoint with explicit credentials.
func WithSESCredentialsEndpoint(name, region, accessKey, secretKey string) Option {
	return WithEndpoint(EndpointConfig{
		Name:       name,
		Kind:       TransportSES,
		Credential: &Credential{Username: accessKey, Password: secretKey},
		Settings:   map[string]string{"region": region},
	})
}

// WithSendGridEndpoint appends a SendGrid endpoint.
func WithSendGridEndpoint(name, apiKey string) Option {
	return WithEndpoint(EndpointConfig{
		Name:       name,
		Kind:       TransportSendGrid,
		Credential: &Credential{Password: apiKey},
	})
}

// WithMailgunEndpoint appends a Mailgun endpoint.
func WithMailgunEndpoint(name, domain, apiKey string) Option {
	return WithEndpoint(EndpointConfig{
		Name:       name,
		Kind:       TransportMailgun,
		Credential: &Credential{Username: "api", Password: apiKey},
		Settings:   map[string]string{"domain": domain},
	})
}

// WithMailgunEUEndpoint appends a Mailgun endpoint for the EU region.
func WithMailgunEUEndpoint(name, domain, apiKey string) Option {
	return WithEndpoint(EndpointConfig{
		Name:       name,
		Kind:       TransportMailgun,
		Credential: &Credential{Username: "api", Password: apiKey},
		Settings: map[string]string{
			"domain":   domain,
			"base_url": "https://api.eu.mailgun.net",
		},
	})
}

// WithFailurePolicy sets the suspension policy of the named endpoint.
func WithFailurePolicy(name string, maxFailures int, retryDelay time.Duration) Option {
	return func(c *Config) {
		for i := range c.Endpoints {
			if c.Endpoints[i].Name == name {
				c.Endpoints[i].MaxFailures = maxFailures
				c.Endpoints[i].RetryDelay = retryDelay
			}
		}
	}
}

// WithDelayBetweenMessages sets the minimum spacing between sends on one connection
// to the named endpoint.
func WithDelayBetweenMessages(name string, delay time.Duration) Option {
	return func(c *Config) {
		for i := range c.Endpoints {
			if c.Endpoints[i].Name == name {
				c.Endpoints[i].DelayBetweenMessages = delay
			}
		}
	}
}

// WithMaxConcurrentSenders sets the worker pool size for the async API.
func WithMaxConcurrentSenders(n int) Option {
	return func(c *Config) {
		c.Dispatch.MaxConcurrentSenders = n
	}
}

// WithConnectionReuse enables or disables keeping connections open across jobs.
func WithConnectionReuse(enabled bool) Option {
	return func(c *Config) {
		c.Dispatch.ReuseConnections = enabled
	}
}

// WithDefaultTimeout sets the per-attempt timeout for endpoints that have none.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Dispatch.DefaultTimeout = timeout
	}
}

// WithAttachmentBaseDir confines attachment paths of the built-in compiler to dir.
func WithAttachmentBaseDir(dir string) Option {
	return func(c *Config) {
		c.Compiler.BaseDir = dir
	}
}

// WithUnsafeTemplateFunctions enables template functions that bypass HTML escaping.
func WithUnsafeTemplateFunctions(enabled bool) Option {
	return func(c *Config) {
		c.Compiler.AllowUnsafeFunctions = enabled
	}
}

// WithCompiler replaces the built-in template compiler.
func WithCompiler(compiler Compiler) Option {
	return func(c *Config) {
		c.deps.compiler = compiler
	}
}

// WithTransportFactory replaces the transport constructor used for every endpoint.
func WithTransportFactory(factory TransportFactory) Option {
	return func(c *Config) {
		c.deps.factory = factory
	}
}

// WithTracing enables tracing with the given instrumentation name.
func WithTracing(serviceName string) Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = true
		c.Monitoring.Tracing.ServiceName = serviceName
	}
}

// WithTracerProvider records spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = true
		c.deps.tracerProvider = tp
	}
}

// WithoutTracing disables distributed tracing.
func WithoutTracing() Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = false
	}
}

// WithMetrics enables metrics under the given namespace.
func WithMetrics(namespace string) Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = true
		c.Monitoring.Metrics.Namespace = namespace
	}
}

// WithMetricsRegisterer registers collectors on reg instead of the default registerer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = true
		c.deps.registerer = reg
	}
}

// WithoutMetrics disables metrics collection.
func WithoutMetrics() Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = false
	}
}

// WithLogging configures logging.
func WithLogging(level, format, output string) Option {
	return func(c *Config) {
		c.Monitoring.Logging.Level = level
		c.Monitoring.Logging.Format = format
		c.Monitoring.Logging.Output = output
	}
}

// WithLogger uses logger instead of building one from the logging configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.deps.logger = logger
	}
}

// WithClock replaces time.Now for suspension bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.deps.clock = now
	}
}
