package bulkmail

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/lattiq/bulkmail/internal/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Type aliases to re-export core types for the public API.
// This allows users to access types like bulkmail.Template instead of core.Template,
// maintaining a clean public interface while keeping implementation details internal.
type (
	Record             = core.Record
	Address            = core.Address
	Attachment         = core.Attachment
	Message            = core.Message
	Template           = core.Template
	AttachmentTemplate = core.AttachmentTemplate
	Priority           = core.Priority
	TransportKind      = core.TransportKind
	SecurityMode       = core.SecurityMode
	Credential         = core.Credential
	EndpointConfig     = core.EndpointConfig
)

// Priority constants
const (
	PriorityNormal = core.PriorityNormal
	PriorityLow    = core.PriorityLow
	PriorityHigh   = core.PriorityHigh
	PriorityUrgent = core.PriorityUrgent
)

// Transport kinds
const (
	TransportSMTP     = core.TransportSMTP
	TransportSES      = core.TransportSES
	TransportSendGrid = core.TransportSendGrid
	TransportMailgun  = core.TransportMailgun
)

// Security modes
const (
	SecurityNone     = core.SecurityNone
	SecurityStartTLS = core.SecurityStartTLS
	SecurityTLS      = core.SecurityTLS
)

// ParseAddressList parses a comma separated address list.
var ParseAddressList = core.ParseAddressList

// Client dispatches templated messages through an ordered list of endpoints.
// All methods are safe for concurrent use.
type Client struct {
	config     Config
	registry   *Registry
	events     *EventBus
	dispatcher *dispatcher
	tracer     trace.Tracer
	logger     *zap.Logger
	ownsLogger bool

	mu     sync.RWMutex
	closed bool
	runs   sync.WaitGroup
}

// New creates a new client with the given configuration.
// The client must be closed when no longer needed to wait for background batches.
func New(config Config, opts ...Option) (*Client, error) {
	// Apply functional options
	for _, opt := range opts {
		opt(&config)
	}
	config.applyDefaults()

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	deps := config.deps

	client := &Client{config: config}

	logger := deps.logger
	if logger == nil {
		var err error
		logger, err = NewLogger(config.Monitoring.Logging)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		client.ownsLogger = true
	}
	client.logger = logger

	var m *metrics
	if config.Monitoring.Metrics.Enabled {
		m = newMetrics(config.Monitoring.Metrics.Namespace, deps.registerer)
	}

	client.tracer = noop.NewTracerProvider().Tracer("")
	if config.Monitoring.Tracing.Enabled {
		tp := deps.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		client.tracer = tp.Tracer(config.Monitoring.Tracing.ServiceName)
	}

	// Initialize endpoint registry
	regOpts := []RegistryOption{RegistryLogger(logger), registryMetrics(m)}
	if deps.clock != nil {
		regOpts = append(regOpts, RegistryClock(deps.clock))
	}
	registry, err := NewRegistry(config.Endpoints, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	client.registry = registry
	client.events = NewEventBus(logger)

	compiler := deps.compiler
	if compiler == nil {
		compiler = NewTemplateCompiler(config.Compiler)
	}
	factory := deps.factory
	if factory == nil {
		factory = DefaultTransportFactory
	}
	now := deps.clock
	if now == nil {
		now = time.Now
	}

	client.dispatcher = &dispatcher{
		registry: registry,
		compiler: compiler,
		factory:  factory,
		events:   client.events,
		metrics:  m,
		tracer:   client.tracer,
		log:      logger.Sugar(),
		now:      now,
		reuse:    config.Dispatch.ReuseConnections,
	}

	logger.Sugar().Infow("client initialized",
		"endpoints", registry.Names(),
		"max_concurrent_senders", config.Dispatch.MaxConcurrentSenders,
		"reuse_connections", config.Dispatch.ReuseConnections,
	)
	return client, nil
}

// Send compiles and delivers one record on the calling goroutine. The returned error is
// nil on delivery and otherwise the *AggregateError of the job.
func (c *Client) Send(ctx context.Context, tmpl *Template, rec Record) error {
	ctx, span := c.tracer.Start(ctx, "bulkmail.Client.Send")
	defer span.End()

	report, err := c.dispatch(ctx, ModeSequential, sequentialExecutor{}, tmpl, Records(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := singleJobErr(report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	span.SetStatus(codes.Ok, "message delivered")
	return nil
}

// SendBatch runs every record of records in order on the calling goroutine. Job
// failures never abort the batch; they are recorded in the report. The error is only
// set when the batch could not start.
func (c *Client) SendBatch(ctx context.Context, tmpl *Template, records iter.Seq[Record]) (*BatchReport, error) {
	ctx, span := c.tracer.Start(ctx, "bulkmail.Client.SendBatch")
	defer span.End()

	report, err := c.dispatch(ctx, ModeSequential, sequentialExecutor{}, tmpl, records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("bulkmail.batch.total", report.Total),
		attribute.Int("bulkmail.batch.delivered", report.Delivered),
	)
	return report, nil
}

// SendAsync delivers one record on a background worker.
func (c *Client) SendAsync(ctx context.Context, tmpl *Template, rec Record) *BatchRun {
	run := c.start(ctx, 1, tmpl, Records(rec))
	run.single = true
	return run
}

// SendBatchAsync runs records on a pool of MaxConcurrentSenders workers. The returned
// run completes after every dequeued job has finished and batch-complete was emitted.
// Job events match a SendBatch of the same records. Connection events match only
// when connection reuse is disabled, since each worker holds its own connection.
func (c *Client) SendBatchAsync(ctx context.Context, tmpl *Template, records iter.Seq[Record]) *BatchRun {
	return c.start(ctx, c.config.Dispatch.MaxConcurrentSenders, tmpl, records)
}

// SendRecordsAsync is SendBatchAsync for a slice. The pool never exceeds len(records).
func (c *Client) SendRecordsAsync(ctx context.Context, tmpl *Template, records []Record) *BatchRun {
	size := min(c.config.Dispatch.MaxConcurrentSenders, max(len(records), 1))
	return c.start(ctx, size, tmpl, slices.Values(records))
}

func (c *Client) start(ctx context.Context, size int, tmpl *Template, records iter.Seq[Record]) *BatchRun {
	ctx, cancel := context.WithCancel(ctx)
	run := &BatchRun{done: make(chan struct{}), cancel: cancel}

	// Register the run before releasing the lock so Close waits for it
	c.mu.RLock()
	closed := c.closed
	if !closed {
		c.runs.Add(1)
	}
	c.mu.RUnlock()
	if closed {
		run.err = ErrClientClosed
		cancel()
		close(run.done)
		return run
	}

	go func() {
		defer c.runs.Done()
		defer close(run.done)
		defer cancel()

		ctx, span := c.tracer.Start(ctx, "bulkmail.Client.SendBatchAsync",
			trace.WithAttributes(attribute.Int("bulkmail.workers", size)))
		defer span.End()

		run.report, run.err = c.dispatchOpen(ctx, ModeConcurrent, poolExecutor{size: size}, tmpl, records)
		if run.err != nil {
			span.RecordError(run.err)
			span.SetStatus(codes.Error, run.err.Error())
		}
	}()
	return run
}

// dispatch checks the client state and runs a batch.
func (c *Client) dispatch(ctx context.Context, mode Mode, exec executor, tmpl *Template, records iter.Seq[Record]) (*BatchReport, error) {
	// Check if client is closed
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClientClosed
	}
	c.runs.Add(1)
	c.mu.RUnlock()
	defer c.runs.Done()

	return c.dispatchOpen(ctx, mode, exec, tmpl, records)
}

func (c *Client) dispatchOpen(ctx context.Context, mode Mode, exec executor, tmpl *Template, records iter.Seq[Record]) (*BatchReport, error) {
	if tmpl == nil {
		return nil, errors.New("template is required")
	}
	if records == nil {
		return nil, errors.New("record sequence is required")
	}
	b := newBatch(ctx, mode, tmpl, records)
	return c.dispatcher.run(ctx, exec, b), nil
}

// Events returns the event bus of the client.
func (c *Client) Events() *EventBus {
	return c.events
}

// Registry returns the endpoint registry of the client.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Close rejects new batches and waits for running ones to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.runs.Wait()

	if c.ownsLogger {
		// Sync fails on stdout and stderr on some platforms
		_ = c.logger.Sync()
	}
	return nil
}

// Records adapts a fixed list of records to a sequence.
func Records(recs ...Record) iter.Seq[Record] {
	return slices.Values(recs)
}

// BatchRun is a handle to a batch running in the background.
type BatchRun struct {
	done   chan struct{}
	cancel context.CancelFunc
	single bool

	report *BatchReport
	err    error
}

// Done is closed when the batch has completed.
func (r *BatchRun) Done() <-chan struct{} {
	return r.done
}

// Cancel stops the batch from taking further records. Jobs already started finish and
// are reported.
func (r *BatchRun) Cancel() {
	r.cancel()
}

// Wait blocks until the batch completes. For runs started by SendAsync the error is
// the job error, as with Send.
func (r *BatchRun) Wait() (*BatchReport, error) {
	<-r.done
	if r.err != nil || !r.single {
		return r.report, r.err
	}
	return r.report, singleJobErr(r.report)
}

func singleJobErr(report *BatchReport) error {
	if report == nil || len(report.Jobs) == 0 {
		if report != nil && report.Cancelled {
			return context.Canceled
		}
		return nil
	}
	if err := report.Jobs[0].Err; err != nil {
		return err
	}
	return nil
}
