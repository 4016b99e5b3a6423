package bulkmail

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// dispatcher runs batches. It holds no per-batch state and is shared by all runs of a client.
type dispatcher struct {
	registry *Registry
	compiler Compiler
	factory  TransportFactory
	events   *EventBus
	metrics  *metrics
	tracer   trace.Tracer
	log      *zap.SugaredLogger
	now      func() time.Time

	// reuse keeps a worker connected across jobs while the selected endpoint does not change.
	reuse bool
}

// job is one record waiting to be compiled and sent.
type job struct {
	id     string
	index  int
	record Record
}

// batch is the shared state of one run. The record sequence is pulled under mu, so
// workers never pull concurrently.
type batch struct {
	id   string
	mode Mode
	tmpl *Template
	ctx  context.Context

	mu        sync.Mutex
	next      func() (Record, bool)
	stop      func()
	nextIndex int
	done      bool
	cancelled bool
	results   []JobResult
}

func newBatch(ctx context.Context, mode Mode, tmpl *Template, records iter.Seq[Record]) *batch {
	next, stop := iter.Pull(records)
	return &batch{
		id:   uuid.NewString(),
		mode: mode,
		tmpl: tmpl,
		ctx:  ctx,
		next: next,
		stop: stop,
	}
}

// dequeue returns the next job. Once the batch context is cancelled no further record
// is taken; jobs already handed out still run to completion.
func (b *batch) dequeue() (job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return job{}, false
	}
	if b.ctx.Err() != nil {
		b.done = true
		b.cancelled = true
		return job{}, false
	}
	rec, ok := b.next()
	if !ok {
		b.done = true
		return job{}, false
	}

	j := job{id: uuid.NewString(), index: b.nextIndex, record: rec}
	b.nextIndex++
	return j, true
}

func (b *batch) record(res JobResult) {
	b.mu.Lock()
	b.results = append(b.results, res)
	b.mu.Unlock()
}

// executor decides how many workers drain a batch.
type executor interface {
	execute(d *dispatcher, b *batch)
}

// sequentialExecutor drains the batch on the calling goroutine.
type sequentialExecutor struct{}

func (sequentialExecutor) execute(d *dispatcher, b *batch) {
	w := &worker{d: d, b: b}
	w.run()
}

// poolExecutor drains the batch with a bounded number of workers. Each worker owns at
// most one transport, so size is also the bound on open connections.
type poolExecutor struct {
	size int
}

func (p poolExecutor) execute(d *dispatcher, b *batch) {
	size := max(p.size, 1)
	var wg sync.WaitGroup
	wg.Add(size)
	for i := range size {
		w := &worker{d: d, b: b, id: i}
		go func() {
			defer wg.Done()
			w.run()
		}()
	}
	wg.Wait()
}

// run executes a whole batch and returns its report.
func (d *dispatcher) run(ctx context.Context, exec executor, b *batch) *BatchReport {
	defer b.stop()

	ctx, span := d.tracer.Start(ctx, "bulkmail.dispatch.Batch",
		trace.WithAttributes(
			attribute.String("bulkmail.batch.id", b.id),
			attribute.String("bulkmail.batch.mode", string(b.mode)),
		))
	defer span.End()
	b.ctx = ctx

	started := d.now()
	d.log.Infow("batch started", "batch_id", b.id, "mode", b.mode)
	d.events.emit(Event{Kind: EventBatchBegin, BatchID: b.id, Mode: b.mode, Time: started})

	exec.execute(d, b)

	report := Aggregate(b.id, b.mode, b.results, d.registry.Names())
	report.Cancelled = b.cancelled
	report.Started = started
	report.Finished = d.now()

	span.SetAttributes(
		attribute.Int("bulkmail.batch.total", report.Total),
		attribute.Int("bulkmail.batch.delivered", report.Delivered),
		attribute.Int("bulkmail.batch.compile_failed", report.CompileFailed),
		attribute.Int("bulkmail.batch.send_failed", report.SendFailed),
		attribute.Bool("bulkmail.batch.cancelled", report.Cancelled),
	)
	if err := report.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "batch delivered")
	}

	d.metrics.batchDone(b.mode)
	d.log.Infow("batch complete",
		"batch_id", b.id,
		"mode", b.mode,
		"total", report.Total,
		"delivered", report.Delivered,
		"compile_failed", report.CompileFailed,
		"send_failed", report.SendFailed,
		"cancelled", report.Cancelled,
		"duration", report.Duration(),
	)
	d.events.emit(Event{
		Kind:     EventBatchComplete,
		BatchID:  b.id,
		Mode:     b.mode,
		Time:     report.Finished,
		Duration: report.Duration(),
		Report:   report,
	})
	return report
}

// worker processes jobs one at a time and owns at most one open transport.
type worker struct {
	d  *dispatcher
	b  *batch
	id int

	transport Transport
	endpoint  EndpointConfig
	pacer     *pacer

	// connJob is the last job that used the open transport. It tags the disconnected event.
	connJob job
}

func (w *worker) run() {
	defer w.disconnect()

	for {
		j, ok := w.b.dequeue()
		if !ok {
			return
		}
		w.b.record(w.process(j))
		if !w.d.reuse {
			w.disconnect()
		}
	}
}

// process drives one job to a terminal outcome. A transient failure moves on to the
// next usable endpoint not yet tried by this job; a fatal one ends the job at once.
func (w *worker) process(j job) JobResult {
	d := w.d
	// In-flight jobs finish even when the batch is cancelled.
	ctx := context.WithoutCancel(w.b.ctx)
	ctx, span := d.tracer.Start(ctx, "bulkmail.dispatch.Job",
		trace.WithAttributes(
			attribute.String("bulkmail.batch.id", w.b.id),
			attribute.String("bulkmail.job.id", j.id),
			attribute.Int("bulkmail.job.index", j.index),
			attribute.Int("bulkmail.worker", w.id),
		))
	defer span.End()

	res := JobResult{JobID: j.id, Index: j.index, Started: d.now()}
	finish := func(outcome Outcome, err *AggregateError) JobResult {
		res.Outcome = outcome
		res.Err = err
		res.Finished = d.now()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(outcome))
		} else {
			span.SetAttributes(attribute.String("bulkmail.endpoint", res.Endpoint))
			span.SetStatus(codes.Ok, string(outcome))
		}
		d.log.Debugw("job finished",
			"batch_id", w.b.id,
			"job_id", j.id,
			"index", j.index,
			"outcome", outcome,
			"endpoint", res.Endpoint,
			"attempts", res.Attempts,
		)
		return res
	}

	msg, err := d.compiler.Compile(w.b.tmpl, j.record)
	if err != nil {
		agg := compileAggregate(err)
		d.metrics.compileFailed()
		d.events.emit(w.event(EventCompileFailure, j, func(e *Event) { e.Err = agg }))
		return finish(OutcomeCompileFailed, agg)
	}

	tried := make(map[string]bool)
	excluded := func(name string) bool { return tried[name] }
	var causes []error

	ep, err := d.registry.Select(excluded)
	if err != nil {
		exh := &ExhaustionError{}
		d.events.emit(w.event(EventSendFailure, j, func(e *Event) {
			e.Err = exh
			e.Terminal = true
		}))
		return finish(OutcomeSendFailed, NewAggregateError(exh))
	}

	for {
		tried[ep.Name] = true
		res.Tried = append(res.Tried, ep.Name)
		res.Endpoint = ep.Name
		res.Attempts++

		derr := w.attempt(ctx, j, ep, msg, res.Attempts)
		if derr == nil {
			if err := d.registry.ReportOutcome(ep.Name, true); err != nil {
				d.log.Warnw("outcome not recorded", "endpoint", ep.Name, "error", err)
			}
			return finish(OutcomeDelivered, nil)
		}
		d.metrics.failed(ep.Name, derr.Kind())

		if derr.Kind() == KindFatal {
			d.events.emit(w.event(EventSendFailure, j, func(e *Event) {
				e.Endpoint = ep.Name
				e.Attempt = res.Attempts
				e.Err = derr
				e.Terminal = true
			}))
			// A rejected message leaves the connection usable. A rejected login does not.
			var fatal *FatalTransportError
			if errors.As(derr, &fatal) && fatal.Phase == PhaseAuthenticate {
				w.disconnect()
			}
			return finish(OutcomeSendFailed, NewAggregateError(derr))
		}

		causes = append(causes, derr)
		if err := d.registry.ReportOutcome(ep.Name, false); err != nil {
			d.log.Warnw("outcome not recorded", "endpoint", ep.Name, "error", err)
		}
		d.log.Warnw("send attempt failed",
			"batch_id", w.b.id,
			"job_id", j.id,
			"endpoint", ep.Name,
			"attempt", res.Attempts,
			"error", derr,
		)

		next, selErr := d.registry.Select(excluded)
		terminal := selErr != nil
		var eventErr error = derr
		if terminal {
			eventErr = &ExhaustionError{Attempts: res.Attempts, Causes: causes}
		}
		attempt := res.Attempts
		d.events.emit(w.event(EventSendFailure, j, func(e *Event) {
			e.Endpoint = ep.Name
			e.Attempt = attempt
			e.Err = eventErr
			e.Terminal = terminal
		}))
		w.disconnect()

		if terminal {
			return finish(OutcomeSendFailed, NewAggregateError(eventErr.(DispatchError)))
		}
		ep = next
	}
}

// attempt sends msg through ep, connecting first when the worker is not already
// connected to it. The returned error is always transient or fatal.
func (w *worker) attempt(ctx context.Context, j job, ep EndpointConfig, msg *Message, attempt int) DispatchError {
	d := w.d

	if w.transport != nil && w.endpoint.Name != ep.Name {
		w.disconnect()
	}
	if w.transport == nil {
		if derr := w.connect(ctx, j, ep, attempt); derr != nil {
			return derr
		}
	}

	w.connJob = j

	if err := w.pacer.Wait(ctx); err != nil {
		return NewTransientError(ep.Name, PhaseRateLimit, err)
	}

	d.events.emit(w.event(EventBeforeSend, j, func(e *Event) {
		e.Endpoint = ep.Name
		e.Attempt = attempt
	}))

	start := d.now()
	tctx, cancel := withTimeout(ctx, ep.Timeout)
	err := w.transport.Transmit(tctx, msg)
	cancel()
	if err != nil {
		return ClassifyTransportError(ep.Name, PhaseTransmit, err)
	}

	elapsed := d.now().Sub(start)
	d.metrics.sent(ep.Name, elapsed)
	d.events.emit(w.event(EventAfterSend, j, func(e *Event) {
		e.Endpoint = ep.Name
		e.Attempt = attempt
		e.Duration = elapsed
	}))
	return nil
}

func (w *worker) connect(ctx context.Context, j job, ep EndpointConfig, attempt int) DispatchError {
	d := w.d

	t, err := d.factory(ep)
	if err != nil {
		return NewTransientError(ep.Name, PhaseConnect, err)
	}

	cctx, cancel := withTimeout(ctx, ep.Timeout)
	err = t.Connect(cctx, ep)
	cancel()
	if err != nil {
		_ = t.Disconnect()
		return ClassifyTransportError(ep.Name, PhaseConnect, err)
	}

	w.transport = t
	w.endpoint = ep
	w.connJob = j
	w.pacer = newPacer(ep.DelayBetweenMessages)
	d.metrics.connected()
	d.log.Debugw("transport connected", "endpoint", ep.Name, "worker", w.id)
	d.events.emit(w.event(EventConnected, j, func(e *Event) {
		e.Endpoint = ep.Name
		e.Attempt = attempt
	}))

	if ep.Credential == nil {
		return nil
	}
	actx, cancel := withTimeout(ctx, ep.Timeout)
	err = t.Authenticate(actx, *ep.Credential)
	cancel()
	if err != nil {
		return ClassifyTransportError(ep.Name, PhaseAuthenticate, err)
	}
	d.events.emit(w.event(EventAuthenticated, j, func(e *Event) {
		e.Endpoint = ep.Name
		e.Attempt = attempt
	}))
	return nil
}

// disconnect closes the open transport, if any.
func (w *worker) disconnect() {
	if w.transport == nil {
		return
	}
	d := w.d
	if err := w.transport.Disconnect(); err != nil {
		d.log.Debugw("disconnect failed", "endpoint", w.endpoint.Name, "error", err)
	}
	d.metrics.disconnected()
	d.events.emit(w.event(EventDisconnected, w.connJob, func(e *Event) {
		e.Endpoint = w.endpoint.Name
	}))

	w.transport = nil
	w.endpoint = EndpointConfig{}
	w.pacer = nil
}

func (w *worker) event(kind EventKind, j job, fill func(*Event)) Event {
	e := Event{
		Kind:    kind,
		BatchID: w.b.id,
		Mode:    w.b.mode,
		JobID:   j.id,
		Index:   j.index,
		Worker:  w.id,
		Time:    w.d.now(),
	}
	if fill != nil {
		fill(&e)
	}
	return e
}

// compileAggregate normalises whatever a Compiler returned into an aggregate.
func compileAggregate(err error) *AggregateError {
	if agg, ok := AsAggregate(err); ok && agg.Len() > 0 {
		return agg
	}
	var de DispatchError
	if errors.As(err, &de) {
		return NewAggregateError(de)
	}
	return NewAggregateError(&CompileError{Category: CategoryParse, Cause: err})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
