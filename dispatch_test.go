package bulkmail

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func twoEndpoints() []Option {
	return []Option{
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithSMTPEndpoint("backup", "backup.test", 25),
		WithFailurePolicy("primary", 1, time.Hour),
	}
}

func TestSendBatchFailsOverToBackup(t *testing.T) {
	n := newFakeNetwork()
	n.connectErr["primary"] = errRefused
	client, log := newTestClient(t, n, twoEndpoints()...)

	report, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(5)...))
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.Delivered)
	assert.Equal(t, []string{"backup"}, report.EndpointsUsed)
	for _, job := range report.Jobs {
		assert.Equal(t, OutcomeDelivered, job.Outcome)
		assert.Equal(t, "backup", job.Endpoint)
	}

	// primary is suspended after the first failure and never tried again
	assert.Equal(t, []string{"primary", "backup"}, report.Jobs[0].Tried)
	assert.Equal(t, []string{"backup"}, report.Jobs[1].Tried)
	assert.Equal(t, 1, n.connects["primary"])

	st, ok := client.Registry().State("primary")
	require.True(t, ok)
	assert.False(t, st.Usable)

	failures := log.ofKind(EventSendFailure)
	require.Len(t, failures, 1)
	assert.False(t, failures[0].Terminal)
	assert.Equal(t, "primary", failures[0].Endpoint)
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	n := newFakeNetwork()
	n.transmitErr["primary"] = func(int) error {
		return NewFatalError("primary", PhaseRcpt, 550, errors.New("mailbox unavailable"))
	}
	client, log := newTestClient(t, n, twoEndpoints()...)

	err := client.Send(context.Background(), testTemplate(), testRecords(1)[0])
	require.Error(t, err)

	agg, ok := AsAggregate(err)
	require.True(t, ok)
	assert.Equal(t, 1, agg.KindCount(KindFatal))

	var fatal *FatalTransportError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 550, fatal.Code)

	assert.Zero(t, n.connects["backup"])
	st, _ := client.Registry().State("primary")
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, st.Usable)

	failures := log.ofKind(EventSendFailure)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Terminal)
}

func TestAuthenticationRequiredFailsOverToBackup(t *testing.T) {
	n := newFakeNetwork()
	n.transmitErr["primary"] = func(int) error {
		return &textproto.Error{Code: 530, Msg: "5.7.0 Authentication required"}
	}
	client, _ := newTestClient(t, n, twoEndpoints()...)

	report, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(3)...))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Delivered)
	assert.Zero(t, report.SendFailed)
	assert.Equal(t, []string{"backup"}, report.EndpointsUsed)
	assert.Equal(t, []string{"primary", "backup"}, report.Jobs[0].Tried)
	assert.Equal(t, 1, n.connects["backup"])
}

func TestTransientFailuresOnEveryEndpointExhaust(t *testing.T) {
	n := newFakeNetwork()
	n.transmitErr["primary"] = transientAlways
	n.transmitErr["backup"] = transientAlways
	client, log := newTestClient(t, n, twoEndpoints()...)

	report, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(1)...))
	require.NoError(t, err)
	require.Equal(t, 1, report.SendFailed)

	job := report.Jobs[0]
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, []string{"primary", "backup"}, job.Tried)

	var exh *ExhaustionError
	require.ErrorAs(t, job.Err, &exh)
	assert.Equal(t, 2, exh.Attempts)
	assert.Len(t, exh.Causes, 2)

	failures := log.ofKind(EventSendFailure)
	require.Len(t, failures, 2)
	assert.False(t, failures[0].Terminal)
	assert.True(t, failures[1].Terminal)

	var batchErr *BatchError
	require.ErrorAs(t, report.Err(), &batchErr)
	assert.Equal(t, 1, batchErr.Failed)
}

func TestTransientFailureThenSuccessDeliversOnce(t *testing.T) {
	n := newFakeNetwork()
	n.transmitErr["primary"] = func(call int) error {
		if call == 1 {
			return errRefused
		}
		return nil
	}
	client, _ := newTestClient(t, n,
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithSMTPEndpoint("backup", "backup.test", 25),
		WithFailurePolicy("primary", 3, time.Hour),
	)

	report, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(2)...))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)

	// the first job moves to backup, the second goes back to primary
	assert.Equal(t, "backup", report.Jobs[0].Endpoint)
	assert.Equal(t, "primary", report.Jobs[1].Endpoint)
	assert.Equal(t, []string{"user0@example.com", "user1@example.com"}, n.delivered)

	st, _ := client.Registry().State("primary")
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestCompileFailureDoesNotAbortBatch(t *testing.T) {
	n := newFakeNetwork()
	client, log := newTestClient(t, n, WithSMTPEndpoint("primary", "primary.test", 25))

	records := testRecords(3)
	delete(records[1], "Email")

	report, err := client.SendBatch(context.Background(), testTemplate(), Records(records...))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.CompileFailed)
	assert.Equal(t, report.Total, report.Delivered+report.CompileFailed+report.SendFailed)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index)
	assert.Equal(t, 1, failed[0].Err.Count(CategoryMissingPlaceholder))

	require.Len(t, log.ofKind(EventCompileFailure), 1)
	assert.Zero(t, failed[0].Attempts)
}

func TestNoUsableEndpointFailsJob(t *testing.T) {
	n := newFakeNetwork()
	n.connectErr["primary"] = errRefused
	client, _ := newTestClient(t, n,
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithFailurePolicy("primary", 1, time.Hour),
	)

	report, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(2)...))
	require.NoError(t, err)
	assert.Equal(t, 2, report.SendFailed)
	assert.Equal(t, 1, report.Jobs[0].Attempts)
	assert.Zero(t, report.Jobs[1].Attempts)

	var exh *ExhaustionError
	require.ErrorAs(t, report.Jobs[1].Err, &exh)
	assert.Zero(t, exh.Attempts)
}

func TestSingleJobEventOrder(t *testing.T) {
	n := newFakeNetwork()
	client, log := newTestClient(t, n,
		WithSMTPAuthEndpoint("primary", "primary.test", 587, "user", "secret", SecurityStartTLS),
	)

	require.NoError(t, client.Send(context.Background(), testTemplate(), testRecords(1)[0]))

	assert.Equal(t, []EventKind{
		EventBatchBegin,
		EventConnected,
		EventAuthenticated,
		EventBeforeSend,
		EventAfterSend,
		EventDisconnected,
		EventBatchComplete,
	}, log.kinds())

	complete := log.ofKind(EventBatchComplete)
	require.Len(t, complete, 1)
	require.NotNil(t, complete[0].Report)
	assert.Equal(t, 1, complete[0].Report.Delivered)
}

func TestAuthenticatedSkippedWithoutCredential(t *testing.T) {
	n := newFakeNetwork()
	client, log := newTestClient(t, n, WithSMTPEndpoint("primary", "primary.test", 25))

	require.NoError(t, client.Send(context.Background(), testTemplate(), testRecords(1)[0]))
	assert.Empty(t, log.ofKind(EventAuthenticated))
	assert.Len(t, log.ofKind(EventConnected), 1)
}

func TestConnectionReuseAcrossJobs(t *testing.T) {
	n := newFakeNetwork()
	client, log := newTestClient(t, n, WithSMTPEndpoint("primary", "primary.test", 25))

	_, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(4)...))
	require.NoError(t, err)
	assert.Equal(t, 1, n.connects["primary"])
	assert.Len(t, log.ofKind(EventConnected), 1)
	assert.Len(t, log.ofKind(EventDisconnected), 1)

	_, open := n.stats()
	assert.Zero(t, open)
}

func TestConnectionReuseDisabled(t *testing.T) {
	n := newFakeNetwork()
	client, log := newTestClient(t, n,
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithConnectionReuse(false),
	)

	_, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(4)...))
	require.NoError(t, err)
	assert.Equal(t, 4, n.connects["primary"])
	assert.Len(t, log.ofKind(EventDisconnected), 4)
}

// runBothModes runs the same twelve record batch, one record failing to compile and
// primary refusing every connection, and returns the event multiset.
func runBothModes(t *testing.T, concurrent, reuse bool) map[string]int {
	t.Helper()
	n := newFakeNetwork()
	n.connectErr["primary"] = errRefused
	client, log := newTestClient(t, n,
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithSMTPEndpoint("backup", "backup.test", 25),
		WithFailurePolicy("primary", 100, time.Hour),
		WithConnectionReuse(reuse),
		WithMaxConcurrentSenders(4),
	)

	records := testRecords(12)
	delete(records[5], "Name")
	var err error
	if concurrent {
		_, err = client.SendRecordsAsync(context.Background(), testTemplate(), records).Wait()
	} else {
		_, err = client.SendBatch(context.Background(), testTemplate(), Records(records...))
	}
	require.NoError(t, err)
	return log.multiset()
}

func TestSequentialAndConcurrentEmitSameEvents(t *testing.T) {
	assert.Equal(t, runBothModes(t, false, false), runBothModes(t, true, false))
}

func TestConnectionReuseOnlyChangesConnectionEvents(t *testing.T) {
	withoutConnections := func(m map[string]int) map[string]int {
		out := make(map[string]int)
		for key, count := range m {
			kind, _, _ := strings.Cut(key, "/")
			switch EventKind(kind) {
			case EventConnected, EventAuthenticated, EventDisconnected:
				continue
			}
			out[key] = count
		}
		return out
	}

	seq := runBothModes(t, false, true)
	conc := runBothModes(t, true, true)
	assert.Equal(t, withoutConnections(seq), withoutConnections(conc))
	assert.Equal(t, 11, sumAfterSend(conc))
}

func sumAfterSend(m map[string]int) int {
	total := 0
	for key, count := range m {
		if strings.HasPrefix(key, string(EventAfterSend)+"/") {
			total += count
		}
	}
	return total
}

func TestEventTimesFollowClientClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	n := newFakeNetwork()
	client, log := newTestClient(t, n,
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithClock(func() time.Time { return fixed }),
	)

	report, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(2)...))
	require.NoError(t, err)
	assert.Equal(t, fixed, report.Jobs[0].Started)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.NotEmpty(t, log.events)
	for _, e := range log.events {
		assert.Equal(t, fixed, e.Time, "event %s", e.Kind)
	}
}

func TestObserverMayStartAsyncSend(t *testing.T) {
	n := newFakeNetwork()
	client, _ := newTestClient(t, n, WithSMTPEndpoint("primary", "primary.test", 25))

	runs := make(chan *BatchRun, 1)
	var once sync.Once
	client.Events().Subscribe(EventBatchComplete, func(Event) {
		once.Do(func() {
			runs <- client.SendAsync(context.Background(), testTemplate(), testRecords(1)[0])
		})
	})

	_, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(2)...))
	require.NoError(t, err)

	report, err := (<-runs).Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
}

func TestConcurrentSendersAreBounded(t *testing.T) {
	n := newFakeNetwork()
	n.delay = 2 * time.Millisecond
	client, log := newTestClient(t, n,
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithMaxConcurrentSenders(3),
	)

	report, err := client.SendBatchAsync(context.Background(), testTemplate(), Records(testRecords(30)...)).Wait()
	require.NoError(t, err)
	assert.Equal(t, ModeConcurrent, report.Mode)
	assert.Equal(t, 30, report.Delivered)

	maxOpen, open := n.stats()
	assert.LessOrEqual(t, maxOpen, 3)
	assert.Zero(t, open)

	workers := make(map[int]bool)
	for _, e := range log.ofKind(EventAfterSend) {
		workers[e.Worker] = true
	}
	assert.LessOrEqual(t, len(workers), 3)
}

func TestCancelStopsDequeuing(t *testing.T) {
	const workers = 4
	n := newFakeNetwork()
	n.block = make(chan struct{})
	n.started = make(chan struct{}, 32)
	client, _ := newTestClient(t, n,
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithMaxConcurrentSenders(workers),
	)

	run := client.SendRecordsAsync(context.Background(), testTemplate(), testRecords(20))
	for range workers {
		<-n.started
	}
	run.Cancel()
	close(n.block)

	report, err := run.Wait()
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, workers, report.Total)
	assert.Equal(t, workers, report.Delivered)
}

func TestSendAsyncReturnsJobError(t *testing.T) {
	n := newFakeNetwork()
	n.transmitErr["primary"] = transientAlways
	client, _ := newTestClient(t, n, WithSMTPEndpoint("primary", "primary.test", 25))

	report, err := client.SendAsync(context.Background(), testTemplate(), testRecords(1)[0]).Wait()
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.SendFailed)

	var exh *ExhaustionError
	assert.ErrorAs(t, err, &exh)
}

func TestClosedClientRejectsBatches(t *testing.T) {
	n := newFakeNetwork()
	client, _ := newTestClient(t, n, WithSMTPEndpoint("primary", "primary.test", 25))
	require.NoError(t, client.Close())

	err := client.Send(context.Background(), testTemplate(), testRecords(1)[0])
	assert.ErrorIs(t, err, ErrClientClosed)

	_, err = client.SendBatchAsync(context.Background(), testTemplate(), Records()).Wait()
	assert.ErrorIs(t, err, ErrClientClosed)

	assert.NoError(t, client.Close())
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	_, err := New(DefaultConfig(), WithLogger(zap.NewNop()), WithoutMetrics())
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = New(DefaultConfig(),
		WithLogger(zap.NewNop()),
		WithoutMetrics(),
		WithSMTPEndpoint("a", "a.test", 25),
		WithSMTPEndpoint("a", "b.test", 25),
	)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestDispatchMetrics(t *testing.T) {
	n := newFakeNetwork()
	n.connectErr["primary"] = errRefused
	reg := prometheus.NewRegistry()
	client, _ := newTestClient(t, n, append(twoEndpoints(), WithMetricsRegisterer(reg))...)

	records := testRecords(3)
	delete(records[2], "Email")
	_, err := client.SendBatch(context.Background(), testTemplate(), Records(records...))
	require.NoError(t, err)

	m := client.dispatcher.metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("backup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailures.WithLabelValues("primary", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compileFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.suspensions.WithLabelValues("primary")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeTransports))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("sequential")))
}

func TestDelayBetweenMessagesPacesConnection(t *testing.T) {
	n := newFakeNetwork()
	client, _ := newTestClient(t, n,
		WithSMTPEndpoint("primary", "primary.test", 25),
		WithDelayBetweenMessages("primary", 20*time.Millisecond),
	)

	start := time.Now()
	report, err := client.SendBatch(context.Background(), testTemplate(), Records(testRecords(3)...))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Delivered)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}
