package bulkmail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRefused = errors.New("connection refused")

// fakeNetwork hands out in-memory transports and records what they do.
type fakeNetwork struct {
	mu sync.Mutex

	// connectErr and transmitErr script failures per endpoint name.
	connectErr  map[string]error
	transmitErr map[string]func(n int) error

	open      int
	maxOpen   int
	connects  map[string]int
	transmits map[string]int
	delivered []string

	// When block is non-nil Transmit signals started and waits for block to close.
	block   chan struct{}
	started chan struct{}
	delay   time.Duration
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		connectErr:  make(map[string]error),
		transmitErr: make(map[string]func(int) error),
		connects:    make(map[string]int),
		transmits:   make(map[string]int),
	}
}

func (n *fakeNetwork) factory(ep EndpointConfig) (Transport, error) {
	return &fakeTransport{net: n, endpoint: ep.Name}, nil
}

func (n *fakeNetwork) stats() (maxOpen, open int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxOpen, n.open
}

type fakeTransport struct {
	net       *fakeNetwork
	endpoint  string
	connected bool
}

func (t *fakeTransport) Connect(_ context.Context, ep EndpointConfig) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	n.connects[ep.Name]++
	if err := n.connectErr[ep.Name]; err != nil {
		return err
	}
	t.connected = true
	n.open++
	n.maxOpen = max(n.maxOpen, n.open)
	return nil
}

func (t *fakeTransport) Authenticate(context.Context, Credential) error {
	return nil
}

func (t *fakeTransport) Transmit(_ context.Context, msg *Message) error {
	n := t.net
	if n.block != nil {
		n.started <- struct{}{}
		<-n.block
	}
	if n.delay > 0 {
		time.Sleep(n.delay)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.transmits[t.endpoint]++
	if fn := n.transmitErr[t.endpoint]; fn != nil {
		if err := fn(n.transmits[t.endpoint]); err != nil {
			return err
		}
	}
	n.delivered = append(n.delivered, msg.To[0].Email)
	return nil
}

func (t *fakeTransport) Disconnect() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	t.net.mu.Lock()
	t.net.open--
	t.net.mu.Unlock()
	return nil
}

// eventLog collects events from every kind.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) ofKind(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// multiset counts events by kind, record index and endpoint.
func (l *eventLog) multiset() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int)
	for _, e := range l.events {
		out[fmt.Sprintf("%s/%d/%s", e.Kind, e.Index, e.Endpoint)]++
	}
	return out
}

func newTestClient(t *testing.T, n *fakeNetwork, opts ...Option) (*Client, *eventLog) {
	t.Helper()
	base := []Option{
		WithTransportFactory(n.factory),
		WithLogger(zap.NewNop()),
		WithMetricsRegisterer(prometheus.NewRegistry()),
		WithoutTracing(),
	}
	client, err := New(DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	log := &eventLog{}
	client.Events().SubscribeAll(log.observe)
	return client, log
}

func testTemplate() *Template {
	return &Template{
		From:     "Sender <sender@example.com>",
		To:       "{{.Name}} <{{.Email}}>",
		Subject:  "Hello {{.Name}}",
		TextBody: "Hi {{.Name}}",
	}
}

func testRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{"Name": fmt.Sprintf("user%d", i), "Email": fmt.Sprintf("user%d@example.com", i)}
	}
	return out
}

func transientAlways(int) error { return errRefused }
