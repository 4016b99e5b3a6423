package bulkmail

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// endpointState is the mutable failure bookkeeping of one endpoint.
type endpointState struct {
	consecutiveFailures int
	suspendedUntil      time.Time
}

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	Name                string
	Kind                TransportKind
	Priority            int
	ConsecutiveFailures int
	SuspendedUntil      time.Time
	Usable              bool
}

// Registry tracks the ordered failover list and the failure state of every endpoint.
// All methods are safe for concurrent use; each read-modify-write of endpoint state
// happens under one lock.
type Registry struct {
	mu      sync.Mutex
	configs []EndpointConfig
	states  []endpointState
	index   map[string]int

	now     func() time.Time
	log     *zap.SugaredLogger
	metrics *metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryClock replaces time.Now.
func RegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// RegistryLogger sets the logger used for suspension and recovery messages.
func RegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.log = logger.Sugar()
		}
	}
}

func registryMetrics(m *metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a registry over configs. Priority is the slice order.
func NewRegistry(configs []EndpointConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		now: time.Now,
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(configs); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(configs []EndpointConfig) error {
	if len(configs) == 0 {
		return ErrNoEndpoints
	}

	index := make(map[string]int, len(configs))
	for i, cfg := range configs {
		if cfg.Name == "" {
			return NewValidationError(fmt.Sprintf("endpoints[%d].name", i), "endpoint name is required")
		}
		if _, dup := index[cfg.Name]; dup {
			return NewValidationError(fmt.Sprintf("endpoints[%d].name", i), "duplicate endpoint name: "+cfg.Name)
		}
		if cfg.MaxFailures < 1 {
			return NewValidationError(fmt.Sprintf("endpoints[%d].max_failures", i), "max failures must be at least 1")
		}
		if cfg.RetryDelay < 0 {
			return NewValidationError(fmt.Sprintf("endpoints[%d].retry_delay", i), "retry delay must not be negative")
		}
		index[cfg.Name] = i
	}

	r.configs = append([]EndpointConfig(nil), configs...)
	r.states = make([]endpointState, len(configs))
	r.index = index
	return nil
}

// Reconfigure replaces the endpoint list and resets all failure state.
func (r *Registry) Reconfigure(configs []EndpointConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(configs)
}

// Len returns the number of configured endpoints.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

// SelectEndpoint returns the highest priority usable endpoint.
func (r *Registry) SelectEndpoint() (EndpointConfig, error) {
	return r.Select(nil)
}

// Select returns the highest priority usable endpoint for which exclude returns false.
// It returns ErrNoEndpointAvailable when there is none.
func (r *Registry) Select(exclude func(name string) bool) (EndpointConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for i := range r.configs {
		if exclude != nil && exclude(r.configs[i].Name) {
			continue
		}
		if r.usable(i, now) {
			return r.configs[i], nil
		}
	}
	return EndpointConfig{}, ErrNoEndpointAvailable
}

// usable must be called with mu held. An elapsed suspension is cleared here together
// with the failure counter, so the endpoint is retried regardless of why it failed.
func (r *Registry) usable(i int, now time.Time) bool {
	st := &r.states[i]
	if !st.suspendedUntil.IsZero() {
		if now.Before(st.suspendedUntil) {
			return false
		}
		r.log.Infow("endpoint suspension elapsed", "endpoint", r.configs[i].Name)
		st.suspendedUntil = time.Time{}
		st.consecutiveFailures = 0
	}
	return st.consecutiveFailures < r.configs[i].MaxFailures
}

// ReportOutcome records the result of one send attempt through the named endpoint.
// Success clears the failure state. A failure that reaches MaxFailures suspends the
// endpoint for RetryDelay.
func (r *Registry) ReportOutcome(name string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	st := &r.states[i]

	if success {
		st.consecutiveFailures = 0
		st.suspendedUntil = time.Time{}
		return nil
	}

	now := r.now()
	r.usable(i, now)

	st.consecutiveFailures++
	cfg := r.configs[i]
	if st.consecutiveFailures >= cfg.MaxFailures && st.suspendedUntil.IsZero() {
		st.suspendedUntil = now.Add(cfg.RetryDelay)
		r.metrics.suspended(name)
		r.log.Warnw("endpoint suspended",
			"endpoint", name,
			"consecutive_failures", st.consecutiveFailures,
			"retry_delay", cfg.RetryDelay,
			"suspended_until", st.suspendedUntil,
		)
	}
	return nil
}

// State returns the status of the named endpoint.
func (r *Registry) State(name string) (EndpointStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[name]
	if !ok {
		return EndpointStatus{}, false
	}
	return r.status(i, r.now()), true
}

// Snapshot returns the status of every endpoint in priority order.
func (r *Registry) Snapshot() []EndpointStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]EndpointStatus, len(r.configs))
	for i := range r.configs {
		out[i] = r.status(i, now)
	}
	return out
}

func (r *Registry) status(i int, now time.Time) EndpointStatus {
	st := r.states[i]
	usable := st.consecutiveFailures < r.configs[i].MaxFailures
	if !st.suspendedUntil.IsZero() {
		usable = !now.Before(st.suspendedUntil)
	}
	return EndpointStatus{
		Name:                r.configs[i].Name,
		Kind:                r.configs[i].Kind,
		Priority:            i,
		ConsecutiveFailures: st.consecutiveFailures,
		SuspendedUntil:      st.suspendedUntil,
		Usable:              usable,
	}
}

// Names returns the endpoint names in priority order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.configs))
	for i, cfg := range r.configs {
		names[i] = cfg.Name
	}
	return names
}
