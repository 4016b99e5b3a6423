package bulkmail

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, configs ...EndpointConfig) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r, err := NewRegistry(configs, RegistryClock(clock.Now))
	require.NoError(t, err)
	return r, clock
}

func TestRegistrySelectsByPriority(t *testing.T) {
	r, _ := newTestRegistry(t,
		EndpointConfig{Name: "a", MaxFailures: 1},
		EndpointConfig{Name: "b", MaxFailures: 1},
	)

	ep, err := r.SelectEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "a", ep.Name)

	ep, err = r.Select(func(name string) bool { return name == "a" })
	require.NoError(t, err)
	assert.Equal(t, "b", ep.Name)

	_, err = r.Select(func(string) bool { return true })
	assert.ErrorIs(t, err, ErrNoEndpointAvailable)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRegistrySuspendsAfterMaxFailures(t *testing.T) {
	r, clock := newTestRegistry(t,
		EndpointConfig{Name: "a", MaxFailures: 2, RetryDelay: time.Minute},
		EndpointConfig{Name: "b", MaxFailures: 1},
	)

	require.NoError(t, r.ReportOutcome("a", false))
	ep, _ := r.SelectEndpoint()
	assert.Equal(t, "a", ep.Name, "one failure below the threshold keeps the endpoint usable")

	require.NoError(t, r.ReportOutcome("a", false))
	ep, _ = r.SelectEndpoint()
	assert.Equal(t, "b", ep.Name)

	st, ok := r.State("a")
	require.True(t, ok)
	assert.False(t, st.Usable)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, clock.Now().Add(time.Minute), st.SuspendedUntil)

	clock.Advance(time.Minute)
	ep, _ = r.SelectEndpoint()
	assert.Equal(t, "a", ep.Name)

	st, _ = r.State("a")
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, st.SuspendedUntil.IsZero())
}

func TestRegistryFailureAfterElapsedSuspensionCountsFresh(t *testing.T) {
	r, clock := newTestRegistry(t, EndpointConfig{Name: "a", MaxFailures: 2, RetryDelay: time.Second})

	require.NoError(t, r.ReportOutcome("a", false))
	require.NoError(t, r.ReportOutcome("a", false))
	clock.Advance(2 * time.Second)

	require.NoError(t, r.ReportOutcome("a", false))
	st, _ := r.State("a")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.True(t, st.Usable)
}

func TestRegistrySuccessResets(t *testing.T) {
	r, _ := newTestRegistry(t, EndpointConfig{Name: "a", MaxFailures: 3})

	require.NoError(t, r.ReportOutcome("a", false))
	require.NoError(t, r.ReportOutcome("a", false))
	require.NoError(t, r.ReportOutcome("a", true))

	st, _ := r.State("a")
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestRegistryZeroRetryDelayRecoversImmediately(t *testing.T) {
	r, _ := newTestRegistry(t, EndpointConfig{Name: "a", MaxFailures: 1})

	require.NoError(t, r.ReportOutcome("a", false))
	ep, err := r.SelectEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "a", ep.Name)
}

func TestRegistryUnknownEndpoint(t *testing.T) {
	r, _ := newTestRegistry(t, EndpointConfig{Name: "a", MaxFailures: 1})

	assert.ErrorIs(t, r.ReportOutcome("missing", false), ErrUnknownEndpoint)
	_, ok := r.State("missing")
	assert.False(t, ok)
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		configs []EndpointConfig
		field   string
	}{
		{"missing name", []EndpointConfig{{MaxFailures: 1}}, "endpoints[0].name"},
		{"duplicate", []EndpointConfig{{Name: "a", MaxFailures: 1}, {Name: "a", MaxFailures: 1}}, "endpoints[1].name"},
		{"zero max failures", []EndpointConfig{{Name: "a"}}, "endpoints[0].max_failures"},
		{"negative retry delay", []EndpointConfig{{Name: "a", MaxFailures: 1, RetryDelay: -time.Second}}, "endpoints[0].retry_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.configs)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err := NewRegistry(nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestRegistryReconfigure(t *testing.T) {
	r, _ := newTestRegistry(t, EndpointConfig{Name: "a", MaxFailures: 1, RetryDelay: time.Hour})
	require.NoError(t, r.ReportOutcome("a", false))

	require.NoError(t, r.Reconfigure([]EndpointConfig{
		{Name: "b", MaxFailures: 1},
		{Name: "a", MaxFailures: 1},
	}))
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Name)
	assert.True(t, snap[1].Usable)
}

func TestRegistryConcurrentReports(t *testing.T) {
	r, _ := newTestRegistry(t, EndpointConfig{Name: "a", MaxFailures: 1000, RetryDelay: time.Hour})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = r.ReportOutcome("a", false)
			}
		}()
	}
	wg.Wait()

	st, _ := r.State("a")
	assert.Equal(t, 500, st.ConsecutiveFailures)
	assert.True(t, st.Usable)
}
