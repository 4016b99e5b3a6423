package bulkmail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacerDisabled(t *testing.T) {
	assert.Nil(t, newPacer(0))
	assert.Nil(t, newPacer(-time.Second))

	var p *pacer
	assert.NoError(t, p.Wait(context.Background()))
}

func TestPacerSpacesSends(t *testing.T) {
	p := newPacer(25 * time.Millisecond)
	require.NotNil(t, p)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	assert.Less(t, time.Since(start), 20*time.Millisecond, "first send is not delayed")

	require.NoError(t, p.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPacerHonoursContext(t *testing.T) {
	p := newPacer(time.Hour)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx))
}
