package bulkmail

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// pacer enforces DelayBetweenMessages for one transport client. Each connection gets
// its own pacer, so two workers connected to the same endpoint pace independently.
// A nil pacer never waits.
type pacer struct {
	limiter *rate.Limiter
}

func newPacer(delay time.Duration) *pacer {
	if delay <= 0 {
		return nil
	}
	// burst 1: the first send goes immediately, every later one waits a full interval
	return &pacer{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks the calling worker until the next send slot.
func (p *pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
