package retry

import (
	"context"
	"time"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
)

// Policy is the single retry/backoff wrapper applied to every external
// collaborator call (supplier quotes, settlement). Only errors marked
// domain.Transient are re-attempted; validation and state errors fail on
// the first attempt.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Default mirrors the activity retry shape used elsewhere in the stack:
// three attempts with doubling backoff.
var Default = Policy{
	MaxAttempts:     3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Do runs op, retrying transient failures with exponential backoff until
// the policy's attempts are exhausted or the context is done. The last
// error is returned unwrapped of retry bookkeeping.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}
	}
	return err
}

// backoff doubles the initial interval per attempt, capped at MaxInterval.
func (p Policy) backoff(attempt int) time.Duration {
	base := p.InitialInterval
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
