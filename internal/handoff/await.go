package handoff

import (
	"context"
	"errors"
	"time"
)

// Poller is the consumer side of a handoff. *Broker and HTTP clients implement it.
type Poller interface {
	Poll(ctx context.Context, token string) (PollResult, error)
}

// ErrGaveUp is returned by Await when the ceiling passes while the session is still waiting.
var ErrGaveUp = errors.New("handoff: gave up waiting")

// Await polls token every interval until it is ready or expired, ctx is
// done, or ceiling elapses. A ready result carries the payload. An expired
// result is returned with a nil error so the caller can request a new token.
func Await(ctx context.Context, p Poller, token string, interval, ceiling time.Duration) (PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := p.Poll(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return PollResult{}, ErrGaveUp
			}
			return PollResult{}, err
		}
		if res.Status != StatusWaiting {
			return res, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return PollResult{}, ErrGaveUp
			}
			return PollResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
