package speech

import (
	"context"
	"time"
)

// lead is how far ahead of real time frames are handed to the session.
const lead = 60 * time.Millisecond

// pacer tracks when the audio handed out so far will have finished playing.
type pacer struct {
	end time.Time
}

// add accounts for d more audio. If playback ran dry the schedule restarts
// from now.
func (p *pacer) add(d time.Duration) {
	now := time.Now()
	if p.end.Before(now) {
		p.end = now
	}
	p.end = p.end.Add(d)
}

// wait blocks until the next frame may be handed out.
func (p *pacer) wait(ctx context.Context) error {
	return sleepUntil(ctx, p.end.Add(-lead))
}

// drain blocks until everything handed out has played.
func (p *pacer) drain(ctx context.Context) error {
	return sleepUntil(ctx, p.end)
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
