package llm

import (
	"context"
	"fmt"
)

// streamBuffer is the capacity of channels returned by [Pump].
const streamBuffer = 32

// Pump runs produce on a new goroutine and returns the channel it feeds.
// produce hands each chunk to emit and stops early when emit returns false,
// which happens once ctx is done. Chunks without text or finish reason are
// dropped. An error returned by produce while ctx is live becomes a final
// [FinishError] chunk prefixed with backend.
func Pump(ctx context.Context, backend string, produce func(emit func(Chunk) bool) error) <-chan Chunk {
	ch := make(chan Chunk, streamBuffer)
	go func() {
		defer close(ch)
		err := produce(func(c Chunk) bool {
			if c.Text == "" && c.FinishReason == "" {
				return true
			}
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case ch <- Chunk{FinishReason: FinishError, Err: fmt.Errorf("%s: stream: %w", backend, err)}:
		case <-ctx.Done():
		}
	}()
	return ch
}
