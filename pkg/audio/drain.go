package audio

// Drain consumes ch until its producer closes it. Callers that abandon a
// stream part way, e.g. on barge-in, drain it so the producer can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
