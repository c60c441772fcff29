package audio

// Drain discards values from ch until it is closed. Use it when a producer
// must be allowed to finish but its output is no longer wanted, e.g. the audio
// channel of a synthesis that was interrupted.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
