package audio

// Drain reads from ch until it is closed, discarding all values. Use it to
// release a producer goroutine whose output is no longer wanted.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
