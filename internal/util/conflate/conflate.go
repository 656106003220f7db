// Package conflate delivers only the latest value to slow consumers.
package conflate

// Offer puts v into ch without blocking. If ch is full the pending value is
// dropped first, so a reader always sees the newest value.
// ch must have a buffer and Offer must not race with another sender on ch.
func Offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
