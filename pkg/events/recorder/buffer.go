package recorder

import (
	"sync"
)

// buffer is a bounded FIFO of pending events of one kind. mu guards items;
// flushMu serialises flushes so at most one batch per kind is in flight.
type buffer[T any] struct {
	mu    sync.Mutex
	items []T
	max   int

	// full receives a signal on every push that leaves items at or above
	// the flush threshold. Its capacity of one coalesces signals.
	threshold int
	full      chan struct{}

	flushMu sync.Mutex
}

func newBuffer[T any](max, threshold int) *buffer[T] {
	return &buffer[T]{
		max:       max,
		threshold: threshold,
		full:      make(chan struct{}, 1),
	}
}

// push appends item, dropping the oldest entries beyond max. It returns the
// number of events dropped and the new depth.
func (b *buffer[T]) push(item T) (dropped, depth int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.max {
		dropped = len(b.items) - b.max + 1
		b.items = append(b.items[:0:0], b.items[dropped:]...)
	}
	b.items = append(b.items, item)

	// At or above: a requeued batch can leave the buffer past the
	// threshold, and later pushes must still trigger a flush.
	if len(b.items) >= b.threshold {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
	return dropped, len(b.items)
}

// take removes and returns every buffered item.
func (b *buffer[T]) take() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.items
	b.items = nil
	return items
}

// requeue puts a failed batch back in front of anything buffered since it
// was taken, then trims the oldest entries beyond max. It returns the number
// of events dropped and the new depth.
func (b *buffer[T]) requeue(batch []T) (dropped, depth int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := make([]T, 0, len(batch)+len(b.items))
	items = append(items, batch...)
	items = append(items, b.items...)
	if len(items) > b.max {
		dropped = len(items) - b.max
		items = items[dropped:]
	}
	b.items = items
	return dropped, len(b.items)
}

func (b *buffer[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
