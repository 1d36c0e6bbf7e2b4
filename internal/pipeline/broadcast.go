package pipeline

import "sync"

// broadcaster fans values out to buffered subscriber channels. Slow
// subscribers miss values rather than stall the publisher.
type broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	size   int
	closed bool
}

func newBroadcaster[T any](size int) *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[int]chan T), size: size}
}

func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, b.size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	unsub := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

// publish delivers v to every subscriber with room and returns the ids of
// those that had none.
func (b *broadcaster[T]) publish(v T) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dropped []int
	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
