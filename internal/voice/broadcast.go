package voice

import "sync"

const defaultSubscriberBuffer = 32

// Broadcaster fans values out to subscribers without blocking the publisher.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan T
	nextID      uint64
	closed      bool
	buffer      int
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return NewBufferedBroadcaster[T](defaultSubscriberBuffer)
}

// NewBufferedBroadcaster gives every subscriber a channel of the given size.
func NewBufferedBroadcaster[T any](size int) *Broadcaster[T] {
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	return &Broadcaster[T]{subscribers: make(map[uint64]chan T), buffer: size}
}

// Subscribe returns a buffered channel and its unsubscribe function.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
	}
}

// Publish drops the value for subscribers whose buffer is full.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}

func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
