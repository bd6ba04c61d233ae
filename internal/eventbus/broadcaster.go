package eventbus

import (
	"context"
	"sync"

	"github.com/matthewbaird/leasesync/internal/event"
)

// Broadcaster fans bus events out to dynamically attached listeners such
// as websocket streams. A slow listener loses events rather than stalling
// the bus.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[int]chan event.DomainEvent
	next      int
	buf       int
}

// NewBroadcaster creates a Broadcaster whose listener channels hold buf events.
func NewBroadcaster(buf int) *Broadcaster {
	if buf < 1 {
		buf = 32
	}
	return &Broadcaster{listeners: make(map[int]chan event.DomainEvent), buf: buf}
}

// Listen attaches a listener. The returned cancel func detaches it and
// closes the channel.
func (b *Broadcaster) Listen() (<-chan event.DomainEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan event.DomainEvent, b.buf)
	b.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			close(ch)
		})
	}
}

// Listeners reports how many listeners are attached.
func (b *Broadcaster) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *Broadcaster) HandleEvent(_ context.Context, evt event.DomainEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}
