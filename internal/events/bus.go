package events

import (
	"sync"
)

// Handler receives a published event and its payload.
type Handler func(e Event, payload any)

// Bus is a lightweight pub/sub broker. Publishing never blocks the engine
// tick path: handlers are invoked on a dedicated dispatch goroutine fed by a
// bounded queue, and messages are dropped when the queue is full.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
	all      []Handler

	queue chan message
	done  chan struct{}
	once  sync.Once
}

type message struct {
	event   Event
	payload any
}

// NewBus creates a bus and starts its dispatch goroutine.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		handlers: make(map[Event][]Handler),
		queue:    make(chan message, buffer),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(e Event, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[e] = append(b.handlers[e], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues the event; it drops the message rather than block.
func (b *Bus) Publish(e Event, payload any) {
	select {
	case b.queue <- message{event: e, payload: payload}:
	case <-b.done:
	default:
		// queue full; keep the tick path non-blocking
	}
}

// Close stops the dispatch goroutine. Pending messages are discarded.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.queue:
			b.mu.RLock()
			hs := append([]Handler(nil), b.handlers[msg.event]...)
			hs = append(hs, b.all...)
			b.mu.RUnlock()
			for _, h := range hs {
				h(msg.event, msg.payload)
			}
		}
	}
}
