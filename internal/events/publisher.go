package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mendlabs/pagemend/internal/log"
)

// Publisher fans events out to zero or more subscribers. Each subscriber gets
// its own buffered channel; when a subscriber's buffer is full the event is
// dropped for that subscriber rather than blocking the orchestrator.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
	closed      bool
	logger      *log.Logger

	// dropped counts events discarded because a subscriber buffer was full
	dropped int
}

// NewPublisher creates an event publisher. bufferSize bounds each
// subscriber's channel; values <= 0 use a default of 64.
func NewPublisher(bufferSize int, logger *log.Logger) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
		logger:      logger.WithComponent("events"),
	}
}

// Subscribe returns a channel of events and a function that detaches it.
// The channel is closed on unsubscribe or when the publisher closes.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, p.bufferSize)
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextID
	p.nextID++
	p.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subscribers[id]; ok {
				delete(p.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to all current subscribers without blocking.
// Missing ID/timestamp fields are filled in.
func (p *Publisher) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop rather than stall the loop
			p.dropped++
		}
	}
}

// Dropped returns how many events were discarded due to full subscriber buffers.
func (p *Publisher) Dropped() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

// Close closes all subscriber channels. Publishing after Close is a no-op.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subscribers {
		delete(p.subscribers, id)
		close(ch)
	}
}
