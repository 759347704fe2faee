package livestream

import (
	"sync"
)

const defaultSubscriptionBuffer = 16

// Subscription receives the events of one stream until Close is called.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	id     StreamID
	broker *Broker
	once   sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.broker.remove(s) })
}

// Broker fans out committed writes to stream subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event and is expected
// to re-read the status.
type Broker struct {
	mu     sync.Mutex
	subs   map[StreamID]map[*Subscription]struct{}
	buffer int

	onDrop func(id StreamID)
}

// NewBroker returns a Broker whose subscriptions buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Broker{
		subs:   make(map[StreamID]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers for events of stream id.
func (b *Broker) Subscribe(id StreamID) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, id: id, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[id] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.id]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.id)
		}
	}
	close(sub.ch)
}

// Publish delivers ev to every subscriber of id.
func (b *Broker) Publish(id StreamID, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[id] {
		select {
		case sub.ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop(id)
			}
		}
	}
}

// SubscriberCount returns the number of open subscriptions for id.
func (b *Broker) SubscriberCount(id StreamID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}
