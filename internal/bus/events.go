// Package bus provides topic-based pub/sub used to expose session state
// changes and download progress to whoever is presenting them.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/dictate/internal/logging"
)

// Well-known topics.
const (
	TopicSessionState     = "session.state"
	TopicDownloadProgress = "download.progress"
	TopicModelLoaded      = "model.loaded"
	TopicModelUnloaded    = "model.unloaded"
	TopicModelSelected    = "model.selected"
)

// Event represents a notification broadcast to subscribers.
type Event struct {
	Topic     string    // Event topic
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
	Source    string    // Origin component
}

// EventHandler processes an event (fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

// subscription delivers events to one handler, in publish order, on its own
// goroutine. The queue is unbounded so Publish never blocks.
type subscription struct {
	id      SubscriptionID
	topic   string
	handler EventHandler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newSubscription(id SubscriptionID, topic string, handler EventHandler) *subscription {
	s := &subscription{id: id, topic: topic, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscription) push(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(e)
	}
}

func (s *subscription) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			L_error("bus: event handler panic", "topic", s.topic, "subscriptionID", s.id, "panic", r)
		}
	}()
	s.handler(e)
}

// Bus is a topic pub/sub hub. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers a handler for a topic. Events on the topic are handed
// to the handler one at a time, in the order they were published.
func (b *Bus) Subscribe(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], newSubscription(id, topic, handler))

	L_trace("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID. Events already queued for it
// are still delivered. Returns true if the subscription was found.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			sub.close()
			L_trace("bus: event unsubscribed", "topic", topic, "subscriptionID", id)
			return true
		}
	}
	return false
}

// Publish broadcasts an event to all subscribers of the topic.
func (b *Bus) Publish(topic string, data any) {
	b.PublishWithSource(topic, data, "system")
}

// PublishWithSource broadcasts an event with source information.
func (b *Bus) PublishWithSource(topic string, data any, source string) {
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}

	// Pushing under the read lock keeps per-subscriber order consistent with
	// publish order when publishers race.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[topic] {
		sub.push(event)
	}
}

// Stream returns a channel receiving every event on the topic, plus a stop
// function that unsubscribes. The channel is never closed; stop reading once
// stop has been called. Slow readers do not block publishers.
func (b *Bus) Stream(topic string) (<-chan Event, func()) {
	ch := make(chan Event)
	done := make(chan struct{})
	id := b.Subscribe(topic, func(e Event) {
		select {
		case ch <- e:
		case <-done:
		}
	})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.Unsubscribe(id)
			close(done)
		})
	}
	return ch, stop
}

// CountSubscribers returns the number of subscribers for a topic
func (b *Bus) CountSubscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
