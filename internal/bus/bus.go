// Package bus fans context window events out to in-process subscribers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus. Seq increases by one per
// Publish across the whole bus.
type Event struct {
	Topic     string
	SessionID string
	Seq       uint64
	Payload   any
}

// SessionScoped is implemented by payloads that belong to one session.
type SessionScoped interface {
	Session() string
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithBuffer sets the channel buffer. Values below one keep the default.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// ForSession limits delivery to events of one session.
func ForSession(id string) SubscribeOption {
	return func(s *Subscription) { s.session = id }
}

// Subscription receives the events matching its topic prefix.
type Subscription struct {
	id      int
	prefix  string
	session string
	buffer  int
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many matching events were lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(ev Event) bool {
	if s.prefix != "" && !strings.HasPrefix(ev.Topic, s.prefix) {
		return false
	}
	return s.session == "" || s.session == ev.SessionID
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	seq    atomic.Uint64
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events whose topic starts with
// topicPrefix. An empty prefix matches all topics. Slow consumers miss
// events once the buffer is full; see Dropped.
func (b *Bus) Subscribe(topicPrefix string, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{prefix: topicPrefix, buffer: defaultBufferSize}
	for _, opt := range opts {
		opt(sub)
	}
	sub.ch = make(chan Event, sub.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber without blocking
// and returns how many received it.
func (b *Bus) Publish(topic string, payload any) int {
	ev := Event{Topic: topic, Payload: payload, Seq: b.seq.Add(1)}
	if scoped, ok := payload.(SessionScoped); ok {
		ev.SessionID = scoped.Session()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
