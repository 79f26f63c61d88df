// Package bus provides the in-process pub/sub used to decouple the traffic
// inspector, metrics surfaces, and the dashboard from the tunnel hot path.
package bus

import (
	"sync"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/shortid"
)

// Topics published by the gateway core.
const (
	TopicTunnelCreated   = "tunnel:created"
	TopicTunnelClosed    = "tunnel:closed"
	TopicTrafficRequest  = "traffic:request"
	TopicTrafficResponse = "traffic:response"
	TopicMetricsUpdate   = "metrics:update"
)

// Event is one published message.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

// Filter decides whether a subscriber receives an event. A nil filter
// accepts everything.
type Filter func(Event) bool

// Subscription is one registered sink. C delivers events until Unsubscribe.
type Subscription struct {
	ID     string
	Topic  string
	C      <-chan Event
	ch     chan Event
	filter Filter
	bus    *Bus
}

// Unsubscribe removes the sink and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus is a topic-keyed pub/sub hub. Publication never blocks: a subscriber
// whose buffer is full misses that message.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a sink for a topic. buffer bounds how many undelivered
// events the sink may hold before the bus starts dropping for it.
func (b *Bus) Subscribe(topic string, buffer int, filter Filter) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		ID:     shortid.New(8),
		Topic:  topic,
		C:      ch,
		ch:     ch,
		filter: filter,
		bus:    b,
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	subs := b.subs[sub.Topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.Topic] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, data any) {
	ev := Event{Topic: topic, Time: time.Now(), Data: data}
	b.mu.RLock()
	subs := b.subs[topic]
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: drop for this sink, never stall the publisher.
		}
	}
	b.mu.RUnlock()
}

// SubscriberCount reports how many sinks are registered for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
