package notify

import (
	"context"
	"sync"
)

// subscriberBuffer bounds how far a slow consumer may lag before events are
// dropped for it. Push is not a delivery guarantee.
const subscriberBuffer = 16

// Broadcaster is the engine-facing publish side.
type Broadcaster interface {
	Publish(ctx context.Context, event Event) error
}

// Subscription is one consumer's handle on a topic.
type Subscription struct {
	topic    string
	ch       chan Event
	registry *Registry
	once     sync.Once
}

// C is the stream of events for this subscription.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.registry.remove(s)
	})
}

// Registry is the per-process subscriber table, keyed by topic. Topic entries
// are created on the first subscriber and pruned when the last one leaves.
// Broadcasts never block: a subscriber whose buffer is full misses the event
// and catches up through the poll path.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe attaches a new consumer to a topic.
func (r *Registry) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic:    topic,
		ch:       make(chan Event, subscriberBuffer),
		registry: r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		r.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every current subscriber of its topic.
// Implements Broadcaster; the context is unused because local delivery
// cannot block.
func (r *Registry) Publish(ctx context.Context, event Event) error {
	r.Broadcast(event)
	return nil
}

// Broadcast fans the event out and returns how many subscribers received it.
func (r *Registry) Broadcast(event Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for sub := range r.topics[event.Topic()] {
		select {
		case sub.ch <- event:
			delivered++
		default:
			// Slow consumer; skip rather than stall unrelated broadcasts.
		}
	}
	return delivered
}

// Subscribers reports the current subscriber count for a topic.
func (r *Registry) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[sub.topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(r.topics, sub.topic)
	}
	close(sub.ch)
}
