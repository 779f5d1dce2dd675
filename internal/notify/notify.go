// Package notify carries change signals from writers to live subscribers.
//
// A signal carries no payload: subscribers re-read the full snapshot when poked. Each
// subscription buffers at most one pending signal, so bursts of writes collapse into a single
// re-read.
package notify

import (
	"context"
	"sync"

	"github.com/messenger-platform/messaging-service/internal/model"
)

// Notifier publishes and delivers change signals per topic.
type Notifier interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(topic string) (*Subscription, error)
}

// ConversationsTopic is signalled when owner's inbox changes.
func ConversationsTopic(owner model.UserKey) string {
	return "conversations." + string(owner)
}

// MessagesTopic is signalled when a conversation log grows.
func MessagesTopic(conversationID string) string {
	return "messages." + conversationID
}

// Subscription receives signals for one topic until closed.
type Subscription struct {
	C <-chan struct{}

	ch     chan struct{}
	once   sync.Once
	cancel func()
}

// NewSubscription returns a subscription whose Close runs cancel once.
func NewSubscription(cancel func()) *Subscription {
	ch := make(chan struct{}, 1)
	return &Subscription{C: ch, ch: ch, cancel: cancel}
}

// Poke queues a signal unless one is already pending.
func (s *Subscription) Poke() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Hub is an in-process Notifier.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

var _ Notifier = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscription]struct{})}
}

// Publish pokes every subscriber of topic.
func (h *Hub) Publish(ctx context.Context, topic string) error {
	h.Deliver(topic)
	return nil
}

// Deliver pokes local subscribers of topic.
func (h *Hub) Deliver(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.topics[topic] {
		sub.Poke()
	}
}

// Subscribe registers a subscriber for topic.
func (h *Hub) Subscribe(topic string) (*Subscription, error) {
	var sub *Subscription
	sub = NewSubscription(func() { h.remove(topic, sub) })

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(topic string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}
