package nats

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/notify"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

// Notifier fans change signals out across instances through core NATS subjects. Signals are
// fire-and-forget; a subscriber that misses one still converges on the next.
type Notifier struct {
	conn   *nats.Conn
	hub    *notify.Hub
	sub    *nats.Subscription
	logger *logger.Logger
}

var _ notify.Notifier = (*Notifier)(nil)

// NewNotifier subscribes to every signal subject and relays them to local subscribers.
func NewNotifier(client *Client, log *logger.Logger) (*Notifier, error) {
	n := &Notifier{
		conn:   client.Conn(),
		hub:    notify.NewHub(),
		logger: log,
	}

	sub, err := n.conn.Subscribe(NotifySubjectPrefix+">", func(msg *nats.Msg) {
		n.hub.Deliver(strings.TrimPrefix(msg.Subject, NotifySubjectPrefix))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	n.sub = sub
	return n, nil
}

// Publish sends a signal for topic to every instance, this one included.
func (n *Notifier) Publish(ctx context.Context, topic string) error {
	if err := n.conn.Publish(NotifySubjectPrefix+topic, nil); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber for topic.
func (n *Notifier) Subscribe(topic string) (*notify.Subscription, error) {
	return n.hub.Subscribe(topic)
}

// Close stops relaying signals.
func (n *Notifier) Close() {
	if err := n.sub.Unsubscribe(); err != nil {
		n.logger.Warn("failed to unsubscribe from notifications", zap.Error(err))
	}
}
