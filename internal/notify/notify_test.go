package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToTopicSubscribers(t *testing.T) {
	h := NewHub()
	a, err := h.Subscribe(MessagesTopic("c1"))
	require.NoError(t, err)
	defer a.Close()
	b, err := h.Subscribe(MessagesTopic("c2"))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, h.Publish(context.Background(), MessagesTopic("c1")))

	select {
	case <-a.C:
	case <-time.After(time.Second):
		t.Fatal("expected signal on c1")
	}
	select {
	case <-b.C:
		t.Fatal("unexpected signal on c2")
	default:
	}
}

func TestHubCoalescesSignals(t *testing.T) {
	h := NewHub()
	sub, err := h.Subscribe(ConversationsTopic("alice-example-com"))
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(context.Background(), ConversationsTopic("alice-example-com")))
	}

	<-sub.C
	select {
	case <-sub.C:
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	h := NewHub()
	topic := MessagesTopic("c1")
	sub, err := h.Subscribe(topic)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Subscribers(topic))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Subscribers(topic))
}
