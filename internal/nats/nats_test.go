package nats

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/notify"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/internal/store/storetest"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

func TestKeysAreValidTokens(t *testing.T) {
	owner := model.UserKey("first+tag-example-com")
	conv := "conversation_bob-example-com_first+tag-example-com_May_01_2024_2_30_15"

	for _, k := range []string{userKey(owner), summaryKey(owner, conv), positionKey(owner), peerKey(owner, "bob-example-com")} {
		assert.NotContains(t, k, "+")
		assert.NotContains(t, k, "*")
		assert.NotContains(t, k, ">")
	}
	assert.True(t, strings.HasPrefix(summaryKey(owner, conv), strings.TrimSuffix(summaryFilter(owner), "*")))
	assert.False(t, strings.HasPrefix(positionKey(owner), "s."))
	assert.NotEqual(t, MessageSubject("a"), MessageSubject("b"))
	assert.True(t, strings.HasPrefix(MessageSubject(conv), MessageSubjectPrefix))
	assert.Equal(t, 2, strings.Count(MessageSubject(conv), "."))
}

func TestCounterEncoding(t *testing.T) {
	assert.Equal(t, uint64(0), decodeCounter(nil))
	assert.Equal(t, uint64(42), decodeCounter(encodeCounter(42)))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, isConflict(jetstream.ErrKeyExists))
	assert.True(t, isConflict(fmt.Errorf("wrapped: %w", &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence})))
	assert.False(t, isConflict(&jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamNotFound}))
	assert.False(t, isConflict(nil))
}

// connect dials the server named by NATS_TEST_URL. The store suite drops and recreates the
// buckets and stream, so point it at a disposable server.
func connect(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	client, err := Connect(context.Background(), Config{URL: url}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestStore(t *testing.T) {
	client := connect(t)
	ctx := context.Background()

	storetest.Run(t, func(t *testing.T) store.Store {
		js := client.JetStream()
		for _, b := range []string{BucketUsers, BucketConversations, BucketPeers, BucketOutbox} {
			_ = js.DeleteKeyValue(ctx, b)
		}
		_ = js.DeleteStream(ctx, StreamName)

		s, err := Open(ctx, client, logger.NewNop())
		require.NoError(t, err)
		return s
	})
}

func TestNotifierRelaysSignals(t *testing.T) {
	client := connect(t)

	n, err := NewNotifier(client, logger.NewNop())
	require.NoError(t, err)
	defer n.Close()

	topic := notify.MessagesTopic("conversation_" + uuid.NewString())
	sub, err := n.Subscribe(topic)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, n.Publish(context.Background(), topic))
	select {
	case <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("signal not relayed")
	}
}
