package pebblestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/internal/store/storetest"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := OpenInMemory(testLogger())
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, model.UserRecord{Key: "alice-example-com", DisplayName: "Alice"}))
	_, err = s.Append(ctx, "conv-1", model.MessageRecord{ID: "m1", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, testLogger())
	require.NoError(t, err)
	defer s.Close()

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	seq, err := s.Append(ctx, "conv-1", model.MessageRecord{ID: "m2", Content: "again"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("c:a;"), prefixUpperBound([]byte("c:a:")))
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte{'a', 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff}))
}
