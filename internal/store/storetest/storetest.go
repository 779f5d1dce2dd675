// Package storetest holds the behavioral suite every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGetUser", testCreateAndGetUser},
		{"DuplicateUser", testDuplicateUser},
		{"ListUsersInRegistrationOrder", testListUsers},
		{"UpsertInsertsThenUpdatesInPlace", testUpsert},
		{"ListUnknownOwnerIsEmpty", testListUnknownOwner},
		{"DeleteSummary", testDeleteSummary},
		{"DeleteKeepsMessageLog", testDeleteKeepsLog},
		{"FindByCounterparty", testFindByCounterparty},
		{"MarkReadOnlyOwner", testMarkRead},
		{"AppendAndList", testAppendAndList},
		{"ListMissingLog", testListMissingLog},
		{"DuplicateMessageIDsRetained", testDuplicateMessageIDs},
		{"ConcurrentAppends", testConcurrentAppends},
		{"ConcurrentUpserts", testConcurrentUpserts},
		{"Outbox", testOutbox},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tc.fn(t, s)
		})
	}
}

const (
	alice model.UserKey = "alice-example-com"
	bob   model.UserKey = "bob-example-com"
	carol model.UserKey = "carol-example-com"
)

func user(key model.UserKey, name string) model.UserRecord {
	return model.UserRecord{
		Key:         key,
		DisplayName: name,
		Email:       string(key),
		CreatedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func summary(id string, other model.UserKey, text string) model.ConversationSummary {
	return model.ConversationSummary{
		ID:           id,
		OtherUserKey: other,
		Name:         string(other),
		LatestMessage: model.LatestMessage{
			Date:    "May_01_2024_10_00_00",
			Message: text,
		},
	}
}

func message(id, text string) model.MessageRecord {
	return model.MessageRecord{
		ID:        id,
		Type:      model.MessageTypeText,
		Content:   text,
		Date:      "May_01_2024_10_00_00",
		SenderKey: alice,
		Name:      "Alice",
	}
}

func testCreateAndGetUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, user(alice, "Alice Smith")))

	got, err := s.GetUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", got.DisplayName)

	_, err = s.GetUser(ctx, bob)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, user(alice, "Alice")))
	err := s.CreateUser(ctx, user(alice, "Other Alice"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := s.GetUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
}

func testListUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, u := range []model.UserRecord{user(carol, "Carol"), user(alice, "Alice"), user(bob, "Bob")} {
		require.NoError(t, s.CreateUser(ctx, u))
	}
	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, []model.UserKey{carol, alice, bob}, []model.UserKey{users[0].Key, users[1].Key, users[2].Key})
}

func testUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-b", bob, "hi bob")))
	require.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-c", carol, "hi carol")))

	updated := summary("conv-b", bob, "second")
	updated.Name = "ignored on update"
	require.NoError(t, s.UpsertSummary(ctx, alice, updated))

	list, err := s.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "conv-b", list[0].ID)
	assert.Equal(t, "second", list[0].LatestMessage.Message)
	assert.Equal(t, string(bob), list[0].Name)
	assert.Equal(t, "conv-c", list[1].ID)
	assert.Less(t, list[0].Position, list[1].Position)
}

func testListUnknownOwner(t *testing.T, s store.Store) {
	list, err := s.ListConversations(context.Background(), carol)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testDeleteSummary(t *testing.T, s store.Store) {
	ctx := context.Background()

	removed, err := s.DeleteSummary(ctx, alice, "conv-b")
	require.NoError(t, err)
	assert.False(t, removed, "owner without a list")

	require.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-b", bob, "hi")))
	require.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-c", carol, "hi")))

	removed, err = s.DeleteSummary(ctx, alice, "conv-missing")
	require.NoError(t, err)
	assert.False(t, removed, "absent entry")

	removed, err = s.DeleteSummary(ctx, alice, "conv-b")
	require.NoError(t, err)
	assert.True(t, removed)

	list, err := s.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "conv-c", list[0].ID)
}

func testDeleteKeepsLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-b", bob, "hi")))
	_, err := s.Append(ctx, "conv-b", message("m1", "hi"))
	require.NoError(t, err)

	removed, err := s.DeleteSummary(ctx, alice, "conv-b")
	require.NoError(t, err)
	require.True(t, removed)

	log, err := s.List(ctx, "conv-b")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func testFindByCounterparty(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, ok, err := s.FindByCounterparty(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-1", bob, "first")))
	require.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-2", bob, "duplicate pair")))

	id, ok, err := s.FindByCounterparty(ctx, alice, bob)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conv-1", id)

	_, err = s.DeleteSummary(ctx, alice, "conv-1")
	require.NoError(t, err)

	id, ok, err = s.FindByCounterparty(ctx, alice, bob)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conv-2", id)

	_, err = s.DeleteSummary(ctx, alice, "conv-2")
	require.NoError(t, err)
	_, ok, err = s.FindByCounterparty(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testMarkRead(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-b", bob, "hi")))
	require.NoError(t, s.UpsertSummary(ctx, bob, summary("conv-b", alice, "hi")))

	require.NoError(t, s.MarkRead(ctx, bob, "conv-b"))

	mine, err := s.ListConversations(ctx, alice)
	require.NoError(t, err)
	theirs, err := s.ListConversations(ctx, bob)
	require.NoError(t, err)
	assert.False(t, mine[0].LatestMessage.IsRead)
	assert.True(t, theirs[0].LatestMessage.IsRead)

	assert.ErrorIs(t, s.MarkRead(ctx, carol, "conv-b"), store.ErrNotFound)
	assert.ErrorIs(t, s.MarkRead(ctx, bob, "conv-x"), store.ErrNotFound)
}

func testAppendAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	seq1, err := s.Append(ctx, "conv-b", message("m1", "one"))
	require.NoError(t, err)
	seq2, err := s.Append(ctx, "conv-b", message("m2", "two"))
	require.NoError(t, err)
	assert.Less(t, seq1, seq2)

	log, err := s.List(ctx, "conv-b")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "m1", log[0].ID)
	assert.Equal(t, "m2", log[1].ID)
	assert.Equal(t, seq1, log[0].Sequence)
	assert.Equal(t, seq2, log[1].Sequence)
}

func testListMissingLog(t *testing.T, s store.Store) {
	_, err := s.List(context.Background(), "conv-none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateMessageIDs(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Append(ctx, "conv-b", message("same-second", "first"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "conv-b", message("same-second", "second"))
	require.NoError(t, err)

	log, err := s.List(ctx, "conv-b")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "first", log[0].Content)
	assert.Equal(t, "second", log[1].Content)
}

func testConcurrentAppends(t *testing.T, s store.Store) {
	ctx := context.Background()
	const writers, perWriter = 4, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Append(ctx, "conv-race", message(fmt.Sprintf("w%d-%d", w, i), "x"))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	log, err := s.List(ctx, "conv-race")
	require.NoError(t, err)
	require.Len(t, log, writers*perWriter)

	seen := make(map[string]bool)
	for i, rec := range log {
		seen[rec.ID] = true
		if i > 0 {
			assert.Less(t, log[i-1].Sequence, rec.Sequence)
		}
	}
	assert.Len(t, seen, writers*perWriter)
}

func testConcurrentUpserts(t *testing.T, s store.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.UpsertSummary(ctx, alice, summary("conv-b", bob, fmt.Sprintf("msg %d", i))))
		}(i)
	}
	wg.Wait()

	list, err := s.ListConversations(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	older := model.PendingSend{
		ID:        "p1",
		Steps:     []model.FanoutStep{model.StepAppendMessage, model.StepSenderSummary},
		Completed: []model.FanoutStep{model.StepAppendMessage},
		Message:   message("m1", "hi"),
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	newer := older
	newer.ID = "p2"
	newer.CreatedAt = older.CreatedAt.Add(time.Second)

	require.NoError(t, s.SavePending(ctx, newer))
	require.NoError(t, s.SavePending(ctx, older))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "p1", pending[0].ID)
	assert.Equal(t, []model.FanoutStep{model.StepSenderSummary}, pending[0].Remaining())

	require.NoError(t, s.DeletePending(ctx, "p1"))
	pending, err = s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p2", pending[0].ID)
}
