package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/messenger-platform/messaging-service/internal/identity"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/notify"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/internal/store/memory"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

var errInjected = errors.New("injected failure")

// faultyStore fails selected writes on demand.
type faultyStore struct {
	store.Store

	mu           sync.Mutex
	failUpsertOf map[model.UserKey]bool
	failAppend   bool
}

func (f *faultyStore) failUpsert(owner model.UserKey, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpsertOf[owner] = fail
}

func (f *faultyStore) setFailAppend(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAppend = fail
}

func (f *faultyStore) UpsertSummary(ctx context.Context, owner model.UserKey, s model.ConversationSummary) error {
	f.mu.Lock()
	fail := f.failUpsertOf[owner]
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.Store.UpsertSummary(ctx, owner, s)
}

func (f *faultyStore) Append(ctx context.Context, conversationID string, rec model.MessageRecord) (uint64, error) {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail {
		return 0, errInjected
	}
	return f.Store.Append(ctx, conversationID, rec)
}

type testEnv struct {
	store         *faultyStore
	hub           *notify.Hub
	clock         *testclock.Clock
	directory     *DirectoryService
	conversations *ConversationService
	messages      *MessageService
	gateway       *Gateway
}

const (
	aliceEmail = "alice@example.com"
	bobEmail   = "bob@example.com"
	carolEmail = "carol@example.com"
	daveEmail  = "dave@example.com"
	eveEmail   = "eve@example.com"
)

var epoch = time.Date(2024, time.May, 1, 14, 30, 15, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logger.NewNop()
	st := &faultyStore{Store: memory.New(), failUpsertOf: make(map[model.UserKey]bool)}
	hub := notify.NewHub()
	clk := testclock.NewClock(epoch)

	conversations := NewConversationService(st, hub, log)
	messages := NewMessageService(st, conversations, hub, clk, time.Minute, log)
	return &testEnv{
		store:         st,
		hub:           hub,
		clock:         clk,
		directory:     NewDirectoryService(st, clk, log),
		conversations: conversations,
		messages:      messages,
		gateway:       NewGateway(conversations, messages, hub, log),
	}
}

func (e *testEnv) register(t *testing.T, email, first, last string) identity.Session {
	t.Helper()
	_, err := e.directory.Register(context.Background(), email, first, last)
	require.NoError(t, err)
	sess, err := identity.NewSession(email, first+" "+last)
	require.NoError(t, err)
	return sess
}

func (e *testEnv) send(t *testing.T, from identity.Session, to, text string) *SendResult {
	t.Helper()
	res, err := e.messages.Send(context.Background(), from, &model.SendMessageRequest{
		ToEmail: to,
		Type:    model.MessageTypeText,
		Content: text,
	})
	require.NoError(t, err)
	e.clock.Advance(time.Second)
	return res
}
