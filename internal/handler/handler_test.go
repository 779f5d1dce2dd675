package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messenger-platform/messaging-service/internal/media"
	"github.com/messenger-platform/messaging-service/internal/middleware"
	"github.com/messenger-platform/messaging-service/internal/model"
	"github.com/messenger-platform/messaging-service/internal/notify"
	"github.com/messenger-platform/messaging-service/internal/service"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/internal/store/memory"
	"github.com/messenger-platform/messaging-service/pkg/logger"
)

const testSecret = "handler-test-secret"

type failingRecipientStore struct {
	store.Store
	victim model.UserKey
}

func (f *failingRecipientStore) UpsertSummary(ctx context.Context, owner model.UserKey, s model.ConversationSummary) error {
	if owner == f.victim {
		return io.ErrUnexpectedEOF
	}
	return f.Store.UpsertSummary(ctx, owner, s)
}

type discardPutter struct{}

func (discardPutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	_, err := io.Copy(io.Discard, in.Body)
	return &s3.PutObjectOutput{}, err
}

type testServer struct {
	handler http.Handler
	clock   *testclock.Clock
}

func newTestServer(t *testing.T, st store.Store, mediaSvc *media.Service) *testServer {
	t.Helper()
	log := logger.NewNop()
	hub := notify.NewHub()
	clk := testclock.NewClock(time.Date(2024, time.May, 1, 14, 30, 15, 0, time.UTC))

	directory := service.NewDirectoryService(st, clk, log)
	conversations := service.NewConversationService(st, hub, log)
	messages := service.NewMessageService(st, conversations, hub, clk, time.Minute, log)
	gateway := service.NewGateway(conversations, messages, hub, log)

	h := NewRouter(RouterConfig{
		Health:            NewHealthHandler(map[string]Pinger{"store": st}),
		Users:             NewUserHandler(directory, log),
		Conversations:     NewConversationHandler(conversations, log),
		Messages:          NewMessageHandler(messages, log),
		Streams:           NewStreamHandler(gateway, time.Minute, log),
		Media:             NewMediaHandler(mediaSvc, 1<<20, log),
		JWTSecret:         testSecret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		AllowedOrigins:    []string{"*"},
		Logger:            log,
	})
	return &testServer{handler: h, clock: clk}
}

func token(t *testing.T, email, name string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{Email: email, Name: name})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (s *testServer) do(t *testing.T, method, path, email string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if email != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, email, ""))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T, email, first, last string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/users", email, &model.RegisterUserRequest{FirstName: first, LastName: last})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) send(t *testing.T, from, to, text string) model.SendMessageResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/messages", from, &model.SendMessageRequest{ToEmail: to, Type: model.MessageTypeText, Content: text})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp model.SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	s.clock.Advance(time.Second)
	return resp
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", "", nil).Code)

	down := NewHealthHandler(map[string]Pinger{"store": PingerFunc(func(context.Context) error { return io.EOF })})
	rec := httptest.NewRecorder()
	down.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequiresAuth(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/conversations", "", nil).Code)
}

func TestUsers(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	s.register(t, "alice@example.com", "Alice", "Smith")
	s.register(t, "alan@example.com", "Alan", "Turing")

	rec := s.do(t, http.MethodPost, "/api/v1/users", "alice@example.com", &model.RegisterUserRequest{FirstName: "Alice", LastName: "Again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/users", "carol@example.com", &model.RegisterUserRequest{FirstName: "", LastName: "X"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/users?q=al", "alice@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[model.SearchUsersResponse](t, rec)
	require.Len(t, users.Users, 1)
	assert.Equal(t, "Alan Turing", users.Users[0].DisplayName)

	rec = s.do(t, http.MethodGet, "/api/v1/users/exists?email=alan@example.com", "alice@example.com", nil)
	assert.True(t, decode[model.ExistsResponse](t, rec).Exists)

	rec = s.do(t, http.MethodGet, "/api/v1/users/exists?email=nobody@example.com", "alice@example.com", nil)
	assert.False(t, decode[model.ExistsResponse](t, rec).Exists)

	rec = s.do(t, http.MethodGet, "/api/v1/users/exists?email=", "alice@example.com", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmailSharingKeyIsForbidden(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	s.register(t, "a.b@example.com", "Ada", "Byron")
	s.register(t, "bob@example.com", "Bob", "Jones")
	sent := s.send(t, "a.b@example.com", "bob@example.com", "private")

	for _, path := range []string{
		"/api/v1/conversations",
		"/api/v1/conversations/" + sent.ConversationID + "/messages",
		"/api/v1/users?q=b",
	} {
		rec := s.do(t, http.MethodGet, path, "a-b@example.com", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	rec := s.do(t, http.MethodPost, "/api/v1/messages", "a-b@example.com",
		&model.SendMessageRequest{ToEmail: "bob@example.com", Type: model.MessageTypeText, Content: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/users/exists?email=a-b@example.com", "bob@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[model.ExistsResponse](t, rec).Exists)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations", "a.b@example.com", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConversationFlow(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	s.register(t, "alice@example.com", "Alice", "Smith")
	s.register(t, "bob@example.com", "Bob", "Jones")

	first := s.send(t, "alice@example.com", "bob@example.com", "hello")
	assert.True(t, first.NewConversation)
	assert.Equal(t, "alice-example-com", string(first.Message.SenderKey))

	reply := s.send(t, "bob@example.com", "alice@example.com", "hi back")
	assert.False(t, reply.NewConversation)
	assert.Equal(t, first.ConversationID, reply.ConversationID)

	rec := s.do(t, http.MethodGet, "/api/v1/conversations", "alice@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[model.ListConversationsResponse](t, rec)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "hi back", list.Conversations[0].LatestMessage.Message)
	assert.Equal(t, "Bob Jones", list.Conversations[0].Name)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations/lookup?email=bob@example.com", "alice@example.com", nil)
	lookup := decode[model.LookupConversationResponse](t, rec)
	assert.True(t, lookup.Found)
	assert.Equal(t, first.ConversationID, lookup.ConversationID)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations/"+first.ConversationID+"/messages", "bob@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[model.ListMessagesResponse](t, rec)
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, uint64(2), msgs.LastSequence)

	rec = s.do(t, http.MethodPost, "/api/v1/conversations/"+first.ConversationID+"/read", "bob@example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/conversations/"+first.ConversationID, "alice@example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/v1/conversations/"+first.ConversationID, "alice@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations/"+first.ConversationID+"/messages", "alice@example.com", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "log survives deleting the summary")
}

func TestSendErrors(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	s.register(t, "alice@example.com", "Alice", "Smith")

	rec := s.do(t, http.MethodPost, "/api/v1/messages", "alice@example.com", &model.SendMessageRequest{ToEmail: "ghost@example.com", Type: model.MessageTypeText, Content: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/messages", "alice@example.com", &model.SendMessageRequest{ToEmail: "alice@example.com", Type: model.MessageTypeText, Content: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, "alice@example.com", ""))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations/conversation_missing/messages", "alice@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendPartialFailure(t *testing.T) {
	st := &failingRecipientStore{Store: memory.New(), victim: "bob-example-com"}
	s := newTestServer(t, st, nil)
	s.register(t, "alice@example.com", "Alice", "Smith")
	s.register(t, "bob@example.com", "Bob", "Jones")

	rec := s.do(t, http.MethodPost, "/api/v1/messages", "alice@example.com", &model.SendMessageRequest{ToEmail: "bob@example.com", Type: model.MessageTypeText, Content: "hello"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[model.SendMessageResponse](t, rec)
	assert.True(t, resp.Partial)
	assert.NotEmpty(t, resp.ConversationID)
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestConversationStream(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	s.register(t, "alice@example.com", "Alice", "Smith")
	s.register(t, "bob@example.com", "Bob", "Jones")

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/conversations/stream?access_token="+token(t, "bob@example.com", ""), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, _ := readSSEEvent(t, reader)
	assert.Equal(t, string(model.EventTypeConnected), event)

	event, data := readSSEEvent(t, reader)
	require.Equal(t, string(model.EventTypeConversations), event)
	var snap model.ConversationsSnapshotEvent
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Empty(t, snap.Conversations)

	s.send(t, "alice@example.com", "bob@example.com", "ping")

	event, data = readSSEEvent(t, reader)
	require.Equal(t, string(model.EventTypeConversations), event)
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "ping", snap.Conversations[0].LatestMessage.Message)
}

func TestMessageStreamUnknownConversation(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	s.register(t, "alice@example.com", "Alice", "Smith")

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/conversations/conversation_missing/stream?access_token=" + token(t, "alice@example.com", ""))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessagesWebSocket(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	s.register(t, "alice@example.com", "Alice", "Smith")
	s.register(t, "bob@example.com", "Bob", "Jones")
	first := s.send(t, "alice@example.com", "bob@example.com", "one")

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/conversations/" + first.ConversationID + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token(t, "bob@example.com", "")}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	readFrame := func() model.MessagesSnapshotEvent {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var env struct {
			Type model.EventType             `json:"type"`
			Data model.MessagesSnapshotEvent `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&env))
		require.Equal(t, model.EventTypeMessages, env.Type)
		return env.Data
	}

	snap := readFrame()
	assert.Equal(t, first.ConversationID, snap.ConversationID)
	require.Len(t, snap.Messages, 1)

	s.send(t, "bob@example.com", "alice@example.com", "two")
	snap = readFrame()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "two", snap.Messages[1].Content)
}

func multipartUpload(t *testing.T, contentType string, body []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="upload"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestMediaUpload(t *testing.T) {
	log := logger.NewNop()
	objects := media.NewS3StoreWithClient(discardPutter{}, media.S3Config{Bucket: "chat", BaseURL: "https://cdn.example.com"}, log)
	s := newTestServer(t, memory.New(), media.NewService(objects, 1<<20, log))

	body, ct := multipartUpload(t, "image/png", []byte("fake png"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/media/profile", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice@example.com", ""))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "https://cdn.example.com/images/alice-example-com_profile_picture.png", decode[model.UploadResponse](t, rec).URL)

	body, ct = multipartUpload(t, "image/png", []byte("x"))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/media/audio", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice@example.com", ""))
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMediaUploadDisabled(t *testing.T) {
	s := newTestServer(t, memory.New(), nil)
	rec := s.do(t, http.MethodPost, "/api/v1/media/photo", "alice@example.com", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
