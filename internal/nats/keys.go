package nats

import (
	"encoding/base64"
	"encoding/binary"
	"errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/messenger-platform/messaging-service/internal/model"
)

const (
	// StreamName is the name of the message log stream.
	StreamName = "CHAT_MESSAGES"

	// MessageSubjectPrefix prefixes the per-conversation log subjects.
	MessageSubjectPrefix = "chat.msg."

	// NotifySubjectPrefix prefixes change signal subjects.
	NotifySubjectPrefix = "chat.notify."

	BucketUsers         = "users"
	BucketConversations = "conversations"
	BucketPeers         = "peers"
	BucketOutbox        = "outbox"

	// sequenceHeader carries the per-conversation sequence of a log entry.
	sequenceHeader = "Chat-Sequence"

	maxCASAttempts = 16
)

// encodeToken makes an arbitrary identifier safe for a single subject or key token.
func encodeToken(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// MessageSubject returns the log subject of a conversation.
func MessageSubject(conversationID string) string {
	return MessageSubjectPrefix + encodeToken(conversationID)
}

func userKey(key model.UserKey) string {
	return encodeToken(string(key))
}

func summaryKey(owner model.UserKey, conversationID string) string {
	return "s." + encodeToken(string(owner)) + "." + encodeToken(conversationID)
}

func summaryFilter(owner model.UserKey) string {
	return "s." + encodeToken(string(owner)) + ".*"
}

func positionKey(owner model.UserKey) string {
	return "n." + encodeToken(string(owner))
}

func peerKey(owner, counterparty model.UserKey) string {
	return encodeToken(string(owner)) + "." + encodeToken(string(counterparty))
}

func encodeCounter(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeCounter(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// isConflict reports whether err is a failed optimistic write.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
