package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	maxConversationIDLength = 512
	maxSearchTermLength     = 128
)

// ValidateConversationID validates a conversation ID taken from a path.
func ValidateConversationID(id string) error {
	if id == "" {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > maxConversationIDLength {
		return errors.New("conversation ID exceeds maximum length")
	}
	if !utf8.ValidString(id) || strings.ContainsAny(id, " \t\r\n/*>.") {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateSearchTerm validates a directory search term.
func ValidateSearchTerm(term string) error {
	if utf8.RuneCountInString(term) > maxSearchTermLength {
		return errors.New("search term exceeds maximum length")
	}
	if !utf8.ValidString(term) {
		return errors.New("search term must be valid UTF-8")
	}
	return nil
}
