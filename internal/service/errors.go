// Package service provides business logic for the messaging service.
package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/messenger-platform/messaging-service/internal/model"
)

var (
	// ErrInvalidRequest is returned for requests that fail validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPartialFailure is matched by errors from sends whose fan-out stopped midway.
	ErrPartialFailure = errors.New("partial failure")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// PartialFailureError reports a send whose fan-out applied some steps but not all of them.
// The pending entry stays in the outbox for the reconciler.
type PartialFailureError struct {
	PendingID      string
	ConversationID string
	MessageID      string
	Completed      []model.FanoutStep
	Failed         model.FanoutStep
	Err            error
}

func (e *PartialFailureError) Error() string {
	done := make([]string, len(e.Completed))
	for i, s := range e.Completed {
		done[i] = string(s)
	}
	return fmt.Sprintf("partial failure in conversation %s: completed [%s], %s failed: %v",
		e.ConversationID, strings.Join(done, ","), e.Failed, e.Err)
}

// Unwrap exposes both ErrPartialFailure and the cause to errors.Is.
func (e *PartialFailureError) Unwrap() []error {
	return []error{ErrPartialFailure, e.Err}
}
