package model

import (
	"time"
)

// FanoutStep is one write of a message send.
type FanoutStep string

const (
	StepSenderSummary    FanoutStep = "sender_summary"
	StepRecipientSummary FanoutStep = "recipient_summary"
	StepAppendMessage    FanoutStep = "append_message"
)

// PendingSend is the durable intent of a send whose fan-out has not finished.
type PendingSend struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversation_id"`
	NewConversation bool          `json:"new_conversation"`
	Sender          UserKey       `json:"sender"`
	SenderName      string        `json:"sender_name"`
	Recipient       UserKey       `json:"recipient"`
	RecipientName   string        `json:"recipient_name"`
	Message         MessageRecord `json:"message"`
	Steps           []FanoutStep  `json:"steps"`
	Completed       []FanoutStep  `json:"completed,omitempty"`
	Attempts        int           `json:"attempts"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Done reports whether step has already been applied.
func (p *PendingSend) Done(step FanoutStep) bool {
	for _, s := range p.Completed {
		if s == step {
			return true
		}
	}
	return false
}

// Remaining returns the steps not yet applied, in plan order.
func (p *PendingSend) Remaining() []FanoutStep {
	var out []FanoutStep
	for _, s := range p.Steps {
		if !p.Done(s) {
			out = append(out, s)
		}
	}
	return out
}
