// Package operator defines the conversational operator boundary: free-form
// inbound text that is not a structured command is handed to an operator
// backend, which answers with a response, a command to run, or a rejection.
package operator

import (
	"context"

	"github.com/openmu/mucp/pkg/models"
)

// DecisionKind discriminates operator decisions.
type DecisionKind string

// Operator decision kinds.
const (
	// DecisionResponse carries a conversational reply for the actor.
	DecisionResponse DecisionKind = "response"

	// DecisionCommand carries command text to re-enter the pipeline with.
	DecisionCommand DecisionKind = "command"

	// DecisionReject declines the turn with a reason.
	DecisionReject DecisionKind = "reject"
)

// Turn is one conversational inbound handed to the backend.
type Turn struct {
	SessionID string                  `json:"session_id"`
	TurnID    string                  `json:"turn_id"`
	Text      string                  `json:"text"`
	Envelope  *models.InboundEnvelope `json:"envelope,omitempty"`
}

// Decision is the backend's answer to one turn. Exactly one of the
// kind-specific fields is populated.
type Decision struct {
	Kind        DecisionKind `json:"kind"`
	Response    string       `json:"response,omitempty"`
	CommandText string       `json:"command_text,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Backend handles conversational turns. All variation between operator
// implementations flows through the decision value.
type Backend interface {
	HandleInbound(ctx context.Context, turn Turn) (*Decision, error)
}
