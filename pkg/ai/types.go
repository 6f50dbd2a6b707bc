// Package ai defines the normalized types shared by all provider adapters:
// turns, deltas, provider configuration, and the adapter interface.
package ai

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Roles and turn status
// ---------------------------------------------------------------------------

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TurnStatus tracks a turn through its lifecycle. A turn is created as
// pending, moves to streaming when the first delta arrives, and ends in
// exactly one of the three terminal states. Once terminal it is immutable.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnStreaming TurnStatus = "streaming"
	TurnComplete  TurnStatus = "complete"
	TurnCancelled TurnStatus = "cancelled"
	TurnFailed    TurnStatus = "failed"
)

// Terminal reports whether the status is one of the three end states.
func (s TurnStatus) Terminal() bool {
	return s == TurnComplete || s == TurnCancelled || s == TurnFailed
}

// ---------------------------------------------------------------------------
// Turns
// ---------------------------------------------------------------------------

// Turn is one role-tagged message within a conversation.
// Mutated only by the owning stream coordinator until its status turns
// terminal; after that it is append-only history.
type Turn struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	Reasoning      string     `json:"reasoning,omitempty"`
	Status         TurnStatus `json:"status"`
	Citations      []string   `json:"citations,omitempty"`
	Timestamp      int64      `json:"timestamp"` // unix ms
}

// NewTurn creates a pending turn with a fresh ID.
func NewTurn(conversationID string, role Role, content string) Turn {
	return Turn{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Status:         TurnPending,
		Timestamp:      time.Now().UnixMilli(),
	}
}

// ---------------------------------------------------------------------------
// Deltas
// ---------------------------------------------------------------------------

// Delta is one normalized increment of provider output. At least one of
// Text/Reasoning is set, except on the explicit end-of-stream marker
// (Final with no fragments). Citations may ride along on the final delta.
type Delta struct {
	Text      string
	Reasoning string
	Final     bool
	Citations []string
}

// Empty reports whether the delta carries no fragment.
func (d Delta) Empty() bool { return d.Text == "" && d.Reasoning == "" }

// ---------------------------------------------------------------------------
// Provider configuration
// ---------------------------------------------------------------------------

// ProviderConfig is an immutable snapshot used for one request. The auth
// token is resolved through a Secrets lookup keyed by ID at request time;
// the token itself never lives in the config.
type ProviderConfig struct {
	ID                string // unique key, also the secret-lookup key
	Family            string // adapter family, e.g. "openai", "bedrock"
	Endpoint          string // base URL of the chat-completions API
	SecretRef         string // where the secret lives (e.g. env var name), for the resolver's use
	Model             string
	Temperature       *float64
	SupportsStreaming bool
	SupportsImages    bool
	MaxTokens         int // 0 = provider default
}

// Secrets resolves an auth token for a provider. Implementations live
// outside this package (env lookup, OS keychain, test fakes).
type Secrets interface {
	GetSecret(providerID string) (string, error)
}

// ---------------------------------------------------------------------------
// Conversation context handed to adapters
// ---------------------------------------------------------------------------

// Context is the conversation state serialized into one provider request:
// prior turns in order, then the new prompt.
type Context struct {
	SystemPrompt string
	Turns        []Turn
	Prompt       string
}

// ---------------------------------------------------------------------------
// Completion (final parsed result of a non-streaming call)
// ---------------------------------------------------------------------------

// Completion is the parsed result of a non-streaming provider response.
type Completion struct {
	Text      string
	Role      Role
	Citations []string
}
