package orchestrator

import "context"

// SessionStore is the shared call-state KV contract. The reference
// implementation (pkg/session) backs it with Redis; any store must
// provide atomic hash-field increment and its own TTL semantics.
type SessionStore interface {
	SetStage(ctx context.Context, callID string, stage Stage) error
	IncrementInterruptCount(ctx context.Context, callID string) (int64, error)
	IncrementSequence(ctx context.Context, callID string) (int64, error)
	Init(ctx context.Context, callID string, agentID string) error
}

// Retriever is the Hybrid Retrieval contract the Orchestrator calls once
// per turn before invoking the LLM Generator.
type Retriever interface {
	Retrieve(ctx context.Context, query string, kbID string, limit int) (string, error)
}

// Generator is the LLM Generator contract: it drives one turn, invoking
// onSentence zero or more times, and returns once the turn (including any
// tool loop) is fully resolved.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []Message, userText string, ragContext string, tools []string, onSentence func(string)) error
}

// BillingLedger is the subset of the Billing Ledger contract the
// Orchestrator needs during a call's lifetime.
type BillingLedger interface {
	HasCredits(ctx context.Context, orgID string, minMinutes float64) (bool, error)
	Deduct(ctx context.Context, orgID string, minutes float64, conversationID string) (bool, error)
}

// Persister is the durable-store contract the Orchestrator uses
// fire-and-forget for conversation/message writes.
type Persister interface {
	InsertMessage(ctx context.Context, conversationID, role, content string, latencyMs *int64) error
	UpdateConversationStatus(ctx context.Context, conversationID, status string) error
	// ReleaseCall marks the admission-time CallReservation released, so a
	// later start() with the same provider-call-id is admitted fresh
	// instead of being refused as a duplicate.
	ReleaseCall(ctx context.Context, providerCallID string) error
}
