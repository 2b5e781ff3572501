// Package store wraps a pgxpool.Pool with one method per durable query
// named in spec.md §3/§4: Conversation/Message/Organization/Transaction/
// Agent/KnowledgeChunk persistence. Every query uses bound parameters —
// never string interpolation — per spec.md §4.6's closing requirement,
// applied repo-wide.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/oklog/ulid/v2"
)

// Store is the central Postgres-backed persistence layer. A single pool
// is shared by the orchestrator's Persister calls, the Billing Ledger,
// and Hybrid Retrieval.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every new
// connection, and runs Migrate.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for packages (billing, retrieval)
// that run their own queries against the same database.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() { s.pool.Close() }

func newID() string { return ulid.Make().String() }

// Agent mirrors the read-only-during-a-call Agent row (spec.md §3).
type Agent struct {
	ID           string
	OrgID        string
	SystemPrompt string
	VoiceID      string
	ToolSet      []string
	KBID         string
	IsActive     bool
}

// GetAgent looks up an agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	const q = `SELECT id, org_id, system_prompt, voice_id, tool_set, kb_id, is_active
		FROM agents WHERE id = $1`
	var a Agent
	err := s.pool.QueryRow(ctx, q, agentID).Scan(&a.ID, &a.OrgID, &a.SystemPrompt, &a.VoiceID, &a.ToolSet, &a.KBID, &a.IsActive)
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return &a, nil
}

// GetActiveAgentForNumber resolves the active agent bound to a dialed
// phone number, for the /voice/incoming webhook.
func (s *Store) GetActiveAgentForNumber(ctx context.Context, phoneNumber string) (*Agent, error) {
	const q = `SELECT id, org_id, system_prompt, voice_id, tool_set, kb_id, is_active
		FROM agents WHERE phone_number = $1 AND is_active = true`
	var a Agent
	err := s.pool.QueryRow(ctx, q, phoneNumber).Scan(&a.ID, &a.OrgID, &a.SystemPrompt, &a.VoiceID, &a.ToolSet, &a.KBID, &a.IsActive)
	if err != nil {
		return nil, fmt.Errorf("store: get active agent for number: %w", err)
	}
	return &a, nil
}

// CreateConversation inserts a new ACTIVE conversation row and returns
// its generated ULID.
func (s *Store) CreateConversation(ctx context.Context, agentID, providerCallID, orgID string) (string, error) {
	id := newID()
	const q = `INSERT INTO conversations (id, agent_id, provider_call_id, org_id, status, start_time)
		VALUES ($1, $2, $3, $4, 'ACTIVE', now())`
	if _, err := s.pool.Exec(ctx, q, id, agentID, providerCallID, orgID); err != nil {
		return "", fmt.Errorf("store: create conversation: %w", err)
	}
	return id, nil
}

// ConversationExists reports whether a conversation-id resolves to a
// known row, used by start()'s admission check (spec.md §4.1).
func (s *Store) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	const q = `SELECT 1 FROM conversations WHERE id = $1`
	var one int
	err := s.pool.QueryRow(ctx, q, conversationID).Scan(&one)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: conversation exists: %w", err)
	}
	return true, nil
}

// UpdateConversationStatus transitions a conversation's status and, for
// terminal statuses, stamps end_time. Status transitions are expected to
// move ACTIVE -> {COMPLETED, FAILED, ABANDONED} and never backwards; this
// method does not enforce that itself (the orchestrator's Stop() is the
// only caller and is idempotent via sync.Once).
func (s *Store) UpdateConversationStatus(ctx context.Context, conversationID, status string) error {
	const q = `UPDATE conversations SET status = $2, end_time = now()
		WHERE id = $1 AND end_time IS NULL`
	if _, err := s.pool.Exec(ctx, q, conversationID, status); err != nil {
		return fmt.Errorf("store: update conversation status: %w", err)
	}
	return nil
}

// UpdateConversationStatusByProviderCallID resolves a provider call-sid to
// its conversation via idx_conversations_provider_call_id and applies the
// same terminal-status transition as UpdateConversationStatus. It backs
// the /voice/status webhook, which only ever has the provider's call-sid
// to key off of.
func (s *Store) UpdateConversationStatusByProviderCallID(ctx context.Context, providerCallID, status string) error {
	const q = `UPDATE conversations SET status = $2, end_time = now()
		WHERE provider_call_id = $1 AND end_time IS NULL`
	if _, err := s.pool.Exec(ctx, q, providerCallID, status); err != nil {
		return fmt.Errorf("store: update conversation status by provider call id: %w", err)
	}
	return nil
}

// MapProviderStatus implements the /voice/status webhook's mapping from
// spec.md §6.
func MapProviderStatus(callStatus string) string {
	switch callStatus {
	case "completed":
		return "COMPLETED"
	case "failed", "busy", "no-answer", "canceled":
		return "FAILED"
	default:
		return "ACTIVE"
	}
}

// InsertMessage appends one durable Message row.
func (s *Store) InsertMessage(ctx context.Context, conversationID, role, content string, latencyMs *int64) error {
	const q = `INSERT INTO messages (id, conversation_id, role, content, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`
	if _, err := s.pool.Exec(ctx, q, newID(), conversationID, role, content, latencyMs); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// ReserveCall inserts a CallReservation row, making a provider-call-id's
// first start() idempotent per spec.md SPEC_FULL §3: a second start()
// for the same id finds the existing reservation via ErrAlreadyReserved
// and the transport layer treats it as a no-op attach.
var ErrAlreadyReserved = fmt.Errorf("call already reserved")

func (s *Store) ReserveCall(ctx context.Context, providerCallID, orgID, agentID string) error {
	const q = `INSERT INTO call_reservations (provider_call_id, org_id, agent_id, reserved_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (provider_call_id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, providerCallID, orgID, agentID)
	if err != nil {
		return fmt.Errorf("store: reserve call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReserved
	}
	return nil
}

// ReleaseCall marks a reservation released at teardown.
func (s *Store) ReleaseCall(ctx context.Context, providerCallID string) error {
	const q = `UPDATE call_reservations SET released_at = now()
		WHERE provider_call_id = $1 AND released_at IS NULL`
	if _, err := s.pool.Exec(ctx, q, providerCallID); err != nil {
		return fmt.Errorf("store: release call: %w", err)
	}
	return nil
}

// Transaction mirrors the append-only ledger row (spec.md §3).
type Transaction struct {
	ID             string
	OrgID          string
	Type           string
	Amount         float64
	Description    string
	BalanceAfter   float64
	ConversationID *string
	CreatedAt      time.Time
}
