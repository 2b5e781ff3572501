package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlCore creates the durable rows named in spec.md §3/§6: Organization,
// Agent, Conversation, Message, Transaction, CallReservation. All are
// idempotent (CREATE ... IF NOT EXISTS) and safe to run on every process
// start, per the teacher corpus's Migrate pattern.
const ddlCore = `
CREATE TABLE IF NOT EXISTS organizations (
    id             TEXT         PRIMARY KEY,
    credit_balance DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
    version        BIGINT       NOT NULL DEFAULT 0,
    current_plan   TEXT         NOT NULL DEFAULT '',
    subscription_ref TEXT       NOT NULL DEFAULT '',
    billing_email  TEXT         NOT NULL DEFAULT '',
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agents (
    id         TEXT    PRIMARY KEY,
    org_id     TEXT    NOT NULL REFERENCES organizations (id),
    system_prompt TEXT NOT NULL DEFAULT '',
    voice_id   TEXT    NOT NULL DEFAULT '',
    tool_set   TEXT[]  NOT NULL DEFAULT '{}',
    kb_id      TEXT    NOT NULL DEFAULT '',
    phone_number TEXT  NOT NULL DEFAULT '',
    is_active  BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_agents_phone_number ON agents (phone_number);

CREATE TABLE IF NOT EXISTS conversations (
    id               TEXT        PRIMARY KEY,
    agent_id         TEXT        NOT NULL REFERENCES agents (id),
    provider_call_id TEXT        NOT NULL,
    org_id           TEXT        NOT NULL REFERENCES organizations (id),
    status           TEXT        NOT NULL DEFAULT 'ACTIVE',
    start_time       TIMESTAMPTZ NOT NULL DEFAULT now(),
    end_time         TIMESTAMPTZ,
    cost_accrued     DOUBLE PRECISION NOT NULL DEFAULT 0,
    sentiment_score  DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_conversations_provider_call_id
    ON conversations (provider_call_id);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT        PRIMARY KEY,
    conversation_id TEXT        NOT NULL REFERENCES conversations (id),
    role            TEXT        NOT NULL,
    content         TEXT        NOT NULL,
    latency_ms      BIGINT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
    ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS transactions (
    id              TEXT        PRIMARY KEY,
    org_id          TEXT        NOT NULL REFERENCES organizations (id),
    type            TEXT        NOT NULL,
    amount          DOUBLE PRECISION NOT NULL,
    description     TEXT        NOT NULL DEFAULT '',
    balance_after   DOUBLE PRECISION NOT NULL,
    conversation_id TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_org_id ON transactions (org_id);
CREATE INDEX IF NOT EXISTS idx_transactions_conversation_id ON transactions (conversation_id);

CREATE TABLE IF NOT EXISTS call_reservations (
    provider_call_id TEXT        PRIMARY KEY,
    org_id           TEXT        NOT NULL,
    agent_id         TEXT        NOT NULL,
    reserved_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    released_at      TIMESTAMPTZ
);
`

// ddlKnowledge mirrors the teacher pack's pgvector schema with a cosine
// (vector_cosine_ops) index, scoped to a kb_id instead of a session_id,
// plus the tsvector column §4.6's keyword branch reads.
func ddlKnowledge(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id           TEXT        PRIMARY KEY,
    kb_id        TEXT        NOT NULL,
    content      TEXT        NOT NULL,
    embedding    vector(%d),
    content_tsv  TSVECTOR    NOT NULL DEFAULT to_tsvector('english', ''),
    metadata     JSONB       NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_kb_id ON knowledge_chunks (kb_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_embedding
    ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_tsv
    ON knowledge_chunks USING GIN (content_tsv);

CREATE OR REPLACE FUNCTION knowledge_chunks_tsv_trigger() RETURNS trigger AS $$
BEGIN
    NEW.content_tsv := to_tsvector('english', NEW.content);
    RETURN NEW;
END
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS knowledge_chunks_tsv_update ON knowledge_chunks;
CREATE TRIGGER knowledge_chunks_tsv_update
    BEFORE INSERT OR UPDATE ON knowledge_chunks
    FOR EACH ROW EXECUTE FUNCTION knowledge_chunks_tsv_trigger();
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and the
// content_tsv write-time trigger exist. Idempotent; safe on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{ddlCore, ddlKnowledge(embeddingDimensions)}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
