// Package billing implements the Billing Ledger: optimistic-CAS minute
// deduction against the Organization row, the mid-call ticker's
// precondition checks, and the append-only Transaction log, per
// spec.md §4.8.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// maxRetries bounds the optimistic-CAS retry loop (spec.md §4.8 step 5).
const maxRetries = 3

// ErrOrgNotFound is returned when org-id does not resolve to a row.
var ErrOrgNotFound = errors.New("organization not found")

// Logger is an alias of orchestrator.Logger; the ledger logs through the
// same interface as the Call Orchestrator.
type Logger = orchestrator.Logger

// Ledger implements the Billing Ledger contract against Postgres. It
// satisfies orchestrator.BillingLedger.
type Ledger struct {
	pool   *pgxpool.Pool
	logger Logger
}

func New(pool *pgxpool.Pool, logger Logger) *Ledger {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Ledger{pool: pool, logger: logger}
}

// HasCredits is the pre-admission check: the org must have at least
// minMinutes available.
func (l *Ledger) HasCredits(ctx context.Context, orgID string, minMinutes float64) (bool, error) {
	const q = `SELECT credit_balance FROM organizations WHERE id = $1`
	var balance float64
	err := l.pool.QueryRow(ctx, q, orgID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrOrgNotFound
		}
		return false, fmt.Errorf("billing: has credits: %w", err)
	}
	return balance >= minMinutes, nil
}

// Deduct implements the exact optimistic-CAS debit protocol from
// spec.md §4.8: read (balance, version), short-circuit if insufficient,
// attempt the conditional update gated on the read version, append the
// matching Transaction row on success, and retry from the read on a CAS
// race up to maxRetries times.
func (l *Ledger) Deduct(ctx context.Context, orgID string, minutes float64, conversationID string) (bool, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ok, retry, err := l.tryDeduct(ctx, orgID, minutes, conversationID)
		if err != nil {
			return false, err
		}
		if !retry {
			return ok, nil
		}
	}
	l.logger.Error("billing: CAS debit exhausted retries", "orgID", orgID, "minutes", minutes)
	return false, nil
}

// tryDeduct runs one read-then-conditional-update attempt. The second
// return value is true when the CAS update affected zero rows and the
// caller should retry from a fresh read.
func (l *Ledger) tryDeduct(ctx context.Context, orgID string, minutes float64, conversationID string) (ok bool, retry bool, err error) {
	var balance float64
	var version int64
	const readQ = `SELECT credit_balance, version FROM organizations WHERE id = $1`
	if err := l.pool.QueryRow(ctx, readQ, orgID).Scan(&balance, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, ErrOrgNotFound
		}
		return false, false, fmt.Errorf("billing: read balance: %w", err)
	}

	if balance < minutes {
		return false, false, nil
	}

	const update = `UPDATE organizations
		SET credit_balance = credit_balance - $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND credit_balance >= $3`
	tag, err := l.pool.Exec(ctx, update, orgID, version, minutes)
	if err != nil {
		return false, false, fmt.Errorf("billing: cas update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, true, nil // lost the race; retry from a fresh read
	}

	balanceAfter := balance - minutes
	var convID *string
	if conversationID != "" {
		convID = &conversationID
	}
	const insertTx = `INSERT INTO transactions
		(id, org_id, type, amount, description, balance_after, conversation_id, created_at)
		VALUES ($1, $2, 'DEBIT', $3, $4, $5, $6, now())`
	if _, err := l.pool.Exec(ctx, insertTx, ulid.Make().String(), orgID, minutes, "call minute deduction", balanceAfter, convID); err != nil {
		return false, false, fmt.Errorf("billing: insert debit transaction: %w", err)
	}
	return true, false, nil
}

// Credit is an increment-only, atomic operation that always writes a
// ledger row. Unlike Deduct it does not need CAS: a balance can never go
// negative by crediting it, so a plain atomic UPDATE ... SET balance =
// balance + amount suffices.
func (l *Ledger) Credit(ctx context.Context, orgID string, minutes float64, description string) error {
	var balanceAfter float64
	const q = `UPDATE organizations SET credit_balance = credit_balance + $2, version = version + 1, updated_at = now()
		WHERE id = $1 RETURNING credit_balance`
	if err := l.pool.QueryRow(ctx, q, orgID, minutes).Scan(&balanceAfter); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrgNotFound
		}
		return fmt.Errorf("billing: credit: %w", err)
	}

	const insertTx = `INSERT INTO transactions
		(id, org_id, type, amount, description, balance_after, created_at)
		VALUES ($1, $2, 'CREDIT', $3, $4, $5, now())`
	if _, err := l.pool.Exec(ctx, insertTx, ulid.Make().String(), orgID, minutes, description, balanceAfter); err != nil {
		return fmt.Errorf("billing: insert credit transaction: %w", err)
	}
	return nil
}

// DurationMinutes computes the ceiling-of-milliseconds/60000 duration
// used by end-of-call reconciliation (spec.md §4.8).
func DurationMinutes(d time.Duration) float64 {
	ms := d.Milliseconds()
	return float64((ms + 59999) / 60000)
}

var _ orchestrator.BillingLedger = (*Ledger)(nil)
