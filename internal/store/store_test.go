package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/lokutor-ai/callorch/internal/store"
)

func TestMapProviderStatus(t *testing.T) {
	cases := []struct {
		providerStatus string
		want           string
	}{
		{"completed", "COMPLETED"},
		{"failed", "FAILED"},
		{"busy", "FAILED"},
		{"no-answer", "FAILED"},
		{"canceled", "FAILED"},
		{"in-progress", "ACTIVE"},
		{"ringing", "ACTIVE"},
		{"", "ACTIVE"},
	}
	for _, tc := range cases {
		if got := store.MapProviderStatus(tc.providerStatus); got != tc.want {
			t.Errorf("MapProviderStatus(%q) = %q, want %q", tc.providerStatus, got, tc.want)
		}
	}
}

// testDSN returns the integration test database DSN from the
// environment, or skips the test if it is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLORCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLORCH_TEST_POSTGRES_DSN not set — skipping Postgres integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewStore(ctx, testDSN(t), 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestStore_AgentAndConversationLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID := "org-" + t.Name()
	if _, err := st.Pool().Exec(ctx, `INSERT INTO organizations (id, credit_balance) VALUES ($1, 100) ON CONFLICT (id) DO NOTHING`, orgID); err != nil {
		t.Fatalf("seed org: %v", err)
	}

	agentID := "agent-" + t.Name()
	_, err := st.Pool().Exec(ctx, `INSERT INTO agents (id, org_id, system_prompt, voice_id, phone_number, is_active)
		VALUES ($1, $2, 'You are helpful.', 'voice-1', '+15555550100', true) ON CONFLICT (id) DO NOTHING`, agentID, orgID)
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	agent, err := st.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.OrgID != orgID {
		t.Errorf("GetAgent: org ID mismatch, got %q want %q", agent.OrgID, orgID)
	}

	byNumber, err := st.GetActiveAgentForNumber(ctx, "+15555550100")
	if err != nil {
		t.Fatalf("GetActiveAgentForNumber: %v", err)
	}
	if byNumber.ID != agentID {
		t.Errorf("GetActiveAgentForNumber: got %q, want %q", byNumber.ID, agentID)
	}

	convID, err := st.CreateConversation(ctx, agentID, "provider-call-1", orgID)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	exists, err := st.ConversationExists(ctx, convID)
	if err != nil {
		t.Fatalf("ConversationExists: %v", err)
	}
	if !exists {
		t.Error("ConversationExists: want true for just-created conversation")
	}

	if err := st.InsertMessage(ctx, convID, "user", "hello there", nil); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	if err := st.UpdateConversationStatus(ctx, convID, "COMPLETED"); err != nil {
		t.Fatalf("UpdateConversationStatus: %v", err)
	}

	// A second status update is a no-op since end_time is already set.
	if err := st.UpdateConversationStatus(ctx, convID, "FAILED"); err != nil {
		t.Fatalf("UpdateConversationStatus (second): %v", err)
	}
}

func TestStore_ReserveCallIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID := "org-" + t.Name()
	if _, err := st.Pool().Exec(ctx, `INSERT INTO organizations (id, credit_balance) VALUES ($1, 100) ON CONFLICT (id) DO NOTHING`, orgID); err != nil {
		t.Fatalf("seed org: %v", err)
	}

	providerCallID := "call-" + t.Name()
	if err := st.ReserveCall(ctx, providerCallID, orgID, "agent-1"); err != nil {
		t.Fatalf("ReserveCall (first): %v", err)
	}

	err := st.ReserveCall(ctx, providerCallID, orgID, "agent-1")
	if err != store.ErrAlreadyReserved {
		t.Errorf("ReserveCall (second): want ErrAlreadyReserved, got %v", err)
	}

	if err := st.ReleaseCall(ctx, providerCallID); err != nil {
		t.Fatalf("ReleaseCall: %v", err)
	}
}
