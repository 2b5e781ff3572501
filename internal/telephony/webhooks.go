// Package telephony implements the external interfaces from spec.md §6:
// the /voice/incoming and /voice/status webhooks and the /media-stream
// WebSocket transport, plus the per-org rate limiter that gates call
// admission.
package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lokutor-ai/callorch/internal/store"
	"github.com/lokutor-ai/callorch/pkg/billing"
	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// Server wires the telephony HTTP surface to the Store and Billing
// Ledger. It does not hold any per-call state itself — each accepted
// /media-stream connection builds its own orchestrator.Call (see
// media_stream.go).
type Server struct {
	Store     *store.Store
	Billing   *billing.Ledger
	AuthToken string
	Logger    orchestrator.Logger

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex
	maxPerMin  int
}

func NewServer(st *store.Store, bill *billing.Ledger, authToken string, maxPerMin int, logger orchestrator.Logger) *Server {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Server{
		Store:     st,
		Billing:   bill,
		AuthToken: authToken,
		Logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
		maxPerMin: maxPerMin,
	}
}

// limiterFor returns (creating if necessary) the token-bucket limiter for
// one org-id, default 50 calls/minute per spec.md §6.
func (s *Server) limiterFor(orgID string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[orgID]
	if !ok {
		perMin := s.maxPerMin
		if perMin <= 0 {
			perMin = 50
		}
		l = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		s.limiters[orgID] = l
	}
	return l
}

// validateSignature checks the HMAC-SHA1 signature telephony providers
// attach to webhook requests: base64(HMAC-SHA1(urlWithSortedFormBody,
// authToken)), the shape every provider in the pack's examples uses.
func validateSignature(r *http.Request, authToken, signatureHeader string) bool {
	if authToken == "" {
		return true // unconfigured: skip verification (dev/test mode)
	}
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		return false
	}

	if err := r.ParseForm(); err != nil {
		return false
	}

	url := fullURL(r)
	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(url)
	for _, k := range keys {
		payload.WriteString(k)
		payload.WriteString(r.PostForm.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}

func fullURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// HandleVoiceIncoming implements POST /voice/incoming. It looks up the
// active agent bound to the dialed number, checks the org's credit
// balance, and returns a TwiML-shaped document directing a
// <Connect><Stream> to /media-stream, or a spoken-error <Say>+<Hangup>
// document when refused.
func (s *Server) HandleVoiceIncoming(w http.ResponseWriter, r *http.Request) {
	if !validateSignature(r, s.AuthToken, "X-Telephony-Signature") {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	to := r.FormValue("To")
	if callSID == "" || to == "" {
		s.writeHangup(w, "We're sorry, this call could not be connected.")
		return
	}

	ctx := r.Context()
	agent, err := s.Store.GetActiveAgentForNumber(ctx, to)
	if err != nil {
		s.Logger.Warn("voice/incoming: no active agent for number", "to", to, "error", err)
		s.writeHangup(w, "This number is not currently configured to take calls.")
		return
	}

	if !s.limiterFor(agent.OrgID).Allow() {
		s.writeHangup(w, "We're experiencing high call volume. Please try again shortly.")
		return
	}

	ok, err := s.Billing.HasCredits(ctx, agent.OrgID, 1.0)
	if err != nil || !ok {
		s.Logger.Warn("voice/incoming: insufficient balance", "orgID", agent.OrgID, "error", err)
		s.writeHangup(w, "This account does not have enough balance to take your call right now.")
		return
	}

	conversationID, err := s.Store.CreateConversation(ctx, agent.ID, callSID, agent.OrgID)
	if err != nil {
		s.Logger.Error("voice/incoming: create conversation failed", "error", err)
		s.writeHangup(w, "We're sorry, something went wrong connecting your call.")
		return
	}

	streamURL := fmt.Sprintf("wss://%s/media-stream", r.Host)
	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s">
            <Parameter name="agentId" value="%s"/>
            <Parameter name="conversationId" value="%s"/>
            <Parameter name="orgId" value="%s"/>
        </Stream>
    </Connect>
</Response>`, streamURL, agent.ID, conversationID, agent.OrgID)

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) writeHangup(w http.ResponseWriter, message string) {
	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Say>%s</Say>
    <Hangup/>
</Response>`, message)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(twiml))
}

// HandleVoiceStatus implements POST /voice/status: it maps the
// provider's call-status string to a Conversation status transition and
// writes it, per spec.md §6.
func (s *Server) HandleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if !validateSignature(r, s.AuthToken, "X-Telephony-Signature") {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	status := store.MapProviderStatus(callStatus)
	if status == "ACTIVE" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// CallSid doubles as provider_call_id. This covers the case where the
	// provider reports terminal status out-of-band (e.g. the caller hung
	// up before a media-stream was ever established) — the orchestrator's
	// own Stop() races this update for calls that did connect, but both
	// write the same terminal status and UpdateConversationStatus* is a
	// no-op once end_time is set, so whichever lands first wins.
	if err := s.Store.UpdateConversationStatusByProviderCallID(r.Context(), callSID, status); err != nil {
		s.Logger.Error("voice/status: update conversation status failed", "callSid", callSID, "status", status, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}
