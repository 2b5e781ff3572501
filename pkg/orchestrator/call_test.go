package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// fakeSTT is a controllable STTStreamClient: tests drive it directly by
// invoking the callbacks handed to the dialer, rather than simulating
// wire traffic.
type fakeSTT struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (f *fakeSTT) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSTT) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func fakeDialer(stt *fakeSTT, cbOut *orchestrator.STTCallbacks) orchestrator.STTDialer {
	return func(ctx context.Context, lang orchestrator.Language, cb orchestrator.STTCallbacks) (orchestrator.STTStreamClient, error) {
		*cbOut = cb
		return stt, nil
	}
}

// fakeTTS streams back one fixed chunk per sentence and tracks Abort
// calls.
type fakeTTS struct {
	mu        sync.Mutex
	aborted   int
	synthesized []string
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) StreamSynthesize(ctx context.Context, text, voiceID string, lang orchestrator.Language, onChunk func([]byte) error) error {
	f.mu.Lock()
	f.synthesized = append(f.synthesized, text)
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return onChunk([]byte("audio:" + text))
}

func (f *fakeTTS) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
}

// fakeGenerator calls onSentence once per configured sentence, honoring
// ctx cancellation between sentences.
type fakeGenerator struct {
	sentences []string
	delay     time.Duration
}

func (g *fakeGenerator) Generate(ctx context.Context, systemPrompt string, history []orchestrator.Message, userText, ragContext string, tools []string, onSentence func(string)) error {
	for _, s := range g.sentences {
		if g.delay > 0 {
			select {
			case <-time.After(g.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onSentence(s)
	}
	return nil
}

type fakeBilling struct {
	mu          sync.Mutex
	hasCredits  bool
	deductCalls int
	deductOK    bool
}

func (b *fakeBilling) HasCredits(ctx context.Context, orgID string, minMinutes float64) (bool, error) {
	return b.hasCredits, nil
}

func (b *fakeBilling) Deduct(ctx context.Context, orgID string, minutes float64, conversationID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deductCalls++
	return b.deductOK, nil
}

type fakeSession struct {
	mu    sync.Mutex
	stage orchestrator.Stage
}

func (s *fakeSession) Init(ctx context.Context, callID, agentID string) error { return nil }
func (s *fakeSession) SetStage(ctx context.Context, callID string, stage orchestrator.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
	return nil
}
func (s *fakeSession) IncrementInterruptCount(ctx context.Context, callID string) (int64, error) {
	return 1, nil
}
func (s *fakeSession) IncrementSequence(ctx context.Context, callID string) (int64, error) {
	return 1, nil
}

type fakePersister struct {
	mu       sync.Mutex
	messages []string
}

func (p *fakePersister) InsertMessage(ctx context.Context, conversationID, role, content string, latencyMs *int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, role+":"+content)
	return nil
}
func (p *fakePersister) UpdateConversationStatus(ctx context.Context, conversationID, status string) error {
	return nil
}
func (p *fakePersister) ReleaseCall(ctx context.Context, providerCallID string) error {
	return nil
}

func newTestCall(t *testing.T, gen orchestrator.Generator, unbilled bool) (*orchestrator.Call, *fakeSTT, *fakeTTS, orchestrator.STTCallbacks) {
	t.Helper()
	stt := &fakeSTT{}
	tts := &fakeTTS{}
	var cb orchestrator.STTCallbacks

	params := orchestrator.CallParams{
		CallID:         "call-1",
		ConversationID: "conv-1",
		OrgID:          "org-1",
		SystemPrompt:   "be helpful",
		Unbilled:       unbilled,
	}

	call, err := orchestrator.NewCall(context.Background(), params, orchestrator.DefaultConfig(), &orchestrator.NoOpLogger{},
		fakeDialer(stt, &cb), tts, gen, nil, &fakeBilling{hasCredits: true, deductOK: true}, &fakeSession{}, &fakePersister{})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	t.Cleanup(func() { call.Stop("test cleanup") })
	return call, stt, tts, cb
}

func TestNewCall_RequiresCallID(t *testing.T) {
	params := orchestrator.CallParams{ConversationID: "c", OrgID: "o"}
	_, err := orchestrator.NewCall(context.Background(), params, orchestrator.DefaultConfig(), nil,
		func(ctx context.Context, lang orchestrator.Language, cb orchestrator.STTCallbacks) (orchestrator.STTStreamClient, error) {
			return &fakeSTT{}, nil
		}, &fakeTTS{}, &fakeGenerator{}, nil, &fakeBilling{}, nil, nil)
	if err != orchestrator.ErrMissingCallID {
		t.Errorf("want ErrMissingCallID, got %v", err)
	}
}

func TestNewCall_RequiresConversationUnlessUnbilled(t *testing.T) {
	params := orchestrator.CallParams{CallID: "c1"}
	_, err := orchestrator.NewCall(context.Background(), params, orchestrator.DefaultConfig(), nil,
		func(ctx context.Context, lang orchestrator.Language, cb orchestrator.STTCallbacks) (orchestrator.STTStreamClient, error) {
			return &fakeSTT{}, nil
		}, &fakeTTS{}, &fakeGenerator{}, nil, &fakeBilling{}, nil, nil)
	if err != orchestrator.ErrConversationNotFound {
		t.Errorf("want ErrConversationNotFound, got %v", err)
	}

	params.Unbilled = true
	call, err := orchestrator.NewCall(context.Background(), params, orchestrator.DefaultConfig(), nil,
		func(ctx context.Context, lang orchestrator.Language, cb orchestrator.STTCallbacks) (orchestrator.STTStreamClient, error) {
			return &fakeSTT{}, nil
		}, &fakeTTS{}, &fakeGenerator{}, nil, &fakeBilling{}, nil, nil)
	if err != nil {
		t.Fatalf("unbilled call should not require conversation-id: %v", err)
	}
	call.Stop("test")
}

func TestCall_TurnProtocol_EmitsTranscriptThenSpeaking(t *testing.T) {
	gen := &fakeGenerator{sentences: []string{"hello.", "how can I help?"}}
	call, _, tts, cb := newTestCall(t, gen, false)

	var gotSpeaking, gotTranscript bool
	var audioChunks int
	done := make(chan struct{})
	go func() {
		for ev := range call.Events() {
			switch ev.Type {
			case orchestrator.EventTranscriptFinal:
				gotTranscript = true
			case orchestrator.EventBotSpeaking:
				gotSpeaking = true
			case orchestrator.EventAudioChunk:
				audioChunks++
				if audioChunks == len(gen.sentences) {
					close(done)
				}
			}
		}
	}()

	cb.OnFinalTranscript("what are your hours")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio chunks")
	}

	if !gotTranscript {
		t.Error("expected EventTranscriptFinal")
	}
	if !gotSpeaking {
		t.Error("expected EventBotSpeaking")
	}
	tts.mu.Lock()
	defer tts.mu.Unlock()
	if len(tts.synthesized) != len(gen.sentences) {
		t.Errorf("synthesized %d sentences, want %d", len(tts.synthesized), len(gen.sentences))
	}
}

func TestCall_BargeIn_CancelsInFlightTurnAndEmitsClear(t *testing.T) {
	gen := &fakeGenerator{sentences: []string{"a long answer"}, delay: 200 * time.Millisecond}
	call, _, tts, cb := newTestCall(t, gen, false)

	events := make(chan orchestrator.Event, 16)
	go func() {
		for ev := range call.Events() {
			events <- ev
		}
	}()

	cb.OnFinalTranscript("tell me something long")
	time.Sleep(20 * time.Millisecond) // let the turn start thinking

	cb.OnSpeechStarted() // barge-in before the generator's delay elapses

	var sawClear, sawInterrupted bool
	timeout := time.After(1 * time.Second)
loop:
	for {
		select {
		case ev := <-events:
			if ev.Type == orchestrator.EventClear {
				sawClear = true
			}
			if ev.Type == orchestrator.EventInterrupted {
				sawInterrupted = true
			}
			if sawClear && sawInterrupted {
				break loop
			}
		case <-timeout:
			break loop
		}
	}

	if !sawClear {
		t.Error("expected EventClear on barge-in")
	}
	if !sawInterrupted {
		t.Error("expected EventInterrupted on barge-in")
	}

	tts.mu.Lock()
	aborted := tts.aborted
	tts.mu.Unlock()
	if aborted == 0 {
		t.Error("expected TTS Abort to be called on barge-in")
	}
}

func TestCall_OnSpeechStarted_NoOpWhenNothingInFlight(t *testing.T) {
	gen := &fakeGenerator{}
	call, _, tts, cb := newTestCall(t, gen, false)

	cb.OnSpeechStarted() // nothing in flight; should not panic or abort

	tts.mu.Lock()
	defer tts.mu.Unlock()
	if tts.aborted != 0 {
		t.Error("Abort should not be called when no turn is in flight")
	}
	_ = call
}

func TestCall_HandleAudio_ForwardsToSTTAndUpdatesLevel(t *testing.T) {
	gen := &fakeGenerator{}
	call, stt, _, _ := newTestCall(t, gen, false)

	frame := []byte{0x7f, 0x7f, 0x00, 0x00}
	if err := call.HandleAudio(frame); err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}

	stt.mu.Lock()
	n := len(stt.sent)
	stt.mu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 frame forwarded to STT, got %d", n)
	}

	if call.AudioLevel() < 0 {
		t.Error("AudioLevel should be non-negative")
	}
}

func TestCall_Stop_IsIdempotentAndClosesEventsChannel(t *testing.T) {
	gen := &fakeGenerator{}
	call, stt, _, _ := newTestCall(t, gen, false)

	call.Stop("first")
	call.Stop("second") // must not panic (sync.Once-guarded)

	stt.mu.Lock()
	closed := stt.closed
	stt.mu.Unlock()
	if !closed {
		t.Error("expected STT client to be closed on Stop")
	}

	_, open := <-call.Events()
	if open {
		t.Error("expected Events() channel to be closed after Stop")
	}
}

func TestCall_BillingTicker_RefusingLedgerDoesNotBlockEvents(t *testing.T) {
	stt := &fakeSTT{}
	var cb orchestrator.STTCallbacks
	tts := &fakeTTS{}
	gen := &fakeGenerator{}
	bill := &fakeBilling{hasCredits: true, deductOK: false}

	cfg := orchestrator.DefaultConfig()
	params := orchestrator.CallParams{CallID: "call-2", ConversationID: "conv-2", OrgID: "org-2", SystemPrompt: "hi"}

	call, err := orchestrator.NewCall(context.Background(), params, cfg, &orchestrator.NoOpLogger{},
		fakeDialer(stt, &cb), tts, gen, nil, bill, &fakeSession{}, &fakePersister{})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	defer call.Stop("test cleanup")

	var sawClosed bool
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev, open := <-call.Events():
			if !open {
				break loop
			}
			if ev.Type == orchestrator.EventClosed || (ev.Type == orchestrator.EventErrorEvent && ev.Err == orchestrator.ErrInsufficientBalance) {
				sawClosed = true
			}
		case <-timeout:
			break loop
		}
	}
	_ = sawClosed // best-effort: the ticker fires every 30s, so the refusal path is not reached in this 2s window; the test only checks that a call wired to a refusing ledger starts and its events drain without a panic or deadlock
}
