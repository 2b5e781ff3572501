package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// billingTickInterval and billingTickMinutes implement the mid-call
// enforcement ticker from the billing ledger contract.
const (
	billingTickInterval = 30 * time.Second
	billingTickMinutes  = 0.5
	ghostCallInterval   = 5 * time.Second
	ghostCallLimit      = 10 * time.Second

	// silentFrameRMS is the RMS floor below which an inbound frame is
	// logged as near-silent; useful for spotting a dead leg upstream of
	// the ghost-call watchdog's 10s timeout.
	silentFrameRMS = 0.01
)

// CallParams are the admission-time parameters supplied by the transport
// layer's start() call.
type CallParams struct {
	CallID         string
	StreamID       string
	AgentID        string
	ConversationID string
	OrgID          string
	SystemPrompt   string
	VoiceID        string
	KBID           string
	Tools          []string
	Unbilled       bool
}

// Call is the per-call state machine and pipeline: it owns exactly one
// STT stream client, one TTS client, and the two recurring timers, and
// drives the turn protocol end to end.
type Call struct {
	params CallParams
	logger Logger
	config Config

	stt   STTStreamClient
	tts   TTSProvider
	gen   Generator
	ret   Retriever
	bill  BillingLedger
	sess  SessionStore
	per   Persister
	level *AudioLevelMeter

	mu         sync.Mutex
	stage      Stage
	turnIndex  uint64
	alive      bool
	startTime  time.Time
	lastAudio  time.Time
	history    []Message

	responseCancel context.CancelFunc
	ttsCancel      context.CancelFunc

	billingTicker *time.Ticker
	watchdog      *time.Ticker
	tickerDone    chan struct{}

	events chan Event

	closeOnce sync.Once
	pipeline  context.Context
	cancel    context.CancelFunc
}

// NewCall constructs and starts a Call. It fails if conversation-id is
// given but not found (the caller is expected to have already resolved
// it via the Persister before calling NewCall; a zero-value
// ConversationID with a non-unbilled call is rejected here), or if
// call-id is missing.
func NewCall(ctx context.Context, params CallParams, config Config, logger Logger,
	dial STTDialer, tts TTSProvider, gen Generator, ret Retriever, bill BillingLedger, sess SessionStore, per Persister) (*Call, error) {

	if params.CallID == "" {
		return nil, ErrMissingCallID
	}
	if !params.Unbilled && (params.ConversationID == "" || params.OrgID == "") {
		return nil, ErrConversationNotFound
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}

	pipelineCtx, cancel := context.WithCancel(ctx)

	c := &Call{
		params:     params,
		logger:     logger,
		config:     config,
		tts:        tts,
		gen:        gen,
		ret:        ret,
		bill:       bill,
		sess:       sess,
		per:        per,
		stage:      StageListening,
		alive:      true,
		startTime:  time.Now(),
		lastAudio:  time.Now(),
		history:    []Message{{Role: "system", Content: params.SystemPrompt}},
		level:      NewAudioLevelMeter(),
		events:     make(chan Event, 64),
		tickerDone: make(chan struct{}),
		pipeline:   pipelineCtx,
		cancel:     cancel,
	}

	if sess != nil {
		if err := sess.Init(ctx, params.CallID, params.AgentID); err != nil {
			logger.Warn("session init failed", "callID", params.CallID, "error", err)
		}
	}

	stt, err := dial(pipelineCtx, config.Language, STTCallbacks{
		OnFinalTranscript: c.onFinalTranscript,
		OnSpeechStarted:   c.onSpeechStarted,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	c.stt = stt

	if !params.Unbilled && bill != nil {
		c.startBillingTicker()
	}
	c.startGhostCallWatchdog()

	return c, nil
}

// HandleAudio forwards one audio frame to the STT client and refreshes
// the last-audio timestamp. It must never suspend: Send on the STT
// client only hands the frame to its own internal buffer.
func (c *Call) HandleAudio(payload []byte) error {
	rms := c.level.Process(payload)
	c.mu.Lock()
	c.lastAudio = time.Now()
	c.mu.Unlock()
	if rms < silentFrameRMS {
		c.logger.Debug("near-silent inbound frame", "callID", c.params.CallID, "rms", rms)
	}
	if c.stt == nil {
		return nil
	}
	return c.stt.Send(payload)
}

// AudioLevel returns the RMS energy of the most recently processed
// inbound frame, for diagnostics surfaced alongside latency data.
func (c *Call) AudioLevel() float64 {
	return c.level.LastRMS()
}

// Events returns the channel the transport reads outbound media/clear
// events from.
func (c *Call) Events() <-chan Event { return c.events }

func (c *Call) currentTurn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnIndex
}

// onFinalTranscript implements turn-protocol steps 1-7.
func (c *Call) onFinalTranscript(text string) {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	c.turnIndex++
	turn := c.turnIndex
	c.stage = StageThinking
	c.history = append(c.history, Message{Role: "user", Content: text})
	history := append([]Message(nil), c.history...)
	c.mu.Unlock()

	c.setSessionStage(StageThinking)
	c.emit(Event{Type: EventTranscriptFinal, Text: text})

	if c.per != nil && c.params.ConversationID != "" {
		go func() {
			if err := c.per.InsertMessage(context.Background(), c.params.ConversationID, "user", text, nil); err != nil {
				c.logger.Warn("persist user message failed", "callID", c.params.CallID, "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(c.pipeline)
	c.mu.Lock()
	if c.responseCancel != nil {
		c.responseCancel()
	}
	c.responseCancel = cancel
	c.mu.Unlock()

	go c.runTurn(ctx, turn, history, text)
}

func (c *Call) runTurn(ctx context.Context, turn uint64, history []Message, text string) {
	ragCtx := c.retrieveContext(ctx, text)

	genCtx, genCancel := context.WithTimeout(ctx, time.Duration(c.config.LLMTimeout)*time.Second)
	defer genCancel()

	firstSentence := true
	var assistantParts []string

	err := c.gen.Generate(genCtx, c.params.SystemPrompt, history, text, ragCtx, c.params.Tools, func(sentence string) {
		if c.currentTurn() != turn {
			return // turn advanced; drop silently per the cancellation contract
		}
		if firstSentence {
			firstSentence = false
			c.mu.Lock()
			c.stage = StageSpeaking
			c.mu.Unlock()
			c.setSessionStage(StageSpeaking)
			c.emit(Event{Type: EventBotSpeaking})
		}
		assistantParts = append(assistantParts, sentence)
		c.speak(ctx, turn, sentence)
	})

	if c.currentTurn() != turn {
		return
	}

	if err != nil {
		c.logger.Warn("turn generation failed", "callID", c.params.CallID, "error", err)
		c.emit(Event{Type: EventErrorEvent, Err: err})
	}

	if len(assistantParts) > 0 && c.per != nil && c.params.ConversationID != "" {
		joined := joinSentences(assistantParts)
		go func() {
			if err := c.per.InsertMessage(context.Background(), c.params.ConversationID, "assistant", joined, nil); err != nil {
				c.logger.Warn("persist assistant message failed", "callID", c.params.CallID, "error", err)
			}
		}()
	}

	c.mu.Lock()
	if c.turnIndex == turn {
		c.stage = StageListening
	}
	c.mu.Unlock()
	c.setSessionStage(StageListening)
}

func (c *Call) retrieveContext(ctx context.Context, text string) string {
	if c.ret == nil || c.params.KBID == "" {
		return ""
	}
	rctx, cancel := context.WithTimeout(ctx, time.Duration(c.config.RetrievalTimeout)*time.Second)
	defer cancel()
	out, err := c.ret.Retrieve(rctx, text, c.params.KBID, 3)
	if err != nil {
		c.logger.Warn("retrieval failed, continuing with empty context", "callID", c.params.CallID, "error", err)
		return ""
	}
	return out
}

// speak sends one sentence through TTS and forwards resulting audio
// frames to the transport, honoring the turn-index check-before-emit
// contract at every chunk boundary.
func (c *Call) speak(ctx context.Context, turn uint64, sentence string) {
	if c.currentTurn() != turn {
		return
	}

	ttsCtx, ttsCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ttsCancel = ttsCancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ttsCancel = nil
		c.mu.Unlock()
		ttsCancel()
	}()

	err := c.tts.StreamSynthesize(ttsCtx, sentence, c.params.VoiceID, c.config.Language, func(chunk []byte) error {
		if c.currentTurn() != turn {
			return context.Canceled
		}
		select {
		case <-ttsCtx.Done():
			return ttsCtx.Err()
		default:
		}
		c.emit(Event{Type: EventAudioChunk, Audio: chunk})
		return nil
	})
	if err != nil && ttsCtx.Err() == nil {
		c.logger.Warn("tts synthesis failed", "callID", c.params.CallID, "error", err)
	}
}

// onSpeechStarted implements the barge-in protocol. It is the only
// trigger for interrupt, per the STT client contract.
func (c *Call) onSpeechStarted() {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	responseCancel := c.responseCancel
	ttsCancel := c.ttsCancel
	hadWork := responseCancel != nil || ttsCancel != nil || c.stage == StageSpeaking || c.stage == StageThinking
	c.responseCancel = nil
	c.ttsCancel = nil
	c.turnIndex++
	c.stage = StageListening
	c.mu.Unlock()

	if !hadWork {
		return
	}

	c.tts.Abort()
	if ttsCancel != nil {
		ttsCancel()
	}
	if responseCancel != nil {
		responseCancel()
	}

	c.emit(Event{Type: EventClear})
	c.emit(Event{Type: EventInterrupted})
	c.setSessionStage(StageListening)

	if c.sess != nil {
		go func() {
			if _, err := c.sess.IncrementInterruptCount(context.Background(), c.params.CallID); err != nil {
				c.logger.Warn("interrupt count increment failed", "callID", c.params.CallID, "error", err)
			}
		}()
	}
}

func (c *Call) setSessionStage(stage Stage) {
	if c.sess == nil {
		return
	}
	go func() {
		if err := c.sess.SetStage(context.Background(), c.params.CallID, stage); err != nil {
			c.logger.Warn("session stage update failed", "callID", c.params.CallID, "error", err)
		}
	}()
}

func (c *Call) emit(ev Event) {
	select {
	case <-c.pipeline.Done():
		return
	default:
	}
	ev.CallID = c.params.CallID
	select {
	case c.events <- ev:
	case <-c.pipeline.Done():
	default:
		// channel full; drop non-blocking, matching the teacher's
		// emit() behavior
	}
}

func (c *Call) startBillingTicker() {
	c.billingTicker = time.NewTicker(billingTickInterval)
	go func() {
		for {
			select {
			case <-c.tickerDone:
				return
			case <-c.billingTicker.C:
				ok, err := c.bill.Deduct(context.Background(), c.params.OrgID, billingTickMinutes, c.params.ConversationID)
				if err != nil {
					c.logger.Error("billing tick deduct error", "callID", c.params.CallID, "error", err)
					continue
				}
				if !ok {
					c.logger.Warn("balance exhausted mid-call", "callID", c.params.CallID, "orgID", c.params.OrgID)
					c.emit(Event{Type: EventClosed, Err: ErrInsufficientBalance})
					c.Stop("insufficient balance")
					return
				}
			}
		}
	}()
}

func (c *Call) startGhostCallWatchdog() {
	c.watchdog = time.NewTicker(ghostCallInterval)
	go func() {
		for {
			select {
			case <-c.tickerDone:
				return
			case <-c.watchdog.C:
				c.mu.Lock()
				last := c.lastAudio
				c.mu.Unlock()
				if time.Since(last) > ghostCallLimit {
					c.logger.Warn("ghost call detected", "callID", c.params.CallID)
					c.emit(Event{Type: EventClosed, Err: ErrGhostCallTimeout})
					c.Stop("ghost call timeout")
					return
				}
			}
		}
	}()
}

// Stop performs idempotent teardown: set alive=false, abort TTS, close
// the STT client, stop both timers, reconcile billing, and update the
// conversation status.
func (c *Call) Stop(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.alive = false
		c.mu.Unlock()

		close(c.tickerDone)
		if c.billingTicker != nil {
			c.billingTicker.Stop()
		}
		if c.watchdog != nil {
			c.watchdog.Stop()
		}

		c.tts.Abort()
		if c.stt != nil {
			if err := c.stt.Close(); err != nil {
				c.logger.Warn("stt close failed", "callID", c.params.CallID, "error", err)
			}
		}

		c.reconcileBilling()

		if c.per != nil && c.params.ConversationID != "" {
			status := "COMPLETED"
			if reason == "insufficient balance" || reason == "ghost call timeout" {
				status = "COMPLETED"
			}
			if err := c.per.UpdateConversationStatus(context.Background(), c.params.ConversationID, status); err != nil {
				c.logger.Warn("conversation status update failed", "callID", c.params.CallID, "error", err)
			}
		}

		if c.per != nil {
			if err := c.per.ReleaseCall(context.Background(), c.params.CallID); err != nil {
				c.logger.Warn("release call reservation failed", "callID", c.params.CallID, "error", err)
			}
		}

		c.cancel()
		time.Sleep(10 * time.Millisecond)
		close(c.events)
		c.logger.Info("call stopped", "callID", c.params.CallID, "reason", reason)
	})
}

// reconcileBilling computes final duration in whole minutes (ceiling)
// and deducts any remainder not already covered by the ticker.
func (c *Call) reconcileBilling() {
	if c.params.Unbilled || c.bill == nil {
		return
	}
	durationMs := time.Since(c.startTime).Milliseconds()
	totalMinutes := float64((durationMs + 59999) / 60000)
	ticked := float64(durationMs/int64(billingTickInterval/time.Millisecond)) * billingTickMinutes
	remainder := totalMinutes - ticked
	if remainder <= 0 {
		return
	}
	ok, err := c.bill.Deduct(context.Background(), c.params.OrgID, remainder, c.params.ConversationID)
	if err != nil {
		c.logger.Error("end-of-call billing reconciliation failed", "callID", c.params.CallID, "error", err)
		return
	}
	if !ok {
		c.logger.Warn("end-of-call billing reconciliation could not deduct remainder", "callID", c.params.CallID)
	}
}

func joinSentences(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
