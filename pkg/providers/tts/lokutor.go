package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// LokutorTTS is the default streaming TTS provider, generalized from the
// teacher's local-playback client to emit μ-law 8kHz frames and to carry
// a cancellation token per call instead of assuming a single in-flight
// request.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
	}
}

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}

	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}

	t.conn = conn
	return conn, nil
}

// StreamSynthesize sends one synthesis request and streams μ-law frames
// to onChunk. A fresh cancellation token is created per call; Abort
// signals it and the in-flight call returns cleanly.
func (t *LokutorTTS) StreamSynthesize(ctx context.Context, text string, voiceID string, lang orchestrator.Language, onChunk func([]byte) error) error {
	conn, err := t.getConn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrTTSFailed, err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
		cancel()
	}()

	req := map[string]interface{}{
		"text":    text,
		"voice":   voiceID,
		"lang":    string(lang),
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
		"format":  "mulaw_8000",
	}

	if err := wsjson.Write(callCtx, conn, req); err != nil {
		t.dropConn()
		if callCtx.Err() != nil {
			return nil // aborted: return cleanly, not an error
		}
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		select {
		case <-callCtx.Done():
			return nil
		default:
		}

		messageType, payload, err := conn.Read(callCtx)
		if err != nil {
			t.dropConn()
			if callCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				return nil
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return fmt.Errorf("%w: lokutor error: %s", orchestrator.ErrTTSFailed, msg)
			}
		}
	}
}

func (t *LokutorTTS) dropConn() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusAbnormalClosure, "stream error")
	}
}

// Abort cancels any in-flight generation. After completion the token is
// cleared so subsequent calls start fresh, per the TTS client contract.
func (t *LokutorTTS) Abort() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *LokutorTTS) Name() string { return "lokutor" }

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}
