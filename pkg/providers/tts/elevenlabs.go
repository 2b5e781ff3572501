package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// ElevenLabsTTS is the alternate provider selected when a voice-id carries
// the reserved `el_` prefix. Built the same way as LokutorTTS: one
// long-lived websocket connection, one cancellation token per call.
type ElevenLabsTTS struct {
	apiKey string
	host   string
	scheme string

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func NewElevenLabsTTS(apiKey string) *ElevenLabsTTS {
	return &ElevenLabsTTS{
		apiKey: apiKey,
		host:   "api.elevenlabs.io",
		scheme: "wss",
	}
}

func (e *ElevenLabsTTS) getConn(ctx context.Context, voiceID string) (*websocket.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn, nil
	}

	u := url.URL{
		Scheme: e.scheme,
		Host:   e.host,
		Path:   "/v1/text-to-speech/" + voiceID + "/stream-input",
		RawQuery: "output_format=ulaw_8000",
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"xi-api-key": {e.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elevenlabs: %w", err)
	}

	e.conn = conn
	return conn, nil
}

func (e *ElevenLabsTTS) StreamSynthesize(ctx context.Context, text string, voiceID string, lang orchestrator.Language, onChunk func([]byte) error) error {
	conn, err := e.getConn(ctx, voiceID)
	if err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrTTSFailed, err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	req := map[string]interface{}{
		"text": text + " ",
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	}
	if err := wsjson.Write(callCtx, conn, req); err != nil {
		e.dropConn()
		if callCtx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}
	if err := wsjson.Write(callCtx, conn, map[string]interface{}{"text": ""}); err != nil {
		e.dropConn()
		if callCtx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to flush synthesis request: %w", err)
	}

	for {
		select {
		case <-callCtx.Done():
			return nil
		default:
		}

		var msg struct {
			Audio   string `json:"audio"`
			IsFinal bool   `json:"isFinal"`
			Error   string `json:"error"`
		}
		if err := wsjson.Read(callCtx, conn, &msg); err != nil {
			e.dropConn()
			if callCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from elevenlabs: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("%w: elevenlabs error: %s", orchestrator.ErrTTSFailed, msg.Error)
		}
		if msg.Audio != "" {
			decoded, decErr := base64.StdEncoding.DecodeString(msg.Audio)
			if decErr != nil {
				return fmt.Errorf("%w: malformed audio frame: %v", orchestrator.ErrTTSFailed, decErr)
			}
			if err := onChunk(decoded); err != nil {
				return nil
			}
		}
		if msg.IsFinal {
			return nil
		}
	}
}

func (e *ElevenLabsTTS) dropConn() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusAbnormalClosure, "stream error")
	}
}

func (e *ElevenLabsTTS) Abort() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *ElevenLabsTTS) Name() string { return "elevenlabs" }

func (e *ElevenLabsTTS) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		err := e.conn.Close(websocket.StatusNormalClosure, "")
		e.conn = nil
		return err
	}
	return nil
}
