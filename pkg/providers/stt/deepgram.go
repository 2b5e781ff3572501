package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxAttempt = 3
)

// DeepgramStream is the streaming STT client grounded in the teacher's
// batch DeepgramSTT but rebuilt as a bidirectional WebSocket client per
// the STT Stream Client contract: μ-law 8kHz framing, endpointing at
// 300ms, utterance-end at 1000ms, interim results and VAD events on,
// and bounded-backoff auto-reconnect.
type DeepgramStream struct {
	apiKey string
	host   string
	lang   orchestrator.Language
	cb     orchestrator.STTCallbacks

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	attempts   int
}

// DialDeepgramStream is an orchestrator.STTDialer.
func DialDeepgramStream(apiKey string) orchestrator.STTDialer {
	return func(ctx context.Context, lang orchestrator.Language, cb orchestrator.STTCallbacks) (orchestrator.STTStreamClient, error) {
		d := &DeepgramStream{
			apiKey: apiKey,
			host:   "api.deepgram.com",
			lang:   lang,
			cb:     cb,
		}
		if err := d.connect(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", orchestrator.ErrTranscriptionFailed, err)
		}
		go d.readLoop(ctx)
		return d, nil
	}
}

func (d *DeepgramStream) connect(ctx context.Context) error {
	u := url.URL{
		Scheme: "wss",
		Host:   d.host,
		Path:   "/v1/listen",
	}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("endpointing", "300")
	q.Set("utterance_end_ms", "1000")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	if d.lang != "" {
		q.Set("language", string(d.lang))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headerWithAuth(d.apiKey),
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.attempts = 0
	d.mu.Unlock()
	return nil
}

func headerWithAuth(apiKey string) map[string][]string {
	return map[string][]string{"Authorization": {"Token " + apiKey}}
}

type deepgramEvent struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (d *DeepgramStream) readLoop(ctx context.Context) {
	for {
		d.mu.Lock()
		conn := d.conn
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			if !d.reconnect(ctx) {
				return
			}
			continue
		}

		_, payload, err := conn.Read(ctx)
		if err != nil {
			d.mu.Lock()
			intentional := d.closed
			d.conn = nil
			d.mu.Unlock()
			if intentional {
				return
			}
			if !d.reconnect(ctx) {
				return
			}
			continue
		}

		var ev deepgramEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "SpeechStarted":
			d.cb.OnSpeechStarted()
		case "Results":
			if ev.IsFinal && len(ev.Channel.Alternatives) > 0 {
				text := ev.Channel.Alternatives[0].Transcript
				if text != "" {
					d.cb.OnFinalTranscript(text)
				}
			}
		case "UtteranceEnd":
			// logged for observability only; the final transcript event
			// is authoritative, per the STT client contract.
		}
	}
}

// reconnect applies the base_delay*(attempt_index+1) schedule: 1s, 2s, 3s.
// Returns false once attempts are exhausted.
func (d *DeepgramStream) reconnect(ctx context.Context) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if d.attempts >= reconnectMaxAttempt {
		d.mu.Unlock()
		return false
	}
	attempt := d.attempts
	d.attempts++
	d.mu.Unlock()

	delay := reconnectBaseDelay * time.Duration(attempt+1)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}

	if err := d.connect(ctx); err != nil {
		return true // keep trying until attempts exhausted
	}
	return true
}

func (d *DeepgramStream) Send(frame []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil // no-op if not yet connected, per the client contract
	}
	return conn.Write(context.Background(), websocket.MessageBinary, frame)
}

func (d *DeepgramStream) Close() error {
	d.mu.Lock()
	d.closed = true
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (d *DeepgramStream) Name() string { return "deepgram-stream" }
