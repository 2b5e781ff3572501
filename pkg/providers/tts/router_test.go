package tts

import (
	"context"
	"testing"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

type recordingProvider struct {
	name      string
	lastVoice string
	aborted   bool
}

func (p *recordingProvider) StreamSynthesize(ctx context.Context, text string, voiceID string, lang orchestrator.Language, onChunk func([]byte) error) error {
	p.lastVoice = voiceID
	return onChunk([]byte("audio"))
}

func (p *recordingProvider) Abort()        { p.aborted = true }
func (p *recordingProvider) Name() string { return p.name }

func TestRouterSelectsSecondaryByPrefix(t *testing.T) {
	primary := &recordingProvider{name: "primary"}
	secondary := &recordingProvider{name: "secondary"}
	r := NewRouter(primary, secondary)

	var audio []byte
	err := r.StreamSynthesize(context.Background(), "hi", "el_voice123", orchestrator.LanguageEn, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secondary.lastVoice != "voice123" {
		t.Errorf("expected prefix stripped, got %q", secondary.lastVoice)
	}
	if primary.lastVoice != "" {
		t.Errorf("primary should not have been called")
	}
}

func TestRouterSelectsPrimaryByDefault(t *testing.T) {
	primary := &recordingProvider{name: "primary"}
	secondary := &recordingProvider{name: "secondary"}
	r := NewRouter(primary, secondary)

	err := r.StreamSynthesize(context.Background(), "hi", "F1", orchestrator.LanguageEn, func(chunk []byte) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.lastVoice != "F1" {
		t.Errorf("expected primary to receive voice id unchanged, got %q", primary.lastVoice)
	}
}

func TestRouterAbortFansOut(t *testing.T) {
	primary := &recordingProvider{name: "primary"}
	secondary := &recordingProvider{name: "secondary"}
	r := NewRouter(primary, secondary)

	r.Abort()

	if !primary.aborted || !secondary.aborted {
		t.Errorf("expected both providers to observe abort")
	}
}
