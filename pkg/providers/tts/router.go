package tts

import (
	"context"
	"strings"
	"sync"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// elevenLabsPrefix is the reserved voice-id prefix that selects the
// alternate provider; it is stripped before forwarding the voice-id on.
const elevenLabsPrefix = "el_"

// Router implements orchestrator.TTSProvider by dispatching each call to
// the primary or secondary provider based on the voice-id prefix. It is
// the single TTSProvider a Call holds; Abort fans out to whichever
// provider most recently started a call.
type Router struct {
	primary   orchestrator.TTSProvider
	secondary orchestrator.TTSProvider

	mu     sync.Mutex
	active orchestrator.TTSProvider
}

func NewRouter(primary, secondary orchestrator.TTSProvider) *Router {
	return &Router{primary: primary, secondary: secondary}
}

func (r *Router) StreamSynthesize(ctx context.Context, text string, voiceID string, lang orchestrator.Language, onChunk func([]byte) error) error {
	provider := r.primary
	effectiveVoice := voiceID
	if strings.HasPrefix(voiceID, elevenLabsPrefix) {
		provider = r.secondary
		effectiveVoice = strings.TrimPrefix(voiceID, elevenLabsPrefix)
	}

	r.mu.Lock()
	r.active = provider
	r.mu.Unlock()

	return provider.StreamSynthesize(ctx, text, effectiveVoice, lang, onChunk)
}

func (r *Router) Abort() {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active != nil {
		active.Abort()
	}
	// Abort is best-effort and may race with a just-dispatched call on
	// the other provider; aborting both is harmless since Abort on an
	// idle provider is a no-op.
	r.primary.Abort()
	r.secondary.Abort()
}

func (r *Router) Name() string { return "tts-router" }

var (
	fillerMu    sync.RWMutex
	fillerAudio []byte
)

// PreloadFiller generates and caches a fixed filler phrase at startup,
// per the TTS client contract's static preloadFiller(). Callers read the
// cache via Filler and must tolerate a nil/empty result if it has not
// been populated yet or generation failed.
func PreloadFiller(ctx context.Context, provider orchestrator.TTSProvider, voiceID string, lang orchestrator.Language) error {
	var buf []byte
	err := provider.StreamSynthesize(ctx, "One moment please.", voiceID, lang, func(chunk []byte) error {
		buf = append(buf, chunk...)
		return nil
	})
	if err != nil {
		return err
	}
	fillerMu.Lock()
	fillerAudio = buf
	fillerMu.Unlock()
	return nil
}

// Filler returns the cached filler-phrase audio, or nil if it has not
// been populated.
func Filler() []byte {
	fillerMu.RLock()
	defer fillerMu.RUnlock()
	return fillerAudio
}
