package orchestrator

import (
	"context"
)

// Logger is the structured-logging contract every component in this
// module depends on instead of the standard log package.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// Language is an ISO-639-1-ish tag used across STT/TTS/LLM calls.
type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
)

// STTStreamClient is the per-call bidirectional streaming contract with a
// speech-to-text provider. The Orchestrator owns exactly one of these per
// Call and never shares it.
type STTStreamClient interface {
	// Send forwards one audio frame to the provider. No-op if not yet
	// connected.
	Send(frame []byte) error
	// Close performs an intentional close; it suppresses reconnect.
	Close() error
}

// STTCallbacks are supplied at construction time so the client never holds
// a reference back to the Orchestrator.
type STTCallbacks struct {
	OnFinalTranscript func(text string)
	OnSpeechStarted   func()
}

// STTDialer opens a new STTStreamClient for a call.
type STTDialer func(ctx context.Context, lang Language, cb STTCallbacks) (STTStreamClient, error)

// TTSProvider is the synchronous-from-the-caller's-perspective streaming
// text-to-speech contract. Abort is part of the interface: every provider
// must support cancelling an in-flight generation cleanly.
type TTSProvider interface {
	Name() string
	// StreamSynthesize generates audio for text and invokes onChunk for
	// each produced audio frame, in order. It returns when generation
	// completes, is aborted, or fails.
	StreamSynthesize(ctx context.Context, text string, voiceID string, lang Language, onChunk func([]byte) error) error
	// Abort cancels any in-flight generation owned by this provider
	// instance. The aborted call returns cleanly (no error surfaced to
	// its caller beyond context.Canceled).
	Abort()
}

// Message is one turn of conversational context, mirroring the durable
// Message row's role/content shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stage is the coarse phase within a turn.
type Stage string

const (
	StageListening      Stage = "LISTENING"
	StageThinking       Stage = "THINKING"
	StageSpeaking       Stage = "SPEAKING"
	StageToolExecution  Stage = "TOOL_EXECUTION"
)

// EventType enumerates outbound/observability events the Orchestrator
// emits on its event channel.
type EventType string

const (
	EventUserSpeaking    EventType = "USER_SPEAKING"
	EventTranscriptFinal EventType = "TRANSCRIPT_FINAL"
	EventBotThinking     EventType = "BOT_THINKING"
	EventBotSpeaking     EventType = "BOT_SPEAKING"
	EventInterrupted     EventType = "INTERRUPTED"
	EventAudioChunk      EventType = "AUDIO_CHUNK"
	EventClear           EventType = "CLEAR"
	EventClosed          EventType = "CLOSED"
	EventErrorEvent      EventType = "ERROR"
)

// Event is emitted on Call.Events() for the transport to consume.
type Event struct {
	Type    EventType
	CallID  string
	Audio   []byte
	Text    string
	Err     error
}

// Config tunes per-call audio and context parameters.
type Config struct {
	SampleRate         int
	MaxContextMessages int
	Language           Language
	RetrievalTimeout    int // seconds
	LLMTimeout          int // seconds
}

func DefaultConfig() Config {
	return Config{
		SampleRate:         8000,
		MaxContextMessages: 20,
		Language:           LanguageEn,
		RetrievalTimeout:   3,
		LLMTimeout:         15,
	}
}
