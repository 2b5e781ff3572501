package orchestrator

import "errors"

var (
	// ErrEmptyTranscription is returned when a transcription call yields
	// no text.
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	// ErrTranscriptionFailed wraps speech-to-text failures.
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	// ErrLLMFailed wraps language-model generation failures.
	ErrLLMFailed = errors.New("language model generation failed")

	// ErrTTSFailed wraps text-to-speech synthesis failures.
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	// ErrNilProvider signals a required provider was not supplied.
	ErrNilProvider = errors.New("required provider is nil")

	// ErrContextCancelled signals the operation was cancelled by its
	// context, not by a business-level failure.
	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrConversationNotFound is returned by start() when a
	// conversation-id is given but does not resolve to a known row.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMissingCallID is returned by start() when call-id is absent.
	ErrMissingCallID = errors.New("missing call id")

	// ErrInsufficientBalance signals the org has too little credit to
	// admit or continue a call.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrGhostCallTimeout signals the ghost-call watchdog found no
	// recent audio and closed the call.
	ErrGhostCallTimeout = errors.New("ghost call timeout")

	// ErrAlreadyStopped names a call that has already been stopped. Stop
	// does not return it: Stop is idempotent via sync.Once and has no
	// error result.
	ErrAlreadyStopped = errors.New("call already stopped")

	// ErrCallAlreadyReserved is returned by start() when a provider-call-id
	// has already been admitted once; a repeated start() for the same id
	// is a no-op attach, not a second initialization.
	ErrCallAlreadyReserved = errors.New("call already reserved")
)
