package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// LLMClient is the single-shot chat-completion contract satisfied by
// AnthropicLLM, GoogleLLM, OpenAILLM, and GroqLLM.
type LLMClient interface {
	Complete(ctx context.Context, messages []orchestrator.Message) (string, error)
	Name() string
}

// NewInProcessClient selects a direct-HTTP LLMClient by provider name.
// It backs the in-process generation path that cmd/server selects at
// startup when cfg.LLMRemoteBaseURL is unset. A failing remote Generator
// does not fall back to it at runtime.
func NewInProcessClient(providerName, apiKey, model string) (LLMClient, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return NewOpenAILLM(apiKey, model), nil
	case "anthropic":
		return NewAnthropicLLM(apiKey, model), nil
	case "gemini", "google":
		return NewGoogleLLM(apiKey, model), nil
	case "groq":
		return NewGroqLLM(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unsupported in-process llm provider %q", providerName)
	}
}

// InProcessGenerator adapts a single-shot LLMClient to
// orchestrator.Generator. It has no tool loop: it is the bounded
// fallback path, not a replacement for the any-llm-go-backed Generator.
type InProcessGenerator struct {
	client LLMClient
}

func NewInProcessGenerator(client LLMClient) *InProcessGenerator {
	return &InProcessGenerator{client: client}
}

func (g *InProcessGenerator) Generate(ctx context.Context, systemPrompt string, history []orchestrator.Message, userText string, ragContext string, toolNames []string, onSentence func(string)) error {
	prompt := systemPrompt
	if ragContext != "" {
		prompt = prompt + "\n\n" + ragHeader + "\n" + ragContext + "\n" + ragFooter
	}

	messages := make([]orchestrator.Message, 0, len(history)+2)
	messages = append(messages, orchestrator.Message{Role: "system", Content: prompt})
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		messages = append(messages, m)
	}
	messages = append(messages, orchestrator.Message{Role: "user", Content: userText})

	text, err := g.client.Complete(ctx, messages)
	if err != nil {
		onSentence("I'm having trouble connecting right now.")
		return fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
	}

	emitSentences(text, onSentence)
	return nil
}
