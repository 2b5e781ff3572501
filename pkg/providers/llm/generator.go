package llm

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
	"github.com/lokutor-ai/callorch/pkg/tools"
)

// ToolExecutor is the subset of the Tool Registry the Generator depends
// on. *tools.Registry satisfies this directly; the interface exists so
// tests can supply a stub registry.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, argsJSON string) (string, error)
	Schemas(names []string) []tools.Definition
}

// sentenceRe implements the exact terminator-aware splitting rule:
// greedily match runs of non-terminator characters followed by one or
// more terminators.
var sentenceRe = regexp.MustCompile(`[^.?!]+[.?!]+`)

var fillerPhrases = []string{
	"Let me check that for you.",
	"One moment, please.",
	"Just a second while I look that up.",
	"Give me a moment to check on that.",
}

const (
	ragHeader = "<<<RETRIEVED_CONTEXT>>>"
	ragFooter = "<<<END_RETRIEVED_CONTEXT>>>"

	maxToolIterations = 8
)

// Generator implements orchestrator.Generator on top of any-llm-go's
// unified multi-provider chat-completion interface, driving the tool
// loop and sentence-splitting emitter described in the LLM Generator
// contract.
type Generator struct {
	backend anyllmlib.Provider
	model   string
	tools   ToolExecutor
}

// NewGenerator constructs a Generator for one of "openai", "anthropic",
// "gemini", "groq" — the provider names this module exercises.
func NewGenerator(providerName, model string, tools ToolExecutor, opts ...anyllmlib.Option) (*Generator, error) {
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm generator: %w", err)
	}
	return &Generator{backend: backend, model: model, tools: tools}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", providerName)
	}
}

// Generate implements orchestrator.Generator: it assembles the prompt,
// runs the tool loop, and emits sentences via onSentence in order. A
// failure of the completion call returns an error wrapping
// orchestrator.ErrLLMFailed; the Call logs it and recovers the turn.
func (g *Generator) Generate(ctx context.Context, systemPrompt string, history []orchestrator.Message, userText string, ragContext string, toolNames []string, onSentence func(string)) error {
	prompt := systemPrompt
	if ragContext != "" {
		prompt = prompt + "\n\n" + ragHeader + "\n" + ragContext + "\n" + ragFooter
	}

	messages := []anyllmlib.Message{{Role: anyllmlib.RoleSystem, Content: prompt}}
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: userText})

	var toolDefs []anyllmlib.Tool
	for _, s := range g.tools.Schemas(toolNames) {
		toolDefs = append(toolDefs, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		resp, err := g.backend.Completion(ctx, anyllmlib.CompletionParams{
			Model:    g.model,
			Messages: messages,
			Tools:    toolDefs,
		})
		if err != nil {
			onSentence("I'm having trouble connecting right now.")
			return fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
		}
		if len(resp.Choices) == 0 {
			onSentence("I'm having trouble connecting right now.")
			return fmt.Errorf("%w: empty response", orchestrator.ErrLLMFailed)
		}

		choice := resp.Choices[0].Message
		if len(choice.ToolCalls) == 0 {
			emitSentences(choice.ContentString(), onSentence)
			return nil
		}

		call := choice.ToolCalls[0]

		onSentence(fillerPhrases[rand.Intn(len(fillerPhrases))])

		result, err := g.tools.Execute(ctx, call.Function.Name, call.Function.Arguments)
		if err != nil {
			// unknown tool or execution failure: log-equivalent via the
			// returned error and break the loop per the tool-loop contract.
			onSentence("I'm having trouble connecting right now.")
			return fmt.Errorf("%w: %v", orchestrator.ErrLLMFailed, err)
		}

		messages = append(messages,
			anyllmlib.Message{
				Role: anyllmlib.RoleAssistant,
				ToolCalls: []anyllmlib.ToolCall{{
					ID:   call.ID,
					Type: "function",
					Function: anyllmlib.FunctionCall{
						Name:      call.Function.Name,
						Arguments: call.Function.Arguments,
					},
				}},
			},
			anyllmlib.Message{
				Role:       anyllmlib.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			},
		)
	}

	onSentence("I'm having trouble connecting right now.")
	return fmt.Errorf("%w: tool loop exceeded max iterations", orchestrator.ErrLLMFailed)
}

// emitSentences applies the exact splitting rule: greedily match
// terminator-ended runs, then emit any trailing non-terminated fragment.
// Empty/whitespace-only fragments are dropped.
func emitSentences(text string, onSentence func(string)) {
	matches := sentenceRe.FindAllString(text, -1)
	consumed := 0
	for _, m := range matches {
		consumed += len(m)
		if trimmed := strings.TrimSpace(m); trimmed != "" {
			onSentence(trimmed)
		}
	}
	if remainder := strings.TrimSpace(text[consumed:]); remainder != "" {
		onSentence(remainder)
	}
}
