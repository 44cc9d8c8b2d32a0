package llmstage

import (
	"context"

	"github.com/Panzah-Nexus/voice-pipeline/internal/router"
)

// Provider produces streaming chat completions from a user message plus
// optional RAG context and system prompt override.
type Provider interface {
	Chat(ctx context.Context, userMessage, ragContext, systemPrompt, model string, onToken TokenCallback) (*Result, error)
}

// Result holds the complete LLM response with timing.
type Result struct {
	Text               string  `json:"text"`
	Thinking           string  `json:"thinking,omitempty"`
	LatencyMs          float64 `json:"latency_ms"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// Router dispatches to the correct LLM backend based on engine name.
type Router struct {
	*router.Router[Provider]
}

// NewRouter creates a router with registered LLM backends and a fallback default.
func NewRouter(backends map[string]Provider, fallback string) *Router {
	return &Router{Router: router.New(backends, fallback)}
}

// Chat routes to the correct backend and streams a chat completion.
func (r *Router) Chat(ctx context.Context, userMessage, ragContext, systemPrompt, model, engine string, onToken TokenCallback) (*Result, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return backend.Chat(ctx, userMessage, ragContext, systemPrompt, model, onToken)
}
