// Package llmstage implements the LLM Stage (spec §4.E): it consumes a
// PromptFrame and streams LLMTokenFrame chunks followed by one
// LLMDoneFrame, dispatching to a pluggable backend selected by engine
// name. Concrete backends talk to Ollama, the OpenAI-compatible
// completions API, the Anthropic Messages API, or the openai-agents-go
// SDK, mirroring the donor gateway's client set.
package llmstage

import (
	"net/http"
	"time"
)

// newPooledHTTPClient creates an http.Client with connection pooling and tuned transport.
func newPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
