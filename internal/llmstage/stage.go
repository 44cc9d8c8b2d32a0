package llmstage

import (
	"context"
	"sync"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

// Config controls generation parameters and stage timeouts (spec §4.E, §5).
type Config struct {
	Engine           string
	Model            string
	SystemPrompt     string
	Temperature      float64
	FirstTokenBudget time.Duration // default 3s
	TotalBudget      time.Duration // default 30s
	TokenBacklog     int           // K, default 64
}

// DefaultConfig returns the spec's default LLM stage timeouts.
func DefaultConfig() Config {
	return Config{
		Temperature:      0.3,
		FirstTokenBudget: 3 * time.Second,
		TotalBudget:      30 * time.Second,
		TokenBacklog:     64,
	}
}

// Stage is the LLM pipeline stage: it consumes PromptFrame and emits a
// stream of LLMTokenFrame followed by one LLMDoneFrame, cancellable
// mid-stream via the interrupt side channel.
type Stage struct {
	router *Router
	cfg    Config

	mu          sync.Mutex
	currentTurn uint64
	cancelFn    context.CancelFunc
}

// New creates an LLM stage dispatching through r.
func New(r *Router, cfg Config) *Stage {
	if cfg.TokenBacklog <= 0 {
		cfg.TokenBacklog = 64
	}
	return &Stage{router: r, cfg: cfg}
}

// HandleInterrupt cancels in-flight generation if it belongs to turnID.
// Call from the stage's owning goroutine reading the interrupt bus, or
// directly from the Turn Controller — cancellation here is advisory and
// safe to call from any goroutine.
func (s *Stage) HandleInterrupt(turnID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentTurn == turnID && s.cancelFn != nil {
		s.cancelFn()
	}
}

// Run consumes PromptFrames from in and emits LLMTokenFrame/LLMDoneFrame
// to the returned channel, which is buffered to cfg.TokenBacklog so the
// stage blocks on send once the Sentence Aggregator falls behind by
// more than K frames (spec §4.E backpressure).
func (s *Stage) Run(ctx context.Context, in <-chan frame.Frame) <-chan frame.Frame {
	out := make(chan frame.Frame, s.cfg.TokenBacklog)
	go func() {
		defer close(out)
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}
				if f.Kind != frame.KindPrompt {
					continue
				}
				seq = s.runTurn(ctx, f, out, seq)
			}
		}
	}()
	return out
}

func (s *Stage) runTurn(parent context.Context, prompt frame.Frame, out chan<- frame.Frame, seq uint64) uint64 {
	turnCtx, cancel := context.WithTimeout(parent, s.cfg.TotalBudget)
	defer cancel()

	s.mu.Lock()
	s.currentTurn = prompt.TurnID
	s.cancelFn = cancel
	s.mu.Unlock()

	userMessage, systemPrompt := splitPrompt(prompt.Messages, s.cfg.SystemPrompt)

	onToken := func(tok string) {
		select {
		case out <- frame.LLMToken(prompt.TurnID, seq, tok):
			seq++
		case <-turnCtx.Done():
		}
	}

	_, err := s.router.Chat(turnCtx, userMessage, "", systemPrompt, s.cfg.Model, s.cfg.Engine, onToken)
	_ = err // surfaced to the Turn Controller via ErrorFrame at a higher layer

	select {
	case out <- frame.New(frame.KindLLMDone, prompt.TurnID, seq):
		seq++
	case <-parent.Done():
	}
	return seq
}

// splitPrompt extracts the latest user message and a system prompt from
// a PromptFrame's message list. The system prompt is the first system
// message (fallbackSystem when there is none) with any later system
// messages, such as retrieved RAG context, appended. Earlier user and
// assistant messages are not passed on to the provider.
func splitPrompt(messages []frame.Message, fallbackSystem string) (userMessage, systemPrompt string) {
	systemPrompt = fallbackSystem
	seenSystem := false
	for _, m := range messages {
		if m.Role != "system" {
			continue
		}
		if seenSystem {
			systemPrompt += "\n\n" + m.Text
		} else {
			systemPrompt = m.Text
			seenSystem = true
		}
	}
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		if last.Role == "user" {
			userMessage = last.Text
		}
	}
	return userMessage, systemPrompt
}
