package llmstage

import (
	"context"
	"errors"
	"testing"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

type mockProvider struct {
	tokens []string
	result *Result
	err    error
}

func (m *mockProvider) Chat(ctx context.Context, userMessage, ragContext, systemPrompt, model string, onToken TokenCallback) (*Result, error) {
	for _, tok := range m.tokens {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		onToken(tok)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func newTestStage(t *testing.T, backend Provider) *Stage {
	t.Helper()
	r := NewRouter(map[string]Provider{"mock": backend}, "mock")
	cfg := DefaultConfig()
	cfg.Engine = "mock"
	return New(r, cfg)
}

func promptIn(turnID uint64, text string) <-chan frame.Frame {
	in := make(chan frame.Frame, 1)
	in <- frame.Frame{Kind: frame.KindPrompt, TurnID: turnID, Messages: []frame.Message{{Role: "user", Text: text}}}
	close(in)
	return in
}

func TestStageStreamsTokensThenDone(t *testing.T) {
	stage := newTestStage(t, &mockProvider{tokens: []string{"hel", "lo"}, result: &Result{Text: "hello"}})

	out := stage.Run(context.Background(), promptIn(1, "hi"))

	var got []frame.Frame
	for f := range out {
		got = append(got, f)
	}

	if len(got) != 3 {
		t.Fatalf("expected 2 token frames + 1 done frame, got %d: %+v", len(got), got)
	}
	if got[0].Kind != frame.KindLLMToken || got[0].DeltaText != "hel" {
		t.Fatalf("unexpected first token frame: %+v", got[0])
	}
	if got[1].Kind != frame.KindLLMToken || got[1].DeltaText != "lo" {
		t.Fatalf("unexpected second token frame: %+v", got[1])
	}
	if got[2].Kind != frame.KindLLMDone {
		t.Fatalf("expected final frame to be LLMDone, got %+v", got[2])
	}
	for i, f := range got {
		if f.TurnID != 1 {
			t.Fatalf("frame %d has wrong turn id: %+v", i, f)
		}
		if int(f.Seq) != i {
			t.Fatalf("frame %d has wrong seq %d", i, f.Seq)
		}
	}
}

func TestStageEmitsDoneOnBackendError(t *testing.T) {
	stage := newTestStage(t, &mockProvider{err: errors.New("backend unreachable")})

	out := stage.Run(context.Background(), promptIn(1, "hi"))

	got, ok := <-out
	if !ok {
		t.Fatal("expected a done frame even when the backend errors")
	}
	if got.Kind != frame.KindLLMDone {
		t.Fatalf("expected LLMDone frame, got %+v", got)
	}
	if _, ok := <-out; ok {
		t.Fatal("expected channel to close after the done frame")
	}
}

func TestHandleInterruptCancelsOnlyMatchingTurn(t *testing.T) {
	stage := newTestStage(t, &mockProvider{})

	stage.mu.Lock()
	stage.currentTurn = 5
	var canceled bool
	stage.cancelFn = func() { canceled = true }
	stage.mu.Unlock()

	stage.HandleInterrupt(6)
	if canceled {
		t.Fatal("HandleInterrupt cancelled generation for a different turn")
	}

	stage.HandleInterrupt(5)
	if !canceled {
		t.Fatal("HandleInterrupt did not cancel generation for the matching turn")
	}
}

func TestSplitPromptUsesSystemMessageAndLastUserMessage(t *testing.T) {
	messages := []frame.Message{
		{Role: "system", Text: "you are a helpful assistant"},
		{Role: "user", Text: "first"},
		{Role: "assistant", Text: "reply"},
		{Role: "user", Text: "second"},
	}

	userMessage, systemPrompt := splitPrompt(messages, "fallback")
	if userMessage != "second" {
		t.Fatalf("expected last user message, got %q", userMessage)
	}
	if systemPrompt != "you are a helpful assistant" {
		t.Fatalf("expected system message from prompt, got %q", systemPrompt)
	}
}

func TestSplitPromptFallsBackToConfiguredSystemPrompt(t *testing.T) {
	messages := []frame.Message{{Role: "user", Text: "hi"}}

	_, systemPrompt := splitPrompt(messages, "fallback prompt")
	if systemPrompt != "fallback prompt" {
		t.Fatalf("expected fallback system prompt, got %q", systemPrompt)
	}
}
