package turn

import (
	"context"
	"testing"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/bus"
	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
	"github.com/Panzah-Nexus/voice-pipeline/internal/llmstage"
	"github.com/Panzah-Nexus/voice-pipeline/internal/ttsparent"
)

func newTestController(t *testing.T) (*Controller, *bus.InterruptBus) {
	t.Helper()
	ib := bus.New()
	llm := llmstage.New(llmstage.NewRouter(map[string]llmstage.Provider{}, ""), llmstage.DefaultConfig())
	cfg := DefaultConfig()
	cfg.SystemPrompt = "you are a helpful voice assistant"
	cfg.STTTimeout = 50 * time.Millisecond
	return New(cfg, llm, ib), ib
}

func TestHappyPathReachesSpeakingThenIdle(t *testing.T) {
	c, _ := newTestController(t)

	vad := make(chan frame.Frame, 4)
	transcripts := make(chan frame.Frame, 4)
	llmOut := make(chan frame.Frame, 4)
	ttsOut := make(chan frame.Frame, 4)
	ttsAcks := make(chan ttsparent.Ack, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prompts := make(chan frame.Frame)
	events := make(chan frame.Frame, 16)
	c.Run(ctx, vad, transcripts, llmOut, ttsOut, ttsAcks, prompts, events)

	vad <- frame.New(frame.KindVADStart, 1, 0)
	vad <- frame.New(frame.KindVADEnd, 1, 1)

	c.waitForState(t, StateTranscribing, time.Second)

	transcripts <- frame.Transcript(1, 0, "hello there", true)

	select {
	case p := <-prompts:
		if p.Kind != frame.KindPrompt || p.TurnID != 1 {
			t.Fatalf("unexpected prompt frame %+v", p)
		}
		foundUser := false
		for _, m := range p.Messages {
			if m.Role == "user" && m.Text == "hello there" {
				foundUser = true
			}
		}
		if !foundUser {
			t.Fatalf("expected user message in prompt, got %+v", p.Messages)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a PromptFrame after final transcript")
	}

	c.waitForState(t, StateThinking, time.Second)

	llmOut <- frame.LLMToken(1, 0, "hi")
	llmOut <- frame.LLMToken(1, 1, " there")
	llmOut <- frame.New(frame.KindLLMDone, 1, 2)

	ttsOut <- frame.New(frame.KindTTSStarted, 1, 0)
	c.waitForState(t, StateSpeaking, time.Second)

	ttsAcks <- ttsparent.Ack{TurnID: 1, Text: "hi there"}

	c.waitForState(t, StateIdle, time.Second)

	drainNonBlocking(events)
}

func TestEmptyLLMReplyRetiresTurn(t *testing.T) {
	c, _ := newTestController(t)

	vad := make(chan frame.Frame, 4)
	transcripts := make(chan frame.Frame, 4)
	llmOut := make(chan frame.Frame, 4)
	ttsOut := make(chan frame.Frame, 4)
	ttsAcks := make(chan ttsparent.Ack, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prompts := make(chan frame.Frame)
	events := make(chan frame.Frame, 16)
	c.Run(ctx, vad, transcripts, llmOut, ttsOut, ttsAcks, prompts, events)
	go drainNonBlockingLoop(prompts)
	go drainNonBlockingLoop(events)

	vad <- frame.New(frame.KindVADStart, 1, 0)
	vad <- frame.New(frame.KindVADEnd, 1, 1)
	transcripts <- frame.Transcript(1, 0, "are you there", true)

	c.waitForState(t, StateThinking, time.Second)

	llmOut <- frame.New(frame.KindLLMDone, 1, 0)

	c.waitForState(t, StateIdle, time.Second)

	snapshot := c.ctxStore.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected system + user + assistant, got %d messages: %+v", len(snapshot), snapshot)
	}
	if snapshot[1].Role != "user" || snapshot[2].Role != "assistant" {
		t.Fatalf("expected alternating user/assistant roles, got %+v", snapshot)
	}
	if snapshot[2].Text != "" {
		t.Fatalf("expected empty assistant message for an empty reply, got %q", snapshot[2].Text)
	}
}

func TestSTTTimeoutRetiresTurnWithoutTranscript(t *testing.T) {
	c, _ := newTestController(t)

	vad := make(chan frame.Frame, 4)
	transcripts := make(chan frame.Frame, 4)
	llmOut := make(chan frame.Frame, 4)
	ttsOut := make(chan frame.Frame, 4)
	ttsAcks := make(chan ttsparent.Ack, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prompts := make(chan frame.Frame)
	events := make(chan frame.Frame, 16)
	c.Run(ctx, vad, transcripts, llmOut, ttsOut, ttsAcks, prompts, events)
	go drainNonBlockingLoop(prompts)
	go drainNonBlockingLoop(events)

	vad <- frame.New(frame.KindVADStart, 1, 0)
	vad <- frame.New(frame.KindVADEnd, 1, 1)

	c.waitForState(t, StateIdle, time.Second)
}

func TestInterruptDuringSpeakingTruncatesContext(t *testing.T) {
	c, ib := newTestController(t)

	vad := make(chan frame.Frame, 4)
	transcripts := make(chan frame.Frame, 4)
	llmOut := make(chan frame.Frame, 4)
	ttsOut := make(chan frame.Frame, 4)
	ttsAcks := make(chan ttsparent.Ack, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prompts := make(chan frame.Frame)
	events := make(chan frame.Frame, 16)
	c.Run(ctx, vad, transcripts, llmOut, ttsOut, ttsAcks, prompts, events)
	go drainNonBlockingLoop(prompts)
	go drainNonBlockingLoop(events)

	vad <- frame.New(frame.KindVADStart, 1, 0)
	vad <- frame.New(frame.KindVADEnd, 1, 1)
	transcripts <- frame.Transcript(1, 0, "tell me a long story", true)
	c.waitForState(t, StateThinking, time.Second)

	llmOut <- frame.LLMToken(1, 0, "Once upon a time, there was")
	ttsOut <- frame.New(frame.KindTTSStarted, 1, 0)
	c.waitForState(t, StateSpeaking, time.Second)

	ttsAcks <- ttsparent.Ack{TurnID: 1, Text: "Once upon a time,"}
	time.Sleep(20 * time.Millisecond)

	ib.Publish(frame.Interrupt(2, "user_speech"))

	c.waitForState(t, StateIdle, time.Second)

	snapshot := c.ctxStore.Snapshot()
	var assistantText string
	for _, m := range snapshot {
		if m.Role == "assistant" {
			assistantText = m.Text
		}
	}
	if assistantText != "Once upon a time," {
		t.Fatalf("expected truncated assistant text %q, got %q", "Once upon a time,", assistantText)
	}
}

// TestBargeInVADStartSurvivesInterruptRace covers the case where the new
// utterance's VADStart is dequeued from the data channel before the VAD
// Gate's InterruptFrame for the same speech is dequeued from the bus
// (the two carry no ordering guarantee relative to each other). The
// VADStart must not be dropped: once the interrupted turn commits, the
// Controller should start turn 2 from the deferred VADStart rather than
// waiting for a VADStart that will never be re-sent.
func TestBargeInVADStartSurvivesInterruptRace(t *testing.T) {
	c, ib := newTestController(t)

	vad := make(chan frame.Frame, 4)
	transcripts := make(chan frame.Frame, 4)
	llmOut := make(chan frame.Frame, 4)
	ttsOut := make(chan frame.Frame, 4)
	ttsAcks := make(chan ttsparent.Ack, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prompts := make(chan frame.Frame)
	events := make(chan frame.Frame, 16)
	c.Run(ctx, vad, transcripts, llmOut, ttsOut, ttsAcks, prompts, events)
	go drainNonBlockingLoop(prompts)
	go drainNonBlockingLoop(events)

	vad <- frame.New(frame.KindVADStart, 1, 0)
	vad <- frame.New(frame.KindVADEnd, 1, 1)
	transcripts <- frame.Transcript(1, 0, "tell me a long story", true)
	c.waitForState(t, StateThinking, time.Second)

	llmOut <- frame.LLMToken(1, 0, "Once upon a time")
	ttsOut <- frame.New(frame.KindTTSStarted, 1, 0)
	c.waitForState(t, StateSpeaking, time.Second)

	// The new speech's VADStart lands on the data channel first, ahead
	// of the InterruptFrame the VAD Gate publishes for the same turn.
	vad <- frame.New(frame.KindVADStart, 2, 0)
	time.Sleep(20 * time.Millisecond)
	ib.Publish(frame.Interrupt(2, "user_speech"))

	c.waitForState(t, StateListening, time.Second)

	c.mu.Lock()
	turnID := c.turn.id
	c.mu.Unlock()
	if turnID != 2 {
		t.Fatalf("expected the barged-in VADStart to start turn 2, got turn %d", turnID)
	}
}

func TestInterruptDuringListeningDiscardsTurn(t *testing.T) {
	c, ib := newTestController(t)

	vad := make(chan frame.Frame, 4)
	transcripts := make(chan frame.Frame, 4)
	llmOut := make(chan frame.Frame, 4)
	ttsOut := make(chan frame.Frame, 4)
	ttsAcks := make(chan ttsparent.Ack, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prompts := make(chan frame.Frame)
	events := make(chan frame.Frame, 16)
	c.Run(ctx, vad, transcripts, llmOut, ttsOut, ttsAcks, prompts, events)
	go drainNonBlockingLoop(prompts)
	go drainNonBlockingLoop(events)

	vad <- frame.New(frame.KindVADStart, 1, 0)
	c.waitForState(t, StateListening, time.Second)

	ib.Publish(frame.Interrupt(2, "user_speech"))
	c.waitForState(t, StateIdle, time.Second)

	if c.ctxStore.Len() != 0 {
		t.Fatalf("expected no context mutation from a discarded turn, got %d messages", c.ctxStore.Len())
	}
}

// waitForState polls until the Controller reaches want or the timeout
// elapses, failing the test in the latter case.
func (c *Controller) waitForState(t *testing.T, want State, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, c.State())
	return false
}

func drainNonBlocking(ch <-chan frame.Frame) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// drainNonBlockingLoop keeps an unbuffered output channel empty for the
// life of the test so the Controller's goroutine never blocks trying
// to send into a channel nobody is reading.
func drainNonBlockingLoop(ch <-chan frame.Frame) {
	for range ch {
	}
}
