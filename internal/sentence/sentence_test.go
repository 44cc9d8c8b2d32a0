package sentence

import (
	"context"
	"testing"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

func collect(t *testing.T, out <-chan frame.Frame) []frame.Frame {
	t.Helper()
	var got []frame.Frame
	for {
		select {
		case f, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, f)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for output")
		}
	}
}

func TestEmitsOnTerminalPunctuation(t *testing.T) {
	stage := New(DefaultConfig())
	in := make(chan frame.Frame, 8)
	in <- frame.LLMToken(1, 0, "Hello there. ")
	in <- frame.LLMToken(1, 1, "How are you?")
	in <- frame.New(frame.KindLLMDone, 1, 2)
	close(in)

	got := collect(t, stage.Run(context.Background(), in))
	if len(got) != 2 {
		t.Fatalf("expected 2 utterances, got %d: %+v", len(got), got)
	}
	if got[0].Text != "Hello there." {
		t.Fatalf("unexpected first utterance %q", got[0].Text)
	}
	if got[1].Text != "How are you?" {
		t.Fatalf("unexpected second utterance %q", got[1].Text)
	}
}

func TestEmitsOnSemicolonAndColon(t *testing.T) {
	stage := New(DefaultConfig())
	in := make(chan frame.Frame, 4)
	in <- frame.LLMToken(1, 0, "Step one; step two: done.")
	in <- frame.New(frame.KindLLMDone, 1, 1)
	close(in)

	got := collect(t, stage.Run(context.Background(), in))
	if len(got) != 3 {
		t.Fatalf("expected 3 utterances, got %d: %+v", len(got), got)
	}
}

func TestFlushesPastMaxChars(t *testing.T) {
	cfg := Config{MaxChars: 10}
	stage := New(cfg)
	in := make(chan frame.Frame, 4)
	in <- frame.LLMToken(1, 0, "this is a long run-on clause without punctuation, more words here")
	in <- frame.New(frame.KindLLMDone, 1, 1)
	close(in)

	got := collect(t, stage.Run(context.Background(), in))
	if len(got) < 2 {
		t.Fatalf("expected a forced flush once max_chars exceeded, got %+v", got)
	}
}

func TestLLMDoneFlushesRemainder(t *testing.T) {
	stage := New(DefaultConfig())
	in := make(chan frame.Frame, 4)
	in <- frame.LLMToken(1, 0, "no boundary here")
	in <- frame.New(frame.KindLLMDone, 1, 1)
	close(in)

	got := collect(t, stage.Run(context.Background(), in))
	if len(got) != 1 || got[0].Text != "no boundary here" {
		t.Fatalf("expected the whole buffer flushed on LLMDone, got %+v", got)
	}
}

func TestLLMDoneWithEmptyBufferEmitsNothing(t *testing.T) {
	stage := New(DefaultConfig())
	in := make(chan frame.Frame, 2)
	in <- frame.New(frame.KindLLMDone, 1, 0)
	close(in)

	got := collect(t, stage.Run(context.Background(), in))
	if len(got) != 0 {
		t.Fatalf("expected no utterances for an empty flush, got %+v", got)
	}
}
