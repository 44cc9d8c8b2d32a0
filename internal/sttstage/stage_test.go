package sttstage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

type mockProvider struct {
	result *Result
	err    error
}

func (m *mockProvider) Transcribe(ctx context.Context, samples []float32) (*Result, error) {
	return m.result, m.err
}

func newTestStage(t *testing.T, backend Provider) *Stage {
	t.Helper()
	r := NewRouter(map[string]Provider{"mock": backend}, "mock")
	return New(r, DefaultConfig())
}

func TestStageEmitsFinalTranscript(t *testing.T) {
	stage := newTestStage(t, &mockProvider{result: &Result{Text: "turn the lights on"}})
	stage.cfg.Engine = "mock"

	in := make(chan frame.Frame, 1)
	in <- frame.UserSpeech(1, 0, make([]float32, 160), 16000)
	close(in)

	out := stage.Run(context.Background(), in)
	got, ok := <-out
	if !ok {
		t.Fatal("expected a transcript frame, got none")
	}
	if got.Kind != frame.KindTranscript || !got.IsFinal {
		t.Fatalf("expected final transcript frame, got %+v", got)
	}
	if got.Text != "turn the lights on" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if _, ok := <-out; ok {
		t.Fatal("expected channel to close after one frame")
	}
}

func TestStageFiltersSilence(t *testing.T) {
	stage := newTestStage(t, &mockProvider{result: &Result{Text: "  "}})
	stage.cfg.Engine = "mock"

	in := make(chan frame.Frame, 1)
	in <- frame.UserSpeech(1, 0, make([]float32, 160), 16000)
	close(in)

	out := stage.Run(context.Background(), in)
	if _, ok := <-out; ok {
		t.Fatal("expected no frame for an empty transcript")
	}
}

func TestStageFiltersNoiseWords(t *testing.T) {
	stage := newTestStage(t, &mockProvider{result: &Result{Text: "[inaudible]"}})
	stage.cfg.Engine = "mock"

	in := make(chan frame.Frame, 1)
	in <- frame.UserSpeech(1, 0, make([]float32, 160), 16000)
	close(in)

	out := stage.Run(context.Background(), in)
	if _, ok := <-out; ok {
		t.Fatal("expected no frame for a noise-only transcript")
	}
}

func TestStageFiltersLowConfidence(t *testing.T) {
	stage := newTestStage(t, &mockProvider{result: &Result{Text: "hello there", NoSpeechProb: 0.9}})
	stage.cfg.Engine = "mock"

	in := make(chan frame.Frame, 1)
	in <- frame.UserSpeech(1, 0, make([]float32, 160), 16000)
	close(in)

	out := stage.Run(context.Background(), in)
	if _, ok := <-out; ok {
		t.Fatal("expected no frame when no_speech_prob exceeds threshold")
	}
}

func TestStageEmitsErrorFrameOnBackendFailure(t *testing.T) {
	stage := newTestStage(t, &mockProvider{err: errors.New("backend unreachable")})
	stage.cfg.Engine = "mock"

	in := make(chan frame.Frame, 1)
	in <- frame.UserSpeech(1, 0, make([]float32, 160), 16000)
	close(in)

	out := stage.Run(context.Background(), in)
	got, ok := <-out
	if !ok {
		t.Fatal("expected an error frame")
	}
	if got.Kind != frame.KindError || got.ErrKind != "stt" {
		t.Fatalf("expected stt error frame, got %+v", got)
	}
}

func TestStageIgnoresNonUserSpeechFrames(t *testing.T) {
	stage := newTestStage(t, &mockProvider{result: &Result{Text: "should not be called"}})
	stage.cfg.Engine = "mock"

	in := make(chan frame.Frame, 1)
	in <- frame.System("ping")
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out := stage.Run(ctx, in)
	select {
	case f, ok := <-out:
		if ok {
			t.Fatalf("expected no frames for a non-speech input, got %+v", f)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("stage did not close output channel after input closed")
	}
}
