package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

type fakeSpeaking struct {
	calls []bool
}

func (f *fakeSpeaking) SetSpeaking(v bool) {
	f.calls = append(f.calls, v)
}

func TestObserveTTSTracksSpeakingAndFirstAudioHook(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clock := newTurnClock()
	clock.start(1)
	spy := &spySink{}
	vad := &fakeSpeaking{}

	in := make(chan frame.Frame, 4)
	in <- frame.New(frame.KindTTSStarted, 1, 0)
	in <- frame.AudioOut(1, 0, []byte{1, 2}, 24000, 1)
	in <- frame.New(frame.KindTTSStopped, 1, 0)
	close(in)

	observeTTS(ctx, in, clock, spy, vad)

	if len(vad.calls) != 1 || vad.calls[0] != true {
		t.Fatalf("expected exactly one SetSpeaking(true) call, got %v", vad.calls)
	}
	wantHooks := []string{HookTTSFirstAudio, HookTTSDone}
	if len(spy.hooks) != len(wantHooks) {
		t.Fatalf("expected hooks %v, got %v", wantHooks, spy.hooks)
	}
	for i, h := range wantHooks {
		if spy.hooks[i] != h {
			t.Fatalf("expected hooks %v, got %v", wantHooks, spy.hooks)
		}
	}
}

func TestObserveEventsRecordsOutcomeAndReleasesSpeaking(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clock := newTurnClock()
	clock.start(1)
	spy := &spySink{}
	vad := &fakeSpeaking{}

	in := make(chan frame.Frame, 1)
	in <- frame.Frame{Kind: frame.KindSystem, TurnID: 1, SystemKind: "turn_interrupted"}
	close(in)

	observeEvents(ctx, in, clock, spy, vad)

	if len(vad.calls) != 1 || vad.calls[0] != false {
		t.Fatalf("expected SetSpeaking(false), got %v", vad.calls)
	}
	if len(spy.outcomes) != 1 || spy.outcomes[0] != true {
		t.Fatalf("expected one interrupted outcome, got %v", spy.outcomes)
	}

	// A hook recorded after forget should start a fresh sample, proving
	// the turn's bookkeeping was actually cleared.
	clock.start(1)
	clock.record(spy, HookVADEnd, 1)
	if len(spy.hooks) != 1 {
		t.Fatalf("expected forget to allow turn 1's clock to restart, got %v", spy.hooks)
	}
}
