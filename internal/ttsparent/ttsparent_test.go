package ttsparent

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/bus"
	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

// fakeChildScript speaks the ttsproto protocol once per request: for every
// line it reads from stdin it writes started, one small audio_chunk,
// stopped, and eof.
const fakeChildScript = `
while IFS= read -r line; do
  printf '{"type":"started"}\n'
  printf '{"type":"audio_chunk","sample_rate":24000,"data":"AAAA"}\n'
  printf '{"type":"stopped"}\n'
  printf '{"type":"eof"}\n'
done
`

func fakeSpawn() *exec.Cmd {
	return exec.Command("sh", "-c", fakeChildScript)
}

func TestSpeaksUtteranceAndAcks(t *testing.T) {
	ib := bus.New()
	stage := New(fakeSpawn, ib)

	in := make(chan frame.Frame, 1)
	acks := make(chan Ack, 1)
	in <- frame.Utterance(1, 0, "hello there")
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := stage.Run(ctx, in, acks)

	var kinds []frame.Kind
	for f := range out {
		kinds = append(kinds, f.Kind)
	}

	want := []frame.Kind{frame.KindTTSStarted, frame.KindAudioOut, frame.KindTTSStopped}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}

	select {
	case ack := <-acks:
		if ack.TurnID != 1 || ack.Text != "hello there" {
			t.Fatalf("unexpected ack %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an ack after TTSStopped")
	}
}

func TestDiscardsAudioAfterInterrupt(t *testing.T) {
	ib := bus.New()
	stage := New(fakeSpawn, ib)

	in := make(chan frame.Frame)
	acks := make(chan Ack, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := stage.Run(ctx, in, acks)

	// The VAD Gate stamps InterruptFrame with the new speech's turn ID
	// (3), not the turn being cut off (2) — the stage must cut on any
	// interrupt, not by matching IDs.
	ib.Publish(frame.Interrupt(3, "user_speech"))
	time.Sleep(20 * time.Millisecond) // let the stage's select pick up the interrupt first

	go func() {
		in <- frame.Utterance(2, 0, "a reply that gets cut off")
		close(in)
	}()

	for f := range out {
		if f.Kind == frame.KindAudioOut {
			t.Fatalf("expected no audio forwarded after interrupt, got %+v", f)
		}
	}

	select {
	case ack := <-acks:
		t.Fatalf("expected no ack for an interrupted utterance, got %+v", ack)
	case <-time.After(50 * time.Millisecond):
	}
}
