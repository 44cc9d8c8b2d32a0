package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

func TestFanOutDuplicatesToEveryBranch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	in := make(chan frame.Frame, 1)
	in <- frame.New(frame.KindVADStart, 1, 0)
	close(in)

	outs := fanOut(ctx, in, 3)

	// fanOut sends the single frame to every branch before any branch
	// can close, so all three must be drained concurrently first.
	received := make([]frame.Frame, len(outs))
	done := make(chan int, len(outs))
	for i, out := range outs {
		go func(i int, out chan frame.Frame) {
			select {
			case f := <-out:
				received[i] = f
			case <-time.After(500 * time.Millisecond):
			}
			done <- i
		}(i, out)
	}
	for range outs {
		<-done
	}
	for i, f := range received {
		if f.Kind != frame.KindVADStart {
			t.Fatalf("branch %d: expected VADStart, got %+v", i, f)
		}
	}

	for i, out := range outs {
		if _, ok := <-out; ok {
			t.Fatalf("branch %d: expected channel to close after input closes", i)
		}
	}
}

func TestMergeCombinesUntilAllClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a := make(chan frame.Frame, 1)
	b := make(chan frame.Frame, 1)
	a <- frame.New(frame.KindError, 1, 0)
	b <- frame.New(frame.KindSystem, 0, 0)
	close(a)
	close(b)

	out := merge(ctx, a, b)
	var got []frame.Kind
	for f := range out {
		got = append(got, f.Kind)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 merged frames, got %v", got)
	}
}

func TestFilterKindsDropsUnwanted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	in := make(chan frame.Frame, 2)
	in <- frame.New(frame.KindVADStart, 1, 0)
	in <- frame.New(frame.KindError, 1, 0)
	close(in)

	out := filterKinds(ctx, in, frame.KindError)
	f, ok := <-out
	if !ok || f.Kind != frame.KindError {
		t.Fatalf("expected only the error frame, got %+v ok=%v", f, ok)
	}
	if _, ok := <-out; ok {
		t.Fatal("expected channel to close after the filtered frame")
	}
}
