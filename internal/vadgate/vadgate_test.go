package vadgate

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/audio"
	"github.com/Panzah-Nexus/voice-pipeline/internal/bus"
	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

func pcmChunk(amplitude float32, n int) []byte {
	buf := make([]byte, n*2)
	sample := int16(amplitude * 32767)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

func testVADConfig() audio.VADConfig {
	cfg := audio.DefaultVADConfig()
	cfg.CalibrationDuration = 0
	cfg.MinSpeechDuration = 0
	cfg.SilenceTimeout = 10 * time.Millisecond
	cfg.PreSpeechBuffer = 0
	return cfg
}

func TestEmitsVADStartAndUserSpeechOnUtterance(t *testing.T) {
	ib := bus.New()
	stage := New(testVADConfig(), audio.CodecPCM, ib, nil, nil, nil)

	in := make(chan frame.Frame)
	out := stage.Run(context.Background(), in)

	go func() {
		defer close(in)
		in <- frame.AudioIn(0, 0, pcmChunk(0.9, 1600), 16000, 1, time.Now())
		time.Sleep(20 * time.Millisecond)
		in <- frame.AudioIn(0, 1, pcmChunk(0.0, 1600), 16000, 1, time.Now())
	}()

	var kinds []frame.Kind
	for f := range out {
		kinds = append(kinds, f.Kind)
	}

	if len(kinds) == 0 || kinds[0] != frame.KindVADStart {
		t.Fatalf("expected first frame to be VADStart, got %v", kinds)
	}
	var hasEnd, hasSpeech bool
	for _, k := range kinds {
		if k == frame.KindVADEnd {
			hasEnd = true
		}
		if k == frame.KindUserSpeech {
			hasSpeech = true
		}
	}
	if !hasEnd || !hasSpeech {
		t.Fatalf("expected VADEnd and UserSpeech frames, got %v", kinds)
	}
}

func TestPublishesInterruptWhenSpeaking(t *testing.T) {
	ib := bus.New()
	stage := New(testVADConfig(), audio.CodecPCM, ib, nil, nil, nil)
	stage.SetSpeaking(true)
	sub := ib.Subscribe()

	in := make(chan frame.Frame, 2)
	in <- frame.AudioIn(0, 0, pcmChunk(0.9, 1600), 16000, 1, time.Now())
	close(in)

	out := stage.Run(context.Background(), in)
	for range out {
	}

	select {
	case f := <-sub:
		if f.Kind != frame.KindInterrupt || f.Reason != "user_speech" {
			t.Fatalf("expected user_speech interrupt, got %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an interrupt to be published while speaking")
	}
}

func TestNoInterruptWhenNotSpeaking(t *testing.T) {
	ib := bus.New()
	stage := New(testVADConfig(), audio.CodecPCM, ib, nil, nil, nil)
	sub := ib.Subscribe()

	in := make(chan frame.Frame, 2)
	in <- frame.AudioIn(0, 0, pcmChunk(0.9, 1600), 16000, 1, time.Now())
	close(in)

	out := stage.Run(context.Background(), in)
	for range out {
	}

	select {
	case f := <-sub:
		t.Fatalf("expected no interrupt while not speaking, got %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}
