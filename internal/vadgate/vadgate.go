// Package vadgate implements the VAD Gate stage (spec §4.B): it consumes
// AudioInFrame, emits VADStartFrame/VADEndFrame bracketing each detected
// utterance, and — when the session is in SPEAKING — additionally
// broadcasts an InterruptFrame on the side channel. This is the engine's
// only source of barge-in detection.
package vadgate

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/audio"
	"github.com/Panzah-Nexus/voice-pipeline/internal/bus"
	"github.com/Panzah-Nexus/voice-pipeline/internal/denoise"
	"github.com/Panzah-Nexus/voice-pipeline/internal/enrich"
	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

// denoiser is the narrow interface vadgate needs from a pre-VAD noise
// suppressor — satisfied directly by *denoise.Denoiser (in-process cgo
// RNNoise) and, via noiseSidecarAdapter, by *enrich.NoiseClient (an
// external denoising sidecar) — so a deployment can pick either without
// vadgate caring which. Built internally by New from whichever of its two
// concrete optional params is non-nil, rather than accepted directly,
// since a nil *denoise.Denoiser boxed straight into this interface would
// compare non-nil and panic on first use.
type denoiser interface {
	Denoise(samples []float32) []float32
}

// noiseSidecarAdapter adapts enrich.NoiseClient's context/error-returning
// signature to the denoiser interface, falling back to the original
// samples and logging on a sidecar failure rather than dropping audio.
type noiseSidecarAdapter struct {
	client *enrich.NoiseClient
}

func (a noiseSidecarAdapter) Denoise(samples []float32) []float32 {
	out, err := a.client.Denoise(context.Background(), samples)
	if err != nil {
		slog.Warn("noise sidecar failed, passing audio through", "error", err)
		return samples
	}
	return out
}

// Stage wraps a VAD detector, emitting explicit frames for each transition
// and publishing barge-in interrupts to the shared InterruptBus.
type Stage struct {
	vad       *audio.VAD
	interrupt *bus.InterruptBus
	codec     audio.Codec
	denoiser  denoiser
	classify  *enrich.ClassifyClient

	speaking atomic.Bool
	turnSeq  uint64
}

// New creates a VAD Gate stage. codec identifies the wire encoding of
// incoming AudioInFrame payloads for this session. At most one of
// cgoDenoiser/sidecarDenoiser should be non-nil (SPEC_FULL.md §4.FULL.5
// pre-VAD noise suppression); both nil skips the step entirely. classify
// is an optional per-utterance emotion classification sidecar call,
// fire-and-forget, logged rather than propagated into the frame stream.
func New(cfg audio.VADConfig, codec audio.Codec, interrupt *bus.InterruptBus, cgoDenoiser *denoise.Denoiser, sidecarDenoiser *enrich.NoiseClient, classify *enrich.ClassifyClient) *Stage {
	var d denoiser
	switch {
	case cgoDenoiser != nil:
		d = cgoDenoiser
	case sidecarDenoiser != nil:
		d = noiseSidecarAdapter{client: sidecarDenoiser}
	}
	return &Stage{
		vad:       audio.NewVAD(cfg),
		interrupt: interrupt,
		codec:     codec,
		denoiser:  d,
		classify:  classify,
	}
}

// SetSpeaking records whether the Turn Controller currently considers the
// session to be in SPEAKING, so the Gate knows when new speech is a
// barge-in rather than the opening of a fresh turn.
func (s *Stage) SetSpeaking(v bool) {
	s.speaking.Store(v)
}

// Run consumes AudioInFrame from in and emits VADStartFrame/VADEndFrame
// plus the resulting UserSpeechFrame when an utterance completes.
func (s *Stage) Run(ctx context.Context, in <-chan frame.Frame) <-chan frame.Frame {
	out := make(chan frame.Frame)
	go func() {
		defer close(out)
		var seq uint64
		send := func(f frame.Frame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}
				if f.Kind != frame.KindAudioIn {
					continue
				}
				samples, srcRate, err := audio.Decode(f.PCM, s.codec, f.SampleRate)
				if err != nil {
					if !send(frame.Error(f.TurnID, "audio", err.Error(), true)) {
						return
					}
					continue
				}
				resampled := audio.Resample(samples, srcRate, 16000)
				if s.denoiser != nil {
					resampled = s.denoiser.Denoise(resampled)
				}
				result := s.vad.Process(resampled)

				if result.SpeechStarted {
					s.turnSeq++
					if !send(frame.New(frame.KindVADStart, s.turnSeq, seq)) {
						return
					}
					seq++
					if s.speaking.Load() {
						s.interrupt.Publish(frame.Interrupt(s.turnSeq, "user_speech"))
					}
				}

				if !result.SpeechEnded {
					continue
				}

				if !send(frame.New(frame.KindVADEnd, s.turnSeq, seq)) {
					return
				}
				seq++
				if !send(frame.UserSpeech(s.turnSeq, seq, result.Audio, 16000)) {
					return
				}
				seq++
				if s.classify != nil {
					s.classifyAsync(s.turnSeq, result.Audio)
				}
			}
		}
	}()
	return out
}

// classifyAsync fires an emotion classification request for a completed
// utterance without blocking the frame stream; failures are logged, not
// surfaced, since this is enrichment rather than core turn behavior.
func (s *Stage) classifyAsync(turnSeq uint64, samples []float32) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		result, err := s.classify.ClassifyEmotion(ctx, samples)
		if err != nil {
			slog.Warn("emotion classification failed", "turn", turnSeq, "error", err)
			return
		}
		slog.Info("emotion classified", "turn", turnSeq, "label", result.Label, "confidence", result.Confidence)
	}()
}
