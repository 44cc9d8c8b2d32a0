package sttstage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/enrich"
	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
	"github.com/Panzah-Nexus/voice-pipeline/internal/metrics"
)

// defaultConfidenceThreshold is the no-speech probability above which a
// transcript is discarded as noise rather than forwarded to the LLM Stage.
const defaultConfidenceThreshold = 0.6

// Config controls STT stage timeouts and filtering (spec §4.C, §5).
type Config struct {
	Engine              string
	Timeout             time.Duration // default 10s
	ConfidenceThreshold float64       // no_speech_prob above which output is dropped

	// ReferenceTranscript, if set, is compared against every accepted
	// transcript to sample a running Word Error Rate estimate — a
	// deployment-wide benchmarking knob (e.g. a fixed test phrase read
	// back by a synthetic caller), not a per-utterance ground truth.
	// Disabled by default.
	ReferenceTranscript string
}

// DefaultConfig returns the spec's default STT stage timeout.
func DefaultConfig() Config {
	return Config{
		Timeout:             10 * time.Second,
		ConfidenceThreshold: defaultConfidenceThreshold,
	}
}

// Stage is the STT pipeline stage: it consumes UserSpeechFrame and emits a
// final TranscriptFrame, or no frame at all when the segment turns out to
// be silence/noise (spec §4.C edge case).
type Stage struct {
	router *Router
	cfg    Config
}

// New creates an STT stage dispatching through r.
func New(r *Router, cfg Config) *Stage {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = defaultConfidenceThreshold
	}
	return &Stage{router: r, cfg: cfg}
}

// Run consumes UserSpeechFrames from in and emits TranscriptFrames to the
// returned channel. Empty or noise-only utterances retire the turn by
// producing no frame at all.
func (s *Stage) Run(ctx context.Context, in <-chan frame.Frame) <-chan frame.Frame {
	out := make(chan frame.Frame)
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
				if f.Kind != frame.KindUserSpeech {
					continue
				}
				if tf, ok := s.runTurn(ctx, f, seq); ok {
					seq++
					select {
					case out <- tf:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// runTurn transcribes one utterance and applies noise/confidence filtering.
// Returns ok=false when the segment should produce no TranscriptFrame.
func (s *Stage) runTurn(parent context.Context, speech frame.Frame, seq uint64) (frame.Frame, bool) {
	turnCtx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	result, err := s.router.Transcribe(turnCtx, speech.Samples, s.cfg.Engine)
	if err != nil {
		return frame.Error(speech.TurnID, "stt", err.Error(), true), true
	}

	text := strings.TrimSpace(result.Text)
	if text == "" || result.NoSpeechProb > s.cfg.ConfidenceThreshold || isNoiseTranscript(text) {
		if text != "" {
			metrics.ASRNoiseFiltered.Inc()
		}
		return frame.Frame{}, false
	}

	metrics.ASRNoSpeechProb.Observe(result.NoSpeechProb)
	if s.cfg.ReferenceTranscript != "" {
		wer := enrich.ComputeWER(s.cfg.ReferenceTranscript, text)
		metrics.ASRWEREstimate.Set(wer)
		slog.Info("transcript_eval", "reference", s.cfg.ReferenceTranscript, "hypothesis", text, "wer", wer)
	}

	return frame.Transcript(speech.TurnID, seq, text, true), true
}

// noisePatterns are common ASR hallucinations produced by background noise.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "sneeze": true, "laughter": true, "applause": true,
	"you": true, "the": true, "a": true, "um": true, "uh": true,
	"hmm": true, "ah": true, "oh": true, "mhm": true,
}

// isNoiseTranscript returns true if the STT output is likely background noise.
func isNoiseTranscript(text string) bool {
	if strings.HasPrefix(text, "*") && strings.HasSuffix(text, "*") {
		return true
	}
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return true
	}
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		return true
	}
	return noisePatterns[strings.ToLower(text)]
}
