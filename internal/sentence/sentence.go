// Package sentence implements the Sentence Aggregator stage (spec §4.F):
// it buffers LLMTokenFrame payloads and emits UtteranceFrame at natural
// boundaries. It sends no acknowledgements itself: the TTS Parent reports
// each spoken utterance straight to the Turn Controller (ttsparent.Ack),
// the signal the Turn Controller uses for interruption truncation (spec
// §9 Open Question: character-accurate truncation).
package sentence

import (
	"context"
	"strings"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

// defaultMaxChars is the buffer length above which a comma/whitespace
// split point is forced even without terminal punctuation.
const defaultMaxChars = 180

// terminalPunctuation is the boundary character set from spec §4.F,
// extended beyond the donor's {. ! ?} to include {; :}.
var terminalPunctuation = map[byte]bool{
	'.': true, '!': true, '?': true, ';': true, ':': true,
}

// Config controls the Aggregator's flush thresholds.
type Config struct {
	MaxChars int // default 180
}

// DefaultConfig returns the spec's default max_chars.
func DefaultConfig() Config {
	return Config{MaxChars: defaultMaxChars}
}

// Stage buffers LLMTokenFrame and emits UtteranceFrame.
type Stage struct {
	cfg Config
}

// New creates a Sentence Aggregator stage.
func New(cfg Config) *Stage {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	return &Stage{cfg: cfg}
}

// Run consumes LLMTokenFrame/LLMDoneFrame from in and emits UtteranceFrame
// to the returned channel. Each emitted utterance's length contributes
// to the Turn Controller's spoken-text cursor once the TTS Parent acks
// it (spec §4.F, §9 Open Question: character-accurate truncation).
func (s *Stage) Run(ctx context.Context, in <-chan frame.Frame) <-chan frame.Frame {
	out := make(chan frame.Frame)
	go func() {
		defer close(out)
		var buf strings.Builder
		var seq uint64
		emit := func(turnID uint64, text string) {
			if text == "" {
				return
			}
			select {
			case out <- frame.Utterance(turnID, seq, text):
				seq++
			case <-ctx.Done():
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
				switch f.Kind {
				case frame.KindLLMToken:
					buf.WriteString(f.DeltaText)
					for {
						complete, remainder := split(buf.String(), s.cfg.MaxChars)
						if complete == "" {
							break
						}
						buf.Reset()
						buf.WriteString(remainder)
						emit(f.TurnID, complete)
					}
				case frame.KindLLMDone:
					remainder := strings.TrimSpace(buf.String())
					buf.Reset()
					if remainder != "" {
						emit(f.TurnID, remainder)
					}
				}
			}
		}
	}()
	return out
}

// split finds the next boundary in text per spec §4.F's three rules, in
// priority order: the first terminal punctuation followed by whitespace,
// then a comma/whitespace split once the buffer exceeds maxChars. Returns
// (completeText, remainder); completeText is empty when no boundary
// has been reached yet. Run calls it repeatedly so that every boundary
// in the buffer yields its own utterance.
func split(text string, maxChars int) (string, string) {
	if idx := firstTerminalBoundary(text); idx >= 0 {
		return strings.TrimSpace(text[:idx]), text[idx:]
	}
	if len(text) > maxChars {
		if idx := lastSoftBoundary(text); idx >= 0 {
			return strings.TrimSpace(text[:idx]), text[idx:]
		}
	}
	return "", text
}

// firstTerminalBoundary returns the index just past the first terminal
// punctuation character that is itself followed by whitespace or the
// end of the buffered text, or -1 if there is none.
func firstTerminalBoundary(text string) int {
	for i := 0; i < len(text); i++ {
		if !terminalPunctuation[text[i]] {
			continue
		}
		if i+1 == len(text) || isSpace(text[i+1]) {
			return i + 1
		}
	}
	return -1
}

// lastSoftBoundary returns the index just past the latest comma or
// whitespace run, used to force a flush once max_chars is exceeded.
func lastSoftBoundary(text string) int {
	last := -1
	for i := 0; i < len(text); i++ {
		if text[i] == ',' || isSpace(text[i]) {
			last = i + 1
		}
	}
	return last
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}
