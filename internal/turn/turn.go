// Package turn implements the Turn Controller (spec §4.D): the hardest
// component in the engine. It owns the per-session state machine,
// assembles LLM prompts from the Context Store, and is the sole
// arbiter of barge-in — computing how much of an interrupted reply
// was actually heard before truncating what gets committed to context.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/bus"
	"github.com/Panzah-Nexus/voice-pipeline/internal/convctx"
	"github.com/Panzah-Nexus/voice-pipeline/internal/enrich"
	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
	"github.com/Panzah-Nexus/voice-pipeline/internal/llmstage"
	"github.com/Panzah-Nexus/voice-pipeline/internal/ttsparent"
)

// State is one of the seven states in the spec §4.D transition table.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateThinking
	StateSpeaking
	StateInterrupted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// turnState holds the mutable fields of the in-flight Turn (spec §3).
type turnState struct {
	id            uint64
	userText      string
	assistantText strings.Builder
	spokenCursor  int
	llmDone       bool
	createdAt     time.Time
	firstAudioAt  time.Time
}

// Config controls optional enrichment and per-session identity.
type Config struct {
	SessionID      string
	SystemPrompt   string
	STTTimeout     time.Duration // how long to wait for a transcript after VADEnd before retiring the turn
	RAG            *enrich.RAGClient
	CallHistory    *enrich.CallHistoryClient
	ContextMaxPair int // convctx non-system message bound
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{STTTimeout: 12 * time.Second, ContextMaxPair: 20}
}

// Controller is the Turn Controller: one instance per session.
type Controller struct {
	cfg       Config
	ctxStore  *convctx.Store
	llm       *llmstage.Stage
	interrupt *bus.InterruptBus

	mu    sync.Mutex
	state State
	turn  *turnState

	// pendingBargeIn holds a VADStart that arrived while THINKING/SPEAKING,
	// before the InterruptFrame reporting the same turn ID has been
	// processed off the bus. The two are published back to back by the
	// VAD Gate with no ordering guarantee between the data channel and
	// the side channel, so the VADStart cannot start LISTENING on the
	// spot (the old turn hasn't been interrupted yet) and must not be
	// dropped either (it is the only announcement of the new utterance).
	// handleInterrupt replays it once the old turn commits.
	pendingBargeIn *frame.Frame
}

// New creates a Turn Controller for one session.
func New(cfg Config, llm *llmstage.Stage, interrupt *bus.InterruptBus) *Controller {
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = 12 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		ctxStore:  convctx.New(cfg.SystemPrompt, cfg.ContextMaxPair),
		llm:       llm,
		interrupt: interrupt,
		state:     StateIdle,
	}
}

// State reports the Controller's current state (test/observability hook).
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the state machine. vad carries VADStart/VADEnd (and
// UserSpeech/Error, ignored here — UserSpeech is fanned out to the STT
// stage directly by the Pipeline Runtime); transcripts carries
// TranscriptFrame from the STT stage; llmOut carries LLMTokenFrame/
// LLMDoneFrame from the LLM stage; ttsOut carries TTSStartedFrame/
// TTSStoppedFrame from the TTS Parent; ttsAcks carries per-utterance
// acknowledgements used for truncation.
//
// promptCh and eventCh are owned by the caller (the Pipeline Runtime
// wires them to the LLM stage's input and the client-facing event
// sink respectively) because promptCh must already exist before the
// LLM stage can be started, and the LLM stage's output is itself an
// input to this very call — accepting pre-built channels here avoids
// that construction cycle. Run closes both when it returns.
func (c *Controller) Run(
	ctx context.Context,
	vad <-chan frame.Frame,
	transcripts <-chan frame.Frame,
	llmOut <-chan frame.Frame,
	ttsOut <-chan frame.Frame,
	ttsAcks <-chan ttsparent.Ack,
	promptCh chan<- frame.Frame,
	eventCh chan<- frame.Frame,
) {
	interruptCh := c.interrupt.Subscribe()

	go func() {
		defer close(promptCh)
		defer close(eventCh)

		var sttTimer *time.Timer
		var sttTimeout <-chan time.Time
		var sttTimerTurn uint64

		stopSTTTimer := func() {
			if sttTimer != nil {
				sttTimer.Stop()
				sttTimer = nil
				sttTimeout = nil
			}
		}

		for {
			select {
			case <-ctx.Done():
				stopSTTTimer()
				return

			case <-sttTimeout:
				c.mu.Lock()
				// A stale timer from a turn the user already barged
				// into or that otherwise left TRANSCRIBING must not
				// discard whatever (possibly newer) turn is live now.
				if c.state == StateTranscribing && c.turn != nil && c.turn.id == sttTimerTurn {
					c.discardTurnLocked()
				}
				c.mu.Unlock()
				stopSTTTimer()

			case f, ok := <-vad:
				if !ok {
					return
				}
				switch f.Kind {
				case frame.KindVADStart:
					c.mu.Lock()
					switch c.state {
					case StateIdle:
						c.turn = &turnState{id: f.TurnID, createdAt: time.Now()}
						c.state = StateListening
					case StateThinking, StateSpeaking:
						// Barge-in: this is the new speech that will
						// shortly arrive as an InterruptFrame on the bus.
						// Defer starting its turn until that frame commits
						// the one being cut off, rather than dropping it
						// and losing the utterance (the VAD Gate publishes
						// the two with no ordering guarantee between the
						// data channel and the side channel).
						vadStart := f
						c.pendingBargeIn = &vadStart
					}
					c.mu.Unlock()
				case frame.KindVADEnd:
					c.mu.Lock()
					if c.state == StateListening {
						c.state = StateTranscribing
						sttTimerTurn = c.turn.id
						sttTimer = time.NewTimer(c.cfg.STTTimeout)
						sttTimeout = sttTimer.C
					}
					c.mu.Unlock()
				}

			case f, ok := <-transcripts:
				if !ok {
					return
				}
				if f.Kind != frame.KindTranscript || !f.IsFinal {
					continue
				}
				stopSTTTimer()
				c.handleTranscript(ctx, f, promptCh, eventCh)

			case f, ok := <-llmOut:
				if !ok {
					return
				}
				c.handleLLM(f)

			case f, ok := <-ttsOut:
				if !ok {
					return
				}
				if f.Kind == frame.KindTTSStarted {
					c.mu.Lock()
					if c.state == StateThinking {
						c.state = StateSpeaking
						if c.turn != nil {
							c.turn.firstAudioAt = time.Now()
						}
					}
					c.mu.Unlock()
				}

			case ack, ok := <-ttsAcks:
				if !ok {
					continue
				}
				c.handleAck(ack, eventCh)

			case ifr, ok := <-interruptCh:
				if !ok {
					continue
				}
				c.handleInterrupt(ifr, eventCh)
			}
		}
	}()
}

// handleTranscript assembles and emits a PromptFrame (spec §4.D "Prompt
// assembly"), folding optional RAG context into a synthetic system
// message without mutating the persisted context.
func (c *Controller) handleTranscript(ctx context.Context, f frame.Frame, promptCh chan<- frame.Frame, eventCh chan<- frame.Frame) {
	c.mu.Lock()
	if c.state != StateTranscribing || c.turn == nil || f.TurnID != c.turn.id {
		c.mu.Unlock()
		return
	}
	c.turn.userText = f.Text
	turnID := c.turn.id
	c.state = StateThinking
	c.mu.Unlock()

	c.ctxStore.AppendUser(f.Text)

	ragContext := ""
	if c.cfg.RAG != nil {
		if rc, err := c.cfg.RAG.RetrieveContext(ctx, f.Text); err == nil {
			ragContext = rc
		} else {
			slog.Warn("rag retrieval failed", "error", err)
		}
	}

	messages := c.ctxStore.Snapshot()
	if ragContext != "" {
		messages = insertRAGContext(messages, ragContext)
	}

	select {
	case promptCh <- frame.Prompt(turnID, 0, messages):
	case <-ctx.Done():
	}
}

// insertRAGContext appends a synthetic system message carrying retrieved
// context right after the pinned system message, leaving the persisted
// Context Store untouched.
func insertRAGContext(messages []frame.Message, ragContext string) []frame.Message {
	out := make([]frame.Message, 0, len(messages)+1)
	inserted := false
	for _, m := range messages {
		out = append(out, m)
		if !inserted && m.Role == "system" {
			out = append(out, frame.Message{Role: "system", Text: ragContext})
			inserted = true
		}
	}
	if !inserted {
		out = append(out, frame.Message{Role: "system", Text: ragContext})
	}
	return out
}

// handleLLM accumulates assistant text and tracks end-of-generation.
func (c *Controller) handleLLM(f frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil || f.TurnID != c.turn.id {
		return
	}
	switch f.Kind {
	case frame.KindLLMToken:
		if c.state == StateThinking || c.state == StateSpeaking {
			c.turn.assistantText.WriteString(f.DeltaText)
		}
	case frame.KindLLMDone:
		c.turn.llmDone = true
		if c.state == StateThinking && c.turn.assistantText.Len() == 0 {
			// Empty reply: nothing will ever reach SPEAKING. Pair the
			// already-appended user message with an empty assistant
			// message so the Context Store keeps strictly alternating
			// roles, then retire the turn.
			c.ctxStore.AppendAssistant("")
			c.state = StateIdle
			c.turn = nil
		}
	}
}

// handleAck advances the spoken-text cursor and commits the turn once
// every utterance the LLM produced has been fully spoken (spec §4.F
// "Acknowledgement", §4.D SPEAKING→TTSStopped→DONE).
func (c *Controller) handleAck(ack ttsparent.Ack, eventCh chan<- frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil || ack.TurnID != c.turn.id || c.state != StateSpeaking {
		return
	}
	c.turn.spokenCursor += len(ack.Text)

	full := c.turn.assistantText.String()
	if !c.turn.llmDone || c.turn.spokenCursor < len(full) {
		return
	}

	c.commitLocked(full, eventCh)
}

// commitLocked appends the user/assistant pair to context, fires the
// optional call-history side effect, and returns the session to IDLE.
// Caller must hold c.mu.
func (c *Controller) commitLocked(assistantText string, eventCh chan<- frame.Frame) {
	userText := c.turn.userText
	c.ctxStore.AppendAssistant(assistantText)
	c.state = StateDone

	select {
	case eventCh <- frame.Frame{Kind: frame.KindSystem, TurnID: c.turn.id, SystemKind: "turn_committed"}:
	default:
	}

	if c.cfg.CallHistory != nil {
		c.cfg.CallHistory.StoreAsync(context.Background(), c.cfg.SessionID, userText, assistantText)
	}

	c.turn = nil
	c.state = StateIdle
}

// handleInterrupt implements spec §4.D's barge-in semantics: cancel the
// LLM stage, let the TTS Parent's own bus subscription drain/discard
// audio, truncate assistant_text to what was actually heard, and commit
// that truncated text so "context never contains tokens the user did
// not hear."
func (c *Controller) handleInterrupt(_ frame.Frame, eventCh chan<- frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn != nil {
		switch c.state {
		case StateListening, StateTranscribing:
			c.discardTurnLocked()
		case StateThinking, StateSpeaking:
			turnID := c.turn.id
			c.llm.HandleInterrupt(turnID)

			full := c.turn.assistantText.String()
			cursor := c.turn.spokenCursor
			if cursor > len(full) {
				cursor = len(full)
			}
			truncated := full[:cursor]

			// The user turn is already committed (handleTranscript); pair
			// it with whatever was actually heard, even if nothing was.
			c.ctxStore.AppendAssistant(truncated)

			c.state = StateIdle
			c.turn = nil

			select {
			case eventCh <- frame.Frame{Kind: frame.KindSystem, TurnID: turnID, SystemKind: "turn_interrupted"}:
			default:
			}
		}
	}

	c.startPendingBargeInLocked()
}

// startPendingBargeInLocked starts the turn for a VADStart frame that
// arrived mid-interrupt (see pendingBargeIn's doc comment) once the turn
// it cut off has been retired. No-op if nothing is pending or a turn is
// still live. Caller must hold c.mu.
func (c *Controller) startPendingBargeInLocked() {
	if c.pendingBargeIn == nil || c.turn != nil {
		return
	}
	pending := c.pendingBargeIn
	c.pendingBargeIn = nil
	c.turn = &turnState{id: pending.TurnID, createdAt: time.Now()}
	c.state = StateListening
}

// discardTurnLocked cancels a turn before any assistant text exists
// (interruption during LISTENING/TRANSCRIBING): no context mutation.
// Caller must hold c.mu.
func (c *Controller) discardTurnLocked() {
	c.state = StateIdle
	c.turn = nil
}
