// Package runtime implements the Pipeline Runtime (spec §4.J): it wires
// one session's stages together — Transport, VAD Gate, STT Stage, Turn
// Controller, LLM Stage, Sentence Aggregator, TTS Parent — behind a single
// InterruptBus, drives them until the session ends, and tears them down
// by cancelling one session context that every stage watches. The stages
// stop in parallel, not in reverse topological order, and there is no
// per-stage drain deadline.
// Grounded on the donor's internal/ws.Handler session lifecycle (one
// handler instance per call, context-scoped cancellation, goroutine
// fan-in to a single writer), generalized from a one-shot HTTP/WS
// request-response loop to the engine's persistent multi-stage pipeline.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Panzah-Nexus/voice-pipeline/internal/audio"
	"github.com/Panzah-Nexus/voice-pipeline/internal/bus"
	"github.com/Panzah-Nexus/voice-pipeline/internal/denoise"
	"github.com/Panzah-Nexus/voice-pipeline/internal/enrich"
	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
	"github.com/Panzah-Nexus/voice-pipeline/internal/llmstage"
	"github.com/Panzah-Nexus/voice-pipeline/internal/metrics"
	"github.com/Panzah-Nexus/voice-pipeline/internal/sentence"
	"github.com/Panzah-Nexus/voice-pipeline/internal/sttstage"
	"github.com/Panzah-Nexus/voice-pipeline/internal/trace"
	"github.com/Panzah-Nexus/voice-pipeline/internal/transport"
	"github.com/Panzah-Nexus/voice-pipeline/internal/ttsparent"
	"github.com/Panzah-Nexus/voice-pipeline/internal/turn"
	"github.com/Panzah-Nexus/voice-pipeline/internal/vadgate"
)

// drainDeadline bounds how long Run waits, once the session context is
// cancelled, for the client-forwarding goroutine to finish. It is a
// single wait for the whole session; stages are not drained one by one.
const drainDeadline = 2 * time.Second

// Config collects everything needed to stand up one session's pipeline.
// Stage sub-configs default the same way their own packages do when left
// zero-valued.
type Config struct {
	SessionID     string
	Codec         audio.Codec
	SampleRateIn  int
	SampleRateOut int

	VAD          audio.VADConfig
	Denoiser     *denoise.Denoiser      // optional pre-VAD noise suppression (in-process cgo)
	NoiseSidecar *enrich.NoiseClient    // optional pre-VAD noise suppression (HTTP sidecar), mutually exclusive with Denoiser
	Classify     *enrich.ClassifyClient // optional per-utterance emotion classification
	STT          sttstage.Config
	STTRoute     *sttstage.Router
	LLM          llmstage.Config
	LLMRoute     *llmstage.Router
	Sentence     sentence.Config
	TTSSpawn     ttsparent.Spawn
	Turn         turn.Config

	RAG         *enrich.RAGClient
	CallHistory *enrich.CallHistoryClient

	Metrics    HookSink     // defaults to PromSink
	TraceStore *trace.Store // optional: also records turn hooks as trace spans
}

// Runtime stands up sessions from a shared Config (the stage routers and
// enrichment clients are shared across calls; everything else is
// constructed fresh per session).
type Runtime struct {
	cfg Config
}

// New creates a Runtime from a Config. TTSSpawn and the STT/LLM routers
// are the caller's process-wide backends and are not defaulted here.
func New(cfg Config) *Runtime {
	if cfg.VAD == (audio.VADConfig{}) {
		cfg.VAD = audio.DefaultVADConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = PromSink{}
	}
	cfg.Turn.RAG = cfg.RAG
	cfg.Turn.CallHistory = cfg.CallHistory
	return &Runtime{cfg: cfg}
}

// Run performs the session handshake, wires every stage, and blocks
// until the session ends (client disconnect, a fatal stage error, or ctx
// cancellation), then cancels every stage at once through the session
// context before returning.
func (rt *Runtime) Run(ctx context.Context, sess *transport.Session) error {
	hs, err := sess.Handshake(rt.cfg.SampleRateIn, rt.cfg.SampleRateOut)
	if err != nil {
		return err
	}
	sessionID := uuid.NewString()
	slog.Info("session started", "session_id", sessionID, "sr_in", hs.SampleRateIn, "sr_out", hs.SampleRateOut)

	metrics.CallsTotal.Inc()
	metrics.CallsActive.Inc()
	defer metrics.CallsActive.Dec()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interrupt := bus.New()
	defer interrupt.Close()

	turnCfg := rt.cfg.Turn
	turnCfg.SessionID = sessionID

	vadStage := vadgate.New(rt.cfg.VAD, rt.cfg.Codec, interrupt, rt.cfg.Denoiser, rt.cfg.NoiseSidecar, rt.cfg.Classify)
	sttStage := sttstage.New(rt.cfg.STTRoute, rt.cfg.STT)
	llmStage := llmstage.New(rt.cfg.LLMRoute, rt.cfg.LLM)
	sentStage := sentence.New(rt.cfg.Sentence)
	ttsStage := ttsparent.New(rt.cfg.TTSSpawn, interrupt)
	turnCtl := turn.New(turnCfg, llmStage, interrupt)

	clock := newTurnClock()
	sink := rt.cfg.Metrics
	if rt.cfg.TraceStore != nil {
		rt.cfg.TraceStore.CreateSession(sessionID, "")
		tracer := trace.NewTracer(rt.cfg.TraceStore, sessionID)
		traceSink := NewTraceSink(tracer)
		sink = multiSink{sinks: []HookSink{sink, traceSink}}
		defer func() {
			traceSink.Close()
			tracer.Close()
			rt.cfg.TraceStore.EndSession(sessionID)
		}()
	}

	// --- client -> pipeline ---
	clientIn := make(chan frame.Frame, 16)
	go sess.RunReader(sessionCtx, clientIn, func(err error) {
		slog.Info("client disconnected", "session_id", sessionID, "error", err)
		cancel()
	})
	audioIn := splitClientFrames(sessionCtx, clientIn, interrupt)

	// --- VAD Gate ---
	vadOut := vadStage.Run(sessionCtx, audioIn)
	vadFan := fanOut(sessionCtx, vadOut, 4)
	sttIn := filterKinds(sessionCtx, vadFan[0], frame.KindUserSpeech)
	vadForTurn := vadFan[1]
	vadForClient := vadFan[2]
	go observeVAD(sessionCtx, vadFan[3], clock)

	// --- STT Stage ---
	sttOut := sttStage.Run(sessionCtx, sttIn)
	sttFan := fanOut(sessionCtx, sttOut, 3)
	sttForTurn := sttFan[0]
	sttForClient := sttFan[1]
	go observeSTT(sessionCtx, sttFan[2], clock, sink)

	// --- LLM Stage (prompts is written into by the Turn Controller) ---
	promptCh := make(chan frame.Frame)
	llmOut := llmStage.Run(sessionCtx, promptCh)
	llmFan := fanOut(sessionCtx, llmOut, 3)
	llmForTurn := llmFan[0]
	sentenceIn := llmFan[1]
	go observeLLM(sessionCtx, llmFan[2], clock, sink)

	// --- Sentence Aggregator ---
	sentOut := sentStage.Run(sessionCtx, sentenceIn)

	// --- TTS Parent ---
	ttsAcks := make(chan ttsparent.Ack, sentenceAckBacklog)
	ttsOut := ttsStage.Run(sessionCtx, sentOut, ttsAcks)
	ttsFan := fanOut(sessionCtx, ttsOut, 3)
	ttsForTurn := ttsFan[0]
	go observeTTS(sessionCtx, ttsFan[2], clock, sink, vadStage)

	// --- Turn Controller (writes prompts, reads everything else) ---
	eventCh := make(chan frame.Frame, 16)
	turnCtl.Run(sessionCtx, vadForTurn, sttForTurn, llmForTurn, ttsForTurn, ttsAcks, promptCh, eventCh)
	go observeEvents(sessionCtx, eventCh, clock, sink, vadStage)

	// --- pipeline -> client ---
	toClient := merge(sessionCtx,
		filterKinds(sessionCtx, vadForClient, frame.KindError),
		filterKinds(sessionCtx, sttForClient, frame.KindError),
		filterKinds(sessionCtx, ttsFan[1], frame.KindAudioOut, frame.KindTTSStarted, frame.KindTTSStopped, frame.KindError),
	)
	forwardDone := make(chan struct{})
	go forwardToClient(sess, toClient, forwardDone)

	<-sessionCtx.Done()
	select {
	case <-forwardDone:
	case <-time.After(drainDeadline):
	}
	slog.Info("session ended", "session_id", sessionID)
	return nil
}

const sentenceAckBacklog = 8

// splitClientFrames pulls AudioInFrame onward to the VAD Gate, publishes
// InterruptFrame to the bus (a client can itself request a barge-in, spec
// §4.A), and logs any other system control message it doesn't otherwise
// act on (spec §6 "drain").
func splitClientFrames(ctx context.Context, in <-chan frame.Frame, interrupt *bus.InterruptBus) <-chan frame.Frame {
	audioOut := make(chan frame.Frame)
	go func() {
		defer close(audioOut)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}
				switch f.Kind {
				case frame.KindAudioIn:
					metrics.AudioChunks.Inc()
					select {
					case audioOut <- f:
					case <-ctx.Done():
						return
					}
				case frame.KindInterrupt:
					interrupt.Publish(f)
				case frame.KindSystem:
					slog.Debug("client system message", "kind", f.SystemKind)
				}
			}
		}
	}()
	return audioOut
}

// forwardToClient writes every pipeline-originated frame to the session
// until the stream closes or the connection errors.
func forwardToClient(sess *transport.Session, in <-chan frame.Frame, done chan<- struct{}) {
	defer close(done)
	for f := range in {
		if err := sess.SendFrame(f); err != nil {
			slog.Info("client write failed", "error", err)
			return
		}
	}
}

func observeVAD(ctx context.Context, in <-chan frame.Frame, clock *turnClock) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			switch f.Kind {
			case frame.KindVADStart:
				clock.start(f.TurnID)
				metrics.SpeechSegments.Inc()
			case frame.KindVADEnd:
				clock.markEnd(f.TurnID)
			}
		}
	}
}

func observeSTT(ctx context.Context, in <-chan frame.Frame, clock *turnClock, sink HookSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			if f.Kind == frame.KindTranscript && f.IsFinal {
				clock.record(sink, HookSTTDone, f.TurnID)
			}
		}
	}
}

func observeLLM(ctx context.Context, in <-chan frame.Frame, clock *turnClock, sink HookSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			if f.Kind == frame.KindLLMToken {
				clock.record(sink, HookLLMFirstToken, f.TurnID)
			}
		}
	}
}

// speakingSetter is the subset of vadgate.Stage this file exercises, kept
// narrow so the observer functions stay testable without a real Stage.
type speakingSetter interface {
	SetSpeaking(bool)
}

func observeTTS(ctx context.Context, in <-chan frame.Frame, clock *turnClock, sink HookSink, vad speakingSetter) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			switch f.Kind {
			case frame.KindTTSStarted:
				vad.SetSpeaking(true)
			case frame.KindAudioOut:
				clock.record(sink, HookTTSFirstAudio, f.TurnID)
				clock.observeE2E(f.TurnID)
			case frame.KindTTSStopped:
				clock.record(sink, HookTTSDone, f.TurnID)
			}
		}
	}
}

// observeEvents watches the Turn Controller's commit/interrupt signal,
// records the turn's final outcome, releases barge-in eligibility, and
// forgets the turn's clock bookkeeping.
func observeEvents(ctx context.Context, in <-chan frame.Frame, clock *turnClock, sink HookSink, vad speakingSetter) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			switch f.SystemKind {
			case "turn_committed":
				vad.SetSpeaking(false)
				sink.RecordOutcome(false)
				clock.forget(f.TurnID)
			case "turn_interrupted":
				vad.SetSpeaking(false)
				sink.RecordOutcome(true)
				clock.forget(f.TurnID)
			}
		}
	}
}
