// Package frame defines the typed messages that flow through the
// pipeline stages. A Frame is a closed tagged union: one Kind selects
// exactly one populated payload field. Stages pattern-match on Kind and
// never assert concrete types across stage boundaries.
package frame

import "time"

// Kind tags which payload field of a Frame is populated.
type Kind int

const (
	KindAudioIn Kind = iota
	KindAudioOut
	KindVADStart
	KindVADEnd
	KindUserSpeech
	KindTranscript
	KindPrompt
	KindLLMToken
	KindLLMDone
	KindUtterance
	KindTTSStarted
	KindTTSStopped
	KindInterrupt
	KindError
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindAudioIn:
		return "audio_in"
	case KindAudioOut:
		return "audio_out"
	case KindVADStart:
		return "vad_start"
	case KindVADEnd:
		return "vad_end"
	case KindUserSpeech:
		return "user_speech"
	case KindTranscript:
		return "transcript"
	case KindPrompt:
		return "prompt"
	case KindLLMToken:
		return "llm_token"
	case KindLLMDone:
		return "llm_done"
	case KindUtterance:
		return "utterance"
	case KindTTSStarted:
		return "tts_started"
	case KindTTSStopped:
		return "tts_stopped"
	case KindInterrupt:
		return "interrupt"
	case KindError:
		return "error"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation context / prompt, role-tagged.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Frame is the pipeline's discriminated currency. Every frame except
// SystemFrame belongs to exactly one turn (TurnID != 0). Frames for a
// turn other than the current one are dropped at the next stage
// boundary rather than processed.
type Frame struct {
	Kind   Kind
	Seq    uint64
	TurnID uint64

	// AudioIn / AudioOut
	PCM        []byte
	SampleRate int
	Channels   int
	Timestamp  time.Time

	// UserSpeech carries float32 samples ready for STT, not wire PCM.
	Samples []float32

	// Transcript
	Text    string
	IsFinal bool

	// Prompt
	Messages []Message

	// LLMToken
	DeltaText string

	// Utterance inherits Text.

	// Interrupt
	Reason string

	// Error
	ErrKind       string
	Message       string
	Recoverable   bool

	// System
	SystemKind string
}

// New returns a zero-value frame of the given kind, turn and sequence.
func New(kind Kind, turnID uint64, seq uint64) Frame {
	return Frame{Kind: kind, TurnID: turnID, Seq: seq}
}

// AudioIn constructs a raw-capture frame.
func AudioIn(turnID uint64, seq uint64, pcm []byte, sampleRate, channels int, ts time.Time) Frame {
	f := New(KindAudioIn, turnID, seq)
	f.PCM = pcm
	f.SampleRate = sampleRate
	f.Channels = channels
	f.Timestamp = ts
	return f
}

// AudioOut constructs a synthesized-playback frame.
func AudioOut(turnID uint64, seq uint64, pcm []byte, sampleRate, channels int) Frame {
	f := New(KindAudioOut, turnID, seq)
	f.PCM = pcm
	f.SampleRate = sampleRate
	f.Channels = channels
	return f
}

// UserSpeech constructs a segmented-utterance frame ready for STT.
func UserSpeech(turnID uint64, seq uint64, samples []float32, sampleRate int) Frame {
	f := New(KindUserSpeech, turnID, seq)
	f.Samples = samples
	f.SampleRate = sampleRate
	return f
}

// Transcript constructs an STT output frame.
func Transcript(turnID uint64, seq uint64, text string, isFinal bool) Frame {
	f := New(KindTranscript, turnID, seq)
	f.Text = text
	f.IsFinal = isFinal
	return f
}

// Prompt constructs an assembled LLM input frame.
func Prompt(turnID uint64, seq uint64, messages []Message) Frame {
	f := New(KindPrompt, turnID, seq)
	f.Messages = messages
	return f
}

// LLMToken constructs a streamed LLM output chunk.
func LLMToken(turnID uint64, seq uint64, delta string) Frame {
	f := New(KindLLMToken, turnID, seq)
	f.DeltaText = delta
	return f
}

// Utterance constructs a sentence-granular chunk ready for TTS.
func Utterance(turnID uint64, seq uint64, text string) Frame {
	f := New(KindUtterance, turnID, seq)
	f.Text = text
	return f
}

// Interrupt constructs a cancellation signal for the given turn.
func Interrupt(turnID uint64, reason string) Frame {
	f := New(KindInterrupt, turnID, 0)
	f.Reason = reason
	return f
}

// Error constructs an error frame.
func Error(turnID uint64, kind, message string, recoverable bool) Frame {
	f := New(KindError, turnID, 0)
	f.ErrKind = kind
	f.Message = message
	f.Recoverable = recoverable
	return f
}

// System constructs a lifecycle frame (hello/accept/drain/start/stop).
func System(kind string) Frame {
	f := New(KindSystem, 0, 0)
	f.SystemKind = kind
	return f
}
