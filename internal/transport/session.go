package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

// ErrProtocol wraps any error caused by a malformed or out-of-sequence
// client message (spec §4.A: "malformed messages close the session
// with ErrorFrame{kind: protocol}").
var ErrProtocol = errors.New("transport: protocol violation")

// pongWait bounds how long the connection may go silent before it is
// treated as an abrupt disconnect (spec §4.A: "cancels ... within 250
// ms"). pingInterval keeps well under that so a live connection never
// trips the deadline.
const (
	pongWait     = 250 * time.Millisecond
	pingInterval = 100 * time.Millisecond
	acceptWait   = 5 * time.Second
)

// systemMessage is the JSON payload of a KindSystem wire message
// (spec §6: hello/accept/drain).
type systemMessage struct {
	Kind  string `json:"kind"`
	SrIn  int    `json:"sr_in,omitempty"`
	SrOut int    `json:"sr_out,omitempty"`
	Codec string `json:"codec,omitempty"`
}

// controlMessage is the JSON payload of a KindControl wire message —
// the multiplexed non-audio frames spec §4.A describes (interrupt,
// tts_started, tts_stopped).
type controlMessage struct {
	Kind   string `json:"kind"`
	TurnID uint64 `json:"turn_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// errorMessage is the JSON payload of a KindErrorWire message.
type errorMessage struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Handshake is the negotiated sample rates from spec §4.A step 2-3.
type Handshake struct {
	SampleRateIn  int
	SampleRateOut int
	Codec         string
}

// Session is one client's persistent duplex channel (spec §4.A).
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	hs      Handshake
}

// New wraps an established websocket connection as a Session.
func New(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

// Handshake performs the server-hello/client-accept exchange and wires
// up the ping/pong liveness check for abrupt-disconnect detection.
// sampleRateIn/Out are the server's announced capture/playback rates.
func (s *Session) Handshake(sampleRateIn, sampleRateOut int) (Handshake, error) {
	hello := systemMessage{Kind: "hello", SrIn: sampleRateIn, SrOut: sampleRateOut, Codec: "pcm16"}
	if err := s.writeSystem(hello); err != nil {
		return Handshake{}, fmt.Errorf("send hello: %w", err)
	}

	s.conn.SetReadDeadline(time.Now().Add(acceptWait))
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return Handshake{}, fmt.Errorf("read accept: %w", err)
	}
	kind, payload, err := Decode(raw)
	if err != nil {
		return Handshake{}, err
	}
	if kind != KindSystem {
		return Handshake{}, fmt.Errorf("expected system accept, got kind %v", kind)
	}
	var accept systemMessage
	if err := json.Unmarshal(payload, &accept); err != nil {
		return Handshake{}, fmt.Errorf("decode accept: %w", err)
	}
	if accept.Kind != "accept" {
		return Handshake{}, fmt.Errorf("expected accept, got %q", accept.Kind)
	}

	s.armLiveness()
	s.hs = Handshake{SampleRateIn: accept.SrIn, SampleRateOut: accept.SrOut, Codec: accept.Codec}
	return s.hs, nil
}

// armLiveness installs the pong handler and starts the ping ticker so
// an unresponsive peer trips the read deadline within pongWait.
func (s *Session) armLiveness() {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingInterval))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}

// RecvFrame blocks for the next client-originated frame (AudioInFrame,
// InterruptFrame, or SystemFrame). Returns an error — including a
// deadline-exceeded error from a dead connection — when the session
// should be torn down.
func (s *Session) RecvFrame() (frame.Frame, error) {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return frame.Frame{}, err
	}
	kind, payload, err := Decode(raw)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch kind {
	case KindAudioIn:
		return frame.AudioIn(0, 0, payload, s.hs.SampleRateIn, 1, time.Now()), nil
	case KindControl:
		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			return frame.Frame{}, fmt.Errorf("%w: decode control message: %v", ErrProtocol, err)
		}
		if ctrl.Kind == "interrupt" {
			reason := ctrl.Reason
			if reason == "" {
				reason = "client_request"
			}
			return frame.Interrupt(ctrl.TurnID, reason), nil
		}
		return frame.Frame{}, fmt.Errorf("%w: unexpected client control kind %q", ErrProtocol, ctrl.Kind)
	case KindSystem:
		var sys systemMessage
		if err := json.Unmarshal(payload, &sys); err != nil {
			return frame.Frame{}, fmt.Errorf("%w: decode system message: %v", ErrProtocol, err)
		}
		return frame.System(sys.Kind), nil
	default:
		return frame.Frame{}, fmt.Errorf("%w: unexpected client wire kind %v", ErrProtocol, kind)
	}
}

// SendFrame encodes and writes one server-originated frame.
func (s *Session) SendFrame(f frame.Frame) error {
	switch f.Kind {
	case frame.KindAudioOut:
		return s.write(KindAudioOut, f.PCM)
	case frame.KindTTSStarted:
		return s.writeControl(controlMessage{Kind: "tts_started", TurnID: f.TurnID})
	case frame.KindTTSStopped:
		return s.writeControl(controlMessage{Kind: "tts_stopped", TurnID: f.TurnID})
	case frame.KindError:
		return s.writeError(errorMessage{Kind: f.ErrKind, Message: f.Message, Recoverable: f.Recoverable})
	case frame.KindSystem:
		return s.writeSystem(systemMessage{Kind: f.SystemKind})
	default:
		return fmt.Errorf("transport: no wire encoding for frame kind %v", f.Kind)
	}
}

// SendDrain requests a graceful close (spec §4.A step 4): the peer is
// expected to finish emitting in-flight frames, then close.
func (s *Session) SendDrain() error {
	return s.writeSystem(systemMessage{Kind: "drain"})
}

func (s *Session) writeSystem(m systemMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.write(KindSystem, b)
}

func (s *Session) writeControl(m controlMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.write(KindControl, b)
}

func (s *Session) writeError(m errorMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.write(KindErrorWire, b)
}

func (s *Session) write(kind Kind, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, Encode(kind, payload))
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RunReader drives RecvFrame in a loop, forwarding every decoded frame
// to out until ctx is cancelled or the connection drops — at which
// point it calls onDisconnect (ordinarily the session's cancel func)
// so the Pipeline Runtime tears down within the liveness window.
func (s *Session) RunReader(ctx context.Context, out chan<- frame.Frame, onDisconnect func(error)) {
	defer close(out)
	for {
		f, err := s.RecvFrame()
		if err != nil {
			slog.Info("transport session reader stopped", "error", err)
			onDisconnect(err)
			return
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}
