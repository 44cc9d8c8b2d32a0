// Package ttsparent implements the TTS Parent (spec §4.G): it consumes
// UtteranceFrame, drives a supervised TTS Subprocess child over the
// protocol in internal/ttsproto, and emits TTSStartedFrame/AudioOutFrame/
// TTSStoppedFrame. Grounded on the process-supervision shape of the
// donor's cmd/whisper-control (start/health/stop loop) and the
// exec.Command invocation pattern of services/piper/main.go, generalized
// from one-shot HTTP requests to a persistent stdin/stdout child.
package ttsparent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/bus"
	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
	"github.com/Panzah-Nexus/voice-pipeline/internal/metrics"
	"github.com/Panzah-Nexus/voice-pipeline/internal/ttsproto"
)

const (
	maxRestarts     = 3
	restartWindow   = 30 * time.Second
	sigtermGrace    = 2 * time.Second
	childLineBuffer = 64 * 1024
)

// Ack is sent to the Turn Controller once TTSStoppedFrame has been
// emitted for an utterance, so it can advance its spoken-text cursor
// for interruption truncation (spec §4.F).
type Ack struct {
	TurnID uint64
	Text   string
}

// Spawn starts the child process for each (re)launch. Bin/Args name the
// ttssynth binary; kept pluggable so tests can substitute a fake child.
type Spawn func() *exec.Cmd

// Stage is the in-process TTS Parent half.
type Stage struct {
	spawn     Spawn
	interrupt *bus.InterruptBus

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdoutReader *bufio.Reader
	restarts     []time.Time
}

// New creates a TTS Parent stage. spawn constructs a fresh *exec.Cmd each
// time the child needs to be (re)started.
func New(spawn Spawn, interrupt *bus.InterruptBus) *Stage {
	return &Stage{spawn: spawn, interrupt: interrupt}
}

// Run consumes UtteranceFrame from in and emits TTSStartedFrame/
// AudioOutFrame/TTSStoppedFrame/ErrorFrame to the returned channel. acks
// receives one Ack per fully-spoken utterance.
func (s *Stage) Run(ctx context.Context, in <-chan frame.Frame, acks chan<- Ack) <-chan frame.Frame {
	out := make(chan frame.Frame)
	interruptCh := s.interrupt.Subscribe()

	go func() {
		defer close(out)
		defer s.shutdown()

		// Sessions speak one utterance at a time, so an interrupt always
		// means "cut whatever is currently in flight" — the VAD Gate
		// stamps InterruptFrame with the *new* speech's turn ID, not the
		// one being cut off, so turn-ID matching here would be wrong.
		// pendingCut survives an interrupt that arrives before the
		// utterance it should cut has even reached this stage.
		pendingCut := false

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
			case _, ok := <-interruptCh:
				if !ok {
					continue
				}
				pendingCut = true
			case f, ok := <-in:
				if !ok {
					return
				}
				if f.Kind != frame.KindUtterance {
					continue
				}
				cut := pendingCut
				pendingCut = false
				if cut {
					continue // nothing was ever spoken for this utterance
				}
				if !s.speak(ctx, f, send, interruptCh, acks) {
					return
				}
			}
		}
	}()

	return out
}

// responseOrErr pairs a decoded response line with any read/decode error,
// carried over a channel so speak can select on it alongside interrupts.
type responseOrErr struct {
	resp ttsproto.Response
	err  error
}

// speak runs one utterance through the child, forwarding audio chunks.
// If an InterruptFrame arrives while the child is still producing
// output, it keeps draining lines (discarding audio) until {type:"eof"}
// so the line protocol stays framed for the next request (spec §4.G
// "Cancellation"). Returns false if the caller should stop (context
// cancelled).
func (s *Stage) speak(ctx context.Context, u frame.Frame, send func(frame.Frame) bool, interruptCh <-chan frame.Frame, acks chan<- Ack) bool {
	if err := s.ensureChild(); err != nil {
		return send(frame.Error(u.TurnID, "tts", err.Error(), false))
	}

	req := ttsproto.Request{Text: u.Text}
	if err := s.writeRequest(req); err != nil {
		s.markChildDead()
		if !s.respawn() {
			return send(frame.Error(u.TurnID, "tts", "child unavailable: "+err.Error(), false))
		}
		return send(frame.Error(u.TurnID, "tts", err.Error(), true))
	}

	lines := make(chan responseOrErr)
	go func() {
		for {
			resp, err := s.readResponse()
			select {
			case lines <- responseOrErr{resp, err}:
			case <-ctx.Done():
				return
			}
			if err != nil || resp.Type == ttsproto.TypeEOF {
				return
			}
		}
	}()

	cut := false
	for {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-interruptCh:
			if ok {
				cut = true
			}
		case le := <-lines:
			if le.err != nil {
				s.markChildDead()
				return send(frame.Error(u.TurnID, "tts", le.err.Error(), true))
			}
			switch le.resp.Type {
			case ttsproto.TypeStarted:
				if !cut && !send(frame.New(frame.KindTTSStarted, u.TurnID, 0)) {
					return false
				}
			case ttsproto.TypeAudioChunk:
				if cut {
					continue // drain without forwarding, per cancellation semantics
				}
				pcm, decErr := base64.StdEncoding.DecodeString(le.resp.Data)
				if decErr != nil {
					continue
				}
				if !send(frame.AudioOut(u.TurnID, 0, pcm, le.resp.SampleRate, 1)) {
					return false
				}
			case ttsproto.TypeStopped:
				if !cut {
					if !send(frame.New(frame.KindTTSStopped, u.TurnID, 0)) {
						return false
					}
					select {
					case acks <- Ack{TurnID: u.TurnID, Text: u.Text}:
					case <-ctx.Done():
						return false
					default:
					}
				}
			case ttsproto.TypeError:
				if !cut {
					send(frame.Error(u.TurnID, "tts", le.resp.Message, true))
				}
			case ttsproto.TypeEOF:
				return true
			}
		}
	}
}

func (s *Stage) writeRequest(req ttsproto.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = s.stdin.Write(b)
	return err
}

func (s *Stage) readResponse() (ttsproto.Response, error) {
	s.mu.Lock()
	r := s.stdoutReader
	s.mu.Unlock()
	if r == nil {
		return ttsproto.Response{}, fmt.Errorf("tts child not running")
	}
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return ttsproto.Response{}, err
	}
	var resp ttsproto.Response
	if jsonErr := json.Unmarshal(bytes.TrimSpace(line), &resp); jsonErr != nil {
		return ttsproto.Response{}, jsonErr
	}
	return resp, nil
}

// ensureChild lazily starts the child on first use (spec §4.G "Lazy start").
func (s *Stage) ensureChild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Stage) startLocked() error {
	cmd := s.spawn()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ttssynth: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.stdoutReader = bufio.NewReaderSize(stdout, childLineBuffer)
	return nil
}

func (s *Stage) markChildDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmd = nil
	s.stdin = nil
	s.stdoutReader = nil
}

// respawn restarts the child, enforcing max_restarts within restartWindow
// (spec §4.G "Health"). Returns false once the budget is exhausted.
func (s *Stage) respawn() bool {
	now := time.Now()
	s.mu.Lock()
	cutoff := now.Add(-restartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
	if len(s.restarts) >= maxRestarts {
		s.mu.Unlock()
		return false
	}
	s.restarts = append(s.restarts, now)
	err := s.startLocked()
	s.mu.Unlock()
	if err != nil {
		slog.Error("tts child respawn failed", "error", err)
		return false
	}
	metrics.TTSRestarts.Inc()
	return true
}

// shutdown tears down the child on session teardown: SIGTERM then
// SIGKILL after sigtermGrace (spec §4.G "Shutdown").
func (s *Stage) shutdown() {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	cmd.Process.Signal(interruptSignal())
	select {
	case <-done:
		return
	case <-time.After(sigtermGrace):
		cmd.Process.Kill()
		<-done
	}
}
