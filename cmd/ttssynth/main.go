// Command ttssynth is the TTS Subprocess child (spec §4.H): a single
// synthesis model loaded once at start, serving request/response
// synthesis over stdin/stdout using the protocol in internal/ttsproto.
// Standard error carries logs only, never protocol data.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/Panzah-Nexus/voice-pipeline/internal/ttsproto"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	synth := newPiperSynthesizer()
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 64*1024)
	out := bufio.NewWriter(os.Stdout)

	for in.Scan() {
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		var req ttsproto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			writeLine(out, ttsproto.Response{Type: ttsproto.TypeError, Message: "bad request: " + err.Error()})
			writeLine(out, ttsproto.Response{Type: ttsproto.TypeEOF})
			continue
		}
		handleRequest(out, synth, req)
	}

	if err := in.Err(); err != nil {
		slog.Error("stdin read failed", "error", err)
		os.Exit(1)
	}
}

func handleRequest(out *bufio.Writer, synth Synthesizer, req ttsproto.Request) {
	speed := 1.0
	if req.Speed != nil {
		speed = *req.Speed
	}

	writeLine(out, ttsproto.Response{Type: ttsproto.TypeStarted})

	pcm, sampleRate, err := synth.Synthesize(req.Text, req.VoiceID, speed)
	if err != nil {
		slog.Error("synthesis failed", "error", err)
		writeLine(out, ttsproto.Response{Type: ttsproto.TypeError, Message: err.Error()})
		writeLine(out, ttsproto.Response{Type: ttsproto.TypeEOF})
		return
	}

	for off := 0; off < len(pcm); off += ttsproto.MaxChunkBytes {
		end := off + ttsproto.MaxChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		writeLine(out, ttsproto.Response{
			Type:       ttsproto.TypeAudioChunk,
			SampleRate: sampleRate,
			Data:       base64.StdEncoding.EncodeToString(pcm[off:end]),
		})
	}

	writeLine(out, ttsproto.Response{Type: ttsproto.TypeStopped})
	writeLine(out, ttsproto.Response{Type: ttsproto.TypeEOF})
}

func writeLine(out *bufio.Writer, resp ttsproto.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response failed", "error", err)
		return
	}
	out.Write(b)
	out.WriteByte('\n')
	out.Flush()
}
