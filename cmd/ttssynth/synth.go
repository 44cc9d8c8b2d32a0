package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-audio/wav"
)

// Synthesizer turns text into raw 16-bit PCM samples at a fixed sample
// rate. Concrete model loading is out of scope (spec §1); this is the
// pluggable seam a deployment wires a real engine into.
type Synthesizer interface {
	Synthesize(text, voiceID string, speed float64) (pcm []byte, sampleRate int, err error)
}

// piperSynthesizer shells out to a piper-compatible CLI once per request,
// the same invocation shape as the donor's HTTP synthesize handler,
// adapted here to feed the subprocess protocol instead of an HTTP response.
type piperSynthesizer struct {
	bin      string
	modelDir string
	voice    string
}

func newPiperSynthesizer() *piperSynthesizer {
	return &piperSynthesizer{
		bin:      envOr("PIPER_BIN", "/usr/local/bin/piper"),
		modelDir: envOr("PIPER_MODEL_DIR", "/models"),
		voice:    envOr("PIPER_VOICE", "en_US-lessac-medium"),
	}
}

func (p *piperSynthesizer) Synthesize(text, voiceID string, speed float64) ([]byte, int, error) {
	voice := voiceID
	if voice == "" {
		voice = p.voice
	}

	modelPath := filepath.Join(p.modelDir, voice+".onnx")
	configPath := filepath.Join(p.modelDir, voice+".onnx.json")

	outFile, err := os.CreateTemp("", "ttssynth-*.wav")
	if err != nil {
		return nil, 0, fmt.Errorf("temp file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	args := []string{"--model", modelPath, "--config", configPath, "--output_file", outPath}
	if speed > 0 {
		args = append(args, "--length_scale", fmt.Sprintf("%.3f", 1.0/speed))
	}

	cmd := exec.Command(p.bin, args...)
	cmd.Stdin = bytesReader(text)

	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, 0, fmt.Errorf("piper: %w\n%s", err, out)
	}

	return decodeWAV(outPath)
}

func bytesReader(s string) *bytes.Reader {
	return bytes.NewReader([]byte(s))
}

// decodeWAV reads the file piper wrote and returns raw 16-bit PCM little
// endian samples plus the sample rate, using go-audio/wav's container
// parser rather than hand-rolling a RIFF reader.
func decodeWAV(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm, int(dec.SampleRate), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
