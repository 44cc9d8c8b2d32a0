// Package sttstage implements the STT Stage (spec §4.C): it consumes a
// UserSpeechFrame and emits zero or more non-final TranscriptFrames
// followed by exactly one final TranscriptFrame, dispatching to a
// pluggable backend via internal/router.
package sttstage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/audio"
	"github.com/Panzah-Nexus/voice-pipeline/internal/metrics"
)

// Provider transcribes a segment of 16kHz mono float32 samples.
type Provider interface {
	Transcribe(ctx context.Context, samples []float32) (*Result, error)
}

// Result holds the transcription output.
type Result struct {
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
	LatencyMs    float64 `json:"latency_ms"`
}

// WhisperClient sends audio to a whisper.cpp-style inference server and
// returns transcriptions. Temperature is pinned to 0 server-side for
// determinism (spec §4.C).
type WhisperClient struct {
	url    string
	client *http.Client
}

// NewWhisperClient creates a client pointing at the inference server URL.
func NewWhisperClient(url string, poolSize int) *WhisperClient {
	return &WhisperClient{
		url:    url,
		client: newPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// Transcribe sends float32 audio samples (16kHz mono) and returns the transcript.
func (c *WhisperClient) Transcribe(ctx context.Context, samples []float32) (*Result, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(samples)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/inference", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "http").Inc()
		return nil, fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		metrics.Errors.WithLabelValues("asr", "status").Inc()
		return nil, fmt.Errorf("asr status %d: %s", resp.StatusCode, string(respBody))
	}

	var whisperResp whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&whisperResp); err != nil {
		return nil, fmt.Errorf("decode asr response: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())

	return &Result{
		Text:         whisperResp.Text,
		NoSpeechProb: whisperResp.NoSpeechProb,
		LatencyMs:    float64(latency.Milliseconds()),
	}, nil
}

type whisperResponse struct {
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

func buildMultipartAudio(samples []float32) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, 16000)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}

	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

func newPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
