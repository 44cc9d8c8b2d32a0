package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Panzah-Nexus/voice-pipeline/internal/llmstage"
	"github.com/Panzah-Nexus/voice-pipeline/internal/sentence"
	"github.com/Panzah-Nexus/voice-pipeline/internal/sttstage"
	"github.com/Panzah-Nexus/voice-pipeline/internal/transport"
	"github.com/Panzah-Nexus/voice-pipeline/internal/ttsparent"
	"github.com/Panzah-Nexus/voice-pipeline/internal/turn"
)

// fakeSTT never transcribes anything in this test; the integration test
// below exercises handshake and teardown, not VAD-to-transcript timing
// (covered instead by internal/vadgate and internal/sttstage's own tests).
type fakeSTT struct{}

func (fakeSTT) Transcribe(ctx context.Context, samples []float32) (*sttstage.Result, error) {
	return nil, errors.New("not used in this test")
}

type fakeLLM struct{}

func (fakeLLM) Chat(ctx context.Context, userMessage, ragContext, systemPrompt, model string, onToken llmstage.TokenCallback) (*llmstage.Result, error) {
	return &llmstage.Result{Text: ""}, nil
}

func fakeTTSSpawn() *exec.Cmd {
	return exec.Command("sh", "-c", "while IFS= read -r line; do :; done")
}

func newTestRuntime() *Runtime {
	sttRouter := sttstage.NewRouter(map[string]sttstage.Provider{"mock": fakeSTT{}}, "mock")
	llmRouter := llmstage.NewRouter(map[string]llmstage.Provider{"mock": fakeLLM{}}, "mock")

	cfg := Config{
		SessionID:     "test-session",
		SampleRateIn:  16000,
		SampleRateOut: 24000,
		STTRoute:      sttRouter,
		LLMRoute:      llmRouter,
		Sentence:      sentence.DefaultConfig(),
		TTSSpawn:      fakeTTSSpawn,
		Turn: turn.Config{
			SystemPrompt: "you are a test assistant",
			STTTimeout:   200 * time.Millisecond,
		},
		Metrics: noopSink{},
	}
	return New(cfg)
}

// dialPair mirrors internal/transport's own test helper: it spins up a
// websocket server and returns both ends wired to the same connection.
func dialPair(t *testing.T) (server *transport.Session, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverReady := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverReady <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	serverConn := <-serverReady
	return transport.New(serverConn), clientConn
}

func TestRuntimeHandshakeThenClientDisconnectTearsDownPromptly(t *testing.T) {
	server, client := dialPair(t)
	defer client.Close()

	rt := newTestRuntime()

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Run(context.Background(), server)
	}()

	// Act as the client side of the handshake.
	if _, _, err := client.ReadMessage(); err != nil {
		t.Fatalf("client read hello: %v", err)
	}
	if err := client.WriteMessage(websocket.BinaryMessage,
		transport.Encode(transport.KindSystem, []byte(`{"kind":"accept","sr_in":16000,"sr_out":24000}`))); err != nil {
		t.Fatalf("client write accept: %v", err)
	}

	// Abruptly disconnect; Run must return well within its drain deadline.
	client.Close()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(drainDeadline + 2*time.Second):
		t.Fatal("Run did not tear down after client disconnect")
	}
}
