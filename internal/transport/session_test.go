package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

// dialPair spins up a test server that upgrades one connection and
// returns both ends as Sessions, wired into the same logical channel.
func dialPair(t *testing.T) (server *Session, client *Session) {
	t.Helper()
	var upgrader = websocket.Upgrader{}
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
	return New(serverConn), New(clientConn)
}

func TestHandshakeNegotiatesSampleRates(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := server.Handshake(16000, 24000)
		done <- err
	}()

	_, raw, err := client.conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read hello: %v", err)
	}
	kind, payload, err := Decode(raw)
	if err != nil || kind != KindSystem {
		t.Fatalf("expected system hello, got kind=%v err=%v", kind, err)
	}
	_ = payload

	if err := client.conn.WriteMessage(websocket.BinaryMessage,
		Encode(KindSystem, []byte(`{"kind":"accept","sr_in":16000,"sr_out":24000}`))); err != nil {
		t.Fatalf("client write accept: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestSendFrameAudioOutRoundTrip(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	pcm := []byte{1, 2, 3, 4, 5, 6}
	if err := server.SendFrame(frame.AudioOut(1, 0, pcm, 24000, 1)); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	_, raw, err := client.conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	kind, payload, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != KindAudioOut {
		t.Fatalf("expected audio_out, got %v", kind)
	}
	if string(payload) != string(pcm) {
		t.Fatalf("expected pcm %v, got %v", pcm, payload)
	}
}

func TestRecvFrameDecodesClientInterrupt(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	if err := client.conn.WriteMessage(websocket.BinaryMessage,
		Encode(KindControl, []byte(`{"kind":"interrupt","reason":"client_request"}`))); err != nil {
		t.Fatalf("client write: %v", err)
	}

	f, err := server.RecvFrame()
	if err != nil {
		t.Fatalf("recv frame: %v", err)
	}
	if f.Kind != frame.KindInterrupt || f.Reason != "client_request" {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestRecvFrameRejectsMalformedMessage(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	if err := client.conn.WriteMessage(websocket.BinaryMessage, []byte{0x00}); err != nil {
		t.Fatalf("client write: %v", err)
	}

	_, err := server.RecvFrame()
	if err == nil {
		t.Fatal("expected a protocol error for a malformed message")
	}
}
