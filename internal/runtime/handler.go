package runtime

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Panzah-Nexus/voice-pipeline/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP connections to websockets and hands each
// one to a fresh Runtime.Run call. Grounded on the donor's
// internal/ws.Handler.ServeHTTP, generalized to bound concurrent calls with
// a semaphore — the donor's doc comment promised a 503 past capacity but
// never actually enforced one.
type Handler struct {
	rt  *Runtime
	sem chan struct{}
}

// NewHandler creates an http.Handler bounded to maxConcurrent simultaneous
// calls. maxConcurrent <= 0 means unbounded.
func NewHandler(rt *Runtime, maxConcurrent int) *Handler {
	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}
	return &Handler{rt: rt, sem: sem}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
			defer func() { <-h.sem }()
		default:
			http.Error(w, "at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := transport.New(conn)
	if err := h.rt.Run(r.Context(), sess); err != nil {
		slog.Error("session ended with error", "error", err)
	}
}
