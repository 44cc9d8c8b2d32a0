package enrich

import (
	"context"
	"log/slog"
	"time"
)

// CallHistoryClient stores committed turns as embeddings in Qdrant, as a
// fire-and-forget post-commit side effect of the Turn Controller
// (SPEC_FULL.md §4.FULL.4). This is retrieval fodder for future RAG
// lookups, not the session-lifetime conversation context the spec
// governs — it survives past session end by design, the way the donor's
// own call-history store does.
type CallHistoryClient struct {
	embedder   *EmbeddingClient
	qdrant     *QdrantClient
	collection string
}

// NewCallHistoryClient creates a call history storage client.
func NewCallHistoryClient(embedder *EmbeddingClient, qdrant *QdrantClient, collection string) *CallHistoryClient {
	return &CallHistoryClient{
		embedder:   embedder,
		qdrant:     qdrant,
		collection: collection,
	}
}

// StoreAsync embeds and stores a committed turn in a background goroutine.
// Errors are logged, not propagated, to avoid adding latency to the turn.
func (ch *CallHistoryClient) StoreAsync(ctx context.Context, sessionID, userText, agentText string) {
	go func() {
		combined := "User: " + userText + "\nAgent: " + agentText
		vector, err := ch.embedder.Embed(ctx, combined)
		if err != nil {
			slog.Error("call history embed", "error", err)
			return
		}

		point := QdrantPoint{
			ID:     GenerateUUID(),
			Vector: vector,
			Payload: map[string]interface{}{
				"session_id": sessionID,
				"user":       userText,
				"agent":      agentText,
				"timestamp":  time.Now().UTC().Format(time.RFC3339),
			},
		}

		if err := ch.qdrant.Upsert(ctx, ch.collection, []QdrantPoint{point}); err != nil {
			slog.Error("call history upsert", "error", err)
		}
	}()
}
