// Package enrich holds the optional enrichment clients the Turn
// Controller may call during prompt assembly and turn commit: RAG
// retrieval, embeddings, Qdrant vector storage, conversation call
// history, emotion classification, and a noise-reduction sidecar. None
// of these are required by the core turn state machine (spec §4.D);
// a nil client simply disables the enrichment.
package enrich

import (
	"net/http"
	"time"
)

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
