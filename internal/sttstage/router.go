package sttstage

import (
	"context"

	"github.com/Panzah-Nexus/voice-pipeline/internal/router"
)

// Router dispatches Transcribe calls to a named backend, falling back to a
// default engine when the caller doesn't specify one.
type Router struct {
	*router.Router[Provider]
}

// NewRouter creates a router with registered STT backends and a fallback default.
func NewRouter(backends map[string]Provider, fallback string) *Router {
	return &Router{Router: router.New(backends, fallback)}
}

// Transcribe routes to the correct backend for the given engine name.
func (r *Router) Transcribe(ctx context.Context, samples []float32, engine string) (*Result, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return backend.Transcribe(ctx, samples)
}
