// Package bus implements the side channel that carries InterruptFrames
// backwards from the VAD Gate to the Turn Controller and laterally to
// the TTS Parent; the LLM stage does not subscribe and is cancelled by the
// Turn Controller through llmstage.Stage.HandleInterrupt (spec §9: "do not implement as shared mutable
// state; use a dedicated side channel"). It keeps the data-flow DAG
// acyclic: interruption is a broadcast, not a queue edge.
package bus

import (
	"sync"

	"github.com/Panzah-Nexus/voice-pipeline/internal/frame"
)

// InterruptBus fans out InterruptFrames to every subscribed stage.
type InterruptBus struct {
	mu   sync.Mutex
	subs []chan frame.Frame
}

// New creates an empty interrupt bus.
func New() *InterruptBus {
	return &InterruptBus{}
}

// Subscribe registers a new subscriber and returns a channel that
// receives every future Publish call. The channel is buffered so
// Publish never blocks on a slow or inattentive subscriber.
func (b *InterruptBus) Subscribe() <-chan frame.Frame {
	ch := make(chan frame.Frame, 8)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish broadcasts an InterruptFrame to all subscribers. Full
// subscriber buffers are skipped rather than blocking the publisher —
// a stage that falls behind on interrupts is already being torn down.
func (b *InterruptBus) Publish(f frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

// Close closes every subscriber channel. Call once per session, after
// all stages have stopped reading.
func (b *InterruptBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
