package runtime

import (
	"sync"
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/metrics"
)

// Hook names for the metrics contract (spec §4.J): the runtime samples
// the elapsed time since a turn's VADStart at each of these points.
const (
	HookVADEnd        = "t_vad_end"
	HookSTTDone       = "t_stt_done"
	HookLLMFirstToken = "t_llm_first_token"
	HookTTSFirstAudio = "t_tts_first_audio"
	HookTTSDone       = "t_tts_done"
)

// HookSink receives per-turn lifecycle latencies and the final
// interrupted/completed outcome. Pluggable so a session can be wired to
// Prometheus, a test spy, or nothing at all.
type HookSink interface {
	RecordHook(hook string, elapsed time.Duration)
	RecordOutcome(interrupted bool)
}

// PromSink records hooks into the package-level Prometheus collectors.
type PromSink struct{}

func (PromSink) RecordHook(hook string, elapsed time.Duration) {
	metrics.TurnHookLatency.WithLabelValues(hook).Observe(elapsed.Seconds())
}

func (PromSink) RecordOutcome(interrupted bool) {
	metrics.TurnsTotal.WithLabelValues(boolLabel(interrupted)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// noopSink discards everything; used when a Config omits a sink.
type noopSink struct{}

func (noopSink) RecordHook(string, time.Duration) {}
func (noopSink) RecordOutcome(bool)               {}

// turnClock tracks each in-flight turn's VADStart time so hook observers
// can report elapsed-since-start without threading a timestamp through
// every frame. One per session.
type turnClock struct {
	mu      sync.Mutex
	starts  map[uint64]time.Time
	ends    map[uint64]time.Time // VADEnd time, for E2EDuration
	e2eSeen map[uint64]bool
	first   map[string]map[uint64]bool // hook -> turnID -> already recorded
}

func newTurnClock() *turnClock {
	return &turnClock{
		starts:  make(map[uint64]time.Time),
		ends:    make(map[uint64]time.Time),
		e2eSeen: make(map[uint64]bool),
		first:   make(map[string]map[uint64]bool),
	}
}

func (c *turnClock) start(turnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts[turnID] = time.Now()
}

// markEnd records a turn's VADEnd time (speech-end), the reference point
// for the pipeline_e2e_duration_seconds metric.
func (c *turnClock) markEnd(turnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends[turnID] = time.Now()
}

// observeE2E samples pipeline_e2e_duration_seconds exactly once per turn,
// at the first AudioOut frame following that turn's VADEnd.
func (c *turnClock) observeE2E(turnID uint64) {
	c.mu.Lock()
	end, ok := c.ends[turnID]
	if !ok || c.e2eSeen[turnID] {
		c.mu.Unlock()
		return
	}
	c.e2eSeen[turnID] = true
	c.mu.Unlock()
	metrics.E2EDuration.Observe(time.Since(end).Seconds())
}

// record reports elapsed-since-start for hook/turnID exactly once; later
// calls for the same (hook, turnID) pair are ignored, since a hook like
// t_llm_first_token should only ever sample the first token.
func (c *turnClock) record(sink HookSink, hook string, turnID uint64) {
	c.mu.Lock()
	start, ok := c.starts[turnID]
	if !ok {
		c.mu.Unlock()
		return
	}
	seen := c.first[hook]
	if seen == nil {
		seen = make(map[uint64]bool)
		c.first[hook] = seen
	}
	if seen[turnID] {
		c.mu.Unlock()
		return
	}
	seen[turnID] = true
	c.mu.Unlock()
	sink.RecordHook(hook, time.Since(start))
}

// forget drops bookkeeping for a completed turn.
func (c *turnClock) forget(turnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.starts, turnID)
	delete(c.ends, turnID)
	delete(c.e2eSeen, turnID)
	for _, seen := range c.first {
		delete(seen, turnID)
	}
}
