package runtime

import (
	"time"

	"github.com/Panzah-Nexus/voice-pipeline/internal/trace"
)

// TraceSink records a session's turn hooks into internal/trace as spans
// under a single per-session run, making the spec §4.J hook stream visible
// through the same trace store the /api/traces HTTP routes read from.
// Grounded on internal/trace.Tracer, previously only ever driven by the
// donor's internal/pipeline.Pipeline.
type TraceSink struct {
	tracer *trace.Tracer
	runID  string
	start  time.Time
}

// NewTraceSink opens one run for the lifetime of a session. tracer may be
// nil (trace.Tracer's methods are nil-safe), in which case the sink is a
// harmless no-op.
func NewTraceSink(tracer *trace.Tracer) *TraceSink {
	return &TraceSink{tracer: tracer, runID: tracer.StartRun(), start: time.Now()}
}

func (s *TraceSink) RecordHook(hook string, elapsed time.Duration) {
	s.tracer.RecordSpan(s.runID, hook, time.Now().Add(-elapsed), float64(elapsed.Milliseconds()), "", "", "ok", "")
}

func (s *TraceSink) RecordOutcome(interrupted bool) {
	status := "completed"
	if interrupted {
		status = "interrupted"
	}
	s.tracer.RecordSpan(s.runID, "turn_outcome", time.Now(), 0, "", "", status, "")
}

// Close finalizes the session's run. Callers still own closing the
// underlying Tracer.
func (s *TraceSink) Close() {
	s.tracer.EndRun(s.runID, time.Since(s.start).Seconds()*1000, "", "", "done")
}

// multiSink fans every hook/outcome out to each of its sinks, letting a
// session record to Prometheus and internal/trace at once.
type multiSink struct {
	sinks []HookSink
}

func (m multiSink) RecordHook(hook string, elapsed time.Duration) {
	for _, s := range m.sinks {
		s.RecordHook(hook, elapsed)
	}
}

func (m multiSink) RecordOutcome(interrupted bool) {
	for _, s := range m.sinks {
		s.RecordOutcome(interrupted)
	}
}
