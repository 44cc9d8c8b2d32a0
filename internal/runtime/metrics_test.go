package runtime

import (
	"testing"
	"time"
)

type spySink struct {
	hooks    []string
	outcomes []bool
}

func (s *spySink) RecordHook(hook string, _ time.Duration) {
	s.hooks = append(s.hooks, hook)
}

func (s *spySink) RecordOutcome(interrupted bool) {
	s.outcomes = append(s.outcomes, interrupted)
}

func TestTurnClockRecordsEachHookOnce(t *testing.T) {
	clock := newTurnClock()
	spy := &spySink{}

	clock.start(1)
	clock.record(spy, HookLLMFirstToken, 1)
	clock.record(spy, HookLLMFirstToken, 1) // a second token must not re-sample

	if len(spy.hooks) != 1 {
		t.Fatalf("expected exactly one recorded hook, got %v", spy.hooks)
	}
}

func TestTurnClockIgnoresUnstartedTurn(t *testing.T) {
	clock := newTurnClock()
	spy := &spySink{}

	clock.record(spy, HookSTTDone, 99)

	if len(spy.hooks) != 0 {
		t.Fatalf("expected no hook for a turn that never started, got %v", spy.hooks)
	}
}

func TestTurnClockForgetAllowsReuseOfTurnID(t *testing.T) {
	clock := newTurnClock()
	spy := &spySink{}

	clock.start(5)
	clock.record(spy, HookVADEnd, 5)
	clock.forget(5)

	clock.start(5)
	clock.record(spy, HookVADEnd, 5)

	if len(spy.hooks) != 2 {
		t.Fatalf("expected the hook to be recordable again after forget+restart, got %v", spy.hooks)
	}
}

func TestNoopSinkDiscardsEverything(t *testing.T) {
	var sink HookSink = noopSink{}
	sink.RecordHook(HookTTSDone, time.Second)
	sink.RecordOutcome(true)
}
