package flowstate

import (
	"testing"
	"time"

	"go.mau.fi/util/jsontime"
)

func TestIsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)

	var nilState *FlowState
	if !nilState.IsExpired(now) {
		t.Fatalf("nil state should report expired")
	}

	future := &FlowState{ExpiresAt: jsontime.U(now.Add(time.Minute))}
	if future.IsExpired(now) {
		t.Fatalf("state expiring in the future reported expired")
	}

	past := &FlowState{ExpiresAt: jsontime.U(now.Add(-time.Minute))}
	if !past.IsExpired(now) {
		t.Fatalf("state expired a minute ago reported not expired")
	}

	exact := &FlowState{ExpiresAt: jsontime.U(now)}
	if !exact.IsExpired(now) {
		t.Fatalf("state expiring exactly now should count as expired")
	}
}

func TestPushStepAndPopStep(t *testing.T) {
	s := &FlowState{Step: StepAwaitingSupplierChoice}

	s.PushStep(StepAwaitingLevel)
	if s.Step != StepAwaitingLevel {
		t.Fatalf("step = %s, want %s", s.Step, StepAwaitingLevel)
	}
	if len(s.StepStack) != 1 || s.StepStack[0] != StepAwaitingSupplierChoice {
		t.Fatalf("stack = %v", s.StepStack)
	}

	s.PushStep(StepAwaitingDraftAction)
	if len(s.StepStack) != 2 {
		t.Fatalf("stack depth = %d, want 2", len(s.StepStack))
	}

	if ok := s.PopStep(); !ok || s.Step != StepAwaitingLevel {
		t.Fatalf("PopStep = (%v), step = %s", ok, s.Step)
	}
	if ok := s.PopStep(); !ok || s.Step != StepAwaitingSupplierChoice {
		t.Fatalf("second PopStep = (%v), step = %s", ok, s.Step)
	}
	if ok := s.PopStep(); ok {
		t.Fatalf("PopStep at the top of the stack returned true")
	}
	if s.Step != StepAwaitingSupplierChoice {
		t.Fatalf("PopStep at the top mutated step to %s", s.Step)
	}
}

func TestRestart(t *testing.T) {
	s := &FlowState{Step: StepAwaitingDraftAction, StepStack: []Step{StepAwaitingSupplierChoice, StepAwaitingLevel}}
	s.Restart(StepAwaitingSupplierChoice)
	if s.Step != StepAwaitingSupplierChoice {
		t.Fatalf("step = %s, want %s", s.Step, StepAwaitingSupplierChoice)
	}
	if len(s.StepStack) != 0 {
		t.Fatalf("stack = %v, want empty", s.StepStack)
	}
}
