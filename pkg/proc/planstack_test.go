package proc

import (
	"bytes"
	"strings"
	"testing"
)

// testPlan is a plan with fully controllable capabilities.
type testPlan struct {
	commonPlan
	shouldStop bool
	resumed    int
}

func (p *testPlan) ShouldStop(ev *StopEvent) bool { return p.shouldStop }

func (p *testPlan) WillResume() { p.resumed++ }

func plainPlan(name string) *testPlan {
	return &testPlan{commonPlan: commonPlan{name: name, okayToDiscard: true}}
}

func masterPlan(name string, okayToDiscard bool) *testPlan {
	return &testPlan{commonPlan: commonPlan{name: name, master: true, okayToDiscard: okayToDiscard}}
}

func privatePlan(name string) *testPlan {
	return &testPlan{commonPlan: commonPlan{name: name, private: true, okayToDiscard: true}}
}

func expressionPlan(name string) *testPlan {
	return &testPlan{commonPlan: commonPlan{name: name, kind: PlanKindExpression, private: true, master: true}}
}

func TestPlanStackOrdering(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1, p2, p3 := plainPlan("p1"), plainPlan("p2"), plainPlan("p3")
	s.PushPlan(p1)
	s.PushPlan(p2)
	s.PushPlan(p3)

	if cur := s.GetCurrentPlan(); cur != p3 {
		t.Errorf("GetCurrentPlan = %v, want p3", cur)
	}
	if prev := s.GetPreviousPlan(p3); prev != p2 {
		t.Errorf("GetPreviousPlan(p3) = %v, want p2", prev)
	}
	if prev := s.GetPreviousPlan(p2); prev != p1 {
		t.Errorf("GetPreviousPlan(p2) = %v, want p1", prev)
	}
	if prev := s.GetPreviousPlan(plainPlan("stranger")); prev != nil {
		t.Errorf("GetPreviousPlan of a plan not in the stack = %v, want nil", prev)
	}
	if base := s.GetPlanByIndex(0, true); base == nil || base.Name() != "base plan" {
		t.Errorf("GetPlanByIndex(0) = %v, want the base plan", base)
	}
	if got := s.GetPlanByIndex(2, true); got != p2 {
		t.Errorf("GetPlanByIndex(2) = %v, want p2", got)
	}
	if got := s.GetPlanByIndex(10, true); got != nil {
		t.Errorf("GetPlanByIndex out of range = %v, want nil", got)
	}
}

func TestPlanStackGetPlanByIndexSkipsPrivate(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	helper := privatePlan("helper")
	p1 := plainPlan("p1")
	s.PushPlan(helper)
	s.PushPlan(p1)

	if got := s.GetPlanByIndex(1, true); got != p1 {
		t.Errorf("GetPlanByIndex(1, skip private) = %v, want p1", got)
	}
	if got := s.GetPlanByIndex(1, false); got != helper {
		t.Errorf("GetPlanByIndex(1, include private) = %v, want helper", got)
	}
}

func TestPlanStackPushPop(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1 := plainPlan("p1")
	s.PushPlan(p1)

	if !s.AnyPlans() {
		t.Fatal("AnyPlans = false after push")
	}
	if got := s.PopPlan(); got != p1 {
		t.Errorf("PopPlan = %v, want p1", got)
	}
	if !s.IsPlanDone(p1) {
		t.Error("IsPlanDone(p1) = false after pop")
	}
	if s.WasPlanDiscarded(p1) {
		t.Error("WasPlanDiscarded(p1) = true after pop")
	}
	if s.AnyPlans() {
		t.Error("AnyPlans = true, want only the base plan left")
	}
	if !s.AnyCompletedPlans() {
		t.Error("AnyCompletedPlans = false after pop")
	}
}

func TestPlanStackPopBasePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("popping the base plan did not panic")
		}
	}()
	s := NewThreadPlanStack(1, false)
	s.PopPlan()
}

func TestPlanStackDiscardEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("discarding from an empty stack did not panic")
		}
	}()
	s := NewThreadPlanStack(1, true)
	s.DiscardPlan()
}

func TestPlanStackDiscard(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1 := plainPlan("p1")
	s.PushPlan(p1)

	if got := s.DiscardPlan(); got != p1 {
		t.Errorf("DiscardPlan = %v, want p1", got)
	}
	if s.IsPlanDone(p1) {
		t.Error("IsPlanDone(p1) = true after discard")
	}
	if !s.WasPlanDiscarded(p1) {
		t.Error("WasPlanDiscarded(p1) = false after discard")
	}
	if !s.AnyDiscardedPlans() {
		t.Error("AnyDiscardedPlans = false after discard")
	}
}

func TestPlanStackDiscardUpToPlan(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1, p2, p3 := plainPlan("p1"), plainPlan("p2"), plainPlan("p3")
	s.PushPlan(p1)
	s.PushPlan(p2)
	s.PushPlan(p3)

	s.DiscardPlansUpToPlan(p2)
	if cur := s.GetCurrentPlan(); cur != p1 {
		t.Errorf("after discarding up to p2 current plan = %v, want p1", cur)
	}
	if !s.WasPlanDiscarded(p2) || !s.WasPlanDiscarded(p3) {
		t.Error("p2 and p3 should both be discarded")
	}

	// A plan that is not in the stack discards nothing.
	s.DiscardPlansUpToPlan(plainPlan("stranger"))
	if cur := s.GetCurrentPlan(); cur != p1 {
		t.Errorf("discarding up to an absent plan changed the stack, current = %v", cur)
	}

	// nil discards everything above the base plan.
	s.DiscardPlansUpToPlan(nil)
	if s.AnyPlans() {
		t.Error("AnyPlans = true after DiscardPlansUpToPlan(nil)")
	}
}

func TestPlanStackDiscardConsultingMasterPlans(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1 := masterPlan("p1", false)
	p2 := plainPlan("p2")
	s.PushPlan(p1)
	s.PushPlan(p2)

	s.DiscardConsultingMasterPlans()
	if !s.WasPlanDiscarded(p2) {
		t.Error("p2 should have been discarded")
	}
	if s.WasPlanDiscarded(p1) {
		t.Error("p1 is a master plan that is not okay to discard, it must be preserved")
	}
	if cur := s.GetCurrentPlan(); cur != p1 {
		t.Errorf("current plan = %v, want p1", cur)
	}
}

func TestPlanStackDiscardConsultingWillingMasters(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1 := masterPlan("p1", true)
	p2 := plainPlan("p2")
	s.PushPlan(p1)
	s.PushPlan(p2)

	s.DiscardConsultingMasterPlans()
	if !s.WasPlanDiscarded(p1) || !s.WasPlanDiscarded(p2) {
		t.Error("a master plan that is okay to discard should be swept along with everything above it")
	}
	if s.AnyPlans() {
		t.Error("only the base plan should remain")
	}
}

func TestPlanStackWillResumeIdempotent(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1, p2 := plainPlan("p1"), plainPlan("p2")
	s.PushPlan(p1)
	s.PushPlan(p2)
	s.PopPlan()
	s.DiscardPlan()

	s.WillResume()
	if s.AnyCompletedPlans() || s.AnyDiscardedPlans() {
		t.Fatal("completed/discarded history should be cleared by WillResume")
	}
	s.WillResume()
	if s.AnyCompletedPlans() || s.AnyDiscardedPlans() {
		t.Fatal("calling WillResume twice should have the same effect as calling it once")
	}
}

func TestPlanStackWillResumeNotifiesPlans(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1 := plainPlan("p1")
	s.PushPlan(p1)
	s.WillResume()
	if p1.resumed != 1 {
		t.Errorf("plan WillResume called %d times, want 1", p1.resumed)
	}
}

func TestPlanStackCheckpointRoundTrip(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	c1 := plainPlan("c1")
	s.PushPlan(c1)
	s.PopPlan() // completed = [c1]

	cp := s.CheckpointCompletedPlans()
	if cp == 0 {
		t.Fatal("checkpoint tokens must start from a nonzero value")
	}
	s.RestoreCompletedPlanCheckpoint(cp)
	if got := s.GetCompletedPlan(true); got != c1 {
		t.Errorf("completed plan after immediate restore = %v, want c1", got)
	}
}

func TestPlanStackCheckpointIsolation(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	c1 := plainPlan("c1")
	s.PushPlan(c1)
	s.PopPlan() // completed = [c1]

	cp := s.CheckpointCompletedPlans()

	c2 := plainPlan("c2")
	s.PushPlan(c2)
	s.PopPlan() // completed = [c1, c2]
	if !s.IsPlanDone(c2) {
		t.Fatal("c2 should be done before the restore")
	}

	s.RestoreCompletedPlanCheckpoint(cp)
	if !s.IsPlanDone(c1) {
		t.Error("c1 should still be done after the restore")
	}
	if s.IsPlanDone(c2) {
		t.Error("c2 completed inside the checkpointed region, the restore should hide it")
	}

	// Restoring the same checkpoint again is a no-op, the snapshot is gone.
	c3 := plainPlan("c3")
	s.PushPlan(c3)
	s.PopPlan()
	s.RestoreCompletedPlanCheckpoint(cp)
	if !s.IsPlanDone(c3) {
		t.Error("restoring a consumed checkpoint must not alter the completed plans")
	}
}

func TestPlanStackDiscardCheckpoint(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	cp := s.CheckpointCompletedPlans()

	c1 := plainPlan("c1")
	s.PushPlan(c1)
	s.PopPlan()

	s.DiscardCompletedPlanCheckpoint(cp)
	if !s.IsPlanDone(c1) {
		t.Error("discarding a checkpoint accepts the completions recorded since it was taken")
	}
	s.RestoreCompletedPlanCheckpoint(cp)
	if !s.IsPlanDone(c1) {
		t.Error("restoring a discarded checkpoint must be a no-op")
	}
}

func TestPlanStackGetCompletedPlanSkipsPrivate(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	p1 := plainPlan("p1")
	helper := privatePlan("helper")
	s.PushPlan(p1)
	s.PushPlan(helper)
	s.PopPlan() // helper completes
	s.PopPlan() // p1 completes

	// Most recently completed is p1; push another private on top of the
	// completed history and check the scan skips it.
	helper2 := privatePlan("helper2")
	s.PushPlan(helper2)
	s.PopPlan()

	if got := s.GetCompletedPlan(true); got != p1 {
		t.Errorf("GetCompletedPlan(skip private) = %v, want p1", got)
	}
	if got := s.GetCompletedPlan(false); got != helper2 {
		t.Errorf("GetCompletedPlan(include private) = %v, want helper2", got)
	}
}

func TestPlanStackOnlyPrivateCompleted(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	helper := privatePlan("helper")
	s.PushPlan(helper)
	s.PopPlan()

	if got := s.GetCompletedPlan(true); got != nil {
		t.Errorf("GetCompletedPlan(skip private) = %v, want nil when only private plans completed", got)
	}
}

func TestPlanStackGetInnermostExpression(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	if got := s.GetInnermostExpression(); got != nil {
		t.Errorf("GetInnermostExpression on a plain stack = %v, want nil", got)
	}
	expr := expressionPlan("call")
	step := plainPlan("step")
	s.PushPlan(expr)
	s.PushPlan(step)
	if got := s.GetInnermostExpression(); got != expr {
		t.Errorf("GetInnermostExpression = %v, want the expression plan", got)
	}
}

func TestPlanStackEmptyMode(t *testing.T) {
	s := NewThreadPlanStack(7, true)
	if got := s.GetCurrentPlan(); got != nil {
		t.Errorf("GetCurrentPlan on an empty stack = %v, want nil", got)
	}
	s.DiscardAllPlans()
	s.DiscardPlansUpToPlan(nil)
	s.DiscardPlansUpToPlan(plainPlan("stranger"))
	if s.AnyPlans() || s.AnyCompletedPlans() || s.AnyDiscardedPlans() {
		t.Error("discard sweeps on an empty stack must not create state")
	}
}

func TestPlanStackTIDAccessors(t *testing.T) {
	s := NewThreadPlanStack(5, false)
	if !s.IsTID(5) || s.TID() != 5 {
		t.Errorf("TID = %d, want 5", s.TID())
	}
	s.SetTID(9)
	if s.IsTID(5) || s.TID() != 9 {
		t.Errorf("TID after SetTID = %d, want 9", s.TID())
	}
}

func TestPlanStackDump(t *testing.T) {
	s := NewThreadPlanStack(1, false)
	s.PushPlan(plainPlan("step over"))
	s.PushPlan(privatePlan("helper"))
	s.PopPlan()

	var buf bytes.Buffer
	s.Dump(&buf, false)
	out := buf.String()
	if !strings.Contains(out, "step over") || !strings.Contains(out, "base plan") {
		t.Errorf("dump is missing visible plans:\n%s", out)
	}
	if strings.Contains(out, "helper") {
		t.Errorf("dump includes a private plan without includePrivate:\n%s", out)
	}

	buf.Reset()
	s.Dump(&buf, true)
	if !strings.Contains(buf.String(), "helper") {
		t.Errorf("dump with includePrivate is missing the private plan:\n%s", buf.String())
	}
}
