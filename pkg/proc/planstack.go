package proc

import (
	"fmt"
	"io"
)

// planStack is an ordered sequence of plans, index 0 outermost.
type planStack []ThreadPlan

func (s planStack) top() ThreadPlan {
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

func (s planStack) has(plan ThreadPlan) bool {
	for i := range s {
		if s[i] == plan {
			return true
		}
	}
	return false
}

// ThreadPlanStack holds the plans for a given TID: the stack of plans the
// thread is executing, plus the plans completed and discarded by the
// current stop. The latter two are only valid until the thread resumes.
//
// Plans are asked all their state machine questions through a per-stop
// Thread, but a ThreadPlanStack never caches a Thread across a resume:
// it is bound to a TID so that it can be detached from a dying Thread
// object and reattached when the TID is seen again. Only the owning
// thread control logic should call the mutating methods; everything else
// goes through that Thread.
type ThreadPlanStack struct {
	plans          planStack // plans the thread is currently executing
	completedPlans planStack // plans completed by this stop, cleared on resume
	discardedPlans planStack // plans discarded by this stop, cleared on resume

	// Monotonically increasing token for completed plan checkpoints.
	completedPlanCheckpoint int
	completedPlanStore      map[int]planStack

	tid    int
	thread *Thread // transient, nil while detached
}

// NewThreadPlanStack returns a stack for tid holding the base plan, or a
// fully empty stack if makeEmpty is set (used when the stack will be
// populated by a later Activate).
func NewThreadPlanStack(tid int, makeEmpty bool) *ThreadPlanStack {
	s := &ThreadPlanStack{
		tid:                tid,
		completedPlanStore: make(map[int]planStack),
	}
	if !makeEmpty {
		s.plans = planStack{newBasePlan()}
	}
	return s
}

// PushPlan makes plan the thread's current plan.
func (s *ThreadPlanStack) PushPlan(plan ThreadPlan) {
	if plan == nil {
		panic("pushing nil thread plan")
	}
	s.plans = append(s.plans, plan)
}

// PopPlan removes the current plan, records it as completed by this stop
// and returns it. Popping the base plan is a contract violation.
func (s *ThreadPlanStack) PopPlan() ThreadPlan {
	if len(s.plans) <= 1 {
		panic("popping the base thread plan")
	}
	plan := s.plans.top()
	s.plans = s.plans[:len(s.plans)-1]
	s.completedPlans = append(s.completedPlans, plan)
	return plan
}

// DiscardPlan abandons the current plan without letting it claim success:
// it moves to the discarded list, not the completed one.
func (s *ThreadPlanStack) DiscardPlan() ThreadPlan {
	if len(s.plans) <= 1 {
		panic("discarding the base thread plan")
	}
	plan := s.plans.top()
	s.plans = s.plans[:len(s.plans)-1]
	s.discardedPlans = append(s.discardedPlans, plan)
	return plan
}

// DiscardPlansUpToPlan discards plans from the top of the stack down to
// and including upTo. A nil upTo discards everything above the base plan.
// If upTo is not in the stack nothing is discarded: callers must pass a
// plan they know to be there.
func (s *ThreadPlanStack) DiscardPlansUpToPlan(upTo ThreadPlan) {
	if upTo == nil {
		s.DiscardAllPlans()
		return
	}
	// Only consider plans above the base.
	if len(s.plans) <= 1 || !s.plans[1:].has(upTo) {
		return
	}
	for len(s.plans) > 1 {
		if s.DiscardPlan() == upTo {
			return
		}
	}
}

// DiscardAllPlans discards every plan above the base plan.
func (s *ThreadPlanStack) DiscardAllPlans() {
	for len(s.plans) > 1 {
		s.DiscardPlan()
	}
}

// DiscardConsultingMasterPlans discards plans from the top of the stack,
// consulting any master plan it finds on the way down. A master plan that
// is not okay to discard stops the sweep: it and everything below it are
// preserved.
func (s *ThreadPlanStack) DiscardConsultingMasterPlans() {
	for {
		masterIdx := -1
		discardMaster := true
		for i := len(s.plans) - 1; i >= 0; i-- {
			if s.plans[i].MasterPlan() {
				masterIdx = i
				discardMaster = s.plans[i].OkayToDiscard()
				break
			}
		}
		if masterIdx <= 0 {
			// Only the base plan is left to consult; it is never discarded.
			for len(s.plans) > 1 {
				s.DiscardPlan()
			}
			return
		}
		if !discardMaster {
			for len(s.plans)-1 > masterIdx {
				s.DiscardPlan()
			}
			return
		}
		for len(s.plans)-1 >= masterIdx && len(s.plans) > 1 {
			s.DiscardPlan()
		}
	}
}

// GetCurrentPlan returns the plan in control of the thread, nil if the
// stack is empty (callers must treat that as "run freely").
func (s *ThreadPlanStack) GetCurrentPlan() ThreadPlan {
	return s.plans.top()
}

// GetCompletedPlan returns the most recently completed plan, skipping
// private plans if skipPrivate is set. Returns nil if nothing relevant
// completed during this stop.
func (s *ThreadPlanStack) GetCompletedPlan(skipPrivate bool) ThreadPlan {
	if !skipPrivate {
		return s.completedPlans.top()
	}
	for i := len(s.completedPlans) - 1; i >= 0; i-- {
		if !s.completedPlans[i].Private() {
			return s.completedPlans[i]
		}
	}
	return nil
}

// GetPlanByIndex returns the plan at ordinal position idx in the active
// stack, position 0 being the base plan. With skipPrivate set, private
// plans do not count towards the position. Out of range returns nil.
func (s *ThreadPlanStack) GetPlanByIndex(idx int, skipPrivate bool) ThreadPlan {
	n := 0
	for _, plan := range s.plans {
		if skipPrivate && plan.Private() {
			continue
		}
		if n == idx {
			return plan
		}
		n++
	}
	return nil
}

// AnyPlans reports whether the thread has any plan beyond the base plan.
func (s *ThreadPlanStack) AnyPlans() bool {
	return len(s.plans) > 1
}

// AnyCompletedPlans reports whether any plan completed during this stop.
func (s *ThreadPlanStack) AnyCompletedPlans() bool {
	return len(s.completedPlans) > 0
}

// AnyDiscardedPlans reports whether any plan was discarded during this stop.
func (s *ThreadPlanStack) AnyDiscardedPlans() bool {
	return len(s.discardedPlans) > 0
}

// IsPlanDone reports whether plan completed during this stop.
func (s *ThreadPlanStack) IsPlanDone(plan ThreadPlan) bool {
	return s.completedPlans.has(plan)
}

// WasPlanDiscarded reports whether plan was discarded during this stop.
func (s *ThreadPlanStack) WasPlanDiscarded(plan ThreadPlan) bool {
	return s.discardedPlans.has(plan)
}

// GetPreviousPlan returns the plan controlling plan, i.e. the one
// immediately below it in the active stack. Returns nil for the base
// plan or a plan that is not in the stack.
func (s *ThreadPlanStack) GetPreviousPlan(plan ThreadPlan) ThreadPlan {
	for i := len(s.plans) - 1; i > 0; i-- {
		if s.plans[i] == plan {
			return s.plans[i-1]
		}
	}
	return nil
}

// GetInnermostExpression returns the innermost plan running an injected
// call, nil if there is none.
func (s *ThreadPlanStack) GetInnermostExpression() ThreadPlan {
	for i := len(s.plans) - 1; i >= 0; i-- {
		if s.plans[i].Kind() == PlanKindExpression {
			return s.plans[i]
		}
	}
	return nil
}

// WillResume must be called once before the thread is told to continue.
// The completed and discarded lists only describe the stop that is
// ending, so they are dropped here, and every remaining plan gets to
// reset its per-stop state.
func (s *ThreadPlanStack) WillResume() {
	s.completedPlans = nil
	s.discardedPlans = nil
	for _, plan := range s.plans {
		plan.WillResume()
	}
}

// CheckpointCompletedPlans saves the current completed plan list under a
// fresh checkpoint token and returns it. Taken before a nested run of the
// target (an injected call) so the completions of the nested run can be
// hidden from the enclosing stop afterwards.
func (s *ThreadPlanStack) CheckpointCompletedPlans() int {
	s.completedPlanCheckpoint++
	s.completedPlanStore[s.completedPlanCheckpoint] = append(planStack{}, s.completedPlans...)
	return s.completedPlanCheckpoint
}

// RestoreCompletedPlanCheckpoint replaces the completed plan list with
// the snapshot saved under checkpoint and drops the snapshot. Unknown
// checkpoints are ignored.
func (s *ThreadPlanStack) RestoreCompletedPlanCheckpoint(checkpoint int) {
	saved, ok := s.completedPlanStore[checkpoint]
	if !ok {
		return
	}
	s.completedPlans = saved
	delete(s.completedPlanStore, checkpoint)
}

// DiscardCompletedPlanCheckpoint drops the snapshot saved under
// checkpoint, accepting the completions recorded since it was taken.
func (s *ThreadPlanStack) DiscardCompletedPlanCheckpoint(checkpoint int) {
	delete(s.completedPlanStore, checkpoint)
}

// ThreadDestroyed clears the transient back reference to the thread
// object. The stack keeps all its plans and can be reattached when the
// TID is reported again.
func (s *ThreadPlanStack) ThreadDestroyed(thread *Thread) {
	s.thread = nil
}

// EnableTracer turns stop tracing on or off for every plan in the stack.
func (s *ThreadPlanStack) EnableTracer(enabled, singleStep bool) {
	for _, plan := range s.plans {
		plan.EnableTracer(enabled, singleStep)
	}
}

// SetTracer propagates tracer to every plan in the stack.
func (s *ThreadPlanStack) SetTracer(tracer *ThreadPlanTracer) {
	for _, plan := range s.plans {
		plan.SetTracer(tracer)
	}
}

// IsTID reports whether the stack belongs to tid.
func (s *ThreadPlanStack) IsTID(tid int) bool { return s.tid == tid }

// TID returns the thread id the stack belongs to.
func (s *ThreadPlanStack) TID() int { return s.tid }

// SetTID rebinds the stack to a new thread id. Only used while
// reattaching a detached stack.
func (s *ThreadPlanStack) SetTID(tid int) { s.tid = tid }

// Dump writes a description of the three plan stacks to w. Private plans
// are only listed if includePrivate is set.
func (s *ThreadPlanStack) Dump(w io.Writer, includePrivate bool) {
	dumpOneStack(w, "active", s.plans, includePrivate)
	dumpOneStack(w, "completed", s.completedPlans, includePrivate)
	dumpOneStack(w, "discarded", s.discardedPlans, includePrivate)
}

func dumpOneStack(w io.Writer, name string, stack planStack, includePrivate bool) {
	n := 0
	for _, plan := range stack {
		if !includePrivate && plan.Private() {
			continue
		}
		n++
	}
	if n == 0 {
		return
	}
	fmt.Fprintf(w, "  %s plan stack:\n", name)
	i := 0
	for _, plan := range stack {
		if !includePrivate && plan.Private() {
			continue
		}
		fmt.Fprintf(w, "   %d: %s\n", i, describePlan(plan))
		i++
	}
}

func describePlan(plan ThreadPlan) string {
	attrs := ""
	if plan.Private() {
		attrs += " private"
	}
	if plan.MasterPlan() {
		attrs += " master"
	}
	if plan.HasCompleted() {
		attrs += " completed"
	}
	return plan.Name() + attrs
}
