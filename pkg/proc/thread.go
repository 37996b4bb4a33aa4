package proc

// Thread represents one thread of the target process during one stop. It
// is transient: the Target rebuilds its Thread objects on every stop and
// destroys them before every resume, so a Thread must never be cached.
// The durable bookkeeping lives in the ThreadPlanStack, which a Thread
// reaches by TID through the process's plan stack map.
//
// Thread is the owning controller of its plan stack: all plan mutations
// performed by the debugger go through these methods.
type Thread struct {
	// ID is the thread id reported by the operating system.
	ID int
	// CurrentStop describes why the thread is stopped, if it is the
	// thread that caused the stop.
	CurrentStop *StopEvent

	target *Target
}

// PlanStack returns the durable plan stack for this thread.
func (th *Thread) PlanStack() *ThreadPlanStack {
	stack := th.target.plans.Find(th.ID)
	if stack == nil {
		// A speculatively created thread (e.g. for an injected call) may
		// not have been through an Update yet.
		stack = th.target.plans.AddThread(th.ID)
	}
	return stack
}

// PushPlan makes plan the thread's current plan.
func (th *Thread) PushPlan(plan ThreadPlan) {
	th.target.log.Debugf("thread %d: pushing plan %q", th.ID, plan.Name())
	th.PlanStack().PushPlan(plan)
}

// StepInstruction queues a plan stepping the thread by one instruction.
func (th *Thread) StepInstruction() {
	th.PushPlan(NewStepInstructionPlan(false))
}

// StepRange queues a plan stepping the thread while its PC stays inside
// [start, end). The range typically covers one source line and comes
// from whatever symbolication layer the caller has.
func (th *Thread) StepRange(start, end uint64) {
	th.PushPlan(NewStepRangePlan(start, end))
}

// StepOut queues a plan running the thread to retAddr, the return
// address of the current frame.
func (th *Thread) StepOut(retAddr uint64) {
	th.PushPlan(NewStepOutPlan(retAddr))
}

// CallFunction queues the plan supervising an injected call that returns
// to retAddr. The thread's completed plan history is checkpointed first
// so the nested run's internal completions can be hidden from the
// enclosing stop; the checkpoint travels with the returned plan.
func (th *Thread) CallFunction(retAddr uint64) *CallFunctionPlan {
	stack := th.PlanStack()
	checkpoint := stack.CheckpointCompletedPlans()
	plan := NewCallFunctionPlan(retAddr, checkpoint)
	th.PushPlan(plan)
	return plan
}

// FinishCallFunction closes the nested run bracketed by plan. With
// keepCompletions the plans completed during the injected call stay
// visible; otherwise the completed history reverts to the checkpoint
// taken when the call started. If the call is still on the stack (it
// never completed) it is discarded along with everything above it.
func (th *Thread) FinishCallFunction(plan *CallFunctionPlan, keepCompletions bool) {
	stack := th.PlanStack()
	if !stack.IsPlanDone(plan) && !stack.WasPlanDiscarded(plan) {
		stack.DiscardPlansUpToPlan(plan)
	}
	if keepCompletions {
		stack.DiscardCompletedPlanCheckpoint(plan.Checkpoint())
	} else {
		stack.RestoreCompletedPlanCheckpoint(plan.Checkpoint())
	}
}
