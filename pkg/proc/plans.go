package proc

import "fmt"

// newBasePlan returns the unconditional "keep running" plan that sits at
// the bottom of every populated plan stack. It is the thread's default
// disposition when no other plan claims control: it explains every stop
// and never completes, so it is never popped.
func newBasePlan() ThreadPlan {
	return &basePlan{commonPlan{
		name:   "base plan",
		kind:   PlanKindOrdinary,
		master: true,
	}}
}

type basePlan struct {
	commonPlan
}

func (p *basePlan) ShouldStop(ev *StopEvent) bool {
	p.tracer.TraceStop(p, ev)
	return true
}

// NewStepInstructionPlan returns a plan that completes at the first trap
// stop after the thread resumes, i.e. after exactly one instruction when
// driven by a single stepping backend. When private it acts as a helper
// for an enclosing plan and is hidden from the user.
func NewStepInstructionPlan(private bool) ThreadPlan {
	return &stepInstructionPlan{commonPlan: commonPlan{
		name:          "step instruction",
		kind:          PlanKindOrdinary,
		private:       private,
		okayToDiscard: true,
	}}
}

type stepInstructionPlan struct {
	commonPlan
}

func (p *stepInstructionPlan) ShouldStop(ev *StopEvent) bool {
	p.tracer.TraceStop(p, ev)
	if ev.Reason == StopTrap {
		p.completed = true
		return true
	}
	return ev.Reason == StopExited
}

// NewStepRangePlan returns a plan that keeps the thread stepping while
// its PC stays inside [start, end). It completes at the first trap stop
// outside the range. Both step-over and step-into lower to this plan; the
// address range is supplied by the caller, typically from line tables the
// plan machinery knows nothing about.
func NewStepRangePlan(start, end uint64) ThreadPlan {
	return &stepRangePlan{
		commonPlan: commonPlan{
			name:   fmt.Sprintf("step range [%#x, %#x)", start, end),
			kind:   PlanKindOrdinary,
			master: true,
		},
		start: start,
		end:   end,
	}
}

type stepRangePlan struct {
	commonPlan
	start, end uint64
}

func (p *stepRangePlan) ShouldStop(ev *StopEvent) bool {
	p.tracer.TraceStop(p, ev)
	if ev.Reason == StopExited {
		return true
	}
	if ev.Reason != StopTrap {
		return false
	}
	if ev.PC < p.start || ev.PC >= p.end {
		p.completed = true
		return true
	}
	// Still inside the range, keep stepping.
	return false
}

// NewStepOutPlan returns a plan that runs the thread until it reaches
// retAddr, the return address of the frame being stepped out of.
func NewStepOutPlan(retAddr uint64) ThreadPlan {
	return &stepOutPlan{
		commonPlan: commonPlan{
			name:   fmt.Sprintf("step out to %#x", retAddr),
			kind:   PlanKindOrdinary,
			master: true,
		},
		retAddr: retAddr,
	}
}

type stepOutPlan struct {
	commonPlan
	retAddr uint64
}

func (p *stepOutPlan) ShouldStop(ev *StopEvent) bool {
	p.tracer.TraceStop(p, ev)
	if ev.Reason == StopExited {
		return true
	}
	if ev.Reason == StopTrap && ev.PC == p.retAddr {
		p.completed = true
		return true
	}
	return false
}

// NewCallFunctionPlan returns the plan that supervises an injected
// function call: the thread runs until it comes back to retAddr, the
// address the evaluator parked as the call's return. The plan is private
// (the user never asked to see it) and refuses to be discarded while the
// injected call is still in flight, since abandoning it would leave the
// thread running someone else's code.
//
// checkpoint is the completed-plan checkpoint taken before the nested run
// started; the owner restores or discards it when the call finishes.
func NewCallFunctionPlan(retAddr uint64, checkpoint int) *CallFunctionPlan {
	return &CallFunctionPlan{
		commonPlan: commonPlan{
			name:    fmt.Sprintf("call function, return to %#x", retAddr),
			kind:    PlanKindExpression,
			private: true,
			master:  true,
		},
		retAddr:    retAddr,
		checkpoint: checkpoint,
	}
}

type CallFunctionPlan struct {
	commonPlan
	retAddr    uint64
	checkpoint int
}

func (p *CallFunctionPlan) ShouldStop(ev *StopEvent) bool {
	p.tracer.TraceStop(p, ev)
	if ev.Reason == StopExited {
		return true
	}
	if ev.Reason == StopTrap && ev.PC == p.retAddr {
		p.completed = true
		p.okayToDiscard = true
		return true
	}
	return false
}

// Checkpoint returns the completed-plan checkpoint bracketing this call.
func (p *CallFunctionPlan) Checkpoint() int { return p.checkpoint }
