package proc

import (
	"fmt"

	"github.com/spelunkdbg/spelunk/pkg/logflags"
)

// PlanKind classifies a thread plan. The plan stack machinery only ever
// distinguishes ordinary stepping plans from expression evaluation plans
// (the latter bracket a nested run of the target and are looked up by
// GetInnermostExpression).
type PlanKind uint8

const (
	// PlanKindOrdinary is a normal stepping or run-control plan.
	PlanKindOrdinary PlanKind = iota
	// PlanKindExpression is a plan that runs an injected call in the target.
	PlanKindExpression
)

// StopReason describes why a thread stopped.
type StopReason uint8

const (
	StopUnknown StopReason = iota
	// StopTrap is a trace trap, caused by a completed single step or by
	// the thread being halted.
	StopTrap
	// StopSignal means the thread stopped because it received a signal.
	StopSignal
	// StopExited means the process has exited.
	StopExited
)

// StopEvent describes a single stop of one thread, as reported by the
// process backend. It is the only window the plan machinery has into the
// target: plans decide whether they are done by looking at consecutive
// StopEvents, never by touching live process state.
type StopEvent struct {
	TID        int
	PC         uint64
	Reason     StopReason
	Signal     int
	ExitStatus int
}

func (ev *StopEvent) String() string {
	switch ev.Reason {
	case StopTrap:
		return fmt.Sprintf("thread %d trap at %#x", ev.TID, ev.PC)
	case StopSignal:
		return fmt.Sprintf("thread %d signal %d at %#x", ev.TID, ev.Signal, ev.PC)
	case StopExited:
		return fmt.Sprintf("process exited with status %d", ev.ExitStatus)
	}
	return fmt.Sprintf("thread %d stopped at %#x", ev.TID, ev.PC)
}

// ThreadPlan is a unit of execution intent for one thread: what the
// debugger should do the next time the thread resumes and what it should
// report when the thread stops.
//
// The plan stack machinery depends only on this capability set, never on
// concrete plan types.
type ThreadPlan interface {
	// Name returns a short description used by plan stack dumps.
	Name() string
	// Kind reports whether this is an ordinary plan or an expression
	// evaluation plan.
	Kind() PlanKind
	// ShouldStop examines a stop event, updates the plan's completion
	// state and reports whether the stop should be surfaced rather than
	// automatically resumed.
	ShouldStop(ev *StopEvent) bool
	// HasCompleted reports whether the plan has achieved its intent and
	// should be popped off the stack.
	HasCompleted() bool
	// Private reports whether the plan is an internal helper that should
	// be hidden from the user by default.
	Private() bool
	// OkayToDiscard reports whether a discard sweep may abandon this plan.
	OkayToDiscard() bool
	// MasterPlan reports whether this plan represents an invariant that
	// discard sweeps must consult before crossing.
	MasterPlan() bool
	// WillResume is called once immediately before the thread resumes, so
	// the plan can reset any state that was only valid for the last stop.
	WillResume()

	SetTracer(tracer *ThreadPlanTracer)
	EnableTracer(enabled, singleStep bool)
}

// ThreadPlanTracer is a diagnostic sink plans log their stops to. It is
// cross-cutting: the stack propagates one tracer to every plan it holds.
type ThreadPlanTracer struct {
	log        logflags.Logger
	enabled    bool
	singleStep bool
}

// NewThreadPlanTracer returns a tracer writing to the plan log layer.
func NewThreadPlanTracer() *ThreadPlanTracer {
	return &ThreadPlanTracer{log: logflags.PlanLogger()}
}

func (t *ThreadPlanTracer) Enable(v, singleStep bool) {
	t.enabled = v
	t.singleStep = singleStep
}

func (t *ThreadPlanTracer) Enabled() bool { return t.enabled }

// SingleStep reports whether the tracer asked for instruction granular
// stepping while tracing.
func (t *ThreadPlanTracer) SingleStep() bool { return t.singleStep }

// TraceStop records one stop observed by a plan.
func (t *ThreadPlanTracer) TraceStop(plan ThreadPlan, ev *StopEvent) {
	if t == nil || !t.enabled {
		return
	}
	t.log.Debugf("%s: %s", plan.Name(), ev.String())
}

// commonPlan holds the state shared by every plan implementation.
// Concrete plans embed it and implement ShouldStop.
type commonPlan struct {
	name          string
	kind          PlanKind
	private       bool
	master        bool
	okayToDiscard bool
	completed     bool
	tracer        *ThreadPlanTracer
}

func (p *commonPlan) Name() string        { return p.name }
func (p *commonPlan) Kind() PlanKind      { return p.kind }
func (p *commonPlan) HasCompleted() bool  { return p.completed }
func (p *commonPlan) Private() bool       { return p.private }
func (p *commonPlan) OkayToDiscard() bool { return p.okayToDiscard }
func (p *commonPlan) MasterPlan() bool    { return p.master }

func (p *commonPlan) WillResume() {}

func (p *commonPlan) SetTracer(tracer *ThreadPlanTracer) { p.tracer = tracer }

func (p *commonPlan) EnableTracer(enabled, singleStep bool) {
	if p.tracer == nil {
		p.tracer = NewThreadPlanTracer()
	}
	p.tracer.Enable(enabled, singleStep)
}
