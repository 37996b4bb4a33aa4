package proc

import (
	"errors"
	"sort"

	"github.com/spelunkdbg/spelunk/pkg/logflags"
)

// Process is the interface the execution control core uses to drive a
// process backend. The backend only ever exposes the process through
// discrete fully-stopped snapshots: every method except Resume and Halt
// may only be called while the process is stopped.
type Process interface {
	Pid() int
	// ThreadIDs returns the authoritative list of currently reported
	// thread ids.
	ThreadIDs() []int
	// Resume sets every thread of the process running.
	Resume() error
	// Wait blocks until the next stop after Resume and reports it.
	Wait() (*StopEvent, error)
	// SingleStep steps one thread by a single instruction, keeping the
	// other threads stopped, and reports the resulting stop.
	SingleStep(tid int) (*StopEvent, error)
	// Halt stops a running process, causing Wait to return.
	Halt() error
	// Detach detaches from the process, killing it if kill is set.
	Detach(kill bool) error
}

// ErrProcessExited is returned by operations on a target whose process
// has exited.
var ErrProcessExited = errors.New("process has exited")

// Target binds a process backend to its plan stack bookkeeping and runs
// the stop/resume cycle: on every stop the plan stack map is reconciled
// against the reported thread list and the stopped thread's plans decide
// whether the stop is surfaced; before every resume the per-stop state is
// cleared. All methods must be called from a single control goroutine.
type Target struct {
	backend Process
	plans   *ThreadPlanStackMap

	threads       map[int]*Thread
	currentThread *Thread
	exited        bool

	log logflags.Logger
}

// NewTarget wraps an attached, stopped process backend. historySize
// bounds the retired plan stack history (zero means the default).
func NewTarget(backend Process, historySize int) *Target {
	t := &Target{
		backend: backend,
		plans:   NewThreadPlanStackMap(backend, historySize),
		log:     logflags.ControlLogger(),
	}
	t.plans.Update(backend.ThreadIDs(), false, true)
	t.refreshThreads(nil)
	return t
}

// Valid returns whether the target can still be used.
func (t *Target) Valid() error {
	if t.exited {
		return ErrProcessExited
	}
	return nil
}

// Pid returns the process id of the target.
func (t *Target) Pid() int { return t.backend.Pid() }

// PlanMap exposes the plan stack bookkeeping for diagnostic queries.
func (t *Target) PlanMap() *ThreadPlanStackMap { return t.plans }

// Threads returns the per-stop thread objects, sorted by TID. They are
// only valid until the next resume.
func (t *Target) Threads() []*Thread {
	ths := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		ths = append(ths, th)
	}
	sort.Slice(ths, func(i, j int) bool { return ths[i].ID < ths[j].ID })
	return ths
}

// FindThread returns the thread with the given id at the current stop.
func (t *Target) FindThread(tid int) (*Thread, error) {
	if err := t.Valid(); err != nil {
		return nil, err
	}
	th := t.threads[tid]
	if th == nil {
		return nil, ErrNoSuchTID
	}
	return th, nil
}

// CurrentThread returns the thread that caused the last stop, or the
// first reported thread if the last stop had no single cause.
func (t *Target) CurrentThread() *Thread { return t.currentThread }

// SwitchThread changes the current thread.
func (t *Target) SwitchThread(tid int) error {
	th, err := t.FindThread(tid)
	if err != nil {
		return err
	}
	t.currentThread = th
	return nil
}

// Continue resumes the process and runs the plan state machine until
// some plan decides the stop should be surfaced, returning that stop.
func (t *Target) Continue() (*StopEvent, error) {
	if err := t.Valid(); err != nil {
		return nil, err
	}
	for {
		ev, err := t.resumeOnce()
		if err != nil {
			return nil, err
		}
		if ev.Reason == StopExited {
			t.log.Debugf("target exited with status %d", ev.ExitStatus)
			t.exited = true
			t.plans.Clear()
			t.threads = nil
			t.currentThread = nil
			return ev, ErrProcessExited
		}
		if t.handleStop(ev) {
			return ev, nil
		}
		// No plan claimed the stop, keep going.
	}
}

// resumeOnce clears the per-stop state and resumes the process, by a
// single instruction step of the stepping thread if some plan is driving
// one, by a full resume otherwise.
func (t *Target) resumeOnce() (*StopEvent, error) {
	stepping := t.steppingThread()
	t.willResume()
	if stepping != 0 {
		return t.backend.SingleStep(stepping)
	}
	if err := t.backend.Resume(); err != nil {
		return nil, err
	}
	return t.backend.Wait()
}

// steppingThread returns the TID whose current plan is advancing by
// single instruction steps, 0 if every thread is just running. With no
// breakpoint machinery in this core every plan above the base makes
// progress one instruction at a time.
func (t *Target) steppingThread() int {
	for _, tid := range t.plans.TIDs() {
		if t.plans.Find(tid).AnyPlans() {
			return tid
		}
	}
	return 0
}

// willResume tells every plan stack the per-stop state is over and drops
// the transient thread objects. Called exactly once before each resume.
func (t *Target) willResume() {
	for _, tid := range t.plans.TIDs() {
		stack := t.plans.Find(tid)
		stack.WillResume()
		if th := t.threads[tid]; th != nil {
			stack.ThreadDestroyed(th)
		}
	}
	t.threads = nil
	t.currentThread = nil
}

// handleStop reconciles the bookkeeping with the freshly reported thread
// list and walks the stopped thread's plan stack: completed plans are
// popped, and the stop is surfaced as soon as a non-private plan claims
// it. Reports whether the stop should be surfaced to the user.
func (t *Target) handleStop(ev *StopEvent) bool {
	t.plans.Update(t.backend.ThreadIDs(), false, true)
	t.refreshThreads(ev)

	th := t.threads[ev.TID]
	if th == nil {
		// Stop on a thread the backend does not report; surface it.
		t.log.Warnf("stop on unreported thread %d", ev.TID)
		return true
	}
	stack := th.PlanStack()
	for {
		plan := stack.GetCurrentPlan()
		if plan == nil {
			return true
		}
		shouldStop := plan.ShouldStop(ev)
		if !plan.HasCompleted() {
			return shouldStop
		}
		stack.PopPlan()
		t.log.Debugf("thread %d: plan %q completed", th.ID, plan.Name())
		if !plan.Private() {
			return true
		}
		// A private helper finished; the plan below decides what this
		// stop means.
	}
}

// refreshThreads rebuilds the per-stop thread objects and reattaches
// each plan stack to its thread for the duration of the stop.
func (t *Target) refreshThreads(ev *StopEvent) {
	t.threads = make(map[int]*Thread)
	t.currentThread = nil
	for _, tid := range t.backend.ThreadIDs() {
		th := &Thread{ID: tid, target: t}
		if ev != nil && ev.TID == tid {
			th.CurrentStop = ev
			t.currentThread = th
		}
		t.threads[tid] = th
		if stack := t.plans.Find(tid); stack != nil {
			stack.thread = th
		}
	}
	if t.currentThread == nil {
		for _, th := range t.Threads() {
			t.currentThread = th
			break
		}
	}
}

// Halt stops a running target.
func (t *Target) Halt() error {
	if err := t.Valid(); err != nil {
		return err
	}
	return t.backend.Halt()
}

// Detach clears all plan bookkeeping and detaches from the process.
func (t *Target) Detach(kill bool) error {
	if err := t.Valid(); err != nil {
		return err
	}
	t.plans.Clear()
	t.threads = nil
	t.currentThread = nil
	return t.backend.Detach(kill)
}
