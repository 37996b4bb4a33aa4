package debugger

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spelunkdbg/spelunk/pkg/logflags"
	"github.com/spelunkdbg/spelunk/pkg/proc"
	"github.com/spelunkdbg/spelunk/pkg/proc/native"
)

// Debugger provides a higher level of abstraction over proc.Target.
// It handles converting from internal types to the types expected by
// clients and serializes access to the target: every method takes the
// target mutex, so the plan stack bookkeeping below only ever sees one
// caller at a time.
type Debugger struct {
	config *Config

	targetMutex sync.Mutex
	target      *proc.Target

	log logflags.Logger
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// AttachPid is the PID of an existing process to attach to.
	AttachPid int

	// PlanHistory bounds how many exited threads keep their plan stacks
	// queryable; zero means the default.
	PlanHistory int
}

// New creates a new Debugger. If backend is nil the debugger attaches
// to Config.AttachPid with the native backend.
func New(config *Config, backend proc.Process) (*Debugger, error) {
	logger := logflags.DebuggerLogger()
	d := &Debugger{
		config: config,
		log:    logger,
	}

	if backend == nil {
		if config.AttachPid <= 0 {
			return nil, errors.New("no process to attach to")
		}
		logger.Infof("attaching to pid %d", config.AttachPid)
		var err error
		backend, err = native.Attach(config.AttachPid)
		if err != nil {
			return nil, attachErrorMessage(config.AttachPid, err)
		}
	}
	d.target = proc.NewTarget(backend, config.PlanHistory)
	return d, nil
}

// ThreadInfo describes one thread of the target at a stop.
type ThreadInfo struct {
	ID          int
	PC          uint64
	StopReason  string
	ActivePlans int
}

// State describes the target after a command finished.
type State struct {
	Pid           int
	Exited        bool
	ExitStatus    int
	CurrentThread *ThreadInfo
	Threads       []*ThreadInfo
}

func (d *Debugger) threadInfo(th *proc.Thread) *ThreadInfo {
	info := &ThreadInfo{ID: th.ID}
	if th.CurrentStop != nil {
		info.PC = th.CurrentStop.PC
		info.StopReason = th.CurrentStop.String()
	} else {
		info.StopReason = "running"
	}
	if stack := d.target.PlanMap().Find(th.ID); stack != nil {
		n := 0
		for stack.GetPlanByIndex(n, false) != nil {
			n++
		}
		if n > 0 {
			// The base plan is not an intention of the user's.
			info.ActivePlans = n - 1
		}
	}
	return info
}

func (d *Debugger) state() *State {
	s := &State{Pid: d.target.Pid()}
	if d.target.Valid() != nil {
		s.Exited = true
		return s
	}
	for _, th := range d.target.Threads() {
		info := d.threadInfo(th)
		s.Threads = append(s.Threads, info)
		if cur := d.target.CurrentThread(); cur != nil && cur.ID == th.ID {
			s.CurrentThread = info
		}
	}
	return s
}

// State returns the current state of the target.
func (d *Debugger) State() (*State, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.state(), nil
}

// Continue resumes the target until a plan surfaces a stop.
func (d *Debugger) Continue() (*State, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	ev, err := d.target.Continue()
	if errors.Is(err, proc.ErrProcessExited) {
		s := &State{Pid: d.target.Pid(), Exited: true}
		if ev != nil {
			s.ExitStatus = ev.ExitStatus
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	return d.state(), nil
}

// StepInstruction steps the given thread (the current thread if tid is
// zero) by one instruction and waits for the stop.
func (d *Debugger) StepInstruction(tid int) (*State, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	th, err := d.pickThread(tid)
	if err != nil {
		return nil, err
	}
	th.StepInstruction()
	return d.continueLocked()
}

// StepRange steps the thread while its PC stays inside [start, end).
func (d *Debugger) StepRange(tid int, start, end uint64) (*State, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if start >= end {
		return nil, fmt.Errorf("invalid step range [%#x, %#x)", start, end)
	}
	th, err := d.pickThread(tid)
	if err != nil {
		return nil, err
	}
	th.StepRange(start, end)
	return d.continueLocked()
}

// StepOut runs the thread to retAddr, the return address of the frame
// being stepped out of.
func (d *Debugger) StepOut(tid int, retAddr uint64) (*State, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	th, err := d.pickThread(tid)
	if err != nil {
		return nil, err
	}
	th.StepOut(retAddr)
	return d.continueLocked()
}

// CallFunction runs an injected call on the given thread until it
// returns to retAddr. The thread's completed plan history is
// checkpointed around the nested run: with keepCompletions the plans
// completed inside the call stay visible afterwards, otherwise they are
// hidden from the enclosing stop.
func (d *Debugger) CallFunction(tid int, retAddr uint64, keepCompletions bool) (*State, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	th, err := d.pickThread(tid)
	if err != nil {
		return nil, err
	}
	plan := th.CallFunction(retAddr)
	s, err := d.continueLocked()
	if err != nil {
		return nil, err
	}
	if cur, cerr := d.target.FindThread(th.ID); cerr == nil {
		cur.FinishCallFunction(plan, keepCompletions)
		s = d.state()
	}
	return s, nil
}

func (d *Debugger) continueLocked() (*State, error) {
	ev, err := d.target.Continue()
	if errors.Is(err, proc.ErrProcessExited) {
		s := &State{Pid: d.target.Pid(), Exited: true}
		if ev != nil {
			s.ExitStatus = ev.ExitStatus
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	return d.state(), nil
}

func (d *Debugger) pickThread(tid int) (*proc.Thread, error) {
	if tid == 0 {
		th := d.target.CurrentThread()
		if th == nil {
			return nil, errors.New("no current thread")
		}
		return th, nil
	}
	return d.target.FindThread(tid)
}

// SwitchThread changes the current thread.
func (d *Debugger) SwitchThread(tid int) (*State, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.target.SwitchThread(tid); err != nil {
		return nil, err
	}
	return d.state(), nil
}

// Halt stops a running target.
func (d *Debugger) Halt() error {
	// Deliberately does not take the target mutex: Halt is called from
	// the signal handler while Continue holds the mutex.
	return d.target.Halt()
}

// DumpThreadPlans writes a report of the plan stacks to w, for a single
// thread if tid is not zero. Flags mirror the "thread plan list"
// surface: include private plans, include base-only stacks, skip
// threads the process has not reported.
func (d *Debugger) DumpThreadPlans(w io.Writer, tid int, includePrivate, includeBoring, skipUnreported bool) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if tid != 0 {
		return d.target.PlanMap().DumpPlansForTID(w, tid, includePrivate, includeBoring, skipUnreported)
	}
	d.target.PlanMap().DumpPlans(w, includePrivate, includeBoring, skipUnreported)
	return nil
}

// PrunePlans drops the plan bookkeeping of a single thread, regardless
// of the retention policy the stop reconciliation runs under.
func (d *Debugger) PrunePlans(tid int) bool {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.target.PlanMap().PrunePlansForTID(tid)
}

// EnablePlanTracing turns stop tracing on or off for every plan of
// every thread.
func (d *Debugger) EnablePlanTracing(enabled, singleStep bool) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	pm := d.target.PlanMap()
	for _, tid := range pm.TIDs() {
		pm.Find(tid).EnableTracer(enabled, singleStep)
	}
}

// Detach detaches from the target, killing it if kill is set.
func (d *Debugger) Detach(kill bool) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	d.log.Infof("detaching from pid %d (kill: %v)", d.target.Pid(), kill)
	return d.target.Detach(kill)
}

// Exited reports whether the target has exited.
func (d *Debugger) Exited() bool {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.target.Valid() != nil
}
