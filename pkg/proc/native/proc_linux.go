//go:build linux

package native

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	sys "golang.org/x/sys/unix"

	"github.com/spelunkdbg/spelunk/pkg/logflags"
	"github.com/spelunkdbg/spelunk/pkg/proc"
)

// nativeProcess drives an attached process through ptrace. It carries no
// plan bookkeeping of its own: it only turns waitpid statuses into the
// stop events the execution control core consumes.
//
// All ptrace requests must come from the thread that attached, so
// callers must lock the OS thread before attaching.
type nativeProcess struct {
	pid  int
	tids []int

	log logflags.Logger
}

// Attach stops the process identified by pid and every one of its
// threads and assumes control of them.
func Attach(pid int) (proc.Process, error) {
	p := &nativeProcess{pid: pid, log: logflags.ControlLogger()}
	if err := p.attachThreads(); err != nil {
		p.Detach(false)
		return nil, err
	}
	return p, nil
}

// attachThreads attaches to every thread listed under /proc/pid/task,
// repeating until no new threads appear: the process may be spawning
// threads while we attach.
func (p *nativeProcess) attachThreads() error {
	attached := map[int]bool{}
	for {
		tids, err := p.taskList()
		if err != nil {
			return err
		}
		newThread := false
		for _, tid := range tids {
			if attached[tid] {
				continue
			}
			newThread = true
			if err := sys.PtraceAttach(tid); err != nil && err != sys.EPERM {
				// EPERM may just mean the thread exited between the
				// task listing and the attach.
				return fmt.Errorf("could not attach to thread %d: %w", tid, err)
			}
			var status sys.WaitStatus
			if _, err := sys.Wait4(tid, &status, sys.WALL, nil); err != nil {
				return fmt.Errorf("waiting for thread %d to stop: %v", tid, err)
			}
			attached[tid] = true
			p.log.Debugf("attached to thread %d", tid)
		}
		if !newThread {
			break
		}
	}
	return nil
}

func (p *nativeProcess) taskList() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(p.pid), "task"))
	if err != nil {
		return nil, fmt.Errorf("could not list threads of %d: %v", p.pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

func (p *nativeProcess) Pid() int { return p.pid }

func (p *nativeProcess) ThreadIDs() []int {
	tids, err := p.taskList()
	if err != nil {
		// The process is gone; report the last known list.
		return p.tids
	}
	p.tids = tids
	return tids
}

func (p *nativeProcess) Resume() error {
	for _, tid := range p.ThreadIDs() {
		if err := sys.PtraceCont(tid, 0); err != nil && err != sys.ESRCH {
			return fmt.Errorf("could not resume thread %d: %v", tid, err)
		}
	}
	return nil
}

func (p *nativeProcess) Wait() (*proc.StopEvent, error) {
	for {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(-1, &status, sys.WALL, nil)
		if err != nil {
			return nil, err
		}
		if wpid == p.pid && status.Exited() {
			return &proc.StopEvent{TID: wpid, Reason: proc.StopExited, ExitStatus: status.ExitStatus()}, nil
		}
		if !status.Stopped() {
			continue
		}
		if err := p.stopOtherThreads(wpid); err != nil {
			return nil, err
		}
		return p.stopEvent(wpid, status), nil
	}
}

// stopOtherThreads brings the rest of the process to a halt so the stop
// the control loop is about to examine is a fully stopped snapshot.
func (p *nativeProcess) stopOtherThreads(except int) error {
	for _, tid := range p.ThreadIDs() {
		if tid == except {
			continue
		}
		if err := sys.Tgkill(p.pid, tid, sys.SIGSTOP); err != nil && err != sys.ESRCH {
			return fmt.Errorf("could not stop thread %d: %v", tid, err)
		}
		var status sys.WaitStatus
		if _, err := sys.Wait4(tid, &status, sys.WALL, nil); err != nil && err != sys.ECHILD {
			return fmt.Errorf("waiting for thread %d to stop: %v", tid, err)
		}
	}
	return nil
}

func (p *nativeProcess) stopEvent(tid int, status sys.WaitStatus) *proc.StopEvent {
	ev := &proc.StopEvent{TID: tid}
	if pc, err := registersPC(tid); err == nil {
		ev.PC = pc
	}
	switch sig := status.StopSignal(); sig {
	case sys.SIGTRAP, sys.SIGSTOP:
		ev.Reason = proc.StopTrap
	default:
		ev.Reason = proc.StopSignal
		ev.Signal = int(sig)
	}
	return ev
}

func (p *nativeProcess) SingleStep(tid int) (*proc.StopEvent, error) {
	if err := sys.PtraceSingleStep(tid); err != nil {
		return nil, fmt.Errorf("could not single step thread %d: %v", tid, err)
	}
	var status sys.WaitStatus
	if _, err := sys.Wait4(tid, &status, sys.WALL, nil); err != nil {
		return nil, err
	}
	if status.Exited() {
		return &proc.StopEvent{TID: tid, Reason: proc.StopExited, ExitStatus: status.ExitStatus()}, nil
	}
	return p.stopEvent(tid, status), nil
}

func (p *nativeProcess) Halt() error {
	return sys.Kill(p.pid, sys.SIGSTOP)
}

func (p *nativeProcess) Detach(kill bool) error {
	var firstErr error
	for _, tid := range p.ThreadIDs() {
		if err := sys.PtraceDetach(tid); err != nil && err != sys.ESRCH && firstErr == nil {
			firstErr = fmt.Errorf("could not detach from thread %d: %v", tid, err)
		}
	}
	if kill {
		if err := sys.Kill(p.pid, sys.SIGKILL); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
