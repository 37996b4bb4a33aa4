package proc

import (
	"errors"
	"fmt"
	"io"
	"sort"

	lru "github.com/hashicorp/golang-lru"
)

// ErrNoSuchTID is returned by queries for a thread id the process never
// reported or whose bookkeeping has been pruned.
var ErrNoSuchTID = errors.New("no plans for TID")

// ThreadLister is the slice of the process backend the plan stack map
// needs: the authoritative list of currently reported thread ids.
type ThreadLister interface {
	ThreadIDs() []int
}

// defaultRetiredStacks is how many plan stacks of exited threads are kept
// around for a final "thread plans" report after their TID is pruned.
const defaultRetiredStacks = 16

// ThreadPlanStackMap owns one ThreadPlanStack per live (or speculatively
// added) TID of a process. It is reconciled against the process's
// reported thread list on every stop, and keeps a bounded history of
// stacks belonging to threads that have exited.
type ThreadPlanStackMap struct {
	process ThreadLister
	plans   map[int]*ThreadPlanStack
	retired *lru.Cache // TID -> *ThreadPlanStack of a pruned thread
}

// NewThreadPlanStackMap returns an empty map for a process. historySize
// bounds how many pruned stacks are retained for reporting; zero or
// negative means the default.
func NewThreadPlanStackMap(process ThreadLister, historySize int) *ThreadPlanStackMap {
	if historySize <= 0 {
		historySize = defaultRetiredStacks
	}
	retired, _ := lru.New(historySize)
	return &ThreadPlanStackMap{
		process: process,
		plans:   make(map[int]*ThreadPlanStack),
		retired: retired,
	}
}

// AddThread creates the plan stack for a newly observed TID and returns
// it. Callers must check that the TID is not already present.
func (m *ThreadPlanStackMap) AddThread(tid int) *ThreadPlanStack {
	stack := NewThreadPlanStack(tid, false)
	m.plans[tid] = stack
	return stack
}

// RemoveTID detaches and erases the entry for tid, keeping the stack in
// the retired history. Returns false if tid has no entry.
func (m *ThreadPlanStackMap) RemoveTID(tid int) bool {
	stack, ok := m.plans[tid]
	if !ok {
		return false
	}
	stack.ThreadDestroyed(nil)
	delete(m.plans, tid)
	m.retired.Add(tid, stack)
	return true
}

// Find returns the plan stack for tid, nil if there is none. Ownership
// stays with the map.
func (m *ThreadPlanStackMap) Find(tid int) *ThreadPlanStack {
	return m.plans[tid]
}

// FindRetired returns the plan stack of a pruned thread, nil if the
// history no longer holds it.
func (m *ThreadPlanStackMap) FindRetired(tid int) *ThreadPlanStack {
	if v, ok := m.retired.Get(tid); ok {
		return v.(*ThreadPlanStack)
	}
	return nil
}

// Update reconciles the map against the process's reported thread list,
// once per stop. New TIDs get a fresh stack if checkForNew is set. TIDs
// no longer reported are pruned if deleteMissing is set, otherwise they
// are kept so their completed and discarded history can still be queried
// before a later forced removal.
func (m *ThreadPlanStackMap) Update(currentTIDs []int, deleteMissing bool, checkForNew bool) {
	current := make(map[int]bool, len(currentTIDs))
	for _, tid := range currentTIDs {
		current[tid] = true
		if checkForNew && m.plans[tid] == nil {
			m.AddThread(tid)
		}
	}
	if !deleteMissing {
		return
	}
	for tid := range m.plans {
		if !current[tid] {
			m.RemoveTID(tid)
		}
	}
}

// Activate takes ownership of a previously detached stack, keyed by the
// stack's own TID. An existing entry for that TID is replaced. This is
// how a stack extracted by CleanUp, or saved across a temporary
// detachment, is restored into service.
func (m *ThreadPlanStackMap) Activate(stack *ThreadPlanStack) {
	m.retired.Remove(stack.TID())
	m.plans[stack.TID()] = stack
}

// CleanUp extracts every entry whose stack reports a TID different from
// its map key. This happens when the OS recycles TIDs faster than the
// bookkeeping catches up, leaving a stale stack keyed under a TID it no
// longer owns. Ownership of the extracted stacks transfers to the
// caller, which must re-home or drop them.
func (m *ThreadPlanStackMap) CleanUp() []*ThreadPlanStack {
	var invalidated []int
	for tid, stack := range m.plans {
		if !stack.IsTID(tid) {
			invalidated = append(invalidated, tid)
		}
	}
	detached := make([]*ThreadPlanStack, 0, len(invalidated))
	for _, tid := range invalidated {
		detached = append(detached, m.plans[tid])
		delete(m.plans, tid)
	}
	return detached
}

// Clear detaches and erases every entry, including the retired history.
// Called on process exit or detach.
func (m *ThreadPlanStackMap) Clear() {
	for tid, stack := range m.plans {
		stack.ThreadDestroyed(nil)
		delete(m.plans, tid)
	}
	m.retired.Purge()
}

// PrunePlansForTID removes the entry for tid regardless of the
// deleteMissing policy Update runs under. Used for targeted cleanup,
// e.g. a user requested thread removal.
func (m *ThreadPlanStackMap) PrunePlansForTID(tid int) bool {
	return m.RemoveTID(tid)
}

// Len returns the number of live entries.
func (m *ThreadPlanStackMap) Len() int { return len(m.plans) }

// TIDs returns the TIDs with a live entry, sorted.
func (m *ThreadPlanStackMap) TIDs() []int {
	tids := make([]int, 0, len(m.plans))
	for tid := range m.plans {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids
}

func (m *ThreadPlanStackMap) reported(tid int) bool {
	if m.process == nil {
		return true
	}
	for _, cur := range m.process.ThreadIDs() {
		if cur == tid {
			return true
		}
	}
	return false
}

// DumpPlans writes a description of every thread's plan stacks to w.
// Stacks holding nothing but the base plan are skipped unless
// includeBoring is set; threads the process has not (yet) reported are
// skipped if skipUnreported is set.
func (m *ThreadPlanStackMap) DumpPlans(w io.Writer, includePrivate, includeBoring, skipUnreported bool) {
	for _, tid := range m.TIDs() {
		m.dumpStack(w, tid, m.plans[tid], includePrivate, includeBoring, skipUnreported)
	}
}

// DumpPlansForTID writes a description of one thread's plan stacks to w,
// falling back to the retired history for pruned threads.
func (m *ThreadPlanStackMap) DumpPlansForTID(w io.Writer, tid int, includePrivate, includeBoring, skipUnreported bool) error {
	stack := m.plans[tid]
	if stack == nil {
		stack = m.FindRetired(tid)
	}
	if stack == nil {
		return fmt.Errorf("%w %d", ErrNoSuchTID, tid)
	}
	m.dumpStack(w, tid, stack, includePrivate, includeBoring, skipUnreported)
	return nil
}

func (m *ThreadPlanStackMap) dumpStack(w io.Writer, tid int, stack *ThreadPlanStack, includePrivate, includeBoring, skipUnreported bool) {
	if !includeBoring && !stack.AnyPlans() && !stack.AnyCompletedPlans() && !stack.AnyDiscardedPlans() {
		return
	}
	if skipUnreported && !m.reported(tid) {
		return
	}
	fmt.Fprintf(w, "thread %d:\n", tid)
	stack.Dump(w, includePrivate)
}
