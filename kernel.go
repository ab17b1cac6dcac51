// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RTKERN: Preemptive Real-Time Kernel - Reference Model
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// A small preemptive kernel for an ARMv7-M class MCU, modeled in executable
// Go. The kernel runs several cooperating tasks on one CPU:
//
//   - per-task stacks and a priority-based round-robin scheduler
//   - preemption driven by a periodic timer tick
//   - time-based sleep, task pause/resume
//   - counting semaphores and fixed-size FIFO message queues
//
// Tasks carry one of four priorities. The highest-priority runnable task
// runs, except right after the current task stops being runnable (see
// schedule); equal-priority runnable tasks timeslice. If nothing is
// runnable, a built-in idle task runs.
//
// Task descriptors live on a singly-linked circular ring anchored by the
// idle descriptor, so the ring is well-formed with zero user tasks. The
// `run` cursor marks the current task; the scheduler is a pure walk of the
// ring.
//
// The machine protocol — exception stack frames, PSP, EXC_RETURN markers,
// PRIMASK critical sections, the pended context-switch exception — is
// modeled bit-exactly by the arch package. This file owns the portable
// half: the descriptor ring, the scheduler, timeouts, and the blocking
// protocol shared by sleep, semaphores, and queues.
//
// This Go code serves as both:
//  1. Executable reference model (runs and is tested)
//  2. Behavioral specification for a firmware port
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package rtkern

import "rtkern/arch"

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STATUS AND MODE VOCABULARY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Status is the result vocabulary of every kernel operation.
type Status uint8

const (
	StatusError   Status = 0 // invalid argument or protocol misuse; no state changed
	StatusOK      Status = 1
	StatusBlocked Status = 2 // non-blocking operation could not proceed
)

// BlockMode selects queue behavior when the operation cannot proceed.
type BlockMode uint8

const (
	NoBlock BlockMode = 0 // return StatusBlocked instead of waiting
	Block   BlockMode = 1 // suspend until the operation can proceed
)

// Priority orders tasks for election. PriorityIdle is reserved for the idle
// task; user tasks use Low through High.
type Priority uint8

const (
	PriorityIdle   Priority = 0
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

const (
	// DefaultTaskPeriod is the preemption quantum, in ticks, used when Init
	// is handed its own default.
	DefaultTaskPeriod = 1

	// MinStackWords is the smallest stack a task may be created with.
	MinStackWords = 64

	idleStackWords = 32
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// WAIT TOKENS
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// A task's blocked field carries a wait token:
//
//	nil          runnable
//	timedOut{}   asleep; the timeOut counter says for how long
//	exited{}     entry function returned; never runnable again
//	*Semaphore   waiting to acquire that semaphore
//	*Queue       waiting for space or data on that queue
//
// The sentinel types are unexported and empty, so no synchronisation object
// can ever compare equal to one.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type timedOut struct{}

type exited struct{}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TASK DESCRIPTOR AND KERNEL STATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Task is a task control block. One exists per task for the lifetime of the
// machine; tasks are never destroyed.
type Task struct {
	sp       int      // saved-context pointer; valid only while not running
	stack    []uint32 // the task's own stack, full-descending
	blocked  any      // wait token, see above
	next     *Task    // ring successor; the ring is never empty
	timeOut  uint32   // remaining sleep ticks while blocked == timedOut{}
	priority Priority
	paused   bool // orthogonal to blocked; runnable = !blocked && !paused

	entry func()

	// Dispatch engine plumbing: the goroutine carrying this task parks on
	// gate between elections. See machine.go.
	gate    chan struct{}
	started bool
}

// Priority reports the priority the task was created with.
func (t *Task) Priority() Priority { return t.priority }

// Kernel is the whole machine: the core model, the descriptor ring, the
// scheduler state, and the dispatch engine. All kernel primitives are its
// methods; all shared state lives behind its critical section.
type Kernel struct {
	core *arch.Core

	run       *Task // current cursor into the ring
	idle      Task
	idleStack [idleStackWords]uint32

	taskPeriod      uint32
	schedulerEnable bool
	tickCounter     uint32

	tasks []*Task // every descriptor ever created, idle first

	// Dispatch engine state (machine.go).
	clock  uint64
	haltAt uint64
	halted bool
	boot   chan *Task

	switches   uint64
	dispatches uint64
}

// New returns a halted machine holding only the idle task. The idle
// descriptor's ring link points at itself, so the ring is well-formed
// before any task is created.
func New() *Kernel {
	k := &Kernel{
		core:       &arch.Core{},
		taskPeriod: DefaultTaskPeriod,
		boot:       make(chan *Task),
	}
	k.idle.priority = PriorityIdle
	k.idle.next = &k.idle
	k.idle.stack = k.idleStack[:]
	k.idle.sp = idleStackWords - arch.FrameWords
	k.idle.entry = k.idleLoop
	k.run = &k.idle
	k.tasks = append(k.tasks, &k.idle)
	return k
}

// Core exposes the modeled core. Intended for inspection; mutating it
// outside kernel primitives is firmware poking at live hardware state.
func (k *Kernel) Core() *arch.Core { return k.core }

// Synthetic flash addresses seeded as frame return targets, one per
// descriptor in creation order.
const entryBase uint32 = 0x08000000

func entryAddress(n int) uint32 { return entryBase + uint32(n)*0x40 }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TASK CREATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ThreadNew creates a task and splices it into the ring immediately before
// the current run cursor.
//
// The stack is the caller's slice when non-nil (the kernel only writes into
// it), otherwise stackSize words are allocated. The stack is seeded with a
// synthetic exception frame targeting entry — the extended FP layout when
// useFPU is set — so the task's first election restores straight into its
// entry function.
//
// Fails with a nil handle and StatusError when entry is nil, the priority
// is above PriorityHigh, stackSize is under MinStackWords, or a supplied
// stack is shorter than stackSize. New tasks start runnable.
func (k *Kernel) ThreadNew(entry func(), priority Priority, stack []uint32, stackSize uint32, useFPU bool) (*Task, Status) {
	if entry == nil {
		return nil, StatusError
	}
	if stackSize < MinStackWords {
		return nil, StatusError
	}
	if priority > PriorityHigh {
		return nil, StatusError
	}
	if stack == nil {
		stack = make([]uint32, stackSize)
	} else if uint32(len(stack)) < stackSize {
		return nil, StatusError
	}
	stack = stack[:stackSize]

	t := &Task{
		stack:    stack,
		priority: priority,
		entry:    entry,
	}

	k.core.EnterCritical()
	pc := entryAddress(len(k.tasks))
	if useFPU {
		t.sp = arch.SeedFrameFP(stack, pc)
	} else {
		t.sp = arch.SeedFrame(stack, pc)
	}

	// Walk to the node whose successor is the cursor and insert after it,
	// i.e. immediately before run.
	p := k.run
	for p.next != k.run {
		p = p.next
	}
	p.next = t
	t.next = k.run

	k.tasks = append(k.tasks, t)
	k.core.ExitCritical()
	return t, StatusOK
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// runnable is the election predicate: not waiting on anything and not
// paused.
//
//go:inline
func runnable(t *Task) bool {
	return t.blocked == nil && !t.paused
}

// schedule elects the next task. Invoked only with interrupts masked, from
// the switch handler after the outgoing context is saved.
//
// The walk starts from the current task when it is still runnable,
// otherwise from the idle task — so the idle task is always a candidate and
// an unrunnable current task cannot be re-elected. Candidates win on
// priority >= best: among equal priorities the candidate furthest along the
// ring takes the crown, which round-robins equals across successive calls.
//
// The walk always stops at the current task. When it starts from idle, the
// tasks between the current task and idle in ring order are not candidates,
// so idle can be elected while one of them is runnable; the next election,
// which starts from idle as the current task, walks the whole ring.
func (k *Kernel) schedule() {
	cur := k.run.next
	start := k.run
	if !runnable(k.run) {
		start = &k.idle
		cur = start.next
	}

	best := start
	for cur != k.run {
		if runnable(cur) && cur.priority >= best.priority {
			best = cur
		}
		cur = cur.next
	}
	k.run = best
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TIMEOUTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// handleTimeout decrements the sleep counter of every sleeping task and
// wakes the ones that reach zero. Runs once per scheduling quantum from the
// tick handler, interrupts masked. The current task is excluded (it is not
// sleeping), and paused sleepers are frozen: the pause mask takes
// precedence and their remaining ticks keep until resumed.
func (k *Kernel) handleTimeout() {
	head := k.run
	cur := k.run.next
	for cur != head {
		if cur.blocked == (timedOut{}) && !cur.paused {
			if cur.timeOut > 0 {
				cur.timeOut--
				if cur.timeOut == 0 {
					cur.blocked = nil
				}
			}
		}
		cur = cur.next
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SLEEP, PAUSE, RESUME
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Delay suspends the current task for ticks timer ticks. A request of 0 is
// treated as 1: the task always yields for at least one tick.
func (k *Kernel) Delay(ticks uint32) {
	k.core.EnterCritical()
	if ticks == 0 {
		ticks = 1
	}
	k.run.blocked = timedOut{}
	k.run.timeOut = ticks
	k.core.ExitCritical()
	k.suspend()
}

// Pause blocks the task indefinitely, independent of its wait state. A
// paused task is never elected, its sleep counter freezes, and only Resume
// restores eligibility. Pausing the current task switches away
// immediately.
//
// Returns StatusError, with nothing changed, for a nil handle or a task
// already paused.
func (k *Kernel) Pause(t *Task) Status {
	k.core.EnterCritical()
	if t == nil || t.paused {
		k.core.ExitCritical()
		return StatusError
	}
	t.paused = true
	if t == k.run {
		k.core.ExitCritical()
		k.suspend()
		return StatusOK
	}
	k.core.ExitCritical()
	return StatusOK
}

// Resume clears a pause set by Pause. It never yields: a resumed
// higher-priority task wins the next scheduling tick instead.
//
// Returns StatusError for a nil handle or a task that is not paused.
func (k *Kernel) Resume(t *Task) Status {
	k.core.EnterCritical()
	if t == nil || !t.paused {
		k.core.ExitCritical()
		return StatusError
	}
	t.paused = false
	k.core.ExitCritical()
	return StatusOK
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// UNBLOCK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// unblockWaiters wakes the single highest-priority task waiting on item
// (first found wins ties), then yields if the woken task outranks the
// current one. No-op when nothing waits on item. Called with interrupts
// masked by the semaphore and queue release paths.
//
// One wake per call, scanning from run.next: under heavy multi-producer
// multi-consumer contention on a small queue this can wake a producer when
// a consumer would have progressed. A per-object wait list would fix the
// scan without changing single-producer single-consumer behavior.
func (k *Kernel) unblockWaiters(item any) {
	tmp := k.run.next
	start := k.run
	var best *Task

	for {
		if tmp.blocked == item {
			if best == nil || tmp.priority > best.priority {
				best = tmp
			}
		}
		tmp = tmp.next
		if tmp == start {
			break
		}
	}

	if best != nil {
		best.blocked = nil
		if best.priority > k.run.priority {
			k.core.ExitCritical()
			k.suspend()
		}
	}
}
