// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DISPATCH ENGINE
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// The model's rendition of the platform services the kernel consumes:
//
//   - a periodic tick interrupt (nominally 1 ms) owned by the tick handler
//   - a lowest-priority pended exception that performs the context switch
//   - PRIMASK-style global interrupt masking
//   - a dual-stack mode separating the handler stack from per-task stacks
//
// Time is virtual: one cycle is one tick. Spin consumes cycles and is the
// model's stand-in for straight-line computation — the tick interrupt, and
// with it preemption, can land only at cycle boundaries, which is the
// model's "any instruction boundary outside a critical section".
//
// Control transfer is realized with one goroutine per task and strict
// handoff: a switching goroutine signals the incoming task's gate, then
// parks on its own. Exactly one goroutine is ever unparked, so execution is
// single-threaded and deterministic; the channel operations double as the
// memory barrier an exception return provides on silicon.
//
// The register-file and stack-frame work of a switch still happens for
// real, word for word, against the arch core — the goroutines only carry
// the flow of control that a restored program counter carries on hardware.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package rtkern

import (
	"fmt"
	"runtime"

	"rtkern/arch"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STARTUP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Init starts the kernel: seeds the idle task's stack, switches the core to
// the process stack, enables the scheduler, and transfers control to the
// task at the run cursor via first dispatch.
//
// period is the preemption quantum in ticks; DefaultTaskPeriod preempts on
// every tick. Create tasks and set HaltAfter before calling Init.
//
// Init does not return while the machine runs. It returns only after a
// task calls Halt or the HaltAfter bound is reached, at which point every
// task goroutine has been torn down and the kernel's final state can be
// inspected.
func (k *Kernel) Init(period uint32) {
	k.core.EnterCritical()
	k.schedulerEnable = true

	k.idle.sp = arch.SeedFrame(k.idle.stack, entryAddress(0))

	if period != k.taskPeriod {
		k.taskPeriod = period
	}

	k.core.Control |= arch.ControlSPSel

	k.start()
}

// start performs the first dispatch and parks the boot goroutine until the
// machine halts, then tears the task goroutines down.
func (k *Kernel) start() {
	first := k.run
	k.core.FirstDispatch(first.stack, first.sp)
	k.launch(first)
	k.dispatches++
	first.gate <- struct{}{}

	last := <-k.boot

	for _, t := range k.tasks {
		if t.started && t != last {
			close(t.gate)
		}
	}
}

// HaltAfter arranges for the machine to power off once ticks ticks have
// been delivered. Set before Init.
func (k *Kernel) HaltAfter(ticks uint64) { k.haltAt = ticks }

// Halt powers the machine off. Task context only; it does not return.
func (k *Kernel) Halt() {
	k.shutdown()
}

// shutdown hands control back to the boot goroutine and ends the calling
// task's goroutine. The boot side closes every other gate, which unwinds
// each parked task the next time its gate is touched.
func (k *Kernel) shutdown() {
	k.halted = true
	k.boot <- k.run
	runtime.Goexit()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TASK GOROUTINES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// launch binds a goroutine to a descriptor the first time it is dispatched.
func (k *Kernel) launch(t *Task) {
	t.started = true
	t.gate = make(chan struct{})
	go k.taskMain(t)
}

// taskMain is every task goroutine's body: wait for the first dispatch, run
// the entry function, and handle the entry function returning.
func (k *Kernel) taskMain(t *Task) {
	k.park(t)
	t.entry()
	k.taskExit(t)
}

// taskExit handles an entry function that returned. The descriptor is
// tagged with the exited token — which no synchronisation object can match
// — so the task is never elected again, and the processor moves on.
func (k *Kernel) taskExit(t *Task) {
	k.core.EnterCritical()
	t.blocked = exited{}
	k.core.ExitCritical()
	k.suspend()
	for {
		k.park(t)
	}
}

// park blocks the task's goroutine until its next election. A closed gate
// means the machine halted while the task was parked; the goroutine ends.
func (k *Kernel) park(t *Task) {
	_, ok := <-t.gate
	if !ok {
		runtime.Goexit()
	}
}

// idleLoop is the idle task: one cycle of work per iteration, forever. It
// is what keeps time advancing when every other task is blocked.
func (k *Kernel) idleLoop() {
	for {
		k.cycle()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TIME
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Spin models cycles ticks of straight-line computation by the current
// task. Each cycle delivers the tick interrupt and honors any pending
// context-switch request, so Spin is where a compute-bound task gets
// preempted.
func (k *Kernel) Spin(cycles uint32) {
	for i := uint32(0); i < cycles; i++ {
		k.cycle()
	}
}

// cycle advances virtual time by one tick: honor a halt bound, fire the
// tick interrupt, then take any pended context switch.
func (k *Kernel) cycle() {
	if k.halted || (k.haltAt != 0 && k.clock >= k.haltAt) {
		k.shutdown()
	}
	k.clock++
	k.sysTick()
	k.switchIfPending()
}

// sysTick is the periodic tick handler. Every task_period ticks it runs
// timeout handling and pends the context-switch exception; the switch
// itself is deferred so it never races the tick handler's own work.
// Context switching begins only once Init has set the scheduler enable.
func (k *Kernel) sysTick() {
	k.core.EnterCritical()
	k.tickCounter++
	if k.tickCounter >= k.taskPeriod && k.schedulerEnable {
		k.tickCounter = 0
		k.handleTimeout()
		k.core.PendSV()
	}
	k.core.ExitCritical()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONTEXT SWITCH
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// suspend requests a context switch and, when the request is deliverable,
// takes it immediately — the pended exception fires as soon as nothing
// masks it. This is the common exit of every blocking primitive.
func (k *Kernel) suspend() {
	k.core.PendSV()
	k.switchIfPending()
}

// switchIfPending delivers a pended context switch unless interrupts are
// masked or the scheduler is not yet enabled.
func (k *Kernel) switchIfPending() {
	if k.core.Primask || !k.schedulerEnable || !k.core.PendSVPending() {
		return
	}
	k.core.ClearPendSV()
	k.contextSwitch()
}

// contextSwitch is the deferred switch exception. With interrupts masked:
// stack the outgoing task's hardware frame and callee-saved context (FP
// bank included when its marker says so), store the resulting pointer into
// its descriptor, elect the next task, restore its context the same way in
// reverse, and return into it.
//
// A descriptor's saved-context pointer is written only here, with
// interrupts masked and the descriptor not running, so no concurrent
// reader can exist.
func (k *Kernel) contextSwitch() {
	prev := k.run

	k.core.EnterCritical()
	k.core.ExceptionEntry(prev.stack)
	k.core.PushContext(prev.stack)
	prev.sp = k.core.PSP

	k.schedule()
	next := k.run

	k.core.PSP = next.sp
	k.core.PopContext(next.stack)
	k.core.ExceptionReturn(next.stack)
	k.core.ExitCritical()
	k.switches++

	if next == prev {
		return
	}
	if !next.started {
		k.launch(next)
		k.dispatches++
	}
	next.gate <- struct{}{}
	k.park(prev)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INSTRUMENTATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Clock returns the number of ticks delivered so far.
func (k *Kernel) Clock() uint64 { return k.clock }

// Stats returns a readable snapshot of the machine's counters.
func (k *Kernel) Stats() string {
	return fmt.Sprintf(`RTKERN Machine Statistics:
  Ticks: %d
  Context Switches: %d
  First Dispatches: %d
  Tasks: %d (idle included)
`,
		k.clock,
		k.switches,
		k.dispatches,
		len(k.tasks),
	)
}
