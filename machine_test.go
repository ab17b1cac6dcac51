package rtkern

import (
	"strings"
	"testing"

	"rtkern/arch"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Dispatch Engine - Test Suite
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Startup, halt, the idle task, and the descriptor/goroutine lifecycle.
// Election and primitive behavior under the running machine live in
// scenarios_test.go.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestMachine_IdleOnlyRunsToHalt(t *testing.T) {
	// WHAT: With zero user tasks the idle task carries time to the halt
	//       bound and Init returns
	// WHY: The ring is well-formed with no user tasks and idle alone must
	//      keep the clock moving

	k := New()
	k.HaltAfter(50)
	k.Init(DefaultTaskPeriod)

	if k.Clock() != 50 {
		t.Errorf("clock: expected 50, got %d", k.Clock())
	}
}

func TestMachine_HaltFromTask(t *testing.T) {
	// WHAT: A task can power the machine off; Init returns immediately after

	k := New()
	var ran bool

	k.ThreadNew(func() {
		ran = true
		k.Halt()
	}, PriorityMedium, nil, 128, false)

	k.HaltAfter(1000) // backstop; the task halts first
	k.Init(DefaultTaskPeriod)

	if !ran {
		t.Error("the task must run before halting")
	}
	if k.Clock() >= 1000 {
		t.Error("the explicit halt must beat the backstop")
	}
}

func TestMachine_EntryReturnDemotesTask(t *testing.T) {
	// WHAT: A task whose entry function returns stops running; the rest of
	//       the machine continues
	// WHY: The descriptor is tagged with a token no object matches, so the
	//      task is simply never elected again

	k := New()
	var short, long uint32

	brief, st := k.ThreadNew(func() {
		for i := 0; i < 3; i++ {
			short++
			k.Spin(1)
		}
	}, PriorityMedium, nil, 128, false)
	if st != StatusOK {
		t.Fatal("creation failed")
	}

	k.ThreadNew(func() {
		for {
			long++
			k.Spin(1)
		}
	}, PriorityMedium, nil, 128, false)

	k.HaltAfter(50)
	k.Init(DefaultTaskPeriod)

	if short != 3 {
		t.Errorf("the returning task should run its 3 iterations, ran %d", short)
	}
	if long < 30 {
		t.Errorf("the surviving task should own the machine afterwards, ran %d", long)
	}
	if brief.blocked == nil {
		t.Error("a returned task must not be runnable")
	}
	if brief.blocked != (exited{}) {
		t.Error("a returned task carries the exited token")
	}
}

func TestMachine_TaskPeriodSlowsPreemption(t *testing.T) {
	// WHAT: With a 5-tick quantum, equal-priority tasks rotate every 5 ticks
	//       instead of every tick
	// WHY: The tick fires every cycle but timeout handling and the switch
	//      request only fire on quantum boundaries

	k := New()
	var c0, c1 uint32

	k.ThreadNew(func() {
		for {
			c0++
			k.Spin(1)
		}
	}, PriorityMedium, nil, 128, false)
	k.ThreadNew(func() {
		for {
			c1++
			k.Spin(1)
		}
	}, PriorityMedium, nil, 128, false)

	k.HaltAfter(40)
	k.Init(5)

	if c0 == 0 || c1 == 0 {
		t.Fatalf("both tasks must run: %d and %d", c0, c1)
	}
	// Each task owns whole 5-tick quanta, so progress comes in runs of ~5.
	if c0+c1 < 30 {
		t.Errorf("combined progress %d too low for 40 ticks", c0+c1)
	}
	// The switch request fires once per quantum: 40 ticks / 5.
	if k.switches != 40/5 {
		t.Errorf("context switches: expected %d for a 5-tick quantum over 40 ticks, got %d", 40/5, k.switches)
	}
}

func TestMachine_SchedulerDisabledBeforeInit(t *testing.T) {
	// WHAT: A pended switch request before Init is not delivered
	// WHY: Context switching begins only after Init sets the enable

	k := New()
	mustThread(t, k, PriorityHigh)

	k.suspend()
	if k.run != &k.idle {
		t.Error("no switch may happen before Init")
	}
}

func TestMachine_StatsSnapshot(t *testing.T) {
	// WHAT: Stats reports ticks, switches, and the task census

	k := New()
	k.ThreadNew(func() {
		for {
			k.Spin(1)
		}
	}, PriorityMedium, nil, 128, false)

	k.HaltAfter(20)
	k.Init(DefaultTaskPeriod)

	s := k.Stats()
	if !strings.Contains(s, "Ticks: 20") {
		t.Errorf("stats missing tick count:\n%s", s)
	}
	if !strings.Contains(s, "Tasks: 2") {
		t.Errorf("stats missing task census:\n%s", s)
	}
	if k.switches == 0 {
		t.Error("switch counter should have moved")
	}
}

func TestMachine_StacksSurviveSwitching(t *testing.T) {
	// WHAT: After many switches every suspended descriptor's saved pointer
	//       still frames a marker its own stack holds
	// WHY: The saved-context invariant: a suspended task's sp indexes the
	//      frame saved at its most recent suspension

	k := New()
	for i := 0; i < 3; i++ {
		k.ThreadNew(func() {
			for {
				k.Spin(1)
			}
		}, PriorityMedium, nil, 128, false)
	}

	k.HaltAfter(30)
	k.Init(DefaultTaskPeriod)

	for i, task := range k.tasks {
		if task == k.run {
			continue
		}
		if task.sp < 0 || task.sp >= len(task.stack) {
			t.Errorf("task %d: saved sp %d outside its stack", i, task.sp)
			continue
		}
		marker := task.stack[task.sp]
		if marker != arch.ExcReturnThread && marker != arch.ExcReturnThreadFP {
			t.Errorf("task %d: word at saved sp is 0x%08X, not a marker", i, marker)
		}
	}
}
