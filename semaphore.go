// ═══════════════════════════════════════════════════════════════════════════════════════════════
// COUNTING SEMAPHORE
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// A semaphore is created with a count that is both its initial value and
// its ceiling. Acquire decrements; at zero the acquiring task blocks until
// a release wakes it. Release increments and wakes the highest-priority
// waiter, guarding against releases past the ceiling.
//
// The acquire path is the kernel's canonical blocking protocol: test under
// the critical section, tag the current task with the semaphore as its
// wait token, drop the section, suspend, and on wake re-enter the section
// and re-test — another task may have taken the count between the wake and
// the re-test.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package rtkern

// Semaphore is a counting semaphore. count never leaves [0, maxCount].
type Semaphore struct {
	count    uint32
	maxCount uint32
}

// Count returns the current count.
func (s *Semaphore) Count() uint32 { return s.count }

// SemaphoreNew creates a semaphore whose initial count and ceiling are
// both count. Returns nil when count is zero: such a semaphore could never
// be acquired or released.
func (k *Kernel) SemaphoreNew(count uint8) *Semaphore {
	if count == 0 {
		return nil
	}
	return &Semaphore{
		count:    uint32(count),
		maxCount: uint32(count),
	}
}

// SemaphoreAcquire takes one count from s, blocking the current task while
// the count is zero. Returns StatusOK once acquired, StatusError for a nil
// handle.
func (k *Kernel) SemaphoreAcquire(s *Semaphore) Status {
	if s == nil {
		return StatusError
	}
	k.core.EnterCritical()
	for {
		if s.count > 0 {
			s.count--
			k.core.ExitCritical()
			return StatusOK
		}
		k.run.blocked = s
		k.core.ExitCritical()
		k.suspend()
		k.core.EnterCritical()
	}
}

// SemaphoreRelease returns one count to s and wakes the highest-priority
// task waiting on it, yielding if that task outranks the caller. Returns
// StatusError, with the count unchanged, for a nil handle or a release
// past the ceiling.
func (k *Kernel) SemaphoreRelease(s *Semaphore) Status {
	if s == nil {
		return StatusError
	}
	k.core.EnterCritical()
	if s.count >= s.maxCount {
		k.core.ExitCritical()
		return StatusError
	}
	s.count++
	k.unblockWaiters(s)
	k.core.ExitCritical()
	return StatusOK
}
