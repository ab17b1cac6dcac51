// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BOUNDED FIFO QUEUE
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Fixed-size FIFO message queue over a circular byte buffer. The tail
// indexes the slot the next item lands in, the head the next item out;
// both wrap modulo the queue size. Empty is count==0, full is
// count==size.
//
// Put and Get take a blocking mode. With Block the calling task waits, via
// the same tag/suspend/re-test protocol as the semaphore, until the
// operation can proceed. With NoBlock the operation returns StatusBlocked
// instead of waiting, which also makes it safe from handler context.
//
// Every successful Put or Get wakes one task waiting on the queue, so a
// producer parked on a full queue resumes when a consumer makes space, and
// vice versa.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package rtkern

// Queue is a bounded FIFO of size slots, itemSize bytes each.
type Queue struct {
	buffer   []byte
	head     uint32
	tail     uint32
	size     uint32
	itemSize uint32
	count    uint32
}

// Count returns the number of items currently queued.
func (q *Queue) Count() uint32 { return q.count }

// QueueCreate allocates a queue of size slots of itemSize bytes. Returns
// nil when either dimension is zero.
func (k *Kernel) QueueCreate(size, itemSize uint32) *Queue {
	if size == 0 || itemSize == 0 {
		return nil
	}
	return &Queue{
		buffer:   make([]byte, size*itemSize),
		size:     size,
		itemSize: itemSize,
	}
}

// QueueGet copies the oldest item into item. On an empty queue the current
// task blocks until a producer delivers, or with NoBlock the call returns
// StatusBlocked. Returns StatusError, touching nothing, for a nil handle
// or an item buffer shorter than the queue's item size.
func (k *Kernel) QueueGet(q *Queue, item []byte, mode BlockMode) Status {
	if q == nil || uint32(len(item)) < q.itemSize {
		return StatusError
	}
	k.core.EnterCritical()
	for q.count == 0 {
		if mode != Block {
			k.core.ExitCritical()
			return StatusBlocked
		}
		k.run.blocked = q
		k.core.ExitCritical()
		k.suspend()
		k.core.EnterCritical()
	}

	src := q.buffer[q.head*q.itemSize:]
	copy(item[:q.itemSize], src[:q.itemSize])
	q.head = (q.head + 1) % q.size
	q.count--

	k.unblockWaiters(q)
	k.core.ExitCritical()
	return StatusOK
}

// QueuePut copies item into the newest slot. On a full queue the current
// task blocks until a consumer makes space, or with NoBlock the call
// returns StatusBlocked. Returns StatusError, touching nothing, for a nil
// handle or an item shorter than the queue's item size.
func (k *Kernel) QueuePut(q *Queue, item []byte, mode BlockMode) Status {
	if q == nil || uint32(len(item)) < q.itemSize {
		return StatusError
	}
	k.core.EnterCritical()
	for q.count == q.size {
		if mode != Block {
			k.core.ExitCritical()
			return StatusBlocked
		}
		k.run.blocked = q
		k.core.ExitCritical()
		k.suspend()
		k.core.EnterCritical()
	}

	dst := q.buffer[q.tail*q.itemSize:]
	copy(dst[:q.itemSize], item[:q.itemSize])
	q.tail = (q.tail + 1) % q.size
	q.count++

	k.unblockWaiters(q)
	k.core.ExitCritical()
	return StatusOK
}
