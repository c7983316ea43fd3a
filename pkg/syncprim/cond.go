package syncprim

import (
	"container/list"
	"sync"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

// Cond is the condition variable of spec.md §3/§4.1: a reference to a main
// lock (owned or borrowed), a FIFO queue of waiters guarded by its own
// queue lock. Grounded on original_source's libs/libthread/src/conditional.c
// (cond_init/cond_attach/cond_wait/cond_signal/cond_broadcast/cond_destroy).
//
// spec.md §9 notes that one copy of condition_waiters_enqueue in the source
// forgets to set `prev` on an empty queue, and recommends dropping `prev`
// entirely since the queue is singly linked. container/list is doubly
// linked for convenience, but nothing here reads Back()/Prev(), so the bug
// has no analogue in this rendering.
type Cond struct {
	mainLock     *Mutex
	ownsMainLock bool

	queueLock sync.Mutex
	waiters   *list.List // of threadlocal.NotifySlot
}

// NewCond creates a condition variable that owns a fresh recursive
// userspace mutex as its main lock (spec.md §4.1's cond_init).
func NewCond() *Cond {
	return &Cond{
		mainLock:     NewUserSpinRecursive(),
		ownsMainLock: true,
		waiters:      list.New(),
	}
}

// AttachCond creates a condition variable over a caller-supplied main lock
// that the Cond does not own (spec.md §4.1's cond_attach); Destroy will not
// free lock.
func AttachCond(lock *Mutex) *Cond {
	return &Cond{
		mainLock:     lock,
		ownsMainLock: false,
		waiters:      list.New(),
	}
}

// Lock acquires the condition variable's main lock.
func (c *Cond) Lock(self *threadlocal.Thread) error { return c.mainLock.Lock(self) }

// Unlock releases the condition variable's main lock.
func (c *Cond) Unlock(self *threadlocal.Thread) error { return c.mainLock.Unlock(self) }

// Wait implements spec.md §4.1's wait: precondition is that self holds
// mainLock. It enqueues self's sync-notification slot under queueLock,
// releases mainLock, blocks on the notification, then reacquires mainLock
// before returning.
func (c *Cond) Wait(self *threadlocal.Thread) error {
	if self == nil || self.SyncNotifier() == nil {
		return coeerr.Wrap(coeerr.ErrInvalidArg, "condition wait requires a thread with a sync notification slot")
	}
	notifier := self.SyncNotifier()

	c.queueLock.Lock()
	elem := c.waiters.PushBack(notifier)
	c.queueLock.Unlock()

	if err := c.mainLock.Unlock(self); err != nil {
		c.queueLock.Lock()
		c.waiters.Remove(elem)
		c.queueLock.Unlock()
		return err
	}

	notifier.Wait()

	return c.mainLock.Lock(self)
}

// Signal wakes exactly one waiter, the one that has been waiting longest
// (FIFO, spec.md §4.1/§8 "CV FIFO"). It is a no-op if the queue is empty.
func (c *Cond) Signal() {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()
	c.signalOnceLocked()
}

func (c *Cond) signalOnceLocked() bool {
	front := c.waiters.Front()
	if front == nil {
		return false
	}
	c.waiters.Remove(front)
	front.Value.(threadlocal.NotifySlot).Signal()
	return true
}

// Broadcast wakes every currently-queued waiter, in FIFO order.
func (c *Cond) Broadcast() {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()
	for c.signalOnceLocked() {
	}
}

// Destroy frees the main lock only if this Cond owns it (spec.md §4.1's
// cond_destroy). The queue lock is a sync.Mutex and needs no teardown.
func (c *Cond) Destroy() error {
	if c.ownsMainLock {
		if err := c.mainLock.Destroy(); err != nil {
			return err
		}
	}
	return nil
}
