package syncprim

import (
	"runtime"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

// KernelMutex is the external, kernel-notification-backed mutex that
// KernelNotif/KernelNotifRecursive delegate to (spec.md §4.1's "delegate to
// the kernel-notification mutex"). It is an opaque collaborator per
// spec.md §1/§6; pkg/kernel/simkernel provides a test implementation.
type KernelMutex interface {
	Lock()
	Unlock()
	Destroy() error
}

// Mutex unifies the four lock flavors of spec.md §3/§4.1 behind one API:
// Lock, Unlock, Destroy. Recursive flavors additionally track the holder's
// thread id and hold count (heldCount > 0 iff holder != 0).
type Mutex struct {
	kind       Kind
	canDestroy bool

	// UserSpin / UserSpinRecursive payload.
	value  atomic.Int32 // 0 = unlocked, 1 = locked
	holder atomic.Uint64
	held   atomic.Int32

	// KernelNotif / KernelNotifRecursive payload.
	inner KernelMutex
}

// NewUserSpin creates a plain userspace spinlock (spec.md §4.1 UserSpin).
func NewUserSpin() *Mutex {
	return &Mutex{kind: UserSpin, canDestroy: true}
}

// NewUserSpinRecursive creates a recursive userspace spinlock, the default
// reference implementation named in spec.md §5 ("ticket locks are opt-in").
func NewUserSpinRecursive() *Mutex {
	return &Mutex{kind: UserSpinRecursive, canDestroy: true}
}

// CreateKernelNotif allocates a fresh kernel-notification mutex via the
// supplied factory and marks it destroyable by this Mutex (spec.md §4.1:
// "create may allocate backing notifications ... records canDestroy=true").
func CreateKernelNotif(recursive bool, newKernelMutex func() (KernelMutex, error)) (*Mutex, error) {
	inner, err := newKernelMutex()
	if err != nil {
		return nil, coeerr.Wrap(err, "allocate kernel notification mutex")
	}
	kind := KernelNotif
	if recursive {
		kind = KernelNotifRecursive
	}
	return &Mutex{kind: kind, canDestroy: true, inner: inner}, nil
}

// AttachKernelNotif wraps an externally-owned kernel-notification mutex
// (spec.md §4.1: "attach accepts an externally-provided notification and
// records canDestroy=false").
func AttachKernelNotif(recursive bool, inner KernelMutex) *Mutex {
	kind := KernelNotif
	if recursive {
		kind = KernelNotifRecursive
	}
	return &Mutex{kind: kind, canDestroy: false, inner: inner}
}

// Lock acquires the mutex, blocking the calling goroutine as needed. self
// identifies the calling logical thread and is required by the recursive
// flavors; it may be nil for UserSpin/KernelNotif.
func (m *Mutex) Lock(self *threadlocal.Thread) error {
	switch m.kind {
	case UserSpin:
		return m.lockUserSpin()
	case UserSpinRecursive:
		return m.lockUserSpinRecursive(self)
	case KernelNotif:
		m.inner.Lock()
		return nil
	case KernelNotifRecursive:
		return m.lockKernelNotifRecursive(self)
	default:
		return coeerr.ErrInvalidArg
	}
}

func (m *Mutex) lockUserSpin() error {
	backoff := spinBackoff()
	for {
		if m.value.CompareAndSwap(0, 1) {
			return nil
		}
		if backoff.Steps > 0 {
			// Within the spin budget: yield to the scheduler and retry.
			backoff.Step()
			runtime.Gosched()
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *Mutex) lockUserSpinRecursive(self *threadlocal.Thread) error {
	if self == nil {
		return coeerr.Wrap(coeerr.ErrInvalidArg, "recursive lock requires a thread identity")
	}
	id := self.ID()
	if m.holder.Load() == id {
		newCount := m.held.Add(1)
		if newCount <= 0 {
			// overflow: undo and report. heldCount is int32; this is
			// unreachable in practice but checked per spec.md §4.1.
			m.held.Add(-1)
			return coeerr.Wrap(coeerr.ErrResourceExhausted, "recursive lock hold count overflow")
		}
		return nil
	}
	if err := m.lockUserSpin(); err != nil {
		return err
	}
	m.holder.Store(id)
	m.held.Store(1)
	return nil
}

func (m *Mutex) lockKernelNotifRecursive(self *threadlocal.Thread) error {
	if self == nil {
		return coeerr.Wrap(coeerr.ErrInvalidArg, "recursive lock requires a thread identity")
	}
	id := self.ID()
	if m.holder.Load() == id {
		m.held.Add(1)
		return nil
	}
	m.inner.Lock()
	m.holder.Store(id)
	m.held.Store(1)
	return nil
}

// Unlock releases the mutex. For UserSpin it fails loudly
// (ErrInvalidState) if the lock was not held, matching spec.md §4.1 ("fails
// loudly if the prior value is not 1"); KernelNotif hands the unlock to the
// kernel mutex without checking. For the recursive flavors it
// returns coeerr.ErrNotHolder if self is not the current holder.
func (m *Mutex) Unlock(self *threadlocal.Thread) error {
	switch m.kind {
	case UserSpin:
		if !m.value.CompareAndSwap(1, 0) {
			klog.V(2).InfoS("unlock of unlocked or corrupt userspace spinlock")
			return coeerr.Wrap(coeerr.ErrInvalidState, "unlock of a lock not held")
		}
		return nil
	case UserSpinRecursive:
		return m.unlockUserSpinRecursive(self)
	case KernelNotif:
		m.inner.Unlock()
		return nil
	case KernelNotifRecursive:
		return m.unlockKernelNotifRecursive(self)
	default:
		return coeerr.ErrInvalidArg
	}
}

func (m *Mutex) unlockUserSpinRecursive(self *threadlocal.Thread) error {
	if self == nil || m.holder.Load() != self.ID() {
		return coeerr.ErrNotHolder
	}
	remaining := m.held.Add(-1)
	if remaining < 0 {
		m.held.Store(0)
		return coeerr.ErrNotHolder
	}
	if remaining == 0 {
		m.holder.Store(0)
		if !m.value.CompareAndSwap(1, 0) {
			return coeerr.Wrap(coeerr.ErrInvalidState, "inner spinlock corrupt on recursive unlock")
		}
	}
	return nil
}

func (m *Mutex) unlockKernelNotifRecursive(self *threadlocal.Thread) error {
	if self == nil || m.holder.Load() != self.ID() {
		return coeerr.ErrNotHolder
	}
	remaining := m.held.Add(-1)
	if remaining < 0 {
		m.held.Store(0)
		return coeerr.ErrNotHolder
	}
	if remaining == 0 {
		m.holder.Store(0)
		m.inner.Unlock()
	}
	return nil
}

// Destroy frees the mutex's backing resources. It only frees the kernel
// notification when canDestroy is set (spec.md §4.1: "destroy frees only
// when canDestroy").
func (m *Mutex) Destroy() error {
	if (m.kind == KernelNotif || m.kind == KernelNotifRecursive) && m.canDestroy {
		return m.inner.Destroy()
	}
	return nil
}

// Kind reports which of the four flavors this mutex is.
func (m *Mutex) Kind() Kind { return m.kind }

// HeldCount reports the current recursion depth; 0 means unlocked. It is
// exported only so tests can assert the invariant of spec.md §3:
// heldCount > 0 iff holderThreadId != NONE.
func (m *Mutex) HeldCount() int32 { return m.held.Load() }

// HolderID reports the current holder's thread id, or 0 if unheld.
func (m *Mutex) HolderID() uint64 { return m.holder.Load() }
