// Package lockwrap implements spec.md §3/§4.2: a thread-safety wrapper
// around an otherwise single-threaded capability allocator and
// virtual-address-space bookkeeper, using the vtable/interface split this
// module's teacher uses throughout its plugin and driver layers (an
// interface for the polymorphic "raw" implementation, a concrete type that
// wraps it with a lock).
package lockwrap

import (
	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/syncprim"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

// RawAllocator is the single-threaded, unsynchronized capability/untyped
// allocator this module does not implement (spec.md §1): given raw untyped
// regions, it hands out capability slots and retypes them into objects.
// pkg/kernel/simkernel-backed test allocators satisfy this for this
// module's own tests.
type RawAllocator interface {
	AllocSlot() (kernel.Slot, error)
	AllocObject(untyped kernel.Slot, sizeBits uint8, objType kernel.ObjectType) (kernel.Slot, error)
	FreeSlot(slot kernel.Slot) error
	ContributeUntyped(region kernel.UntypedRegion) error

	// SetObjectAllocatedCallback registers a hook the raw allocator invokes
	// synchronously, still holding its own internal bookkeeping state,
	// whenever AllocObject successfully allocates (spec.md §4.2: "the
	// wrapper also intercepts the bookkeeper's objectAllocated callback").
	// A LockWrapped allocator must tolerate this callback re-entering
	// AllocObject/AllocSlot on the same goroutine.
	SetObjectAllocatedCallback(cb func(slot kernel.Slot, objType kernel.ObjectType))
}

// CapAllocator is the thread-safe façade spec.md §4.2 describes: every
// export acquires a mutex before delegating to the wrapped RawAllocator,
// using the recursive lock flavor so the objectAllocated callback can
// re-enter without deadlocking the allocating goroutine.
type CapAllocator struct {
	raw  RawAllocator
	lock *syncprim.Mutex
}

// NewCapAllocator wraps raw with a fresh recursive userspace lock.
func NewCapAllocator(raw RawAllocator) *CapAllocator {
	w := &CapAllocator{raw: raw, lock: syncprim.NewUserSpinRecursive()}
	return w
}

// AllocSlot reserves an empty capability slot.
func (w *CapAllocator) AllocSlot(self *threadlocal.Thread) (kernel.Slot, error) {
	if err := w.lock.Lock(self); err != nil {
		return kernel.NoSlot, err
	}
	defer w.lock.Unlock(self)
	slot, err := w.raw.AllocSlot()
	if err != nil {
		return kernel.NoSlot, coeerr.Wrap(err, "allocate capability slot")
	}
	return slot, nil
}

// AllocObject retypes a region of untyped memory into a kernel object and
// returns the slot naming it. The call is made under the wrapper's lock;
// a reentrant call from within the raw allocator's objectAllocated
// callback (registered via OnObjectAllocated) is expected and supported
// because the lock is recursive.
func (w *CapAllocator) AllocObject(self *threadlocal.Thread, untyped kernel.Slot, sizeBits uint8, objType kernel.ObjectType) (kernel.Slot, error) {
	if err := w.lock.Lock(self); err != nil {
		return kernel.NoSlot, err
	}
	defer w.lock.Unlock(self)
	slot, err := w.raw.AllocObject(untyped, sizeBits, objType)
	if err != nil {
		return kernel.NoSlot, coeerr.Wrap(err, "allocate kernel object")
	}
	return slot, nil
}

// FreeSlot releases a previously allocated slot back to the allocator.
func (w *CapAllocator) FreeSlot(self *threadlocal.Thread, slot kernel.Slot) error {
	if err := w.lock.Lock(self); err != nil {
		return err
	}
	defer w.lock.Unlock(self)
	return w.raw.FreeSlot(slot)
}

// ContributeUntyped donates a fresh untyped region to the allocator's pool.
func (w *CapAllocator) ContributeUntyped(self *threadlocal.Thread, region kernel.UntypedRegion) error {
	if err := w.lock.Lock(self); err != nil {
		return err
	}
	defer w.lock.Unlock(self)
	return w.raw.ContributeUntyped(region)
}

// OnObjectAllocated registers cb to run on every successful AllocObject,
// still inside the wrapper's (recursive) lock. cb may itself call back into
// w without deadlocking.
func (w *CapAllocator) OnObjectAllocated(cb func(slot kernel.Slot, objType kernel.ObjectType)) {
	w.raw.SetObjectAllocatedCallback(cb)
}

// Destroy releases the wrapper's lock resources. It does not free the
// wrapped RawAllocator, which this module does not own.
func (w *CapAllocator) Destroy() error {
	return w.lock.Destroy()
}
