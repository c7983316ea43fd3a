package simkernel

import (
	"sync"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
)

// Allocator is a bump allocator over a simkernel.Kernel's untyped regions.
// It implements lockwrap.RawAllocator and is intentionally not safe for
// concurrent use on its own — pkg/lockwrap.CapAllocator is what makes it
// safe, which is the point of this module's wrapper (spec.md §4.2).
type Allocator struct {
	k        *Kernel
	untyped  []kernel.UntypedRegion
	onAlloc  func(slot kernel.Slot, objType kernel.ObjectType)
	mu       sync.Mutex // guards untyped slice only; not a substitute for lockwrap
}

// NewAllocator creates an allocator with no untyped regions; seed it via
// ContributeUntyped before the first AllocObject.
func NewAllocator(k *Kernel) *Allocator {
	return &Allocator{k: k}
}

func (a *Allocator) AllocSlot() (kernel.Slot, error) {
	return a.k.AllocSlot(), nil
}

func (a *Allocator) AllocObject(untyped kernel.Slot, sizeBits uint8, objType kernel.ObjectType) (kernel.Slot, error) {
	dest := a.k.AllocSlot()
	if err := a.k.Retype(untyped, sizeBits, objType, dest); err != nil {
		return kernel.NoSlot, err
	}
	if a.onAlloc != nil {
		a.onAlloc(dest, objType)
	}
	return dest, nil
}

func (a *Allocator) FreeSlot(slot kernel.Slot) error {
	return a.k.Delete(slot)
}

func (a *Allocator) ContributeUntyped(region kernel.UntypedRegion) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.untyped = append(a.untyped, region)
	return nil
}

func (a *Allocator) SetObjectAllocatedCallback(cb func(slot kernel.Slot, objType kernel.ObjectType)) {
	a.onAlloc = cb
}

// PickUntyped returns the first contributed untyped region with at least
// sizeBits capacity, for test setup that needs a slot to pass to
// AllocObject. It does not track exhaustion precisely; it is test scaffold,
// not a real buddy allocator (out of scope per spec.md §1).
func (a *Allocator) PickUntyped(sizeBits uint8) (kernel.Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.untyped {
		if u.SizeBits >= sizeBits {
			return u.Slot, nil
		}
	}
	return kernel.NoSlot, coeerr.Wrap(coeerr.ErrResourceExhausted, "no untyped region large enough")
}

var _ lockwrap.RawAllocator = (*Allocator)(nil)
