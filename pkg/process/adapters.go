package process

import (
	"sync"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
)

const pageSize = 4096

// childVSpaceAdapter is the raw (unsynchronized) virtual-address-space
// bookkeeper for one child's page directory, built directly over
// kernel.PageOps. It implements lockwrap.RawVSpace; pkg/lockwrap.VSpace is
// what makes it safe for concurrent builders to share a root allocator.
type childVSpaceAdapter struct {
	kern    kernel.PageOps
	pageDir kernel.Slot

	mu     sync.Mutex
	nextVA uint64
}

func newChildVSpaceAdapter(kern kernel.PageOps, pageDir kernel.Slot) *childVSpaceAdapter {
	return &childVSpaceAdapter{kern: kern, pageDir: pageDir, nextVA: 0x10000000}
}

func (c *childVSpaceAdapter) Reserve(numPages int, guardPage bool) (lockwrap.Reservation, error) {
	if numPages <= 0 {
		return lockwrap.Reservation{}, coeerr.Wrap(coeerr.ErrInvalidArg, "numPages must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if guardPage {
		c.nextVA += pageSize
	}
	base := c.nextVA
	c.nextVA += uint64(numPages) * pageSize
	return lockwrap.Reservation{Base: base, NumPages: numPages}, nil
}

func (c *childVSpaceAdapter) Free(res lockwrap.Reservation) error {
	return c.Unmap(res)
}

func (c *childVSpaceAdapter) MapPages(res lockwrap.Reservation, frames []kernel.Slot, attrs kernel.PageAttrs) error {
	for i, frame := range frames {
		vaddr := res.Base + uint64(i)*pageSize
		if err := c.kern.Map(c.pageDir, vaddr, frame, attrs); err != nil {
			return err
		}
	}
	return nil
}

func (c *childVSpaceAdapter) MapDevicePages(physAddr uint64, numPages int, attrs kernel.PageAttrs) (lockwrap.Reservation, error) {
	res, err := c.Reserve(numPages, false)
	if err != nil {
		return lockwrap.Reservation{}, err
	}
	for i := 0; i < numPages; i++ {
		vaddr := res.Base + uint64(i)*pageSize
		if err := c.kern.Map(c.pageDir, vaddr, kernel.NoSlot, attrs); err != nil {
			return lockwrap.Reservation{}, err
		}
	}
	return res, nil
}

func (c *childVSpaceAdapter) Unmap(res lockwrap.Reservation) error {
	for i := 0; i < res.NumPages; i++ {
		vaddr := res.Base + uint64(i)*pageSize
		if err := c.kern.Unmap(c.pageDir, vaddr); err != nil {
			return err
		}
	}
	return nil
}

func (c *childVSpaceAdapter) PageDirSlot() kernel.Slot { return c.pageDir }

var _ lockwrap.RawVSpace = (*childVSpaceAdapter)(nil)

// childRawAllocator is the raw capability allocator tracking allocations
// made against one child's capability table before handoff (spec.md §4.2
// applies the same wrapping pattern to this as to the root's allocator).
type childRawAllocator struct {
	kern         kernel.CapOps
	capTable     kernel.Slot
	nextFreeSlot *uint32
	untyped      []kernel.UntypedRegion
	onAlloc      func(slot kernel.Slot, objType kernel.ObjectType)

	mu sync.Mutex
}

func newChildRawAllocator(kern kernel.CapOps, capTable kernel.Slot, nextFreeSlot *uint32) *childRawAllocator {
	return &childRawAllocator{kern: kern, capTable: capTable, nextFreeSlot: nextFreeSlot}
}

func (a *childRawAllocator) AllocSlot() (kernel.Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot := kernel.Slot(*a.nextFreeSlot)
	*a.nextFreeSlot++
	return slot, nil
}

func (a *childRawAllocator) AllocObject(untyped kernel.Slot, sizeBits uint8, objType kernel.ObjectType) (kernel.Slot, error) {
	dest, err := a.AllocSlot()
	if err != nil {
		return kernel.NoSlot, err
	}
	if err := a.kern.Retype(untyped, sizeBits, objType, dest); err != nil {
		return kernel.NoSlot, err
	}
	if a.onAlloc != nil {
		a.onAlloc(dest, objType)
	}
	return dest, nil
}

func (a *childRawAllocator) FreeSlot(slot kernel.Slot) error {
	return a.kern.Delete(slot)
}

func (a *childRawAllocator) ContributeUntyped(region kernel.UntypedRegion) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.untyped = append(a.untyped, region)
	return nil
}

func (a *childRawAllocator) SetObjectAllocatedCallback(cb func(slot kernel.Slot, objType kernel.ObjectType)) {
	a.onAlloc = cb
}

var _ lockwrap.RawAllocator = (*childRawAllocator)(nil)
