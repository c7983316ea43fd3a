package lockwrap

import (
	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/syncprim"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

// Reservation names a contiguous virtual-address range reserved within one
// address space (spec.md §3/§4.3).
type Reservation struct {
	Base     uint64
	NumPages int
}

// RawVSpace is the single-threaded, unsynchronized virtual-address-space
// bookkeeper this module does not implement: it tracks the mapped/free
// state of one address space's page directory and performs the raw
// map/remap/unmap kernel calls.
type RawVSpace interface {
	Reserve(numPages int, guardPage bool) (Reservation, error)
	Free(res Reservation) error
	MapPages(res Reservation, frames []kernel.Slot, attrs kernel.PageAttrs) error
	MapDevicePages(physAddr uint64, numPages int, attrs kernel.PageAttrs) (Reservation, error)
	Unmap(res Reservation) error
	PageDirSlot() kernel.Slot
}

// VSpace is the thread-safe façade over a RawVSpace, mirroring CapAllocator
// (spec.md §4.2: "the same pattern applies to the virtual address space
// bookkeeper").
type VSpace struct {
	raw  RawVSpace
	lock *syncprim.Mutex
}

// NewVSpace wraps raw with a fresh recursive userspace lock.
func NewVSpace(raw RawVSpace) *VSpace {
	return &VSpace{raw: raw, lock: syncprim.NewUserSpinRecursive()}
}

// Reserve reserves numPages contiguous pages, optionally preceded by an
// unmapped guard page (spec.md §4.5's stack-guard-page arithmetic).
func (v *VSpace) Reserve(self *threadlocal.Thread, numPages int, guardPage bool) (Reservation, error) {
	if err := v.lock.Lock(self); err != nil {
		return Reservation{}, err
	}
	defer v.lock.Unlock(self)
	res, err := v.raw.Reserve(numPages, guardPage)
	if err != nil {
		return Reservation{}, coeerr.Wrap(err, "reserve virtual address range")
	}
	return res, nil
}

// Free releases a previously reserved range.
func (v *VSpace) Free(self *threadlocal.Thread, res Reservation) error {
	if err := v.lock.Lock(self); err != nil {
		return err
	}
	defer v.lock.Unlock(self)
	return v.raw.Free(res)
}

// MapPages maps frames into a reserved range, one page attribute set for
// all pages in the range (spec.md §4.3).
func (v *VSpace) MapPages(self *threadlocal.Thread, res Reservation, frames []kernel.Slot, attrs kernel.PageAttrs) error {
	if len(frames) != res.NumPages {
		return coeerr.Wrap(coeerr.ErrInvalidArg, "frame count does not match reservation size")
	}
	if err := v.lock.Lock(self); err != nil {
		return err
	}
	defer v.lock.Unlock(self)
	if err := v.raw.MapPages(res, frames, attrs); err != nil {
		return coeerr.Wrap(err, "map pages")
	}
	return nil
}

// MapDevicePages reserves and maps a device-memory range at a fixed
// physical address (spec.md §4.3's device-page path, used by root init for
// MMIO regions it owns).
func (v *VSpace) MapDevicePages(self *threadlocal.Thread, physAddr uint64, numPages int, attrs kernel.PageAttrs) (Reservation, error) {
	if err := v.lock.Lock(self); err != nil {
		return Reservation{}, err
	}
	defer v.lock.Unlock(self)
	res, err := v.raw.MapDevicePages(physAddr, numPages, attrs)
	if err != nil {
		return Reservation{}, coeerr.Wrap(err, "map device pages")
	}
	return res, nil
}

// Unmap tears down the mappings in res without freeing the reservation
// itself.
func (v *VSpace) Unmap(self *threadlocal.Thread, res Reservation) error {
	if err := v.lock.Lock(self); err != nil {
		return err
	}
	defer v.lock.Unlock(self)
	return v.raw.Unmap(res)
}

// PageDirSlot returns the capability slot naming this address space's page
// directory, needed by callers that configure a TCB against it.
func (v *VSpace) PageDirSlot(self *threadlocal.Thread) (kernel.Slot, error) {
	if err := v.lock.Lock(self); err != nil {
		return kernel.NoSlot, err
	}
	defer v.lock.Unlock(self)
	return v.raw.PageDirSlot(), nil
}

// Lock acquires the wrapper's lock explicitly, so a caller can make a
// sequence of sub-operations (e.g. an image loader's page-by-page mapping)
// a single atomic unit against other builders sharing the same root
// allocator (spec.md §4.5 step 2). Pair with Unlock.
func (v *VSpace) Lock(self *threadlocal.Thread) error { return v.lock.Lock(self) }

// Unlock releases a lock taken with Lock.
func (v *VSpace) Unlock(self *threadlocal.Thread) error { return v.lock.Unlock(self) }

// Destroy releases the wrapper's lock resources.
func (v *VSpace) Destroy() error {
	return v.lock.Destroy()
}
