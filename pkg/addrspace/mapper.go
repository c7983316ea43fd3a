// Package addrspace implements spec.md §4.3's address/page mapping policy
// on top of a lockwrap.VSpace: stack mapping with a guard page, general
// page mapping, device-page mapping, and the permission-fix remap pass for
// architectures that cannot express execute-never through the ordinary
// mapping path.
package addrspace

import (
	"k8s.io/klog/v2"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

// FrameAllocator carves out fresh frame capabilities backed by untyped
// memory; the mapper calls it when the caller does not supply its own
// frame capabilities.
type FrameAllocator interface {
	AllocFrame(self *threadlocal.Thread) (kernel.Slot, error)
}

// Mapper is the address/page mapping policy over one target address space.
type Mapper struct {
	vspace    *lockwrap.VSpace
	kernelOps kernel.PageOps
	frames    FrameAllocator
	// execNeverSupported reports whether this architecture can express
	// execute-never via a remap; false architectures log and succeed
	// (spec.md §4.3).
	execNeverSupported bool
}

// NewMapper builds a Mapper over vspace, using kernelOps for the raw
// permission-fix remap calls and frames for fresh-frame allocation.
func NewMapper(vspace *lockwrap.VSpace, kernelOps kernel.PageOps, frames FrameAllocator, execNeverSupported bool) *Mapper {
	return &Mapper{vspace: vspace, kernelOps: kernelOps, frames: frames, execNeverSupported: execNeverSupported}
}

const pageSize = 4096

// MapStack reserves numPages+1 pages (one unmapped guard below the stack),
// maps frames for all but the guard, and returns the address immediately
// above the highest mapped page — the contract a faulting guard page
// enforces (spec.md §4.3).
func (m *Mapper) MapStack(self *threadlocal.Thread, numPages int) (stackTop uint64, res lockwrap.Reservation, err error) {
	if numPages <= 0 {
		return 0, lockwrap.Reservation{}, coeerr.Wrap(coeerr.ErrInvalidArg, "stack must have at least one page")
	}
	res, err = m.vspace.Reserve(self, numPages, true)
	if err != nil {
		return 0, lockwrap.Reservation{}, err
	}
	// res.Base is the address right after the guard page (Reserve already
	// advanced past it); the stack itself occupies the remaining numPages
	// pages and the guard sits immediately below res.Base.
	stackRes := lockwrap.Reservation{Base: res.Base, NumPages: numPages}
	frames := make([]kernel.Slot, numPages)
	for i := range frames {
		f, ferr := m.frames.AllocFrame(self)
		if ferr != nil {
			err = coeerr.Wrap(ferr, "allocate stack frame")
			return 0, lockwrap.Reservation{}, err
		}
		frames[i] = f
	}
	attrs := kernel.PageAttrs{Readable: true, Writable: true, Cacheable: true}
	if err = m.vspace.MapPages(self, stackRes, frames, attrs); err != nil {
		return 0, lockwrap.Reservation{}, err
	}
	stackTop = stackRes.Base + uint64(numPages)*pageSize
	return stackTop, stackRes, nil
}

// MapPages reserves a range and maps either caller-supplied frame
// capabilities or freshly allocated ones, applying attrs to every page, then
// running the permission-fix pass (spec.md §4.3).
func (m *Mapper) MapPages(self *threadlocal.Thread, numPages int, attrs kernel.PageAttrs, optionalCaps []kernel.Slot) (lockwrap.Reservation, error) {
	res, err := m.vspace.Reserve(self, numPages, false)
	if err != nil {
		return lockwrap.Reservation{}, err
	}
	frames := optionalCaps
	if frames == nil {
		frames = make([]kernel.Slot, numPages)
		for i := range frames {
			f, ferr := m.frames.AllocFrame(self)
			if ferr != nil {
				return lockwrap.Reservation{}, coeerr.Wrap(ferr, "allocate frame")
			}
			frames[i] = f
		}
	}
	if err := m.vspace.MapPages(self, res, frames, attrs); err != nil {
		return lockwrap.Reservation{}, err
	}
	if err := m.permissionFix(self, res, attrs); err != nil {
		return lockwrap.Reservation{}, err
	}
	return res, nil
}

// MapDevicePages maps numPages of device memory at a fixed physical
// address, defaulting the cache attribute to uncached when the caller
// leaves it unset (spec.md §4.3).
func (m *Mapper) MapDevicePages(self *threadlocal.Thread, physAddr uint64, numPages int, attrs kernel.PageAttrs) (lockwrap.Reservation, error) {
	res, err := m.vspace.MapDevicePages(self, physAddr, numPages, attrs)
	if err != nil {
		return lockwrap.Reservation{}, err
	}
	if err := m.permissionFix(self, res, attrs); err != nil {
		return lockwrap.Reservation{}, err
	}
	return res, nil
}

// permissionFix performs the execute-never remap pass: if attrs.Executable
// is false, every page in res is remapped with the explicit execute-never
// bit on architectures that support it; architectures that don't just log.
func (m *Mapper) permissionFix(self *threadlocal.Thread, res lockwrap.Reservation, attrs kernel.PageAttrs) error {
	if attrs.Executable {
		return nil
	}
	if !m.execNeverSupported {
		klog.V(2).InfoS("execute-never not supported on this architecture; mapping left as-is",
			"base", res.Base, "numPages", res.NumPages)
		return nil
	}
	pd, err := m.vspace.PageDirSlot(self)
	if err != nil {
		return err
	}
	for i := 0; i < res.NumPages; i++ {
		vaddr := res.Base + uint64(i)*pageSize
		if err := m.kernelOps.Remap(pd, vaddr, attrs); err != nil {
			return coeerr.Wrap(err, "permission-fix remap")
		}
	}
	return nil
}

// Unmap tears down a previously mapped reservation.
func (m *Mapper) Unmap(self *threadlocal.Thread, res lockwrap.Reservation) error {
	return m.vspace.Unmap(self, res)
}
