package simkernel

import (
	"sync"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
)

const pageSize = 4096

// VSpace is a bump-allocated virtual-address-space bookkeeper over one
// simulated page directory. It implements lockwrap.RawVSpace.
type VSpace struct {
	k       *Kernel
	pageDir kernel.Slot

	mu     sync.Mutex
	nextVA uint64
}

// NewVSpace creates a page directory object in k and returns a bookkeeper
// over it, starting allocation at base.
func NewVSpace(k *Kernel, untyped kernel.Slot, base uint64) (*VSpace, error) {
	pd := k.AllocSlot()
	if err := k.Retype(untyped, 12, kernel.ObjPageDirectory, pd); err != nil {
		return nil, coeerr.Wrap(err, "retype page directory")
	}
	if err := k.AssignASID(pd); err != nil {
		return nil, coeerr.Wrap(err, "assign asid")
	}
	return &VSpace{k: k, pageDir: pd, nextVA: base}, nil
}

func (v *VSpace) Reserve(numPages int, guardPage bool) (lockwrap.Reservation, error) {
	if numPages <= 0 {
		return lockwrap.Reservation{}, coeerr.Wrap(coeerr.ErrInvalidArg, "numPages must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if guardPage {
		v.nextVA += pageSize
	}
	base := v.nextVA
	v.nextVA += uint64(numPages) * pageSize
	return lockwrap.Reservation{Base: base, NumPages: numPages}, nil
}

func (v *VSpace) Free(res lockwrap.Reservation) error {
	return v.Unmap(res)
}

func (v *VSpace) MapPages(res lockwrap.Reservation, frames []kernel.Slot, attrs kernel.PageAttrs) error {
	for i, frame := range frames {
		vaddr := res.Base + uint64(i)*pageSize
		if err := v.k.Map(v.pageDir, vaddr, frame, attrs); err != nil {
			return err
		}
	}
	return nil
}

func (v *VSpace) MapDevicePages(physAddr uint64, numPages int, attrs kernel.PageAttrs) (lockwrap.Reservation, error) {
	res, err := v.Reserve(numPages, false)
	if err != nil {
		return lockwrap.Reservation{}, err
	}
	// Device frames are identity-significant, not allocator-owned; the
	// simulation records the mapping without a backing frame slot.
	for i := 0; i < numPages; i++ {
		vaddr := res.Base + uint64(i)*pageSize
		if err := v.k.Map(v.pageDir, vaddr, kernel.NoSlot, attrs); err != nil {
			return lockwrap.Reservation{}, err
		}
	}
	return res, nil
}

func (v *VSpace) Unmap(res lockwrap.Reservation) error {
	for i := 0; i < res.NumPages; i++ {
		vaddr := res.Base + uint64(i)*pageSize
		if err := v.k.Unmap(v.pageDir, vaddr); err != nil {
			return err
		}
	}
	return nil
}

func (v *VSpace) PageDirSlot() kernel.Slot {
	return v.pageDir
}

var _ lockwrap.RawVSpace = (*VSpace)(nil)
