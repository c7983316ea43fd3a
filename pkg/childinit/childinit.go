// Package childinit implements spec.md §4.6's initProcess: the runtime-side
// unpack of a handoff blob, installation of globals pointing at the
// child's own well-known capabilities, and name-based lookup of every
// wired resource. Grounded on original_source's libs/libprocess
// init_process and the teacher's DRA kubelet-plugin registration flow
// (StartPlugin's one-time, idempotent bring-up guarded by a published
// "ready" flag).
package childinit

import (
	"sync/atomic"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/handoff"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
)

// well-known child capability-table layout (spec.md §6), duplicated from
// pkg/process's unexported constants since this package has no dependency
// on pkg/process (the child binary does not import the builder).
const (
	slotCapTable  = kernel.Slot(0)
	slotPageDir   = kernel.Slot(1)
	slotFaultSink = kernel.Slot(2)
	slotTCB       = kernel.Slot(3)
)

// Globals is the set of well-known objects installed once per child
// process (spec.md §4.6 step 3).
type Globals struct {
	CapTable  kernel.Slot
	PageDir   kernel.Slot
	FaultSink kernel.Slot
	TCB       kernel.Slot
}

// Environment is the four environment variables spec.md §6 says the parent
// sets and the child reads: already-parsed, not raw getenv strings, so this
// package stays decoupled from os.Getenv and is trivially testable.
type Environment struct {
	HeapAddr     uint64
	HeapSize     uint64
	InitDataAddr uint64
	InitDataSize uint64
}

// Process is the per-child runtime state built by Init: the deserialized
// handoff record, the installed globals, and a child-owned capability
// allocator seeded from the record's untypeds.
type Process struct {
	globals Globals
	record  *handoff.Record
	alloc   *lockwrap.CapAllocator

	initialized atomic.Bool
}

// rawAllocatorFromUntypeds is a minimal lockwrap.RawAllocator seeded
// entirely from the handoff record's untypeds list — the child has no
// other source of untyped memory (spec.md §4.6 step 4).
type rawAllocatorFromUntypeds struct {
	kern     kernel.CapOps
	untyped  []kernel.UntypedRegion
	nextSlot uint32
	onAlloc  func(slot kernel.Slot, objType kernel.ObjectType)
}

func (a *rawAllocatorFromUntypeds) AllocSlot() (kernel.Slot, error) {
	slot := kernel.Slot(a.nextSlot)
	a.nextSlot++
	return slot, nil
}

func (a *rawAllocatorFromUntypeds) AllocObject(untyped kernel.Slot, sizeBits uint8, objType kernel.ObjectType) (kernel.Slot, error) {
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

func (a *rawAllocatorFromUntypeds) FreeSlot(slot kernel.Slot) error {
	return a.kern.Delete(slot)
}

func (a *rawAllocatorFromUntypeds) ContributeUntyped(region kernel.UntypedRegion) error {
	a.untyped = append(a.untyped, region)
	return nil
}

func (a *rawAllocatorFromUntypeds) SetObjectAllocatedCallback(cb func(slot kernel.Slot, objType kernel.ObjectType)) {
	a.onAlloc = cb
}

// Init implements spec.md §4.6's initProcess: deserializes the handoff
// record from env.InitDataAddr/InitDataSize (the caller is responsible for
// having already read those bytes off the mapped window — this package
// does not touch raw memory directly, matching the out-of-scope program
// loader/serializer boundary of spec.md §1), installs globals at the
// well-known slots, seeds a capability allocator with every granted
// untyped, and publishes initialized=true with a sequentially-consistent
// store (spec.md §5's ordering guarantee).
func Init(kern kernel.CapOps, env Environment, serializedRecord []byte, firstFreeSlot uint32) (*Process, error) {
	record, err := handoff.Unmarshal(serializedRecord)
	if err != nil {
		return nil, coeerr.Wrap(err, "deserialize handoff record")
	}

	p := &Process{
		globals: Globals{
			CapTable:  slotCapTable,
			PageDir:   slotPageDir,
			FaultSink: slotFaultSink,
			TCB:       slotTCB,
		},
		record: record,
	}

	raw := &rawAllocatorFromUntypeds{kern: kern, nextSlot: firstFreeSlot}
	for _, u := range record.Untypeds {
		var phys *uint64
		if u.PhysAddr != 0 {
			pa := u.PhysAddr
			phys = &pa
		}
		if err := raw.ContributeUntyped(kernel.UntypedRegion{Slot: kernel.Slot(u.Slot), SizeBits: uint8(u.SizeBits), PhysAddr: phys}); err != nil {
			return nil, coeerr.Wrap(err, "seed child allocator with granted untyped")
		}
	}
	p.alloc = lockwrap.NewCapAllocator(raw)

	// spec.md §4.6 step 5 (building an existing-frames list to bootstrap
	// the address-space bookkeeper) is a address-space-bookkeeper-internal
	// concern; this module's contribution is the name-lookup surface over
	// the record, which does not require that bootstrap to be modeled
	// here.
	p.initialized.Store(true)
	return p, nil
}

// Globals returns the installed well-known capability slots. It returns
// ErrNotInitialized if called before Init completes (spec.md §4.6 step 6).
func (p *Process) Globals() (Globals, error) {
	if p == nil || !p.initialized.Load() {
		return Globals{}, coeerr.ErrNotInitialized
	}
	return p.globals, nil
}

// Allocator returns the child's own capability allocator, seeded from the
// handoff record's granted untypeds.
func (p *Process) Allocator() (*lockwrap.CapAllocator, error) {
	if p == nil || !p.initialized.Load() {
		return nil, coeerr.ErrNotInitialized
	}
	return p.alloc, nil
}

// LookupEndpoint scans the endpoints sequence linearly by name (spec.md
// §4.6 step 6, §8's name-uniqueness-at-lookup property).
func (p *Process) LookupEndpoint(name string) (kernel.Slot, error) {
	if !p.initialized.Load() {
		return kernel.NoSlot, coeerr.ErrNotInitialized
	}
	slot, ok := p.record.LookupEndpoint(name)
	if !ok {
		return kernel.NoSlot, coeerr.Wrap(coeerr.ErrInvalidArg, "no endpoint registered under that name")
	}
	return kernel.Slot(slot), nil
}

func (p *Process) LookupNotification(name string) (kernel.Slot, error) {
	if !p.initialized.Load() {
		return kernel.NoSlot, coeerr.ErrNotInitialized
	}
	slot, ok := p.record.LookupNotification(name)
	if !ok {
		return kernel.NoSlot, coeerr.Wrap(coeerr.ErrInvalidArg, "no notification registered under that name")
	}
	return kernel.Slot(slot), nil
}

func (p *Process) LookupShmem(name string) (handoff.ShmemRegion, error) {
	if !p.initialized.Load() {
		return handoff.ShmemRegion{}, coeerr.ErrNotInitialized
	}
	region, ok := p.record.LookupShmem(name)
	if !ok {
		return handoff.ShmemRegion{}, coeerr.Wrap(coeerr.ErrInvalidArg, "no shmem region registered under that name")
	}
	return region, nil
}

func (p *Process) LookupDevice(name string) (handoff.DeviceRegion, error) {
	if !p.initialized.Load() {
		return handoff.DeviceRegion{}, coeerr.ErrNotInitialized
	}
	region, ok := p.record.LookupDevice(name)
	if !ok {
		return handoff.DeviceRegion{}, coeerr.Wrap(coeerr.ErrInvalidArg, "no device region registered under that name")
	}
	return region, nil
}

func (p *Process) LookupIRQ(name string) (handoff.IRQLine, error) {
	if !p.initialized.Load() {
		return handoff.IRQLine{}, coeerr.ErrNotInitialized
	}
	line, ok := p.record.LookupIRQ(name)
	if !ok {
		return handoff.IRQLine{}, coeerr.Wrap(coeerr.ErrInvalidArg, "no IRQ line registered under that name")
	}
	return line, nil
}
