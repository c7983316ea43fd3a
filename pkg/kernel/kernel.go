// Package kernel declares the narrow, opaque contracts this module consumes
// from its surrounding collaborators (spec.md §1/§6): the microkernel
// primitives, the untyped-slab allocator, and the virtual-address-space
// bookkeeper. None of these are implemented here — they are out of scope
// per spec.md §1. pkg/kernel/simkernel provides a deterministic in-memory
// stand-in used only by this module's own tests and end-to-end suite.
package kernel

// Slot is an opaque capability-table index (spec.md §3: "an opaque integer
// naming a kernel-managed object reference in some capability table").
type Slot uint32

// NoSlot is the zero value meaning "no capability".
const NoSlot Slot = 0

// ObjectType names a kernel object kind untyped memory can be retyped into.
type ObjectType int

const (
	ObjCapTable ObjectType = iota
	ObjPageDirectory
	ObjEndpoint
	ObjNotification
	ObjFrame
	ObjTCB
)

// Rights mirrors spec.md §4.4's permission encoding ({r, w, x, grant}) at
// the capability-rights level consumed by copy/mint.
type Rights struct {
	Read  bool
	Write bool
	Grant bool
}

// PageAttrs mirrors spec.md §4.3's page attribute set.
type PageAttrs struct {
	Readable   bool
	Writable   bool
	Executable bool
	Cacheable  bool
}

// Registers is the architecture initial-register context written by
// TCBOps.WriteRegisters (spec.md §4.5 step 6): instruction pointer and
// stack pointer are the only two fields every architecture needs for the
// ELF-style startup contract; anything else is architecture-private and out
// of scope.
type Registers struct {
	PC uint64
	SP uint64
}

// UntypedRegion is spec.md §3's untyped region: a typed range of physical
// memory that can be retyped into kernel objects.
type UntypedRegion struct {
	Slot     Slot
	SizeBits uint8
	PhysAddr *uint64
}

// CapOps is the subset of microkernel capability operations this module
// invokes (spec.md §6): retype, copy, mint, delete, revoke.
type CapOps interface {
	Retype(untyped Slot, sizeBits uint8, objType ObjectType, destSlot Slot) error
	Copy(src Slot, rights Rights, destSlot Slot) error
	Mint(src Slot, rights Rights, badge uint64, destSlot Slot) error
	Delete(slot Slot) error
	Revoke(slot Slot) error
}

// PageOps is the subset of page-mapping primitives this module invokes.
type PageOps interface {
	Map(pageDir Slot, vaddr uint64, frame Slot, attrs PageAttrs) error
	Remap(pageDir Slot, vaddr uint64, attrs PageAttrs) error
	Unmap(pageDir Slot, vaddr uint64) error
	PhysAddr(frame Slot) (uint64, error)
}

// TCBOps is the subset of thread-control-block primitives this module
// invokes.
type TCBOps interface {
	Configure(tcb Slot, faultSink, capTable, pageDir Slot) error
	SetPriority(tcb Slot, priority int) error
	SetAffinity(tcb Slot, cpu int) error
	WriteRegisters(tcb Slot, regs Registers, resume bool) error
	DebugName(tcb Slot, name string) error // optional, best-effort
}

// IPCOps is the subset of IPC primitives this module invokes (used by the
// end-to-end call/reply scenario of spec.md §8.1).
type IPCOps interface {
	Send(ep Slot, badge uint64, payload uint64) error
	Recv(ep Slot) (payload uint64, badge uint64, err error)
	Call(ep Slot, payload uint64) (reply uint64, err error)
	Reply(payload uint64) error
}

// NotifOps is the subset of notification primitives this module invokes.
type NotifOps interface {
	Signal(slot Slot) error
	Wait(slot Slot) error
}

// ASIDOps assigns an address-space id to a freshly created page directory,
// on architectures that have one (spec.md §4.5 step 1).
type ASIDOps interface {
	AssignASID(pageDir Slot) error
}

// Kernel is the full aggregate surface the process builder and root init
// consume.
type Kernel interface {
	CapOps
	PageOps
	TCBOps
	IPCOps
	NotifOps
	ASIDOps
}
