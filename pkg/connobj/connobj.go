// Package connobj implements spec.md §4.4's connection objects: endpoints,
// notifications, and shared-memory regions that can be created once and
// wired into many processes, with a conservation-respecting reference
// count. Grounded on the teacher's DRA resource-claim bookkeeping
// (pkg/controller/resourceclaim/controller.go's refcount-by-reference-list
// shape) and on original_source/libs/libprocess's conn_obj helpers.
package connobj

import (
	"sync"
	"sync/atomic"

	"github.com/capkit/coeruntime/pkg/addrspace"
	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

// Kind names the three connection object flavors of spec.md §3/§4.4.
type Kind int

const (
	Endpoint Kind = iota
	Notification
	Shmem
)

// Attrs carries the kind-specific creation parameters: NumPages for Shmem,
// otherwise unused.
type Attrs struct {
	NumPages int
}

// Perms is the {r, w, x, grant} permission encoding of spec.md §4.4, mapped
// onto kernel.Rights for endpoints/notifications and additionally governing
// target-side page mapping for shared memory.
type Perms struct {
	Read  bool
	Write bool
	Exec  bool
	Grant bool
}

func (p Perms) rights() kernel.Rights {
	return kernel.Rights{Read: p.Read, Write: p.Write, Grant: p.Grant}
}

func (p Perms) pageAttrs() kernel.PageAttrs {
	return kernel.PageAttrs{Readable: p.Read, Writable: p.Write, Executable: p.Exec, Cacheable: true}
}

// Obj is a connection object: the kernel-level resource plus bookkeeping
// spec.md §3 requires (name, refCount).
type Obj struct {
	name  string
	kind  Kind
	slot  kernel.Slot // Endpoint / Notification
	attrs Attrs

	frames     []kernel.Slot // Shmem only
	mu         sync.Mutex    // guards selfMapped/selfRes; refCount is atomic
	selfMapped bool
	selfRes    lockwrap.Reservation

	refCount atomic.Int32
}

// Name returns the object's registration name.
func (o *Obj) Name() string { return o.name }

// RefCount returns the current reference count, for tests asserting
// spec.md §8's refcount-conservation property.
func (o *Obj) RefCount() int32 { return o.refCount.Load() }

// TargetProcess is the process-builder-side collaborator connobj needs to
// wire a connection object into a non-self process (spec.md §4.5 step 6 /
// §6's handoff record): a monotonic slot allocator, the per-kind handoff
// sequences, and the shared-objects back-reference list consulted at
// destroy time.
type TargetProcess interface {
	AllocChildSlot() (kernel.Slot, error)
	RecordEndpoint(name string, slot kernel.Slot, perms Perms) error
	RecordNotification(name string, slot kernel.Slot, perms Perms) error
	RecordShmem(name string, addr uint64, lengthBytes uint64, perms Perms) error
	AddSharedObject(release func())

	// MapSharedFrames maps frames (already copied into the target's
	// capability table) into the target's own address space and returns
	// the resulting base virtual address, mirroring
	// original_source/libs/libprocess/src/connect.c's copy_shmem_to_proc,
	// which maps into handle->vspace/handle->page_dir.cptr immediately at
	// connect time rather than deferring to the target's own run.
	MapSharedFrames(self *threadlocal.Thread, frames []kernel.Slot, attrs kernel.PageAttrs) (addr uint64, err error)
}

// Result is what Connect hands back to the caller: a capability slot for
// endpoints/notifications, or a mapped address for shared memory.
type Result struct {
	Slot kernel.Slot
	Addr uint64
}

// Manager creates and wires connection objects against one root context:
// the root's wrapped capability allocator, address mapper, and the raw
// capability operations needed for copy/mint/delete/revoke.
type Manager struct {
	capOps kernel.CapOps
	mapper *addrspace.Mapper
}

// NewManager builds a Manager over the root's capability operations and
// address mapper.
func NewManager(capOps kernel.CapOps, mapper *addrspace.Mapper) *Manager {
	return &Manager{capOps: capOps, mapper: mapper}
}

// Create allocates the kernel-level resource for kind (an endpoint, a
// notification, or numPages shared frames), records name, and initializes
// refCount to 0 (spec.md §4.4's createConnObj).
func (m *Manager) Create(self *threadlocal.Thread, kind Kind, name string, attrs Attrs, allocObject func(objType kernel.ObjectType) (kernel.Slot, error), allocFrame func() (kernel.Slot, error)) (*Obj, error) {
	if name == "" {
		return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "connection object name must not be empty")
	}
	obj := &Obj{name: name, kind: kind, attrs: attrs}
	switch kind {
	case Endpoint:
		slot, err := allocObject(kernel.ObjEndpoint)
		if err != nil {
			return nil, coeerr.Wrap(err, "allocate endpoint")
		}
		obj.slot = slot
	case Notification:
		slot, err := allocObject(kernel.ObjNotification)
		if err != nil {
			return nil, coeerr.Wrap(err, "allocate notification")
		}
		obj.slot = slot
	case Shmem:
		if attrs.NumPages <= 0 {
			return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "shmem object requires at least one page")
		}
		frames := make([]kernel.Slot, attrs.NumPages)
		for i := range frames {
			f, err := allocFrame()
			if err != nil {
				// LIFO rollback of frames allocated so far (spec.md §4.4,
				// §7's CapCopyFailed/ResourceExhausted rollback policy).
				for j := i - 1; j >= 0; j-- {
					_ = m.capOps.Delete(frames[j])
				}
				return nil, coeerr.Wrap(err, "allocate shmem frame")
			}
			frames[i] = f
		}
		obj.frames = frames
	default:
		return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "unknown connection object kind")
	}
	return obj, nil
}

// Connect implements spec.md §4.4's connect. target == nil means
// processHandle = SELF.
func (m *Manager) Connect(self *threadlocal.Thread, target TargetProcess, obj *Obj, perms Perms, badge *uint64) (Result, error) {
	if obj == nil {
		return Result{}, coeerr.Wrap(coeerr.ErrInvalidArg, "nil connection object")
	}
	var result Result
	var err error
	if target == nil {
		result, err = m.connectSelf(self, obj, perms)
	} else {
		result, err = m.connectOther(self, target, obj, perms, badge)
	}
	if err != nil {
		return Result{}, err
	}
	// Only non-self connects are counted: they are the ones a process
	// builder releases again at destroy time.
	if target != nil {
		obj.refCount.Add(1)
	}
	return result, nil
}

func (m *Manager) connectSelf(self *threadlocal.Thread, obj *Obj, perms Perms) (Result, error) {
	switch obj.kind {
	case Endpoint, Notification:
		return Result{Slot: obj.slot}, nil
	case Shmem:
		obj.mu.Lock()
		defer obj.mu.Unlock()
		if obj.selfMapped {
			return Result{}, coeerr.Wrap(coeerr.ErrConflict, "shmem object already self-mapped")
		}
		res, err := m.mapper.MapPages(self, obj.attrs.NumPages, perms.pageAttrs(), obj.frames)
		if err != nil {
			return Result{}, err
		}
		obj.selfMapped = true
		obj.selfRes = res
		return Result{Addr: res.Base}, nil
	default:
		return Result{}, coeerr.Wrap(coeerr.ErrInvalidArg, "unknown connection object kind")
	}
}

func (m *Manager) connectOther(self *threadlocal.Thread, target TargetProcess, obj *Obj, perms Perms, badge *uint64) (result Result, err error) {
	var rollback []func()
	defer func() {
		if err != nil {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
		}
	}()

	switch obj.kind {
	case Endpoint, Notification:
		destSlot, aerr := target.AllocChildSlot()
		if aerr != nil {
			err = coeerr.Wrap(aerr, "allocate child capability slot")
			return Result{}, err
		}
		if badge != nil {
			if merr := m.capOps.Mint(obj.slot, perms.rights(), *badge, destSlot); merr != nil {
				err = coeerr.Wrap(coeerr.ErrCapCopyFailed, "mint badged capability")
				return Result{}, err
			}
		} else {
			if cerr := m.capOps.Copy(obj.slot, perms.rights(), destSlot); cerr != nil {
				err = coeerr.Wrap(coeerr.ErrCapCopyFailed, "copy capability")
				return Result{}, err
			}
		}
		rollback = append(rollback, func() { _ = m.capOps.Delete(destSlot) })

		if obj.kind == Endpoint {
			if rerr := target.RecordEndpoint(obj.name, destSlot, perms); rerr != nil {
				err = coeerr.Wrap(rerr, "record endpoint in handoff")
				return Result{}, err
			}
		} else {
			if rerr := target.RecordNotification(obj.name, destSlot, perms); rerr != nil {
				err = coeerr.Wrap(rerr, "record notification in handoff")
				return Result{}, err
			}
		}
		target.AddSharedObject(func() { obj.refCount.Add(-1) })
		return Result{Slot: destSlot}, nil

	case Shmem:
		destFrames := make([]kernel.Slot, len(obj.frames))
		for i, f := range obj.frames {
			destSlot, aerr := target.AllocChildSlot()
			if aerr != nil {
				err = coeerr.Wrap(aerr, "allocate child capability slot")
				return Result{}, err
			}
			if cerr := m.capOps.Copy(f, perms.rights(), destSlot); cerr != nil {
				err = coeerr.Wrap(coeerr.ErrCapCopyFailed, "copy shmem frame capability")
				return Result{}, err
			}
			idx := i
			rollback = append(rollback, func() { _ = m.capOps.Delete(destFrames[idx]) })
			destFrames[i] = destSlot
		}

		addr, merr := target.MapSharedFrames(self, destFrames, perms.pageAttrs())
		if merr != nil {
			err = coeerr.Wrap(merr, "map shmem frames into target address space")
			return Result{}, err
		}
		lengthBytes := uint64(len(destFrames)) * pageSize

		if rerr := target.RecordShmem(obj.name, addr, lengthBytes, perms); rerr != nil {
			err = coeerr.Wrap(rerr, "record shmem region in handoff")
			return Result{}, err
		}
		target.AddSharedObject(func() { obj.refCount.Add(-1) })
		return Result{Addr: addr}, nil

	default:
		err = coeerr.Wrap(coeerr.ErrInvalidArg, "unknown connection object kind")
		return Result{}, err
	}
}

const pageSize = 4096

// Free implements spec.md §4.4's freeConnObj: fails with Conflict if
// refCount > 0; otherwise unmaps any self-mapping, frees frames/endpoint,
// and frees the record.
func (m *Manager) Free(self *threadlocal.Thread, obj *Obj) error {
	if obj.refCount.Load() > 0 {
		return coeerr.Wrap(coeerr.ErrConflict, "freeConnObj: refCount > 0")
	}
	switch obj.kind {
	case Endpoint, Notification:
		if err := m.capOps.Delete(obj.slot); err != nil {
			return coeerr.Wrap(err, "free connection object")
		}
	case Shmem:
		obj.mu.Lock()
		if obj.selfMapped {
			if err := m.mapper.Unmap(self, obj.selfRes); err != nil {
				obj.mu.Unlock()
				return coeerr.Wrap(err, "unmap self-mapped shmem")
			}
			obj.selfMapped = false
		}
		obj.mu.Unlock()
		for _, f := range obj.frames {
			if err := m.capOps.Delete(f); err != nil {
				return coeerr.Wrap(err, "free shmem frame")
			}
		}
	}
	return nil
}
