// Package simkernel is a deterministic, in-memory stand-in for the
// microkernel primitives declared in pkg/kernel. It exists only so this
// module's own tests and end-to-end suite can exercise the process
// builder, connection objects, and lock-wrapper without a real seL4
// instance underneath — loosely grounded on the userspace platform
// abstraction in gVisor's sentry (see other_examples), which plays the same
// "fake the privileged substrate behind a narrow interface" role for a
// sandboxed kernel.
package simkernel

import (
	"sync"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
)

type object struct {
	objType kernel.ObjectType
	rights  kernel.Rights
	badge   uint64
	// for frames: backing bytes; for page directories: mapped frames;
	// for endpoints/notifications: pending state.
	frame struct {
		physAddr uint64
	}
	pageDir struct {
		mappings map[uint64]kernel.Slot
	}
	endpoint struct {
		mu      sync.Mutex
		pending []endpointMsg
		waiters []chan endpointMsg
	}
	notification struct {
		ch chan struct{}
	}
	tcb struct {
		priority  int
		affinity  int
		faultSink kernel.Slot
		capTable  kernel.Slot
		pageDir   kernel.Slot
		regs      kernel.Registers
		name      string
	}
}

type endpointMsg struct {
	payload uint64
	badge   uint64
	replyCh chan uint64
}

// Kernel is a single simulated microkernel instance. Zero value is not
// usable; use New.
type Kernel struct {
	mu       sync.Mutex
	objects  map[kernel.Slot]*object
	nextSlot kernel.Slot
	nextPhys uint64
	asids    map[kernel.Slot]bool
}

// New creates an empty simulated microkernel.
func New() *Kernel {
	return &Kernel{
		objects:  make(map[kernel.Slot]*object),
		nextSlot: 1,
		nextPhys: 0x1000,
		asids:    make(map[kernel.Slot]bool),
	}
}

// AllocUntyped hands back a fresh untyped region slot, backing it with
// simulated physical memory. It is not part of the kernel.Kernel interface
// (untyped allocation is the allocator's job, spec.md §4.2) but is how test
// setup seeds a simkernel.Kernel with the untyped it will retype.
func (k *Kernel) AllocUntyped(sizeBits uint8) (kernel.UntypedRegion, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot := k.allocSlotLocked()
	phys := k.nextPhys
	k.nextPhys += 1 << sizeBits
	k.objects[slot] = &object{objType: -1}
	return kernel.UntypedRegion{Slot: slot, SizeBits: sizeBits, PhysAddr: &phys}, nil
}

func (k *Kernel) allocSlotLocked() kernel.Slot {
	s := k.nextSlot
	k.nextSlot++
	return s
}

// AllocSlot hands back a fresh, empty capability slot, for callers (this
// package's Allocator and the frame allocators of the tests and the demo)
// that need slot identifiers before retyping into them.
func (k *Kernel) AllocSlot() kernel.Slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.allocSlotLocked()
}

func (k *Kernel) Retype(untyped kernel.Slot, sizeBits uint8, objType kernel.ObjectType, destSlot kernel.Slot) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.objects[untyped]; !ok {
		return coeerr.Wrap(coeerr.ErrInvalidArg, "retype: unknown untyped slot")
	}
	obj := &object{objType: objType}
	switch objType {
	case kernel.ObjFrame:
		phys := k.nextPhys
		k.nextPhys += 1 << sizeBits
		obj.frame.physAddr = phys
	case kernel.ObjPageDirectory:
		obj.pageDir.mappings = make(map[uint64]kernel.Slot)
	case kernel.ObjEndpoint, kernel.ObjNotification:
		obj.notification.ch = make(chan struct{}, 1)
	case kernel.ObjTCB:
		// zero value is fine until Configure/WriteRegisters.
	case kernel.ObjCapTable:
		// no payload needed in this simulation.
	}
	k.objects[destSlot] = obj
	return nil
}

func (k *Kernel) lookup(slot kernel.Slot) (*object, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	obj, ok := k.objects[slot]
	if !ok {
		return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "unknown capability slot")
	}
	return obj, nil
}

func (k *Kernel) Copy(src kernel.Slot, rights kernel.Rights, destSlot kernel.Slot) error {
	obj, err := k.lookup(src)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := *obj
	cp.rights = rights
	k.objects[destSlot] = &cp
	return nil
}

func (k *Kernel) Mint(src kernel.Slot, rights kernel.Rights, badge uint64, destSlot kernel.Slot) error {
	obj, err := k.lookup(src)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := *obj
	cp.rights = rights
	cp.badge = badge
	k.objects[destSlot] = &cp
	return nil
}

func (k *Kernel) Delete(slot kernel.Slot) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.objects, slot)
	return nil
}

func (k *Kernel) Revoke(slot kernel.Slot) error {
	// Simulated capability derivation trees aren't tracked; revoke is a
	// no-op beyond deleting the original, matching delete for this sim.
	return k.Delete(slot)
}

func (k *Kernel) Map(pageDir kernel.Slot, vaddr uint64, frame kernel.Slot, attrs kernel.PageAttrs) error {
	pd, err := k.lookup(pageDir)
	if err != nil {
		return err
	}
	if frame != kernel.NoSlot {
		if _, err := k.lookup(frame); err != nil {
			return err
		}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if pd.pageDir.mappings == nil {
		return coeerr.Wrap(coeerr.ErrInvalidArg, "slot is not a page directory")
	}
	pd.pageDir.mappings[vaddr] = frame
	return nil
}

func (k *Kernel) Remap(pageDir kernel.Slot, vaddr uint64, attrs kernel.PageAttrs) error {
	pd, err := k.lookup(pageDir)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := pd.pageDir.mappings[vaddr]; !ok {
		return coeerr.Wrap(coeerr.ErrMapFailed, "remap: nothing mapped at vaddr")
	}
	return nil
}

func (k *Kernel) Unmap(pageDir kernel.Slot, vaddr uint64) error {
	pd, err := k.lookup(pageDir)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(pd.pageDir.mappings, vaddr)
	return nil
}

func (k *Kernel) PhysAddr(frame kernel.Slot) (uint64, error) {
	obj, err := k.lookup(frame)
	if err != nil {
		return 0, err
	}
	return obj.frame.physAddr, nil
}

func (k *Kernel) Configure(tcb, faultSink, capTable, pageDir kernel.Slot) error {
	obj, err := k.lookup(tcb)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	obj.tcb.faultSink = faultSink
	obj.tcb.capTable = capTable
	obj.tcb.pageDir = pageDir
	return nil
}

func (k *Kernel) SetPriority(tcb kernel.Slot, priority int) error {
	obj, err := k.lookup(tcb)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	obj.tcb.priority = priority
	return nil
}

func (k *Kernel) SetAffinity(tcb kernel.Slot, cpu int) error {
	obj, err := k.lookup(tcb)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	obj.tcb.affinity = cpu
	return nil
}

func (k *Kernel) WriteRegisters(tcb kernel.Slot, regs kernel.Registers, resume bool) error {
	obj, err := k.lookup(tcb)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	obj.tcb.regs = regs
	return nil
}

func (k *Kernel) DebugName(tcb kernel.Slot, name string) error {
	obj, err := k.lookup(tcb)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	obj.tcb.name = name
	return nil
}

func (k *Kernel) AssignASID(pageDir kernel.Slot) error {
	if _, err := k.lookup(pageDir); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.asids[pageDir] = true
	return nil
}

// Send implements an asynchronous, badge-carrying endpoint send (spec.md
// §8.1's "badged endpoint call/reply"): it hands payload+badge to a blocked
// receiver if one is waiting, else buffers it.
func (k *Kernel) Send(ep kernel.Slot, badge uint64, payload uint64) error {
	obj, err := k.lookup(ep)
	if err != nil {
		return err
	}
	obj.endpoint.mu.Lock()
	defer obj.endpoint.mu.Unlock()
	msg := endpointMsg{payload: payload, badge: badge}
	if len(obj.endpoint.waiters) > 0 {
		w := obj.endpoint.waiters[0]
		obj.endpoint.waiters = obj.endpoint.waiters[1:]
		w <- msg
		return nil
	}
	obj.endpoint.pending = append(obj.endpoint.pending, msg)
	return nil
}

func (k *Kernel) Recv(ep kernel.Slot) (uint64, uint64, error) {
	obj, err := k.lookup(ep)
	if err != nil {
		return 0, 0, err
	}
	obj.endpoint.mu.Lock()
	if len(obj.endpoint.pending) > 0 {
		msg := obj.endpoint.pending[0]
		obj.endpoint.pending = obj.endpoint.pending[1:]
		obj.endpoint.mu.Unlock()
		return msg.payload, msg.badge, nil
	}
	ch := make(chan endpointMsg, 1)
	obj.endpoint.waiters = append(obj.endpoint.waiters, ch)
	obj.endpoint.mu.Unlock()
	msg := <-ch
	return msg.payload, msg.badge, nil
}

var replyChans sync.Map // keyed by endpoint slot: one pending Call per endpoint

// Call sends payload and blocks for a reply on the same logical transaction,
// matching the seL4 Call semantics of spec.md §8.1.
func (k *Kernel) Call(ep kernel.Slot, payload uint64) (uint64, error) {
	obj, err := k.lookup(ep)
	if err != nil {
		return 0, err
	}
	replyCh := make(chan uint64, 1)
	obj.endpoint.mu.Lock()
	msg := endpointMsg{payload: payload, replyCh: replyCh}
	if len(obj.endpoint.waiters) > 0 {
		w := obj.endpoint.waiters[0]
		obj.endpoint.waiters = obj.endpoint.waiters[1:]
		obj.endpoint.mu.Unlock()
		replyChans.Store(ep, replyCh)
		w <- msg
	} else {
		obj.endpoint.pending = append(obj.endpoint.pending, msg)
		obj.endpoint.mu.Unlock()
		replyChans.Store(ep, replyCh)
	}
	return <-replyCh, nil
}

// Reply always fails with ErrInvalidState: this simulation keeps no record
// of which endpoint a server last received from, so replies go through
// ReplyTo, which names the endpoint explicitly.
func (k *Kernel) Reply(payload uint64) error {
	return coeerr.Wrap(coeerr.ErrInvalidState, "Reply must be called via ReplyTo in this simulation")
}

// ReplyTo is simkernel's concrete reply path, since the narrow kernel.IPCOps
// interface has no reply-capability type to carry the association.
func (k *Kernel) ReplyTo(ep kernel.Slot, payload uint64) error {
	v, ok := replyChans.LoadAndDelete(ep)
	if !ok {
		return coeerr.Wrap(coeerr.ErrInvalidState, "no pending call to reply to")
	}
	v.(chan uint64) <- payload
	return nil
}

func (k *Kernel) Signal(slot kernel.Slot) error {
	obj, err := k.lookup(slot)
	if err != nil {
		return err
	}
	select {
	case obj.notification.ch <- struct{}{}:
	default:
	}
	return nil
}

func (k *Kernel) Wait(slot kernel.Slot) error {
	obj, err := k.lookup(slot)
	if err != nil {
		return err
	}
	<-obj.notification.ch
	return nil
}
