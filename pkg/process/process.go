// Package process implements spec.md §4.5's process builder: the
// create/configure/run/destroy lifecycle, capability-table population,
// handoff-record assembly, and stack-frame layout. It is the largest single
// component (25% of the core budget per spec.md §2) and sits atop every
// other package in this module.
package process

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/capkit/coeruntime/pkg/addrspace"
	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/connobj"
	"github.com/capkit/coeruntime/pkg/handoff"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

// State is the process handle's state machine (spec.md §3: Init → Running →
// Destroyed, no going back).
type State int

const (
	Init State = iota
	Running
	Destroyed
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Running:
		return "Running"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Image is the program-image loader this module treats as an opaque
// external collaborator (spec.md §1/§6): given a fresh address space, it
// loads the program, returning the entry point, a copy of the
// program-header table, and the system-call-info vector address.
type Image interface {
	Load(self *threadlocal.Thread, mapper *addrspace.Mapper) (entryPoint uint64, phdrTable []byte, sysCallInfoAddr uint64, err error)
}

// UntypedSource hands the builder untyped regions large enough to retype
// into the fixed per-process objects (cap table, page directory, TCB,
// notifications, frames). Root init owns the real pool; tests use
// simkernel.Allocator's PickUntyped.
type UntypedSource interface {
	PickUntyped(sizeBits uint8) (kernel.Slot, error)
}

// Config is the construction-time attribute set of spec.md §3's process
// handle: "configuration attributes (cnode-size-bits, stack-pages,
// heap-pages, priority, cpu-affinity, whether to allocate a dedicated fault
// sink)".
type Config struct {
	CNodeSizeBits    uint32
	StackPages       int
	HeapPages        int
	Priority         int
	CPUAffinity      int
	AllocFaultSink   bool
	ExecNeverSupport bool // architecture capability, passed through to the mapper
}

const (
	// Well-known child capability-table layout (spec.md §6).
	childSlotCapTable  = 0
	childSlotPageDir   = 1
	childSlotFaultSink = 2
	childSlotTCB       = 3
	childSlotASLock    = 4
	childSlotCapLock   = 5
	childSlotInitLock  = 6
	childSlotSyncNotif = 7
	childSlotFirstFree = 8
)

type sharedMapping struct {
	res   lockwrap.Reservation
	owner *lockwrap.VSpace
}

// Builder is one process handle: all state the create/configure/run/destroy
// lifecycle needs, per spec.md §3.
type Builder struct {
	name string

	kern    kernel.Kernel
	untyped UntypedSource
	rootCap *lockwrap.CapAllocator

	mu    sync.Mutex // guards state and nextFreeSlot; cross-API serialization is libprocessLock
	state State

	cfg Config

	capTable  kernel.Slot
	pageDir   kernel.Slot
	faultSink kernel.Slot
	ownsFault bool
	tcb       kernel.Slot

	asLockNotif, capLockNotif, initLockNotif, syncNotif kernel.Slot

	childVSpace *lockwrap.VSpace
	childAlloc  *lockwrap.CapAllocator
	mapper      *addrspace.Mapper

	nextFreeSlot uint32

	record *handoff.Record

	sharedObjects  []func() // per-attach back-references, walked at destroy
	grantedUntyped []kernel.Slot
	mappedRanges   []sharedMapping // builder-owned list, for destroy teardown

	heapRes  lockwrap.Reservation
	stackRes lockwrap.Reservation
	stackTop uint64

	entryPoint      uint64
	phdrCopy        []byte
	sysCallInfoAddr uint64
}

// rawFrameAlloc adapts a capability allocator (the root's, at every use in
// this package) into addrspace.FrameAllocator, retyping each frame out of an
// untyped picked from the builder's UntypedSource.
type rawFrameAlloc struct {
	capAlloc *lockwrap.CapAllocator
	untyped  UntypedSource
	sizeBits uint8
}

func (f *rawFrameAlloc) AllocFrame(self *threadlocal.Thread) (kernel.Slot, error) {
	u, err := f.untyped.PickUntyped(f.sizeBits)
	if err != nil {
		return kernel.NoSlot, err
	}
	return f.capAlloc.AllocObject(self, u, f.sizeBits, kernel.ObjFrame)
}

// Create implements spec.md §4.5's create: allocates the child's fixed
// kernel objects, builds its address-space bookkeeper, loads the program
// image, maps the heap, creates the main thread, reserves the well-known
// capability slots by starting nextFreeSlot at childSlotFirstFree, and
// initializes the pending handoff record. No capabilities are copied into
// the well-known slots 0..childSlotFirstFree-1.
func Create(self *threadlocal.Thread, kern kernel.Kernel, untyped UntypedSource, rootCap *lockwrap.CapAllocator, img Image, name string, cfg Config) (b *Builder, err error) {
	lock := libprocessLock()
	if err := lock.Lock(self); err != nil {
		return nil, err
	}
	defer lock.Unlock(self)

	if name == "" {
		return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "process name must not be empty")
	}

	b = &Builder{
		name:    name,
		kern:    kern,
		untyped: untyped,
		rootCap: rootCap,
		cfg:     cfg,
		state:   Init,
	}

	var rollback []func()
	defer func() {
		if err != nil {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
		}
	}()

	fail := func(e error, msg string) (*Builder, error) {
		err = coeerr.Wrap(e, msg)
		return nil, err
	}

	// Step 1: fixed kernel objects.
	cnodeUntyped, uerr := untyped.PickUntyped(8)
	if uerr != nil {
		return fail(uerr, "pick untyped for capability table")
	}
	b.capTable, err = rootCap.AllocObject(self, cnodeUntyped, 8, kernel.ObjCapTable)
	if err != nil {
		return fail(err, "allocate child capability table")
	}
	rollback = append(rollback, func() { _ = kern.Delete(b.capTable) })

	pdUntyped, uerr := untyped.PickUntyped(12)
	if uerr != nil {
		return fail(uerr, "pick untyped for page directory")
	}
	b.pageDir, err = rootCap.AllocObject(self, pdUntyped, 12, kernel.ObjPageDirectory)
	if err != nil {
		return fail(err, "allocate child page directory")
	}
	rollback = append(rollback, func() { _ = kern.Delete(b.pageDir) })

	if err = kern.AssignASID(b.pageDir); err != nil {
		return fail(err, "assign ASID to child page directory")
	}

	if cfg.AllocFaultSink {
		fsUntyped, uerr := untyped.PickUntyped(4)
		if uerr != nil {
			return fail(uerr, "pick untyped for fault sink")
		}
		b.faultSink, err = rootCap.AllocObject(self, fsUntyped, 4, kernel.ObjEndpoint)
		if err != nil {
			return fail(err, "allocate fault sink endpoint")
		}
		b.ownsFault = true
		rollback = append(rollback, func() { _ = kern.Delete(b.faultSink) })
	}

	allocNotif := func(dest *kernel.Slot) error {
		u, uerr := untyped.PickUntyped(4)
		if uerr != nil {
			return uerr
		}
		slot, aerr := rootCap.AllocObject(self, u, 4, kernel.ObjNotification)
		if aerr != nil {
			return aerr
		}
		*dest = slot
		rollback = append(rollback, func() { _ = kern.Delete(slot) })
		return nil
	}
	if err = allocNotif(&b.asLockNotif); err != nil {
		return fail(err, "allocate address-space-lock notification")
	}
	if err = allocNotif(&b.capLockNotif); err != nil {
		return fail(err, "allocate cap-allocator-lock notification")
	}
	if err = allocNotif(&b.initLockNotif); err != nil {
		return fail(err, "allocate init-lock notification")
	}
	if err = allocNotif(&b.syncNotif); err != nil {
		return fail(err, "allocate per-thread sync notification")
	}

	// Step 2: child address-space bookkeeper, wrapped.
	rawVSpace := newChildVSpaceAdapter(kern, b.pageDir)
	b.childVSpace = lockwrap.NewVSpace(rawVSpace)
	b.mapper = addrspace.NewMapper(b.childVSpace, kern, &rawFrameAlloc{capAlloc: rootCap, untyped: untyped, sizeBits: 4}, cfg.ExecNeverSupport)

	// The explicit lock/unlock around the image-load call makes the
	// loader's sub-operations a single atomic unit against other builders
	// sharing the same root allocator (spec.md §4.5 step 2).
	if err = b.childVSpace.Lock(self); err != nil {
		return fail(err, "lock child address space for image load")
	}
	b.entryPoint, b.phdrCopy, b.sysCallInfoAddr, err = img.Load(self, b.mapper)
	unlockErr := b.childVSpace.Unlock(self)
	if err != nil {
		return fail(err, "load program image")
	}
	if unlockErr != nil {
		return fail(unlockErr, "unlock child address space after image load")
	}

	// Step 4: heap.
	if cfg.HeapPages > 0 {
		heapAttrs := kernel.PageAttrs{Readable: true, Writable: true, Cacheable: true}
		b.heapRes, err = b.mapper.MapPages(self, cfg.HeapPages, heapAttrs, nil)
		if err != nil {
			return fail(err, "map heap")
		}
		rollback = append(rollback, func() { _ = b.mapper.Unmap(self, b.heapRes) })
	}

	// Step 5: main thread, stack, IPC buffer.
	stackTop, stackRes, serr := b.mapper.MapStack(self, cfg.StackPages)
	if serr != nil {
		return fail(serr, "map main thread stack")
	}
	b.stackTop, b.stackRes = stackTop, stackRes
	rollback = append(rollback, func() { _ = b.mapper.Unmap(self, b.stackRes) })

	ipcAttrs := kernel.PageAttrs{Readable: true, Writable: true, Cacheable: true}
	ipcRes, ierr := b.mapper.MapPages(self, 1, ipcAttrs, nil)
	if ierr != nil {
		return fail(ierr, "map IPC buffer")
	}
	b.mappedRanges = append(b.mappedRanges, sharedMapping{res: ipcRes, owner: b.childVSpace})
	rollback = append(rollback, func() { _ = b.mapper.Unmap(self, ipcRes) })

	tcbUntyped, uerr := untyped.PickUntyped(10)
	if uerr != nil {
		return fail(uerr, "pick untyped for TCB")
	}
	b.tcb, err = rootCap.AllocObject(self, tcbUntyped, 10, kernel.ObjTCB)
	if err != nil {
		return fail(err, "allocate main thread control block")
	}
	rollback = append(rollback, func() { _ = kern.Delete(b.tcb) })

	if err = kern.Configure(b.tcb, b.faultSink, b.capTable, b.pageDir); err != nil {
		return fail(err, "configure main thread control block")
	}
	if err = kern.SetPriority(b.tcb, cfg.Priority); err != nil {
		return fail(err, "set main thread priority")
	}
	if err = kern.SetAffinity(b.tcb, cfg.CPUAffinity); err != nil {
		return fail(err, "set main thread affinity")
	}
	_ = kern.DebugName(b.tcb, name) // best-effort per spec.md §6

	// Step 6: fixed slot layout and nextFreeSlot. The well-known slots are
	// only skipped over here; nothing is copied into them.
	b.nextFreeSlot = childSlotFirstFree

	// Step 7: pending handoff record.
	b.record = handoff.New(name, cfg.CNodeSizeBits, b.stackTop, uint32(cfg.StackPages))

	// Child-side capability allocator over its own cap table + untyped
	// pool, wrapped the same way the root's is (spec.md §4.2 applies
	// symmetrically once the child is running; this module only needs it
	// to track allocations made on the child's behalf before handoff).
	b.childAlloc = lockwrap.NewCapAllocator(newChildRawAllocator(kern, b.capTable, &b.nextFreeSlot))

	klog.V(3).InfoS("process builder created", "name", name, "capTable", b.capTable, "pageDir", b.pageDir)
	return b, nil
}

// AllocChildSlot implements connobj.TargetProcess: monotonic slot
// allocation within the child's capability table (spec.md §4.5's tie-break
// "strictly monotonic; slots are never reused").
func (b *Builder) AllocChildSlot() (kernel.Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Init {
		return kernel.NoSlot, coeerr.Wrap(coeerr.ErrInvalidState, "configure* called outside Init")
	}
	if uint64(b.nextFreeSlot) >= uint64(1)<<b.cfg.CNodeSizeBits {
		return kernel.NoSlot, coeerr.Wrap(coeerr.ErrResourceExhausted, "child capability table is full")
	}
	slot := kernel.Slot(b.nextFreeSlot)
	b.nextFreeSlot++
	return slot, nil
}

func (b *Builder) RecordEndpoint(name string, slot kernel.Slot, perms connobj.Perms) error {
	b.record.PrependEndpoint(name, uint32(slot))
	return nil
}

func (b *Builder) RecordNotification(name string, slot kernel.Slot, perms connobj.Perms) error {
	b.record.PrependNotification(name, uint32(slot))
	return nil
}

func (b *Builder) RecordShmem(name string, addr uint64, lengthBytes uint64, perms connobj.Perms) error {
	b.record.PrependShmem(name, addr, lengthBytes)
	return nil
}

func (b *Builder) AddSharedObject(release func()) {
	b.sharedObjects = append(b.sharedObjects, release)
}

// MapSharedFrames implements connobj.TargetProcess: maps frames (already
// copied into this process's capability table by connobj.Connect) into
// this process's own address space via the builder's mapper, and tracks
// the resulting reservation in mappedRanges so Destroy tears it down.
func (b *Builder) MapSharedFrames(self *threadlocal.Thread, frames []kernel.Slot, attrs kernel.PageAttrs) (uint64, error) {
	res, err := b.mapper.MapPages(self, len(frames), attrs, frames)
	if err != nil {
		return 0, err
	}
	b.mappedRanges = append(b.mappedRanges, sharedMapping{res: res, owner: b.childVSpace})
	return res.Base, nil
}

// ConfigureDevice records a deviceRegions entry for a device memory region
// (virtual address equal to physAddr, 4 KiB pages). It does not copy or map
// any frames into the child.
func (b *Builder) ConfigureDevice(self *threadlocal.Thread, name string, physAddr uint64, numPages int, attrs kernel.PageAttrs, caps []uint64) error {
	lock := libprocessLock()
	if err := lock.Lock(self); err != nil {
		return err
	}
	defer lock.Unlock(self)

	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	if st != Init {
		return coeerr.Wrap(coeerr.ErrInvalidState, "configureDevice called outside Init")
	}

	virtAddr := physAddr // identity-mapped for device regions in this rendering
	b.record.PrependDevice(name, virtAddr, physAddr, 12, uint32(numPages), caps)
	return nil
}

// ConfigureIRQ attaches an interrupt line, recording an irqLines entry.
func (b *Builder) ConfigureIRQ(self *threadlocal.Thread, name string, irqSlot, epSlot, number uint32) error {
	lock := libprocessLock()
	if err := lock.Lock(self); err != nil {
		return err
	}
	defer lock.Unlock(self)

	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	if st != Init {
		return coeerr.Wrap(coeerr.ErrInvalidState, "configureIRQ called outside Init")
	}
	b.record.PrependIRQ(name, irqSlot, epSlot, number)
	return nil
}

// ConfigureUntyped mints a region from the root's pool into the child and
// records it in the untypeds sequence.
func (b *Builder) ConfigureUntyped(self *threadlocal.Thread, region kernel.UntypedRegion) error {
	lock := libprocessLock()
	if err := lock.Lock(self); err != nil {
		return err
	}
	defer lock.Unlock(self)

	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	if st != Init {
		return coeerr.Wrap(coeerr.ErrInvalidState, "configureUntyped called outside Init")
	}

	destSlot, err := b.AllocChildSlot()
	if err != nil {
		return err
	}
	if err := b.kern.Copy(region.Slot, kernel.Rights{Read: true, Write: true, Grant: true}, destSlot); err != nil {
		return coeerr.Wrap(coeerr.ErrCapCopyFailed, "copy untyped into child")
	}
	phys := uint64(0)
	if region.PhysAddr != nil {
		phys = *region.PhysAddr
	}
	b.record.AddUntyped(uint32(destSlot), uint32(region.SizeBits), phys)
	b.grantedUntyped = append(b.grantedUntyped, destSlot)
	return nil
}

// Connect wires a connection object into this process via mgr, recording
// the attachment in the pending handoff record (spec.md §4.5's configure*
// "endpoint/notification/shmem via connect").
func (b *Builder) Connect(self *threadlocal.Thread, mgr *connobj.Manager, obj *connobj.Obj, perms connobj.Perms, badge *uint64) (connobj.Result, error) {
	lock := libprocessLock()
	if err := lock.Lock(self); err != nil {
		return connobj.Result{}, err
	}
	defer lock.Unlock(self)

	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	if st != Init {
		return connobj.Result{}, coeerr.Wrap(coeerr.ErrInvalidState, "connect called outside Init")
	}
	return mgr.Connect(self, b, obj, perms, badge)
}

// Run implements spec.md §4.5's run: serializes the handoff record, maps
// fresh read-only frames sized for it into the child's address space,
// computes environment strings, assembles the initial stack frame, writes
// registers, and resumes the main thread. The serialized bytes are not
// written into those frames, and nothing is mapped into the root.
func (b *Builder) Run(self *threadlocal.Thread, argv []string) (err error) {
	lock := libprocessLock()
	if lerr := lock.Lock(self); lerr != nil {
		return lerr
	}
	defer lock.Unlock(self)

	b.mu.Lock()
	if b.state != Init {
		b.mu.Unlock()
		return coeerr.Wrap(coeerr.ErrInvalidState, "run called outside Init")
	}
	b.mu.Unlock()

	b.record.CNodeNextFree = b.nextFreeSlot

	// Step 1: serialize, round up to page granularity.
	payload, merr := handoff.Marshal(b.record)
	if merr != nil {
		return coeerr.Wrap(merr, "marshal handoff record")
	}
	const pageSize = 4096
	numPages := (len(payload) + pageSize - 1) / pageSize
	if numPages == 0 {
		numPages = 1
	}

	// Step 2: allocate frames for the payload and map them into the child
	// only. The payload bytes are not copied into the frames, and the root
	// gets no mapping of them.
	frames := make([]kernel.Slot, numPages)
	frameAlloc := &rawFrameAlloc{capAlloc: b.rootCap, untyped: b.untyped, sizeBits: 4}
	for i := range frames {
		f, ferr := frameAlloc.AllocFrame(self)
		if ferr != nil {
			return coeerr.Wrap(ferr, "allocate handoff frame")
		}
		frames[i] = f
	}
	attrs := kernel.PageAttrs{Readable: true, Writable: false, Cacheable: true}
	childRes, herr := b.mapper.MapPages(self, numPages, attrs, frames)
	if herr != nil {
		return coeerr.Wrap(herr, "map handoff window into child")
	}

	// Step 4: environment strings.
	heapAddr, heapSize := b.heapRes.Base, uint64(b.heapRes.NumPages)*pageSize
	env := []string{
		hexEnv("HEAP_ADDR", heapAddr),
		decEnv("HEAP_SIZE", heapSize),
		hexEnv("INIT_DATA_ADDR", childRes.Base),
		decEnv("INIT_DATA_SIZE", uint64(len(payload))),
	}

	// Step 5: initial stack frame.
	frame := assembleInitialStack(b.stackTop, argv, env, b.phdrCopy, b.sysCallInfoAddr)

	// Step 6: registers.
	regs := kernel.Registers{PC: b.entryPoint, SP: frame.stackPointer}

	// Step 7: write registers and resume.
	if err = b.kern.WriteRegisters(b.tcb, regs, true); err != nil {
		return coeerr.Wrap(err, "write main thread registers")
	}

	b.mu.Lock()
	b.state = Running
	b.mu.Unlock()
	klog.V(2).InfoS("process resumed", "name", b.name, "entry", b.entryPoint, "sp", frame.stackPointer)
	return nil
}

func hexEnv(key string, v uint64) string { return key + "=" + formatHex(v) }
func decEnv(key string, v uint64) string { return key + "=" + formatDec(v) }

// Destroy implements spec.md §4.5's destroy: tears down the main thread,
// the child capability table, the child address space, notifications and
// fault sink, walks sharedObjects decrementing referent refCounts, revokes
// granted untypeds, and transitions to Destroyed. Idempotent.
func (b *Builder) Destroy(self *threadlocal.Thread) error {
	lock := libprocessLock()
	if err := lock.Lock(self); err != nil {
		return err
	}
	defer lock.Unlock(self)

	b.mu.Lock()
	if b.state == Destroyed {
		b.mu.Unlock()
		return coeerr.ErrAlreadyDestroyed
	}
	b.state = Destroyed
	b.mu.Unlock()

	_ = b.kern.Revoke(b.tcb)
	_ = b.kern.Delete(b.tcb)
	_ = b.mapper.Unmap(self, b.stackRes)
	if b.heapRes.NumPages > 0 {
		_ = b.mapper.Unmap(self, b.heapRes)
	}
	for _, m := range b.mappedRanges {
		_ = m.owner.Unmap(self, m.res)
	}

	for slot := kernel.Slot(0); slot < kernel.Slot(1)<<b.cfg.CNodeSizeBits; slot++ {
		_ = b.kern.Revoke(slot)
		_ = b.kern.Delete(slot)
	}

	for _, notif := range []kernel.Slot{b.asLockNotif, b.capLockNotif, b.initLockNotif, b.syncNotif} {
		_ = b.kern.Delete(notif)
	}
	if b.ownsFault {
		_ = b.kern.Delete(b.faultSink)
	}
	_ = b.kern.Delete(b.pageDir)
	_ = b.kern.Delete(b.capTable)

	for _, release := range b.sharedObjects {
		release()
	}

	for _, u := range b.grantedUntyped {
		_ = b.kern.Revoke(u)
		_ = b.kern.Delete(u)
	}

	_ = b.childVSpace.Destroy()
	_ = b.childAlloc.Destroy()

	klog.V(2).InfoS("process destroyed", "name", b.name)
	return nil
}

// State reports the current lifecycle phase.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the process's registration name.
func (b *Builder) Name() string { return b.name }

// NextFreeSlot reports the monotonic slot counter, for tests asserting
// spec.md §8's monotonic-slot-allocator invariant.
func (b *Builder) NextFreeSlot() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextFreeSlot
}
