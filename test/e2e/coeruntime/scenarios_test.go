package coeruntime_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capkit/coeruntime/pkg/addrspace"
	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/connobj"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/kernel/simkernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
	"github.com/capkit/coeruntime/pkg/process"
	"github.com/capkit/coeruntime/pkg/syncprim"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

func newThread() *threadlocal.Thread {
	return threadlocal.Register(simkernel.NewChanNotifier())
}

type e2eFrameAlloc struct {
	k       *simkernel.Kernel
	untyped kernel.Slot
}

func (f *e2eFrameAlloc) AllocFrame(self *threadlocal.Thread) (kernel.Slot, error) {
	dest := f.k.AllocSlot()
	if err := f.k.Retype(f.untyped, 12, kernel.ObjFrame, dest); err != nil {
		return kernel.NoSlot, err
	}
	return dest, nil
}

type e2eImage struct{}

func (e2eImage) Load(self *threadlocal.Thread, mapper *addrspace.Mapper) (uint64, []byte, uint64, error) {
	return 0x400000, []byte{1, 2, 3, 4}, 0x401000, nil
}

var _ = Describe("badged endpoint send/receive", func() {
	It("delivers badge and payload to the receiver", func() {
		k := simkernel.New()
		u, err := k.AllocUntyped(16)
		Expect(err).NotTo(HaveOccurred())
		alloc := simkernel.NewAllocator(k)
		Expect(alloc.ContributeUntyped(u)).To(Succeed())
		self := newThread()

		ep, err := alloc.AllocObject(u.Slot, 4, kernel.ObjEndpoint)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan struct{})
		go func() {
			defer close(done)
			payload, badge, rerr := k.Recv(ep)
			Expect(rerr).NotTo(HaveOccurred())
			Expect(payload).To(BeEquivalentTo(99))
			Expect(badge).To(BeEquivalentTo(7))
		}()

		Expect(k.Send(ep, 7, 99)).To(Succeed())
		Eventually(done).Should(BeClosed())
		_ = self
	})
})

var _ = Describe("shared memory round trip", func() {
	It("self-maps a shmem object exactly once", func() {
		k := simkernel.New()
		u, err := k.AllocUntyped(20)
		Expect(err).NotTo(HaveOccurred())
		alloc := simkernel.NewAllocator(k)
		Expect(alloc.ContributeUntyped(u)).To(Succeed())

		vs, err := simkernel.NewVSpace(k, u.Slot, 0x30000000)
		Expect(err).NotTo(HaveOccurred())
		wrappedVS := lockwrap.NewVSpace(vs)
		mapper := addrspace.NewMapper(wrappedVS, k, &e2eFrameAlloc{k: k, untyped: u.Slot}, true)
		mgr := connobj.NewManager(k, mapper)
		self := newThread()

		obj, err := mgr.Create(self, connobj.Shmem, "ring", connobj.Attrs{NumPages: 2}, nil, func() (kernel.Slot, error) {
			return alloc.AllocObject(u.Slot, 12, kernel.ObjFrame)
		})
		Expect(err).NotTo(HaveOccurred())

		res, err := mgr.Connect(self, nil, obj, connobj.Perms{Read: true, Write: true}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Addr).NotTo(BeZero())

		_, err = mgr.Connect(self, nil, obj, connobj.Perms{Read: true, Write: true}, nil)
		Expect(err).To(MatchError(coeerr.ErrConflict))
	})

	It("maps a shmem object into a non-self child's own address space", func() {
		k := simkernel.New()
		u, err := k.AllocUntyped(20)
		Expect(err).NotTo(HaveOccurred())
		alloc := simkernel.NewAllocator(k)
		Expect(alloc.ContributeUntyped(u)).To(Succeed())

		vs, err := simkernel.NewVSpace(k, u.Slot, 0x33000000)
		Expect(err).NotTo(HaveOccurred())
		mapper := addrspace.NewMapper(lockwrap.NewVSpace(vs), k, &e2eFrameAlloc{k: k, untyped: u.Slot}, true)
		mgr := connobj.NewManager(k, mapper)
		self := newThread()

		obj, err := mgr.Create(self, connobj.Shmem, "ring", connobj.Attrs{NumPages: 2}, nil, func() (kernel.Slot, error) {
			return alloc.AllocObject(u.Slot, 12, kernel.ObjFrame)
		})
		Expect(err).NotTo(HaveOccurred())

		capAlloc := lockwrap.NewCapAllocator(alloc)
		cfg := process.Config{CNodeSizeBits: 6, StackPages: 1, HeapPages: 0, AllocFaultSink: false}
		child, err := process.Create(self, k, alloc, capAlloc, e2eImage{}, "e2e-shmem-child", cfg)
		Expect(err).NotTo(HaveOccurred())

		before := child.NextFreeSlot()
		result, err := child.Connect(self, mgr, obj, connobj.Perms{Read: true, Write: true}, nil)
		Expect(err).NotTo(HaveOccurred())

		// A real mapping into the child's own address space, not the
		// addr == 0 placeholder a pure capability-copy would leave behind.
		Expect(result.Addr).NotTo(BeZero())
		// Two child capability slots were consumed, one per shared frame
		// capability copied into the child's capability table.
		Expect(child.NextFreeSlot()).To(Equal(before + 2))
	})
})

var _ = Describe("lock refcount conservation", func() {
	It("conserves refCount across connect and destroy", func() {
		k := simkernel.New()
		u, err := k.AllocUntyped(16)
		Expect(err).NotTo(HaveOccurred())
		alloc := simkernel.NewAllocator(k)
		Expect(alloc.ContributeUntyped(u)).To(Succeed())
		vs, err := simkernel.NewVSpace(k, u.Slot, 0x31000000)
		Expect(err).NotTo(HaveOccurred())
		mapper := addrspace.NewMapper(lockwrap.NewVSpace(vs), k, &e2eFrameAlloc{k: k, untyped: u.Slot}, true)
		mgr := connobj.NewManager(k, mapper)
		self := newThread()

		capAlloc := lockwrap.NewCapAllocator(alloc)
		cfg := process.Config{CNodeSizeBits: 6, StackPages: 1, HeapPages: 0, AllocFaultSink: false}
		b, err := process.Create(self, k, alloc, capAlloc, e2eImage{}, "e2e-refcount", cfg)
		Expect(err).NotTo(HaveOccurred())

		ep, err := mgr.Create(self, connobj.Endpoint, "svc", connobj.Attrs{}, func(objType kernel.ObjectType) (kernel.Slot, error) {
			return alloc.AllocObject(u.Slot, 4, objType)
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = b.Connect(self, mgr, ep, connobj.Perms{Read: true}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.RefCount()).To(BeEquivalentTo(1))

		Expect(b.Destroy(self)).To(Succeed())
		Expect(ep.RefCount()).To(BeEquivalentTo(0))
	})
})

var _ = Describe("construction rollback", func() {
	It("leaves no partial state when image loading fails", func() {
		k := simkernel.New()
		u, err := k.AllocUntyped(16)
		Expect(err).NotTo(HaveOccurred())
		alloc := simkernel.NewAllocator(k)
		Expect(alloc.ContributeUntyped(u)).To(Succeed())
		self := newThread()
		capAlloc := lockwrap.NewCapAllocator(alloc)

		cfg := process.Config{CNodeSizeBits: 6, StackPages: 1, HeapPages: 0, AllocFaultSink: true}
		first := k.AllocSlot()
		_, err = process.Create(self, k, alloc, capAlloc, failingImage{}, "e2e-rollback", cfg)
		Expect(err).To(HaveOccurred())
		last := k.AllocSlot()

		// Every kernel object Create allocated before the failure has been
		// deleted again.
		for s := first + 1; s < last; s++ {
			_, perr := k.PhysAddr(s)
			Expect(perr).To(HaveOccurred())
		}
	})
})

type failingImage struct{}

func (failingImage) Load(self *threadlocal.Thread, mapper *addrspace.Mapper) (uint64, []byte, uint64, error) {
	return 0, nil, 0, coeerr.Wrap(coeerr.ErrInvalidArg, "simulated image load failure")
}

var _ = Describe("stack guard fault contract", func() {
	It("reserves a guard page immediately below the mapped stack", func() {
		k := simkernel.New()
		u, err := k.AllocUntyped(16)
		Expect(err).NotTo(HaveOccurred())
		vs, err := simkernel.NewVSpace(k, u.Slot, 0x32000000)
		Expect(err).NotTo(HaveOccurred())
		mapper := addrspace.NewMapper(lockwrap.NewVSpace(vs), k, &e2eFrameAlloc{k: k, untyped: u.Slot}, true)
		self := newThread()

		stackTop, res, err := mapper.MapStack(self, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(stackTop).To(Equal(res.Base + uint64(res.NumPages)*4096))
		// The guard page is unmapped by construction: res.Base sits one
		// page above the reservation's true start, and nothing maps the
		// page at res.Base-4096.
		Expect(k.Remap(vs.PageDirSlot(), res.Base-4096, kernel.PageAttrs{})).To(HaveOccurred())
		Expect(k.Remap(vs.PageDirSlot(), res.Base, kernel.PageAttrs{})).To(Succeed())
	})
})

var _ = Describe("recursive lock re-entry", func() {
	It("allows the holder to relock and requires matching unlocks", func() {
		m := syncprim.NewUserSpinRecursive()
		self := newThread()

		Expect(m.Lock(self)).To(Succeed())
		Expect(m.Lock(self)).To(Succeed())
		Expect(m.HeldCount()).To(BeEquivalentTo(2))

		Expect(m.Unlock(self)).To(Succeed())
		Expect(m.HeldCount()).To(BeEquivalentTo(1))
		Expect(m.Unlock(self)).To(Succeed())
		Expect(m.HeldCount()).To(BeEquivalentTo(0))

		other := newThread()
		Expect(m.Lock(other)).To(Succeed())
		defer m.Unlock(other)
	})
})
