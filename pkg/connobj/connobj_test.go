package connobj_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capkit/coeruntime/pkg/addrspace"
	"github.com/capkit/coeruntime/pkg/connobj"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/kernel/simkernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

func newThread() *threadlocal.Thread {
	return threadlocal.Register(simkernel.NewChanNotifier())
}

func newManager(t *testing.T) (*connobj.Manager, *simkernel.Kernel, *simkernel.Allocator, kernel.Slot) {
	t.Helper()
	k := simkernel.New()
	u, err := k.AllocUntyped(16)
	require.NoError(t, err)
	alloc := simkernel.NewAllocator(k)
	require.NoError(t, alloc.ContributeUntyped(u))

	vs, err := simkernel.NewVSpace(k, u.Slot, 0x20000000)
	require.NoError(t, err)
	wrappedVS := lockwrap.NewVSpace(vs)
	frameAlloc := &testFrameAlloc{k: k, untypedSlot: u.Slot}
	mapper := addrspace.NewMapper(wrappedVS, k, frameAlloc, true)
	mgr := connobj.NewManager(k, mapper)
	return mgr, k, alloc, u.Slot
}

type testFrameAlloc struct {
	k           *simkernel.Kernel
	untypedSlot kernel.Slot
}

func (f *testFrameAlloc) AllocFrame(self *threadlocal.Thread) (kernel.Slot, error) {
	dest := f.k.AllocSlot()
	if err := f.k.Retype(f.untypedSlot, 12, kernel.ObjFrame, dest); err != nil {
		return kernel.NoSlot, err
	}
	return dest, nil
}

type fakeTarget struct {
	next         uint32
	endpoints    []string
	shared       []func()
	shmemAddr    uint64
	shmemLength  uint64
	mappedFrames int
}

func (f *fakeTarget) AllocChildSlot() (kernel.Slot, error) {
	f.next++
	return kernel.Slot(f.next), nil
}
func (f *fakeTarget) RecordEndpoint(name string, slot kernel.Slot, perms connobj.Perms) error {
	f.endpoints = append(f.endpoints, name)
	return nil
}
func (f *fakeTarget) RecordNotification(name string, slot kernel.Slot, perms connobj.Perms) error {
	return nil
}
func (f *fakeTarget) RecordShmem(name string, addr uint64, lengthBytes uint64, perms connobj.Perms) error {
	f.shmemAddr, f.shmemLength = addr, lengthBytes
	return nil
}
func (f *fakeTarget) AddSharedObject(release func()) {
	f.shared = append(f.shared, release)
}
func (f *fakeTarget) MapSharedFrames(self *threadlocal.Thread, frames []kernel.Slot, attrs kernel.PageAttrs) (uint64, error) {
	f.mappedFrames = len(frames)
	// Simulate a distinct target-side address space: any nonzero,
	// frame-count-dependent base distinguishes this from the
	// never-mapped placeholder (addr == 0) the regression covers.
	return 0x50000000 + uint64(len(frames))*0x1000, nil
}

func TestCreateConnectEndpointRefCount(t *testing.T) {
	mgr, k, alloc, untypedSlot := newManager(t)
	self := newThread()

	obj, err := mgr.Create(self, connobj.Endpoint, "svc", connobj.Attrs{}, func(objType kernel.ObjectType) (kernel.Slot, error) {
		return alloc.AllocObject(untypedSlot, 4, objType)
	}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, obj.RefCount())

	target := &fakeTarget{}
	_, err = mgr.Connect(self, target, obj, connobj.Perms{Read: true, Write: true}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, obj.RefCount())
	require.Contains(t, target.endpoints, "svc")

	// Free fails while refCount > 0.
	err = mgr.Free(self, obj)
	require.Error(t, err)

	// Destroy analog: walk target.shared, release.
	for _, release := range target.shared {
		release()
	}
	require.EqualValues(t, 0, obj.RefCount())
	require.NoError(t, mgr.Free(self, obj))
	_ = k
}

func TestShmemSelfMapIdempotence(t *testing.T) {
	mgr, _, alloc, untypedSlot := newManager(t)
	self := newThread()

	obj, err := mgr.Create(self, connobj.Shmem, "ring", connobj.Attrs{NumPages: 2}, nil, func() (kernel.Slot, error) {
		return alloc.AllocObject(untypedSlot, 12, kernel.ObjFrame)
	})
	require.NoError(t, err)

	res1, err := mgr.Connect(self, nil, obj, connobj.Perms{Read: true, Write: true}, nil)
	require.NoError(t, err)
	require.NotZero(t, res1.Addr)

	// Second self-connect before freeing must conflict (spec.md §8's
	// self-mapping-idempotence property).
	_, err = mgr.Connect(self, nil, obj, connobj.Perms{Read: true, Write: true}, nil)
	require.Error(t, err)
}

func TestShmemConnectToOtherMapsIntoTarget(t *testing.T) {
	mgr, _, alloc, untypedSlot := newManager(t)
	self := newThread()

	obj, err := mgr.Create(self, connobj.Shmem, "ring", connobj.Attrs{NumPages: 2}, nil, func() (kernel.Slot, error) {
		return alloc.AllocObject(untypedSlot, 12, kernel.ObjFrame)
	})
	require.NoError(t, err)

	target := &fakeTarget{}
	result, err := mgr.Connect(self, target, obj, connobj.Perms{Read: true, Write: true}, nil)
	require.NoError(t, err)

	// The target's address space actually received the mapping, and the
	// real resulting address (not a 0 placeholder) is what gets recorded.
	require.Equal(t, 2, target.mappedFrames)
	require.NotZero(t, result.Addr)
	require.Equal(t, result.Addr, target.shmemAddr)
	require.EqualValues(t, 2*4096, target.shmemLength)
	require.EqualValues(t, 1, obj.RefCount())
}

func TestBadgedMint(t *testing.T) {
	mgr, _, alloc, untypedSlot := newManager(t)
	self := newThread()

	obj, err := mgr.Create(self, connobj.Endpoint, "badged", connobj.Attrs{}, func(objType kernel.ObjectType) (kernel.Slot, error) {
		return alloc.AllocObject(untypedSlot, 4, objType)
	}, nil)
	require.NoError(t, err)

	target := &fakeTarget{}
	badge := uint64(42)
	result, err := mgr.Connect(self, target, obj, connobj.Perms{Read: true}, &badge)
	require.NoError(t, err)
	require.NotZero(t, result.Slot)
}
