package process_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capkit/coeruntime/pkg/addrspace"
	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/kernel/simkernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
	"github.com/capkit/coeruntime/pkg/process"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

type fakeImage struct{}

func (fakeImage) Load(self *threadlocal.Thread, mapper *addrspace.Mapper) (uint64, []byte, uint64, error) {
	return 0x400000, []byte{0x7f, 0x45, 0x4c, 0x46}, 0x401000, nil
}

func newRoot(t *testing.T) (*simkernel.Kernel, *lockwrap.CapAllocator, *simkernel.Allocator) {
	t.Helper()
	k := simkernel.New()
	u, err := k.AllocUntyped(20)
	require.NoError(t, err)
	raw := simkernel.NewAllocator(k)
	require.NoError(t, raw.ContributeUntyped(u))
	return k, lockwrap.NewCapAllocator(raw), raw
}

func newThread() *threadlocal.Thread {
	return threadlocal.Register(simkernel.NewChanNotifier())
}

func TestCreateRunDestroyLifecycle(t *testing.T) {
	k, capAlloc, raw := newRoot(t)
	self := newThread()

	cfg := process.Config{
		CNodeSizeBits:    6,
		StackPages:       2,
		HeapPages:        2,
		Priority:         10,
		CPUAffinity:      0,
		AllocFaultSink:   true,
		ExecNeverSupport: true,
	}

	b, err := process.Create(self, k, raw, capAlloc, fakeImage{}, "worker-0", cfg)
	require.NoError(t, err)
	require.Equal(t, process.Init, b.State())

	require.NoError(t, b.Run(self, []string{"worker-0"}))
	require.Equal(t, process.Running, b.State())

	require.NoError(t, b.Destroy(self))
	require.Equal(t, process.Destroyed, b.State())

	// Idempotent destroy.
	err = b.Destroy(self)
	require.ErrorIs(t, err, coeerr.ErrAlreadyDestroyed)
}

func TestConfigureOutsideInitFails(t *testing.T) {
	k, capAlloc, raw := newRoot(t)
	self := newThread()

	cfg := process.Config{CNodeSizeBits: 6, StackPages: 1, HeapPages: 0, AllocFaultSink: false}
	b, err := process.Create(self, k, raw, capAlloc, fakeImage{}, "worker-1", cfg)
	require.NoError(t, err)
	require.NoError(t, b.Run(self, nil))

	err = b.ConfigureIRQ(self, "uart0", 1, 2, 33)
	require.ErrorIs(t, err, coeerr.ErrInvalidState)
}

func TestNextFreeSlotMonotonic(t *testing.T) {
	k, capAlloc, raw := newRoot(t)
	self := newThread()

	cfg := process.Config{CNodeSizeBits: 6, StackPages: 1, HeapPages: 0, AllocFaultSink: false}
	b, err := process.Create(self, k, raw, capAlloc, fakeImage{}, "worker-2", cfg)
	require.NoError(t, err)

	before := b.NextFreeSlot()
	_, err = b.AllocChildSlot()
	require.NoError(t, err)
	after := b.NextFreeSlot()
	require.Greater(t, after, before)

	_ = kernel.NoSlot
}

func TestAllocChildSlotFailsWhenCNodeFull(t *testing.T) {
	k, capAlloc, raw := newRoot(t)
	self := newThread()

	// 1<<3 == 8 == childSlotFirstFree: the fixed slots alone fill the
	// table, leaving no room for a single additional connect.
	cfg := process.Config{CNodeSizeBits: 3, StackPages: 1, HeapPages: 0, AllocFaultSink: false}
	b, err := process.Create(self, k, raw, capAlloc, fakeImage{}, "worker-3", cfg)
	require.NoError(t, err)

	before := b.NextFreeSlot()
	_, err = b.AllocChildSlot()
	require.ErrorIs(t, err, coeerr.ErrResourceExhausted)
	require.Equal(t, before, b.NextFreeSlot())
}
