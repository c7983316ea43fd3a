package syncprim_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel/simkernel"
	"github.com/capkit/coeruntime/pkg/syncprim"
	"github.com/capkit/coeruntime/pkg/syncprim/threadlocal"
)

func newThread() *threadlocal.Thread {
	return threadlocal.Register(simkernel.NewChanNotifier())
}

func TestUserSpinMutualExclusion(t *testing.T) {
	m := syncprim.NewUserSpin()
	var counter int
	var wg sync.WaitGroup
	const n = 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Lock(nil))
			counter++
			require.NoError(t, m.Unlock(nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestUserSpinUnlockWithoutLockFails(t *testing.T) {
	m := syncprim.NewUserSpin()
	err := m.Unlock(nil)
	assert.ErrorIs(t, err, coeerr.ErrInvalidState)
}

func TestUserSpinRecursiveInvariant(t *testing.T) {
	m := syncprim.NewUserSpinRecursive()
	self := newThread()

	require.NoError(t, m.Lock(self))
	assert.Equal(t, int32(1), m.HeldCount())
	assert.Equal(t, self.ID(), m.HolderID())

	require.NoError(t, m.Lock(self)) // reentrant
	assert.Equal(t, int32(2), m.HeldCount())

	require.NoError(t, m.Unlock(self))
	assert.Equal(t, int32(1), m.HeldCount())
	assert.Equal(t, self.ID(), m.HolderID())

	require.NoError(t, m.Unlock(self))
	assert.Equal(t, int32(0), m.HeldCount())
	assert.Equal(t, uint64(0), m.HolderID())
}

func TestUserSpinRecursiveUnlockByNonHolder(t *testing.T) {
	m := syncprim.NewUserSpinRecursive()
	owner := newThread()
	other := newThread()

	require.NoError(t, m.Lock(owner))
	err := m.Unlock(other)
	assert.ErrorIs(t, err, coeerr.ErrNotHolder)
}

type fakeKernelMutex struct {
	mu sync.Mutex
}

func (f *fakeKernelMutex) Lock()          { f.mu.Lock() }
func (f *fakeKernelMutex) Unlock()        { f.mu.Unlock() }
func (f *fakeKernelMutex) Destroy() error { return nil }

func TestKernelNotifRecursive(t *testing.T) {
	m, err := syncprim.CreateKernelNotif(true, func() (syncprim.KernelMutex, error) {
		return &fakeKernelMutex{}, nil
	})
	require.NoError(t, err)
	self := newThread()

	require.NoError(t, m.Lock(self))
	require.NoError(t, m.Lock(self))
	require.NoError(t, m.Unlock(self))
	require.NoError(t, m.Unlock(self))

	require.NoError(t, m.Destroy())
}

func TestAttachKernelNotifDoesNotDestroyBorrowedLock(t *testing.T) {
	destroyed := false
	inner := &trackingKernelMutex{onDestroy: func() { destroyed = true }}
	m := syncprim.AttachKernelNotif(false, inner)
	require.NoError(t, m.Destroy())
	assert.False(t, destroyed)
}

type trackingKernelMutex struct {
	mu        sync.Mutex
	onDestroy func()
}

func (t *trackingKernelMutex) Lock()   { t.mu.Lock() }
func (t *trackingKernelMutex) Unlock() { t.mu.Unlock() }
func (t *trackingKernelMutex) Destroy() error {
	t.onDestroy()
	return nil
}
