package syncprim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capkit/coeruntime/pkg/syncprim"
)

func TestCondFIFOWakeOrder(t *testing.T) {
	c := syncprim.NewCond()
	self := newThread()

	const n = 5
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		started := make(chan struct{})
		go func() {
			waiter := newThread()
			require.NoError(t, c.Lock(waiter))
			close(started)
			require.NoError(t, c.Wait(waiter))
			order <- i
			require.NoError(t, c.Unlock(waiter))
		}()
		// Wait releases the main lock only after enqueuing, so once this
		// goroutine can take the lock, waiter i is queued behind waiters
		// 0..i-1.
		<-started
		require.NoError(t, c.Lock(self))
		require.NoError(t, c.Unlock(self))
	}

	// Signal one waiter at a time; each must be the longest-waiting one.
	received := make([]int, 0, n)
	for i := 0; i < n; i++ {
		c.Signal()
		select {
		case v := <-order:
			received = append(received, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for signaled waiter")
		}
	}
	require.Len(t, received, n)
	require.Equal(t, []int{0, 1, 2, 3, 4}, received)
}

func TestCondBroadcastWakesAll(t *testing.T) {
	c := syncprim.NewCond()
	self := newThread()

	const n = 4
	done := make(chan struct{}, n)
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			waiter := newThread()
			require.NoError(t, c.Lock(waiter))
			started <- struct{}{}
			require.NoError(t, c.Wait(waiter))
			require.NoError(t, c.Unlock(waiter))
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	// Each waiter holds the main lock from its Lock until Wait has queued
	// it, so taking the lock here means all n waiters are queued.
	require.NoError(t, c.Lock(self))
	time.Sleep(10 * time.Millisecond)
	c.Broadcast()
	require.NoError(t, c.Unlock(self))

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("broadcast did not wake all waiters")
		}
	}
}

func TestAttachCondDestroyDoesNotFreeBorrowedLock(t *testing.T) {
	lock := syncprim.NewUserSpinRecursive()
	c := syncprim.AttachCond(lock)
	require.NoError(t, c.Destroy())
	// lock is still usable: Destroy on the Cond must not have freed it.
	self := newThread()
	require.NoError(t, lock.Lock(self))
	require.NoError(t, lock.Unlock(self))
}
