package process

import (
	"runtime"
	"sync/atomic"

	"github.com/capkit/coeruntime/pkg/syncprim"
)

// libLockState implements spec.md §5's sentinel-based lazy initialization
// for the single library-level recursive mutex guarding every builder's
// state across every API entry: 0 = uninitialized, -1 = a goroutine is
// initializing, 1 = ready. Racers spin-yield until they observe 1.
var libLockState atomic.Int32
var libLock *syncprim.Mutex

// libprocessLock returns the single process-library-wide recursive mutex
// (spec.md §5's libprocessLock), creating it exactly once.
func libprocessLock() *syncprim.Mutex {
	for {
		switch libLockState.Load() {
		case 1:
			return libLock
		case 0:
			if libLockState.CompareAndSwap(0, -1) {
				libLock = syncprim.NewUserSpinRecursive()
				libLockState.Store(1)
				return libLock
			}
		}
		runtime.Gosched()
	}
}
