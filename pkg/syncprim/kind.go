// Package syncprim implements the four mutex flavors and the condition
// variable described in spec.md §3/§4.1, grounded on original_source's
// libs/libsync/src/sync.c and libs/libthread/src/{mutex,conditional}.c.
//
// Go has no user-visible thread id and no architecture-register-backed
// per-thread storage, so every API in this package takes an explicit
// *threadlocal.Thread identifying the calling logical thread (see
// pkg/syncprim/threadlocal and spec.md §9's note on thread_get_id()).
package syncprim

import "k8s.io/apimachinery/pkg/util/wait"

// Kind selects one of the four lock flavors of spec.md §3.
type Kind int

const (
	// UserSpin is a pure userspace spinlock: CAS 0->1, retry with bounded
	// spin then yield, then sleep.
	UserSpin Kind = iota
	// UserSpinRecursive adds a (holder, heldCount) pair on top of UserSpin.
	UserSpinRecursive
	// KernelNotif delegates to a kernel notification object.
	KernelNotif
	// KernelNotifRecursive is KernelNotif plus holder/heldCount bookkeeping.
	KernelNotifRecursive
)

// spinBackoff is the bounded spin-then-yield-then-sleep policy of spec.md
// §4.1 ("retry with bounded spin then yield to the scheduler; after a
// threshold, sleep briefly"), rendered with apimachinery's wait.Backoff
// instead of the teacher's hand counter.
func spinBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 0,
		Factor:   1.0,
		Steps:    100, // bounded spin/yield budget before sleeping
		Jitter:   0.1,
	}
}
