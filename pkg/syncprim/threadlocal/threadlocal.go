// Package threadlocal stands in for the architecture-register-backed
// per-thread storage described in spec.md §5 ("the library stores a small
// per-thread record ... in architecture-specific thread-pointer registers").
// A hosted Go program cannot read TPIDR_EL0 or coprocessor-13 for its own
// goroutines, and goroutines migrate across OS threads, so callers that need
// a stable identity (recursive-lock holder checks, condition-variable wait
// tokens) must carry an explicit *Thread handle instead of relying on
// ambient state. This also resolves the spec.md §9 "thread_get_id() returns
// 0 unconditionally" bug by construction: every Thread gets a distinct,
// monotonically increasing id at Register time.
package threadlocal

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var nextID uint64

// Thread is the per-logical-thread record: a monotonic identity used by the
// recursive mutex kinds, and a notification slot used by condition-variable
// waits (spec.md §3's "sync notification").
type Thread struct {
	id           uint64
	osTID        int
	syncNotifier NotifySlot
}

// NotifySlot is the per-thread wait primitive a condition variable signals.
// Production callers back it with a kernel notification capability slot
// (spec.md §6's "Per-thread sync notification"); tests back it with a
// channel-based implementation (see pkg/kernel/simkernel).
type NotifySlot interface {
	Wait()
	Signal()
}

// Register allocates a new Thread identity. It is called once per logical
// thread of execution (once per goroutine that will touch a recursive lock
// or condition variable), analogous to the coe_apps thread library
// assigning a thread id at TCB creation time.
func Register(notifier NotifySlot) *Thread {
	return &Thread{
		id:           atomic.AddUint64(&nextID, 1),
		osTID:        gettid(),
		syncNotifier: notifier,
	}
}

// ID returns the monotonically increasing thread identity used to key
// recursive-lock ownership. It is never 0, unlike the reference
// thread_get_id() named as buggy in spec.md §9.
func (t *Thread) ID() uint64 { return t.id }

// OSThreadID returns the OS thread id recorded at Register, for
// diagnostics; it has no bearing on lock-ownership semantics.
func (t *Thread) OSThreadID() int { return t.osTID }

// SyncNotifier returns the per-thread notification slot used by condition
// variable waits.
func (t *Thread) SyncNotifier() NotifySlot { return t.syncNotifier }

func gettid() int {
	return unix.Gettid()
}
