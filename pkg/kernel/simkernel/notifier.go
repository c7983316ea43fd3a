package simkernel

// ChanNotifier is a channel-backed threadlocal.NotifySlot, used by tests and
// the demo binaries in place of a real per-thread kernel notification
// capability (spec.md §3's "sync notification").
type ChanNotifier struct {
	ch chan struct{}
}

// NewChanNotifier creates a ready-to-use notifier with a single-slot buffer,
// matching the coalescing semantics of a kernel notification object (a
// pending signal is not lost, but repeated signals before a wait don't
// queue).
func NewChanNotifier() *ChanNotifier {
	return &ChanNotifier{ch: make(chan struct{}, 1)}
}

func (n *ChanNotifier) Wait() { <-n.ch }

func (n *ChanNotifier) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}
