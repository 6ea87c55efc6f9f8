// Package rshim holds the backend contract shared by the RShim transports.
//
// A [Backend] represents one physical BlueField device reachable over PCIe or
// USB. It carries the capability flags, the stream buffers and the two locks
// the transports rely on, and routes register and stream operations to its
// [Transport]:
//
//	v, err := b.ReadRegister(0, 0x20)
//	if errors.Is(err, pkg.ErrNoDevice) {
//	    // register bus not attached
//	}
//
// # Locks
//
// The backend mutex ([Backend.Lock]) guards capability, attach and detach
// transitions. The ring lock ([Backend.RingLock]) guards stream state: the
// in-flight flags, buffered read bookkeeping and the write-completion
// condition. Stream operations are called with the ring lock held.
//
// Asynchronous completions are not applied from the callback that observes
// them. They are posted with [Backend.PostCompletion] and processed, in
// order, by whichever goroutine holds or next releases the ring lock.
//
// # Collaborators
//
// Probe code works against three small interfaces bundled in [Env]: a
// [Registry] that owns backends by name and reference count, a [Notifier]
// receiving lifecycle and FIFO events, and an [AllowList] deciding which
// device names may attach. [NewRegistry] and [GlobAllowList] are the
// in-memory implementations used by the daemon.
package rshim
