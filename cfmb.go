package hio

import "sync"

// cfmbQueue is the confirmed-free-memory-block queue: a batch of
// release functions collected during a tick's callback dispatch and run
// only after I/O and timer dispatch for the tick has finished. It exists
// so that a device freed from inside one callback (e.g. on_disconnect
// halting its own peer) cannot be reused by a second callback still
// pending later in the same tick; the block stays "confirmed free but not
// yet released" until tick end.

type cfmbQueue struct {
	mu      sync.Mutex
	pending []func()
}

// push enqueues a release function to run at the next drain.
func (q *cfmbQueue) push(release func()) {
	if release == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, release)
	q.mu.Unlock()
}

// drain runs and clears every pending release function. Functions queued
// by a release running during drain are picked up by the same call (a
// release freeing another device is expected to re-enter push, not spawn
// new pending work for a future tick).
func (q *cfmbQueue) drain() {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, release := range batch {
			release()
		}
	}
}

// Halt marks dev to be killed: any pending writes are abandoned, the
// device's on_disconnect fires (if not already fired) and the underlying
// fd is closed, but the Device struct itself is not released until the
// CFMB queue drains at the end of the current tick. This is the normal,
// safe way to end a device's life from inside a callback.
func (l *Loop) Halt(dev *Device) {
	if dev == nil || dev.halted {
		return
	}
	dev.halted = true
	l.fireDisconnect(dev)
	dev.closeOSResources()
	l.cfmb.push(func() {
		l.finalizeDevice(dev)
	})
}

// Kill immediately finalizes dev. Only legal before the device has been
// made visible to the loop (i.e. before the first I/O dispatch that could
// reference it), since unlike Halt it does not defer release past the
// current tick.
func (l *Loop) Kill(dev *Device) {
	if dev == nil || dev.halted {
		return
	}
	dev.halted = true
	dev.closeOSResources()
	l.finalizeDevice(dev)
}
