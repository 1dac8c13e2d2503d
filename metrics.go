package hio

import "sync/atomic"

// Metrics tracks low-overhead runtime counters for a Loop. All fields are
// safe to read from any goroutine; Ticks is updated once per tick from the
// loop goroutine only.
type Metrics struct {
	ticks atomic.Uint64

	devicesOpened atomic.Uint64
	devicesClosed atomic.Uint64
	timersFired   atomic.Uint64
	bytesRead     atomic.Uint64
	bytesWritten  atomic.Uint64
}

// Snapshot is a point-in-time copy of a Loop's counters.
type Snapshot struct {
	Ticks         uint64
	DevicesOpened uint64
	DevicesClosed uint64
	TimersFired   uint64
	BytesRead     uint64
	BytesWritten  uint64
	DevicesLive   int
}

// Metrics returns a snapshot of the loop's counters. Safe to call from any
// goroutine, including concurrently with Run.
func (l *Loop) Metrics() Snapshot {
	opened := l.metrics.devicesOpened.Load()
	closed := l.metrics.devicesClosed.Load()
	return Snapshot{
		Ticks:         l.metrics.ticks.Load(),
		DevicesOpened: opened,
		DevicesClosed: closed,
		TimersFired:   l.metrics.timersFired.Load(),
		BytesRead:     l.metrics.bytesRead.Load(),
		BytesWritten:  l.metrics.bytesWritten.Load(),
		DevicesLive:   int(opened - closed),
	}
}
