package hio

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Loop is the single-threaded cooperative scheduler: it owns a set of
// devices, a timer heap, a service registry and the confirmed-free-
// memory-block queue, and drives them from one goroutine via Run.
type Loop struct {
	opts *loopOptions
	log  Logger

	mux multiplexer

	state *loopState

	devices map[int]*Device
	timers  timerHeap
	cfmb    cfmbQueue

	services   *serviceList
	svcCounter uint64

	tickNow Instant // cached clock read, stable within one tick

	external   chan func()
	externalMu sync.Mutex
	externalQ  []func()

	wakeR, wakeW int
	wakeBuf      [8]byte

	stopOnce sync.Once
	done     chan struct{}
	stopErr  error

	metrics Metrics
}

// Open allocates a Loop. Extension data is a plain `any` field and
// errors are returned values, so Open takes options only.
func Open(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, NewError(KindExhausted, "loop.open", err)
	}

	l := &Loop{
		opts:     cfg,
		log:      cfg.logger,
		mux:      newMultiplexer(),
		state:    newLoopState(),
		devices:  make(map[int]*Device),
		services: newServiceList(),
		wakeR:    fds[0],
		wakeW:    fds[1],
		done:     make(chan struct{}),
	}

	if err := l.mux.Init(); err != nil {
		_ = unix.Close(l.wakeR)
		_ = unix.Close(l.wakeW)
		return nil, NewError(KindExhausted, "loop.open", err)
	}
	if err := l.mux.RegisterFD(l.wakeR, EventRead, func(IOEvents) { l.drainWakePipe() }); err != nil {
		_ = l.mux.Close()
		_ = unix.Close(l.wakeR)
		_ = unix.Close(l.wakeW)
		return nil, NewError(KindExhausted, "loop.open", err)
	}

	return l, nil
}

// Now returns the loop's cached tick time as an Instant. Within a single
// callback this is stable; it only advances across tick() iterations.
func (l *Loop) Now() Instant { return l.tickNow }

// Logger returns the loop's configured Logger.
func (l *Loop) Logger() Logger { return l.log }

// Run drives the event loop until Stop is called or ctx is canceled. It
// blocks on the calling goroutine, which becomes the loop goroutine for
// the lifetime of this call.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CAS(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer close(l.done)

	l.tickNow = InstantFromTime(time.Now())

	go func() {
		select {
		case <-ctx.Done():
			l.Stop(ctx.Err())
		case <-l.done:
		}
	}()

	for {
		state := l.state.Load()
		if state == StateTerminating {
			l.drainFinal()
			l.state.Store(StateTerminated)
			return l.stopErr
		}
		if state == StateTerminated {
			return l.stopErr
		}
		l.tick()
	}
}

// tick runs one loop iteration: compute a deadline, poll, dispatch
// timers, drain the CFMB queue.
func (l *Loop) tick() {
	l.tickNow = InstantFromTime(time.Now())

	// Externally submitted work runs first: it may arm timers or enqueue
	// writes that the poll timeout below has to account for.
	l.drainExternal()

	timeoutMs := -1
	if when, ok := l.nextTimerDeadline(); ok {
		d := when.Sub(l.tickNow)
		if d < 0 {
			d = 0
		}
		timeoutMs = int(d.Milliseconds())
		if d > 0 && timeoutMs == 0 {
			timeoutMs = 1
		}
	}
	if l.hasExternalWork() {
		timeoutMs = 0
	}

	if _, err := l.mux.Poll(timeoutMs); err != nil {
		l.log.Error("loop: poll failed", "error", err)
		l.Stop(NewError(KindIO, "loop.poll", err))
	}

	l.tickNow = InstantFromTime(time.Now())
	l.runTimers(l.tickNow)

	l.cfmb.drain()
	l.metrics.ticks.Add(1)
}

// drainFinal runs a final settle pass when shutting down: stop every
// service (reverse start order), halt every remaining device, drain the
// CFMB queue.
func (l *Loop) drainFinal() {
	l.services.stopAll(l.opts.serviceStopWait)
	for _, dev := range l.snapshotDevices() {
		l.Halt(dev)
	}
	l.cfmb.drain()
}

func (l *Loop) snapshotDevices() []*Device {
	out := make([]*Device, 0, len(l.devices))
	for _, d := range l.devices {
		out = append(out, d)
	}
	return out
}

// Stop requests loop termination; Run returns once the current tick's
// drain completes. Safe to call from any goroutine (it just wakes the
// poller) or from inside a callback (it's observed on the next loop
// check).
func (l *Loop) Stop(reason error) {
	l.stopOnce.Do(func() {
		l.stopErr = reason
	})
	for {
		cur := l.state.Load()
		if cur == StateTerminating || cur == StateTerminated {
			return
		}
		if l.state.CAS(cur, StateTerminating) {
			l.wake()
			return
		}
	}
}

// Close releases loop-owned OS resources. Call after Run returns.
func (l *Loop) Close() error {
	_ = l.mux.Close()
	_ = unix.Close(l.wakeR)
	_ = unix.Close(l.wakeW)
	return nil
}

// Submit posts fn to run on the loop goroutine at the start of its next
// tick. Safe to call from any goroutine; this is the only sanctioned way
// for a worker thread or another loop's goroutine to reach into this
// loop.
func (l *Loop) Submit(fn func()) error {
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.externalMu.Lock()
	l.externalQ = append(l.externalQ, fn)
	l.externalMu.Unlock()
	l.wake()
	return nil
}

func (l *Loop) hasExternalWork() bool {
	l.externalMu.Lock()
	defer l.externalMu.Unlock()
	return len(l.externalQ) > 0
}

func (l *Loop) drainExternal() {
	l.externalMu.Lock()
	batch := l.externalQ
	l.externalQ = nil
	l.externalMu.Unlock()
	for _, fn := range batch {
		l.safeCall(fn)
	}
}

func (l *Loop) wake() {
	var one [1]byte
	_, _ = unix.Write(l.wakeW, one[:])
}

func (l *Loop) drainWakePipe() {
	for {
		n, err := unix.Read(l.wakeR, l.wakeBuf[:])
		if n <= 0 || err != nil {
			break
		}
	}
}

// safeCall runs fn with panic recovery, so a misbehaving callback cannot
// take down the whole loop goroutine.
func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop: callback panicked", "panic", r)
		}
	}()
	fn()
}

// --- device dispatch -------------------------------------------------

func (l *Loop) syncInterest(d *Device) error {
	var want IOEvents
	if d.readEnabled {
		want |= EventRead
	}
	if len(d.writeQueue) > 0 {
		want |= EventWrite
	}
	return l.mux.ModifyFD(d.fd, want)
}

func (l *Loop) deviceReadable(dev *Device) {
	if dev.State&StListening != 0 {
		return // listeners handle EventRead via their own accept callback
	}
	buf := make([]byte, 65536)
	for {
		n, src, ok, err := dev.ops.rawRead(dev, buf)
		if !ok {
			return // EAGAIN, wait for next readiness notification
		}
		if err != nil {
			l.deliverRead(dev, nil, -1, nil)
			return
		}
		if n == 0 {
			l.deliverRead(dev, nil, 0, nil)
			return
		}
		l.deliverRead(dev, buf[:n], n, src)
		if dev.halted || !dev.readEnabled {
			return
		}
	}
}

func (l *Loop) deliverRead(dev *Device, data []byte, n int, src net.Addr) {
	if dev.readTimer != nil {
		l.CancelTimer(dev.readTimer)
		dev.readTimer = nil
	}
	if n > 0 {
		l.metrics.bytesRead.Add(uint64(n))
	}
	if dev.callbacks.OnRead != nil {
		dev.callbacks.OnRead(dev, data, n, src)
	}
	if n == 0 {
		l.Halt(dev)
	}
}

func (l *Loop) deviceWritable(dev *Device) {
	if dev.State&(StConnecting|StConnectingSSL) != 0 {
		l.finishConnect(dev)
		return
	}
	for len(dev.writeQueue) > 0 {
		entry := &dev.writeQueue[0]
		n, ok, err := dev.ops.rawWrite(dev, entry)
		if !ok {
			return // EAGAIN
		}
		if entry.Timer != nil {
			l.CancelTimer(entry.Timer)
		}
		dev.pendingCount--
		if err != nil {
			l.completeWrite(dev, -1, entry.WrCtx, entry.DstAddr)
		} else {
			l.completeWrite(dev, n, entry.WrCtx, entry.DstAddr)
		}
		dev.writeQueue = dev.writeQueue[1:]
		if dev.halted {
			return
		}
	}
	_ = l.syncInterest(dev)
}

func (l *Loop) completeWrite(dev *Device, wrlen int, wrctx any, dst net.Addr) {
	if wrlen > 0 {
		l.metrics.bytesWritten.Add(uint64(wrlen))
	}
	if dev.callbacks.OnWrite != nil {
		dev.callbacks.OnWrite(dev, wrlen, wrctx, dst)
	}
}

func (l *Loop) timeoutQueuedWrite(dev *Device, job *TimerJob) {
	for i := range dev.writeQueue {
		if dev.writeQueue[i].Timer == job {
			entry := dev.writeQueue[i]
			dev.writeQueue = append(dev.writeQueue[:i], dev.writeQueue[i+1:]...)
			dev.pendingCount--
			l.completeWrite(dev, -1, entry.WrCtx, entry.DstAddr)
			return
		}
	}
}

func (l *Loop) finishConnect(dev *Device) {
	if soerr, err := unix.GetsockoptInt(dev.fd, unix.SOL_SOCKET, unix.SO_ERROR); err != nil || soerr != 0 {
		l.Halt(dev)
		return
	}
	dev.State &^= StConnecting | StConnectingSSL
	dev.State |= StConnected
	_ = l.syncInterest(dev)
	if dev.callbacks.OnConnect != nil {
		dev.callbacks.OnConnect(dev)
	}
}

func (l *Loop) fireDisconnect(dev *Device) {
	if dev.disconnectFired {
		return
	}
	dev.disconnectFired = true
	_ = l.mux.UnregisterFD(dev.fd)
	if dev.readTimer != nil {
		l.CancelTimer(dev.readTimer)
		dev.readTimer = nil
	}
	for i := range dev.writeQueue {
		if dev.writeQueue[i].Timer != nil {
			l.CancelTimer(dev.writeQueue[i].Timer)
		}
	}
	if dev.callbacks.OnDisconnect != nil {
		dev.callbacks.OnDisconnect(dev)
	}
}

func (l *Loop) finalizeDevice(dev *Device) {
	delete(l.devices, dev.fd)
	l.metrics.devicesClosed.Add(1)
}
