package hio

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// DeviceKind distinguishes the three device families the loop multiplexes.
type DeviceKind int

const (
	KindSocket DeviceKind = iota
	KindProcess
	KindThread
)

// DeviceState is a bitmask of the device's current progress/lifecycle
// state.
type DeviceState uint32

const (
	StConnecting DeviceState = 1 << iota
	StConnectingSSL
	StConnected
	StListening
	StAcceptingSSL
	StAccepted
	StLenient
	StIntercepted
)

// Callbacks is the per-device user-facing callback set. Exactly the
// callbacks a caller wires determine what the device will ever invoke;
// unset callbacks are simply not called.
type Callbacks struct {
	// OnRead is invoked for data, EOF (n == 0) and read errors/timeouts
	// (n < 0). srcAddr is only populated for datagram sockets.
	OnRead func(dev *Device, data []byte, n int, srcAddr net.Addr)
	// OnWrite acknowledges one write/writev/sendfile call: wrlen > 0 is
	// a partial/complete completion, wrlen == 0 acknowledges a queued
	// EOF marker, wrlen < 0 is failure or timeout.
	OnWrite func(dev *Device, wrlen int, wrctx any, dstAddr net.Addr)
	// OnConnect fires once progress reaches StConnected (outbound) or
	// StAccepted (inbound).
	OnConnect func(dev *Device)
	// OnDisconnect fires exactly once per device, regardless of cause.
	OnDisconnect func(dev *Device)
	// OnRawAccept, set on a listener, bypasses OnConnect for accepted
	// children: the caller gets the bare fd to hand off elsewhere (e.g.
	// via a side-channel) instead of a managed Device.
	OnRawAccept func(dev *Device, fd int, peerAddr net.Addr)
}

// writeEntry is one queued write: either a byte buffer, an EOF marker
// (Data == nil && !IsSendfile), or a sendfile request.
type writeEntry struct {
	Data       []byte
	WrCtx      any
	DstAddr    net.Addr
	IsSendfile bool
	SrcFD      int
	Offset     int64
	Length     int64
	Timer      *TimerJob
}

// Device is the generic framework header shared by socket, process-pipe
// and thread-pipe devices: an OS handle wrapped with read/write
// watermarking, per-direction half-close, a pending write queue and a
// slot for the virtual operations a concrete device kind supplies.
type Device struct {
	loop  *Loop
	Kind  DeviceKind
	fd    int
	State DeviceState

	callbacks Callbacks
	Ext       any // caller-defined extension payload (xtn)

	readEnabled bool
	readTimer   *TimerJob

	writeQueue   []writeEntry
	writeBusy    bool // a writer syscall loop is already draining writeQueue
	pendingCount int  // writes queued but not yet acknowledged (backpressure)

	halfClosedRead  bool
	halfClosedWrite bool

	halted          bool
	disconnectFired bool

	peerAddr net.Addr // remote address for accepted/adopted stream sockets

	// ops are the virtual operations a concrete device kind (socket,
	// process slave pipe, thread pipe) installs at construction time.
	ops deviceOps

	sidechan *sidechannel // non-nil for devices that support side-channel writes
}

// deviceOps are the virtual operations a concrete device kind installs.
type deviceOps struct {
	// rawRead performs one non-blocking read attempt; ok=false with
	// err==nil means EAGAIN (try later).
	rawRead func(dev *Device, buf []byte) (n int, srcAddr net.Addr, ok bool, err error)
	// rawWrite performs one non-blocking write attempt of entry.
	rawWrite func(dev *Device, entry *writeEntry) (n int, ok bool, err error)
	// closeOS releases the OS-level handle(s); called exactly once.
	closeOS func(dev *Device)
}

// FD returns the device's OS file descriptor.
func (d *Device) FD() int { return d.fd }

// SetCallbacks replaces dev's callback set. Used by callers that
// construct a device before they know its final handlers (e.g. htts
// installing per-client handlers only once a connection is accepted and
// known to be a client, not another listener kind).
func (d *Device) SetCallbacks(cb Callbacks) { d.callbacks = cb }

// Loop returns the Loop that owns dev.
func (d *Device) Loop() *Loop { return d.loop }

// PeerAddr returns the remote address for accepted/adopted stream
// sockets, or nil when unknown.
func (d *Device) PeerAddr() net.Addr { return d.peerAddr }

// closeOSResources runs the device's closeOS hook at most once.
func (d *Device) closeOSResources() {
	if d.ops.closeOS != nil {
		d.ops.closeOS(d)
		d.ops.closeOS = nil
	}
}

// newDevice allocates a Device, registers it with the loop's multiplexer
// watching EventRead, and arranges for epoll notifications to be routed
// into the device's own read/write handling. It does not fire OnConnect;
// callers do that once progress reaches Connected/Accepted.
func (l *Loop) newDevice(kind DeviceKind, fd int, cb Callbacks, ops deviceOps, ext any) (*Device, error) {
	dev := &Device{
		loop:        l,
		Kind:        kind,
		fd:          fd,
		callbacks:   cb,
		ops:         ops,
		Ext:         ext,
		readEnabled: true,
	}
	if err := l.mux.RegisterFD(fd, EventRead, func(ev IOEvents) {
		l.dispatchDeviceEvent(dev, ev)
	}); err != nil {
		return nil, NewError(KindIO, "device.make", err)
	}
	l.devices[fd] = dev
	l.metrics.devicesOpened.Add(1)
	return dev, nil
}

// newListenerDevice is newDevice's counterpart for listening sockets and
// the QX side-channel listener: the fd is registered with a
// caller-supplied accept/demux callback instead of the generic
// dispatchDeviceEvent routing, since accept semantics (a loop that keeps
// calling accept4 until EAGAIN) differ enough from stream read/write
// dispatch to not share deviceReadable/deviceWritable.
func (l *Loop) newListenerDevice(kind DeviceKind, fd int, cb Callbacks, closeOS func(*Device), onReadable func(ev IOEvents)) (*Device, error) {
	dev := &Device{
		loop:      l,
		Kind:      kind,
		fd:        fd,
		callbacks: cb,
		ops:       deviceOps{closeOS: closeOS},
	}
	if err := l.mux.RegisterFD(fd, EventRead, onReadable); err != nil {
		return nil, NewError(KindIO, "device.make", err)
	}
	l.devices[fd] = dev
	l.metrics.devicesOpened.Add(1)
	return dev, nil
}

func (l *Loop) dispatchDeviceEvent(dev *Device, ev IOEvents) {
	if dev.halted {
		return
	}
	if ev&EventRead != 0 {
		l.deviceReadable(dev)
	}
	if dev.halted {
		return
	}
	if ev&(EventWrite) != 0 {
		l.deviceWritable(dev)
	}
	if dev.halted {
		return
	}
	if ev&(EventError|EventHangup) != 0 && !dev.halfClosedRead {
		l.deliverRead(dev, nil, -1, nil)
	}
}

// Read enables or disables read-readiness notification for dev.
func (d *Device) Read(enabled bool) error {
	if d.halted {
		return ErrDeviceClosed
	}
	d.readEnabled = enabled
	return d.loop.syncInterest(d)
}

// TimedRead enables reads and arms a timer; if no read completion occurs
// before timeout, OnRead is invoked with n=-1 (a synthetic timeout).
func (d *Device) TimedRead(enabled bool, timeout time.Duration) error {
	if err := d.Read(enabled); err != nil {
		return err
	}
	d.loop.CancelTimer(d.readTimer)
	d.readTimer = nil
	if enabled && timeout > 0 {
		d.readTimer = d.loop.ScheduleTimerAfter(timeout, func(l *Loop, now Instant, job *TimerJob) {
			if d.halted || d.readTimer != job {
				return
			}
			d.readTimer = nil
			l.deliverRead(d, nil, -1, nil)
		}, nil)
	}
	return nil
}

// Write enqueues data for asynchronous transmission. wrctx is returned
// unmodified to OnWrite. dst selects the destination for datagram
// sockets and is ignored otherwise.
func (d *Device) Write(data []byte, wrctx any, dst net.Addr) error {
	if d.halted || d.halfClosedWrite {
		return ErrDeviceClosed
	}
	d.enqueueWrite(writeEntry{Data: data, WrCtx: wrctx, DstAddr: dst})
	return d.loop.syncInterest(d)
}

// Writev enqueues multiple buffers as a single logical write, completed
// as one OnWrite callback once every segment has been sent.
func (d *Device) Writev(bufs [][]byte, wrctx any, dst net.Addr) error {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	joined := make([]byte, 0, total)
	for _, b := range bufs {
		joined = append(joined, b...)
	}
	return d.Write(joined, wrctx, dst)
}

// TimedWrite is Write plus a per-write timer; on expiry OnWrite is
// invoked with wrlen=-1 for wrctx.
func (d *Device) TimedWrite(data []byte, wrctx any, dst net.Addr, timeout time.Duration) error {
	if d.halted || d.halfClosedWrite {
		return ErrDeviceClosed
	}
	entry := writeEntry{Data: data, WrCtx: wrctx, DstAddr: dst}
	d.enqueueWrite(entry)
	idx := len(d.writeQueue) - 1
	if timeout > 0 {
		d.writeQueue[idx].Timer = d.loop.ScheduleTimerAfter(timeout, func(l *Loop, now Instant, job *TimerJob) {
			l.timeoutQueuedWrite(d, job)
		}, nil)
	}
	return d.loop.syncInterest(d)
}

// Sendfile enqueues a zero-copy transfer from srcFD[offset:offset+length)
// to the device.
func (d *Device) Sendfile(srcFD int, offset, length int64, wrctx any) error {
	if d.halted || d.halfClosedWrite {
		return ErrDeviceClosed
	}
	d.enqueueWrite(writeEntry{IsSendfile: true, SrcFD: srcFD, Offset: offset, Length: length, WrCtx: wrctx})
	return d.loop.syncInterest(d)
}

func (d *Device) enqueueWrite(entry writeEntry) {
	d.writeQueue = append(d.writeQueue, entry)
	d.pendingCount++
}

// Shutdown performs a graceful half-close. how is a bitmask of
// ShutRead/ShutWrite.
type ShutdownHow int

const (
	ShutRead ShutdownHow = 1 << iota
	ShutWrite
)

func (d *Device) Shutdown(how ShutdownHow) error {
	if how&ShutRead != 0 {
		d.halfClosedRead = true
		_ = d.Read(false)
	}
	if how&ShutWrite != 0 {
		d.halfClosedWrite = true
		if sfd, ok := d.fdForShutdown(); ok {
			_ = unix.Shutdown(sfd, unix.SHUT_WR)
		}
	}
	return nil
}

func (d *Device) fdForShutdown() (int, bool) {
	if d.Kind == KindSocket {
		return d.fd, true
	}
	return 0, false
}

// WriteToSideChannel writes a raw message on the device's associated
// side-channel pipe, used by listeners to hand accepted connections to
// another loop. See sidechannel.go.
func (d *Device) WriteToSideChannel(msg []byte) error {
	if d.sidechan == nil {
		return NewError(KindInvalid, "device.writetosidechan", nil)
	}
	return d.sidechan.write(msg)
}

// PendingWrites reports how many writes are queued/in-flight; used by
// callers implementing backpressure (htts four-halves pausing the other
// side's read interest past a threshold).
func (d *Device) PendingWrites() int { return d.pendingCount }
