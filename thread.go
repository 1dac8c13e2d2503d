package hio

import (
	"context"
	"os"

	"github.com/joeycumines/go-longpoll"
	"golang.org/x/sys/unix"
)

// ThreadFunc is the body of a worker thread device: it runs on its own
// goroutine, reading request data from iop.R and writing reply bytes to
// iop.Out, which batches them onto the thread-to-loop pipe for the loop
// side to read.
type ThreadFunc func(ctx context.Context, iop ThreadIO, arg any)

// ThreadIO is what a ThreadFunc sees of its pipe pair: R is the read
// side of the loop-to-thread pipe (the thread's stdin analogue); Out is
// a channel the thread sends output chunks on, batched onto the
// thread-to-loop pipe by a longpoll-driven drain goroutine instead of
// the thread writing raw bytes itself - this is what lets many small
// writes from the worker collapse into one pipe write under load.
type ThreadIO struct {
	R   *os.File
	Out chan<- []byte
}

// Thread is a thread device: a goroutine-backed worker exposed to the
// loop as an ordinary Device via a pipe pair
type Thread struct {
	loop   *Loop
	dev    *Device
	toThr  *os.File // loop writes here, thread reads ThreadIO.R
	cancel context.CancelFunc
	done   chan struct{}
}

// NewThread spawns fn on its own goroutine and wires its output through a
// batching drain into a device the loop can Read/Write like any other.
func (l *Loop) NewThread(fn ThreadFunc, arg any, cb Callbacks, batch *longpoll.ChannelConfig) (*Thread, error) {
	toThrR, toThrW, err := os.Pipe()
	if err != nil {
		return nil, NewError(KindExhausted, "thread.make", err)
	}
	fromThrR, fromThrW, err := os.Pipe()
	if err != nil {
		_ = toThrR.Close()
		_ = toThrW.Close()
		return nil, NewError(KindExhausted, "thread.make", err)
	}

	if err := unix.SetNonblock(int(fromThrR.Fd()), true); err != nil {
		return nil, NewError(KindIO, "thread.make", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan []byte, 64)
	done := make(chan struct{})

	t := &Thread{loop: l, toThr: toThrW, cancel: cancel, done: done}

	dev, err := l.newDevice(KindThread, int(fromThrR.Fd()), cb, deviceOps{
		rawRead:  pipeRawRead,
		rawWrite: pipeRawWrite,
		closeOS: func(d *Device) {
			_ = fromThrR.Close()
			_ = toThrW.Close()
		},
	}, fromThrR)
	if err != nil {
		return nil, err
	}
	dev.State = StConnected
	t.dev = dev

	go runThreadDrain(ctx, out, fromThrW, done, batch)

	go func() {
		defer close(out)
		defer toThrR.Close()
		fn(ctx, ThreadIO{R: toThrR, Out: out}, arg)
	}()

	return t, nil
}

// runThreadDrain batches values sent on out using longpoll.Channel, so a
// worker emitting many small writes collapses them into fewer pipe
// writes; each batch is joined and written once. cfg is the caller's
// NewThread batch configuration, defaulting to MaxSize 32/MinSize 1 when
// nil.
func runThreadDrain(ctx context.Context, out <-chan []byte, w *os.File, done chan<- struct{}, cfg *longpoll.ChannelConfig) {
	defer close(done)
	defer w.Close()
	if cfg == nil {
		cfg = &longpoll.ChannelConfig{MaxSize: 32, MinSize: 1}
	}
	for {
		var buf []byte
		err := longpoll.Channel(ctx, cfg, out, func(chunk []byte) error {
			buf = append(buf, chunk...)
			return nil
		})
		if len(buf) > 0 {
			if _, werr := w.Write(buf); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Write sends data into the thread's input pipe (ThreadIO.R on the
// other end).
func (t *Thread) Write(data []byte) (int, error) {
	return t.toThr.Write(data)
}

// CloseWrite closes the loop side of the thread's input pipe, delivering
// EOF to ThreadIO.R. Workers are expected to terminate themselves on
// pipe EOF; there is no forced cancellation.
func (t *Thread) CloseWrite() error {
	return t.toThr.Close()
}

// Halt cancels the worker goroutine's context and halts the device. The
// worker is expected to notice ctx.Done or pipe EOF and exit on its own;
// Go provides no safe way to force-terminate a goroutine.
func (t *Thread) Halt() {
	t.cancel()
	t.loop.Halt(t.dev)
}

// Device exposes the thread's loop-side device for Read/Write wiring.
func (t *Thread) Device() *Device { return t.dev }
