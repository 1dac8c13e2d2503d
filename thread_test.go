package hio

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// TestLoopThreadRoundTrip spawns a worker thread that reads one line from
// its input pipe and echoes it back (uppercased) through the batching
// drain, observed by the loop as an ordinary device read.
func TestLoopThreadRoundTrip(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	received := make(chan []byte, 1)

	thr, err := l.NewThread(func(ctx context.Context, iop ThreadIO, arg any) {
		r := bufio.NewReader(iop.R)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		out := make([]byte, len(line))
		for i := 0; i < len(line); i++ {
			c := line[i]
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			out[i] = c
		}
		select {
		case iop.Out <- out:
		case <-ctx.Done():
		}
	}, nil, Callbacks{
		OnRead: func(dev *Device, data []byte, n int, _ net.Addr) {
			if n > 0 {
				received <- append([]byte(nil), data[:n]...)
			}
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	if _, err := thr.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "PING\n" {
			t.Fatalf("received = %q, want %q", got, "PING\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for thread round trip")
	}

	l.Stop(nil)
	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestThreadDeviceExposesLoopSideDevice(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	thr, err := l.NewThread(func(ctx context.Context, iop ThreadIO, arg any) {
		<-ctx.Done()
	}, nil, Callbacks{}, nil)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if thr.Device() == nil {
		t.Fatal("Device() must return the loop-side device")
	}
	thr.Halt()
	thr.Halt() // must not panic
}
