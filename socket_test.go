package hio

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// listenerPort returns the ephemeral port the OS assigned to a listening
// socket device created with "127.0.0.1:0".
func listenerPort(t *testing.T, dev *Device) int {
	t.Helper()
	sa, err := unix.Getsockname(dev.FD())
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return v.Port
	default:
		t.Fatalf("unexpected sockaddr type %T", sa)
		return 0
	}
}

// TestLoopTCPEchoRoundTrip drives a full accept/read/write cycle over a
// loopback TCP connection through a real Loop: a listener echoes back
// whatever a client writes, and the client observes the echo.
func TestLoopTCPEchoRoundTrip(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	echoed := make(chan []byte, 1)

	listener, err := l.NewTCPListener("127.0.0.1:0", TCP4, ReuseAddr, Callbacks{
		OnRead: func(dev *Device, data []byte, n int, _ net.Addr) {
			if n <= 0 {
				return
			}
			buf := append([]byte(nil), data[:n]...)
			_ = dev.Write(buf, nil, nil)
		},
	})
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	port := listenerPort(t, listener)

	var client *Device
	client, err = l.NewTCPConnector(
		"127.0.0.1:"+strconv.Itoa(port), TCP4,
		Callbacks{
			OnConnect: func(dev *Device) {
				_ = dev.Write([]byte("ping"), nil, nil)
			},
			OnRead: func(dev *Device, data []byte, n int, _ net.Addr) {
				if n > 0 {
					echoed <- append([]byte(nil), data[:n]...)
				}
			},
		},
	)
	if err != nil {
		t.Fatalf("NewTCPConnector: %v", err)
	}
	_ = client

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	select {
	case got := <-echoed:
		if string(got) != "ping" {
			t.Fatalf("echoed = %q, want %q", got, "ping")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echo round trip")
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

func TestLoopStopBeforeRunIsSafeAndRunRefusesToStart(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.Stop(nil)
	l.Stop(nil) // must not panic or deadlock

	// Stop before Run moves the loop straight to StateTerminating, so Run
	// finds it already past StateAwake and refuses to start.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Run(ctx); err != ErrLoopAlreadyRunning {
		t.Fatalf("Run after a pre-emptive Stop = %v, want ErrLoopAlreadyRunning", err)
	}
}

func TestLoopRunThenStopThenClose(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	// Give the loop goroutine a chance to reach StateRunning before Stop.
	for i := 0; i < 1000 && l.state.Load() != StateRunning; i++ {
		time.Sleep(time.Millisecond)
	}
	l.Stop(nil)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if got := l.state.Load(); got != StateTerminated {
		t.Fatalf("state after Run returns = %v, want StateTerminated", got)
	}
}

func TestLoopSubmitRunsOnLoopGoroutine(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	if err := l.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submitted function never ran")
	}

	l.Stop(nil)
	cancel()
	<-runErr
}

// TestQXListenerHandsOffRawAccept exercises the in-process side-channel
// path: a QXMessage written on the listener's pipe is decoded on the loop
// and delivered through OnRawAccept, the way one loop hands an accepted
// connection to another.
func TestQXListenerHandsOffRawAccept(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	type handoff struct {
		fd   int
		addr net.Addr
	}
	got := make(chan handoff, 1)

	qx, err := l.NewQXListener(Callbacks{
		OnRawAccept: func(dev *Device, fd int, peer net.Addr) {
			got <- handoff{fd: fd, addr: peer}
		},
	})
	if err != nil {
		t.Fatalf("NewQXListener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	msg := QXMessage{
		Cmd:        QXNewConn,
		SockType:   KindSocket,
		SysHnd:     99,
		RemoteAddr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1234},
	}
	if err := qx.WriteToSideChannel(EncodeQXMessage(msg)); err != nil {
		t.Fatalf("WriteToSideChannel: %v", err)
	}

	select {
	case h := <-got:
		if h.fd != 99 {
			t.Fatalf("handed-off fd = %d, want 99", h.fd)
		}
		if h.addr == nil || h.addr.String() != "10.0.0.1:1234" {
			t.Fatalf("handed-off addr = %v, want 10.0.0.1:1234", h.addr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for side-channel handoff")
	}

	l.Stop(nil)
	cancel()
	<-runErr
}

// TestUDPSocketDatagramRoundTrip exercises the datagram path: Write with
// a destination address sends via sendto, and OnRead delivers each
// datagram together with its source address.
func TestUDPSocketDatagramRoundTrip(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	got := make(chan string, 1)
	recv, err := l.NewUDPSocket("127.0.0.1:0", UDP4, Callbacks{
		OnRead: func(dev *Device, data []byte, n int, src net.Addr) {
			if n > 0 {
				got <- string(data[:n])
			}
		},
	})
	if err != nil {
		t.Fatalf("NewUDPSocket (recv): %v", err)
	}
	port := listenerPort(t, recv)

	send, err := l.NewUDPSocket("", UDP4, Callbacks{})
	if err != nil {
		t.Fatalf("NewUDPSocket (send): %v", err)
	}
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	if err := send.Write([]byte("datagram"), nil, dst); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	select {
	case payload := <-got:
		if payload != "datagram" {
			t.Fatalf("payload = %q, want datagram", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	l.Stop(nil)
	cancel()
	<-runErr
}
