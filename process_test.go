package hio

import (
	"context"
	"net"
	"testing"
	"time"
)

// TestLoopProcessReadOutAndExit spawns `echo` and observes its stdout
// through the loop's device framework: OnRead delivers the line, and the
// child's exit is reaped and reported via onExit on the loop goroutine.
func TestLoopProcessReadOutAndExit(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	var collected []byte
	exited := make(chan error, 1)

	proc, err := l.NewProcess("/bin/echo", []string{"hio-process-test"}, ReadOut, nil,
		func(p *Process, err error) { exited <- err })
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	proc.Stdout.SetCallbacks(Callbacks{
		OnRead: func(dev *Device, data []byte, n int, _ net.Addr) {
			if n > 0 {
				collected = append(collected, data[:n]...)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	select {
	case err := <-exited:
		if err != nil {
			t.Fatalf("child process exited with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child process exit")
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

	if got := string(collected); got != "hio-process-test\n" {
		t.Fatalf("collected stdout = %q, want %q", got, "hio-process-test\n")
	}
}

func TestProcessHaltIsIdempotent(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	proc, err := l.NewProcess("/bin/sleep", []string{"30"}, ForgetChild, nil, nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	if proc.PID() <= 0 {
		t.Fatalf("PID() = %d, want > 0", proc.PID())
	}
	proc.Halt()
	proc.Halt() // must not panic; ForgetChild means Halt already killed the child
}
