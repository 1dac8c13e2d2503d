package hio

import "testing"

func TestCFMBQueueDrainRunsAllPending(t *testing.T) {
	var q cfmbQueue
	var order []int
	q.push(func() { order = append(order, 1) })
	q.push(func() { order = append(order, 2) })
	q.push(nil) // a nil release must be ignored, not panic
	q.push(func() { order = append(order, 3) })

	q.drain()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("drain order = %v, want [1 2 3]", order)
	}

	// draining an empty queue must be a no-op, not a panic.
	q.drain()
}

func TestCFMBQueueDrainPicksUpReentrantPush(t *testing.T) {
	var q cfmbQueue
	var ran []string
	q.push(func() {
		ran = append(ran, "first")
		q.push(func() { ran = append(ran, "second") })
	})
	q.drain()
	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Fatalf("ran = %v, want [first second]", ran)
	}
}

// testDevice builds a Device that participates in a real Loop's devices map
// and multiplexer registration, suitable for exercising Halt/Kill.
func testDevice(t *testing.T, l *Loop) (*Device, *int) {
	t.Helper()
	disconnects := 0
	r, w, err := pipePair(t)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	dev, err := l.newDevice(KindSocket, r, Callbacks{
		OnDisconnect: func(*Device) { disconnects++ },
	}, deviceOps{
		rawRead:  pipeRawRead,
		rawWrite: pipeRawWrite,
		closeOS:  func(d *Device) { _ = closeFD(r); _ = closeFD(w) },
	}, nil)
	if err != nil {
		t.Fatalf("newDevice: %v", err)
	}
	return dev, &disconnects
}

func TestLoopHaltDefersFinalizeToDrain(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	dev, disconnects := testDevice(t, l)
	fd := dev.FD()
	if _, ok := l.devices[fd]; !ok {
		t.Fatal("device must be registered before Halt")
	}

	l.Halt(dev)
	if *disconnects != 1 {
		t.Fatalf("OnDisconnect fired %d times, want 1", *disconnects)
	}
	if !dev.halted {
		t.Fatal("dev.halted must be true immediately after Halt")
	}
	if _, ok := l.devices[fd]; !ok {
		t.Fatal("finalizeDevice must not run before the CFMB queue drains")
	}

	l.cfmb.drain()
	if _, ok := l.devices[fd]; ok {
		t.Fatal("finalizeDevice must remove the device once the CFMB queue drains")
	}

	// Halting an already-halted device must be a safe no-op.
	l.Halt(dev)
	if *disconnects != 1 {
		t.Fatalf("OnDisconnect fired again on double Halt: %d", *disconnects)
	}
}

func TestLoopKillFinalizesImmediately(t *testing.T) {
	l, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	dev, disconnects := testDevice(t, l)
	fd := dev.FD()

	l.Kill(dev)
	if _, ok := l.devices[fd]; ok {
		t.Fatal("Kill must remove the device immediately, not defer to the CFMB queue")
	}
	// Kill bypasses on_disconnect (it is only legal before the device
	// becomes visible to I/O dispatch), unlike Halt.
	if *disconnects != 0 {
		t.Fatalf("Kill must not fire OnDisconnect, got %d calls", *disconnects)
	}
}
