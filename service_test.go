package hio

import "testing"

func TestServiceStopOrderIsReverseOfStart(t *testing.T) {
	l := &Loop{log: noopLogger{}, services: newServiceList()}

	var stopped []string
	l.StartService("a", func(*Loop) { stopped = append(stopped, "a") })
	l.StartService("b", func(*Loop) { stopped = append(stopped, "b") })
	l.StartService("c", func(*Loop) { stopped = append(stopped, "c") })

	l.services.stopAll(false)

	want := []string{"c", "b", "a"}
	if len(stopped) != len(want) {
		t.Fatalf("stopped = %v, want %v", stopped, want)
	}
	for i := range want {
		if stopped[i] != want[i] {
			t.Fatalf("stopped = %v, want %v", stopped, want)
		}
	}
}

func TestStopServiceIsIdempotentAndRemovesFromRegistry(t *testing.T) {
	l := &Loop{log: noopLogger{}, services: newServiceList()}

	calls := 0
	svc := l.StartService("x", func(*Loop) { calls++ })
	l.StopService(svc)
	l.StopService(svc) // must not call Stop twice

	if calls != 1 {
		t.Fatalf("Stop called %d times, want 1", calls)
	}

	// A service stopped individually must not be stopped again by stopAll.
	l.services.stopAll(false)
	if calls != 1 {
		t.Fatalf("Stop called %d times after stopAll, want 1", calls)
	}
}

func TestServiceStopAllWaitBlocksForGoroutineCompletion(t *testing.T) {
	l := &Loop{log: noopLogger{}, services: newServiceList()}

	done := false
	l.StartService("waiter", func(*Loop) {
		done = true
	})
	l.services.stopAll(true)
	if !done {
		t.Fatal("stopAll(true) must block until Stop has observed completion")
	}
}

func TestStopServiceWithNilIsNoOp(t *testing.T) {
	l := &Loop{log: noopLogger{}, services: newServiceList()}
	l.StopService(nil) // must not panic
}
