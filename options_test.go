package hio

import "testing"

func TestResolveLoopOptionsDefaults(t *testing.T) {
	cfg, err := resolveLoopOptions(nil)
	if err != nil {
		t.Fatalf("resolveLoopOptions(nil) error: %v", err)
	}
	if cfg.maxEventsPoll != 256 {
		t.Fatalf("default maxEventsPoll = %d, want 256", cfg.maxEventsPoll)
	}
	if !cfg.metricsEnabled {
		t.Fatal("metrics must be enabled by default")
	}
	if cfg.serviceStopWait {
		t.Fatal("serviceStopWait must default to false")
	}
	if cfg.logger == nil {
		t.Fatal("default logger must not be nil")
	}
}

func TestResolveLoopOptionsApplied(t *testing.T) {
	logger := &recordingLogger{}
	cfg, err := resolveLoopOptions([]LoopOption{
		WithLogger(logger),
		WithMetrics(false),
		WithServiceStopWait(true),
		nil, // a nil option must be skipped, not panic
	})
	if err != nil {
		t.Fatalf("resolveLoopOptions error: %v", err)
	}
	if cfg.logger != logger {
		t.Fatal("WithLogger did not take effect")
	}
	if cfg.metricsEnabled {
		t.Fatal("WithMetrics(false) did not take effect")
	}
	if !cfg.serviceStopWait {
		t.Fatal("WithServiceStopWait(true) did not take effect")
	}
}

func TestWithLoggerNilFallsBackToNoop(t *testing.T) {
	cfg, err := resolveLoopOptions([]LoopOption{WithLogger(nil)})
	if err != nil {
		t.Fatalf("resolveLoopOptions error: %v", err)
	}
	if cfg.logger == nil {
		t.Fatal("WithLogger(nil) must install a non-nil no-op logger")
	}
}

// recordingLogger is a minimal Logger used only to prove identity is
// preserved through WithLogger/resolveLoopOptions.
type recordingLogger struct{}

func (*recordingLogger) Debug(string, ...any) {}
func (*recordingLogger) Info(string, ...any)  {}
func (*recordingLogger) Warn(string, ...any)  {}
func (*recordingLogger) Error(string, ...any) {}
