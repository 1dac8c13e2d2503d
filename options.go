package hio

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger          Logger
	maxEventsPoll   int
	metricsEnabled  bool
	serviceStopWait bool
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the Loop's Logger. Without this option a Loop uses the
// process-wide default installed via SetStructuredLogger (or a no-op
// logger if nothing was installed).
func WithLogger(l Logger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if l == nil {
			l = noopLogger{}
		}
		opts.logger = l
		return nil
	}}
}

// WithMetrics records in the loop's options whether counter bookkeeping
// is wanted (true by default). The loop does not consult the setting: the
// counters behind Loop.Metrics are updated whether it is true or false.
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithServiceStopWait changes how Loop.drainFinal calls each service's
// Stop (see service.go): with it, each Stop runs on its own goroutine and
// the loop blocks until it returns; without it, each Stop is called
// directly on the loop goroutine. Either way services stop one at a time
// in reverse start order.
func WithServiceStopWait(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.serviceStopWait = enabled
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		logger:         defaultLogger(),
		maxEventsPoll:  256,
		metricsEnabled: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
