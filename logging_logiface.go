package hio

import (
	"github.com/joeycumines/logiface"
)

// logifaceAdapter adapts a *logiface.Logger[E] (any concrete Event backend,
// e.g. stumpy or zerolog) to this package's narrow Logger interface. kv
// pairs are attached as generic Interface fields (pairs whose key is not
// a non-empty string are dropped), except that an error value, whether
// paired with a key or left as a trailing unpaired element, maps to
// Builder.Err so backends that give errors special treatment (stack
// traces, separate field name) get one.
type logifaceAdapter[E logiface.Event] struct {
	l *logiface.Logger[E]
}

// NewLogifaceLogger wraps l so it can be passed to WithLogger or
// SetStructuredLogger. Use this to back hio's logging with any of the
// logiface backend implementations (stumpy, zerolog, logrus, slog).
func NewLogifaceLogger[E logiface.Event](l *logiface.Logger[E]) Logger {
	return &logifaceAdapter[E]{l: l}
}

func (a *logifaceAdapter[E]) log(b *logiface.Builder[E], msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			b = b.Err(err)
			continue
		}
		b = b.Interface(key, kv[i+1])
	}
	if len(kv)%2 == 1 {
		if err, ok := kv[len(kv)-1].(error); ok {
			b = b.Err(err)
		}
	}
	b.Log(msg)
}

func (a *logifaceAdapter[E]) Debug(msg string, kv ...any) { a.log(a.l.Debug(), msg, kv) }
func (a *logifaceAdapter[E]) Info(msg string, kv ...any)  { a.log(a.l.Info(), msg, kv) }
func (a *logifaceAdapter[E]) Warn(msg string, kv ...any)  { a.log(a.l.Warning(), msg, kv) }
func (a *logifaceAdapter[E]) Error(msg string, kv ...any) { a.log(a.l.Err(), msg, kv) }
