package htts

import (
	"github.com/hyung-hwan/hio-go/htrd"
	"github.com/hyung-hwan/hio-go/httputil"
)

// choosePeerFraming selects how a passthrough task (cgi, fcgi, thr)
// frames its client-facing response body: use
// length framing if the peer supplied Content-Length, otherwise chunked
// when keep-alive is still honored, otherwise close-delimited. The
// thread task reuses this verbatim.
func choosePeerFraming(t *Task, rec *htrd.Record) ResponseFraming {
	switch {
	case rec.Headers.Has("Content-Length"):
		return FramingLength
	case t.KeepAlive:
		return FramingChunked
	default:
		return FramingClose
	}
}

// forwardPeerPreamble converts a peer response's status/headers into the
// client-facing status line plus forwarded headers and commits the
// framing choice. Shared by the cgi, fcgi, and thr peer-HTRD Peek
// callbacks.
func forwardPeerPreamble(t *Task, rec *htrd.Record) {
	status := rec.StatusCode
	if status == 0 {
		status = httputil.StatusOK
	}
	t.startreshdr(status, rec.StatusMsg)
	t.addreshdrs(rec.Headers.All())
	t.endreshdr(choosePeerFraming(t, rec))
}
