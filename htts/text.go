package htts

import (
	"github.com/hyung-hwan/hio-go/htrd"
)

// DoText binds a "txt" task to cli: a synthesized response with no peer
// at all. Any client body is read and discarded; the response is
// emitted immediately.
func DoText(svc *Service, cli *Client, rec *htrd.Record, status int, contentType string, body []byte) *Task {
	t := newTask(svc, cli, rec, func(t *Task) {})
	t.sendfinalres(status, contentType, body, false)
	if rec.ContentLength <= 0 && !rec.Chunked {
		t.markOver(OverRClient)
	}
	// A body-bearing request (POST with a text response, e.g. a synthetic
	// 404 for an unroutable path) is still read to completion by the
	// client's HTRD; onClientBodyEnd marks OverRClient once that happens.
	return t
}
