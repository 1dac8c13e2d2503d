package htts

import (
	"testing"

	"github.com/hyung-hwan/hio-go/htrd"
)

func TestChoosePeerFraming(t *testing.T) {
	var withLength htrd.Record
	withLength.Headers.Add("Content-Length", "5")

	var withoutLength htrd.Record

	cases := []struct {
		name string
		t    *Task
		rec  *htrd.Record
		want ResponseFraming
	}{
		{"length wins regardless of keep-alive", &Task{KeepAlive: true}, &withLength, FramingLength},
		{"chunked when keep-alive and no length", &Task{KeepAlive: true}, &withoutLength, FramingChunked},
		{"close when not keep-alive and no length", &Task{KeepAlive: false}, &withoutLength, FramingClose},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := choosePeerFraming(c.t, c.rec); got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}
