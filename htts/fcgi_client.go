package htts

import (
	"context"
	"net"
	"time"

	"github.com/joeycumines/go-microbatch"

	hio "github.com/hyung-hwan/hio-go"
)

// fcgiSession tracks one in-flight FastCGI request multiplexed over the
// shared upstream connection.
type fcgiSession struct {
	reqID  uint16
	onRead func(data []byte, eof bool)
	untie  func()
}

// fcgiFrame is one outbound write queued through the microbatch.Batcher:
// PARAMS/STDIN records for concurrently-active FCGI tasks are coalesced
// before hitting the upstream connection, amortizing syscalls the way
// the batcher amortizes any other small-write workload.
type fcgiFrame struct {
	data []byte
}

// FCGIClient is the persistent-connection FastCGI client service: one
// TCP connection to an upstream, session-scoped record IDs, and
// demultiplexed STDOUT delivery per session.
type FCGIClient struct {
	loop *hio.Loop
	dev  *hio.Device

	nextReqID uint16
	sessions  map[uint16]*fcgiSession

	batcher *microbatch.Batcher[fcgiFrame]

	readBuf []byte
}

// DialFCGI connects to a FastCGI upstream (addr is host:port, TCP only)
// and returns a client service ready for svc.FCGI assignment.
func DialFCGI(loop *hio.Loop, addr string) (*FCGIClient, error) {
	c := &FCGIClient{
		loop:      loop,
		sessions:  make(map[uint16]*fcgiSession),
		nextReqID: 1,
	}
	dev, err := loop.NewTCPConnector(addr, hio.TCP4, hio.Callbacks{
		OnRead: c.onRead,
	})
	if err != nil {
		return nil, err
	}
	c.dev = dev
	c.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        16,
		FlushInterval:  2 * time.Millisecond,
		MaxConcurrency: 1,
	}, c.flushFrames)
	return c, nil
}

// flushFrames is the microbatch.BatchProcessor: it concatenates every
// queued frame's bytes into a single write to the upstream connection.
// The batcher runs on its own goroutine, so the write itself is posted
// back onto the loop - devices are only ever touched from the loop
// goroutine.
func (c *FCGIClient) flushFrames(ctx context.Context, jobs []fcgiFrame) error {
	var total int
	for _, j := range jobs {
		total += len(j.data)
	}
	joined := make([]byte, 0, total)
	for _, j := range jobs {
		joined = append(joined, j.data...)
	}
	if len(joined) == 0 {
		return nil
	}
	return c.loop.Submit(func() {
		_ = c.dev.Write(joined, nil, nil)
	})
}

// submit queues data for the upstream connection through the batcher.
func (c *FCGIClient) submit(data []byte) {
	_, _ = c.batcher.Submit(context.Background(), fcgiFrame{data: data})
}

// begin opens a new session: allocates a request ID, sends
// BEGIN_REQUEST+PARAMS, and registers the STDOUT/END_REQUEST callbacks.
func (c *FCGIClient) begin(env []string, onRead func(data []byte, eof bool), untie func()) uint16 {
	id := c.nextReqID
	c.nextReqID++
	if c.nextReqID == 0 {
		c.nextReqID = 1
	}
	c.sessions[id] = &fcgiSession{reqID: id, onRead: onRead, untie: untie}

	var out []byte
	out = append(out, encodeFCGIBeginRequest(id, fcgiRoleResponder, true)...)
	out = append(out, encodeFCGIParams(id, env)...)
	c.submit(out)
	return id
}

// writeStdin forwards one client-body chunk (or the empty terminator) as
// a STDIN record for sess.
func (c *FCGIClient) writeStdin(id uint16, data []byte) {
	c.submit(encodeFCGIStdin(id, data))
}

// end releases the session's bookkeeping; the connection itself is
// shared and stays open for other sessions.
func (c *FCGIClient) end(id uint16) {
	delete(c.sessions, id)
}

func (c *FCGIClient) onRead(dev *hio.Device, data []byte, n int, srcAddr net.Addr) {
	if n <= 0 {
		for id, sess := range c.sessions {
			if sess.onRead != nil {
				sess.onRead(nil, true)
			}
			if sess.untie != nil {
				sess.untie()
			}
			delete(c.sessions, id)
		}
		return
	}
	c.readBuf = append(c.readBuf, data...)
	for {
		h, ok := decodeFCGIHeader(c.readBuf)
		if !ok {
			return
		}
		total := fcgiHeaderLen + int(h.ContentLength) + int(h.PaddingLength)
		if len(c.readBuf) < total {
			return
		}
		content := c.readBuf[fcgiHeaderLen : fcgiHeaderLen+int(h.ContentLength)]
		c.readBuf = c.readBuf[total:]

		sess, ok := c.sessions[h.RequestID]
		if !ok {
			continue
		}
		switch h.Type {
		case fcgiTypeStdout:
			if sess.onRead != nil {
				sess.onRead(content, len(content) == 0)
			}
		case fcgiTypeEndRequest:
			if sess.untie != nil {
				sess.untie()
			}
			delete(c.sessions, h.RequestID)
		}
	}
}

// Close shuts down the upstream connection and the batcher.
func (c *FCGIClient) Close() {
	if c.batcher != nil {
		_ = c.batcher.Close()
	}
	if c.dev != nil {
		c.loop.Halt(c.dev)
	}
}
