package htts

import (
	"net"

	hio "github.com/hyung-hwan/hio-go"
	"github.com/hyung-hwan/hio-go/htrd"
)

// Client is one accepted connection: its HTRD parser, a residual buffer
// for bytes read past a completed request (pipelining support), and the
// task currently bound to it, if any.
type Client struct {
	svc    *Service
	dev    *hio.Device
	parser *htrd.Parser

	residual   []byte
	lastActive hio.Instant
	peerAddr   net.Addr

	task               *Task
	clientDisconnected bool
}

func (s *Service) initClient(dev *hio.Device) {
	cli := &Client{svc: s, dev: dev, lastActive: s.Loop.Now(), peerAddr: dev.PeerAddr()}
	cli.parser = htrd.New(htrd.OptRequest, htrd.Callbacks{
		Peek:        cli.onPeek,
		Poke:        cli.onPoke,
		PushContent: cli.onPushContent,
	})

	dev.SetCallbacks(hio.Callbacks{
		OnRead:       cli.onRead,
		OnWrite:      cli.onWrite,
		OnDisconnect: cli.onDisconnect,
	})
	s.clients[dev] = cli
	_ = dev.Read(true)
}

func (c *Client) onRead(dev *hio.Device, data []byte, n int, srcAddr net.Addr) {
	c.lastActive = c.svc.Loop.Now()
	if n <= 0 {
		return // EOF/error: fini happens via onDisconnect
	}

	buf := data
	if len(c.residual) > 0 {
		buf = append(c.residual, data...)
		c.residual = nil
	}

	for len(buf) > 0 {
		consumed, err := c.parser.Feed(buf)
		if err != nil {
			c.svc.Loop.Halt(dev)
			return
		}
		if consumed == 0 {
			break // parser needs more bytes to make progress
		}
		buf = buf[consumed:]
		if c.task != nil {
			// A task is now bound to the just-completed request: stop
			// parsing and hold any pipelined bytes back until the task
			// unbinds, so a second pipelined request can never clobber
			// the first one's task.
			break
		}
		// The just-completed message had no matching ProcReq-bound task
		// (e.g. a 4xx was sent directly from onPeek); keep looping over
		// whatever pipelined bytes remain.
	}
	if len(buf) > 0 {
		// Bytes left after a completed request: buffer for replay once
		// the next request's parser state is ready.
		c.residual = append(c.residual, buf...)
	}
}

func (c *Client) onPeek(p *htrd.Parser, rec *htrd.Record) error {
	if c.svc.ProcReq != nil {
		c.svc.ProcReq(c.svc, c, rec)
	}
	return nil
}

func (c *Client) onPushContent(p *htrd.Parser, rec *htrd.Record, data []byte) error {
	if c.task != nil {
		c.task.onClientBody(data)
	}
	return nil
}

func (c *Client) onPoke(p *htrd.Parser, rec *htrd.Record) error {
	if c.task != nil {
		c.task.onClientBodyEnd()
	}
	return nil
}

func (c *Client) onWrite(dev *hio.Device, wrlen int, wrctx any, dstAddr net.Addr) {
	if c.task == nil {
		return
	}
	c.task.onClientWriteComplete(wrlen)
}

func (c *Client) onDisconnect(dev *hio.Device) {
	c.clientDisconnected = true
	if c.task != nil {
		c.task.clientGone()
		c.task = nil
	}
	delete(c.svc.clients, dev)
}

// bindTask attaches t as the client's active task. Only one task may be
// bound at a time; the caller (a Do* constructor) is responsible for not
// calling this twice for the same request.
func (c *Client) bindTask(t *Task) {
	c.task = t
}

// unbindTask detaches the client's task once its four halves complete
// and keep-alive is honored: the client socket remains in the HTTS with
// input watching re-enabled and no bound task. Any pipelined bytes
// buffered in residual while the task was in flight are replayed into
// the parser immediately.
func (c *Client) unbindTask() {
	c.task = nil
	_ = c.dev.Read(true)
	if len(c.residual) > 0 {
		pending := c.residual
		c.residual = nil
		c.onRead(c.dev, pending, len(pending), nil)
	}
}

// Device returns the client's underlying hio Device, for task
// implementations that need to write directly to the client.
func (c *Client) Device() *hio.Device { return c.dev }

// PeerAddr returns the remote address, if known.
func (c *Client) PeerAddr() net.Addr { return c.peerAddr }
