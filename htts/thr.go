package htts

import (
	"net"

	hio "github.com/hyung-hwan/hio-go"
	"github.com/hyung-hwan/hio-go/htrd"
	"github.com/hyung-hwan/hio-go/httputil"
	"golang.org/x/sys/unix"
)

// ThreadStartInfo is what DoThread hands the worker thread as its arg:
// the request start line, version, path/query, remote/local addresses
// and an optional method override header.
// It holds only value copies, so it stays valid independently of the
// HTTS/request lifetime even if the main loop has already torn the
// request down by the time the thread body runs.
type ThreadStartInfo struct {
	Method         string
	Version        [2]int
	Path           string
	Query          string
	RemoteAddr     string
	LocalAddr      string
	MethodOverride string
}

type thrTask struct {
	*Task

	thread *hio.Thread
	parser *htrd.Parser
}

// DoThread binds a "thr" task to cli: a worker thread device running
// handler, fed a ThreadStartInfo describing the request. handler is
// supplied by the embedder since a worker's actual
// per-request behavior isn't something the server framework can guess;
// it writes a CGI-style reply preamble (optionally "Status: CODE MSG",
// then headers, then a blank line, then the body) to iop.Out, which the
// loop side decodes with the same peer-framing logic cgi/fcgi use.
func DoThread(svc *Service, cli *Client, rec *htrd.Record, handler hio.ThreadFunc) *Task {
	tt := &thrTask{}
	tt.Task = newTask(svc, cli, rec, tt.onKill)

	info := ThreadStartInfo{
		Method:     rec.Method,
		Version:    [2]int{rec.Major, rec.Minor},
		Path:       rec.Path,
		Query:      rec.Query,
		RemoteAddr: addrString(cli.PeerAddr()),
	}
	if ov, ok := rec.Headers.Get("X-HTTP-Method-Override"); ok {
		info.MethodOverride = ov
	}
	if sa, err := unix.Getsockname(cli.Device().FD()); err == nil {
		switch v := sa.(type) {
		case *unix.SockaddrInet4:
			info.LocalAddr = (&net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}).String()
		case *unix.SockaddrInet6:
			info.LocalAddr = (&net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}).String()
		case *unix.SockaddrUnix:
			info.LocalAddr = v.Name
		}
	}

	thread, err := svc.Loop.NewThread(handler, info, hio.Callbacks{
		OnRead: tt.onPeerRead,
	}, nil)
	if err != nil {
		tt.Task.sendfinalres(httputil.StatusInternalServerError, "", nil, false)
		tt.Task.markOver(OverRClient | OverRPeer | OverWPeer)
		return tt.Task
	}
	tt.thread = thread
	tt.Task.peer = thread.Device()

	tt.parser = htrd.New(htrd.OptResponse|htrd.OptSkipInitialLine, htrd.Callbacks{
		Peek:        tt.onPeerPeek,
		PushContent: tt.onPeerContent,
		Poke:        tt.onPeerPoke,
	})

	if httputil.HasRequestBody(rec.Method) {
		tt.Task.onBody = func(data []byte) {
			_, _ = tt.thread.Write(data)
		}
		tt.Task.onBodyEnd = func() {
			_ = tt.thread.CloseWrite()
		}
		handleexpect100(tt.Task, rec, true)
	} else {
		_ = tt.thread.CloseWrite()
	}

	return tt.Task
}

func (tt *thrTask) onKill(t *Task) {
	if tt.thread != nil {
		tt.thread.Halt()
	}
}

func (tt *thrTask) onPeerRead(dev *hio.Device, data []byte, n int, srcAddr net.Addr) {
	if n <= 0 {
		_ = tt.parser.FeedEOF()
		if !tt.Task.headerWritten {
			tt.Task.sendfinalres(httputil.StatusInternalServerError, "", nil, false)
		}
		tt.Task.markOver(OverRPeer)
		return
	}
	buf := data
	for len(buf) > 0 {
		consumed, err := tt.parser.Feed(buf)
		if err != nil {
			if !tt.Task.headerWritten {
				tt.Task.sendfinalres(httputil.StatusInternalServerError, "", nil, false)
			}
			tt.Task.markOver(OverRPeer)
			return
		}
		if consumed == 0 {
			break
		}
		buf = buf[consumed:]
	}
}

func (tt *thrTask) onPeerPeek(p *htrd.Parser, rec *htrd.Record) error {
	forwardPeerPreamble(tt.Task, rec)
	return nil
}

func (tt *thrTask) onPeerContent(p *htrd.Parser, rec *htrd.Record, data []byte) error {
	tt.Task.addresbody(data)
	return nil
}

func (tt *thrTask) onPeerPoke(p *htrd.Parser, rec *htrd.Record) error {
	tt.Task.endbody()
	tt.Task.markOver(OverRPeer)
	return nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
