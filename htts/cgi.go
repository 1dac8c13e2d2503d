package htts

import (
	"net"
	"os"
	"strconv"
	"strings"

	hio "github.com/hyung-hwan/hio-go"
	"github.com/hyung-hwan/hio-go/htrd"
	"github.com/hyung-hwan/hio-go/httputil"
)

type cgiTask struct {
	*Task

	proc   *hio.Process
	parser *htrd.Parser

	// stdinEOF records that the request body has fully arrived; the
	// stdin slave is closed once its queued writes flush.
	stdinEOF bool
}

// DoCGI binds a "cgi" task to cli: a forked child running scriptPath.
// Concurrency is bounded two ways: svc.CGIMax (a hard ceiling) and
// svc.cgiLimiter (a per-remote-address forks/sec ceiling).
func DoCGI(svc *Service, cli *Client, rec *htrd.Record) *Task {
	if svc.cgiActive >= svc.CGIMax {
		t := newTask(svc, cli, rec, func(*Task) {})
		t.sendfinalres(httputil.StatusServiceUnavailable, "", nil, false)
		t.markOver(OverRClient)
		return t
	}
	remote := remoteHost(cli.PeerAddr())
	if _, ok := svc.cgiLimiter.Allow(remote); !ok {
		t := newTask(svc, cli, rec, func(*Task) {})
		t.sendfinalres(httputil.StatusServiceUnavailable, "", nil, false)
		t.markOver(OverRClient)
		return t
	}

	scriptPath, err := mergeAndCanonicalize(svc.Docroot, rec.Path)
	if err != nil {
		t := newTask(svc, cli, rec, func(*Task) {})
		t.sendfinalres(httputil.StatusForbidden, "", nil, false)
		t.markOver(OverRClient)
		return t
	}
	if info, serr := os.Stat(scriptPath); serr != nil || info.IsDir() || !isExecutable(info) {
		t := newTask(svc, cli, rec, func(*Task) {})
		t.sendfinalres(httputil.StatusForbidden, "", nil, false)
		t.markOver(OverRClient)
		return t
	}

	ct := &cgiTask{}
	ct.Task = newTask(svc, cli, rec, ct.onKill)

	remoteAddr, remotePort := splitAddrPort(cli.PeerAddr())
	env := cgiEnvVars(svc, ct.Task, rec, scriptPath, remoteAddr, remotePort)

	flags := hio.ReadOut | hio.ErrToNul | hio.WriteIn
	proc, perr := svc.Loop.NewProcess(scriptPath, nil, flags, func() ([]string, error) {
		return env, nil
	}, ct.onExit)
	if perr != nil {
		ct.Task.sendfinalres(httputil.StatusInternalServerError, "", nil, false)
		ct.Task.markOver(OverRClient | OverRPeer | OverWPeer)
		return ct.Task
	}
	ct.proc = proc
	ct.Task.peer = proc.Stdout
	svc.cgiActive++

	ct.parser = htrd.New(htrd.OptResponse|htrd.OptSkipInitialLine, htrd.Callbacks{
		Peek:        ct.onPeerPeek,
		PushContent: ct.onPeerContent,
		Poke:        ct.onPeerPoke,
	})

	proc.Stdout.SetCallbacks(hio.Callbacks{
		OnRead: ct.onPeerRead,
	})
	_ = proc.Stdout.Read(true)

	// Closing (halting) the stdin slave is what delivers EOF to the
	// child; a pipe has no half-close short of closing the write end.
	if httputil.HasRequestBody(rec.Method) {
		proc.Stdin.SetCallbacks(hio.Callbacks{
			OnWrite: func(dev *hio.Device, wrlen int, wrctx any, dst net.Addr) {
				ct.Task.onPeerWriteComplete()
				if ct.stdinEOF && dev.PendingWrites() == 0 {
					svc.Loop.Halt(dev)
				}
			},
		})
		ct.Task.onBody = func(data []byte) {
			if proc.Stdin != nil {
				ct.Task.notePeerWrite()
				_ = proc.Stdin.Write(data, nil, nil)
			}
		}
		ct.Task.onBodyEnd = func() {
			if proc.Stdin == nil {
				return
			}
			if proc.Stdin.PendingWrites() == 0 {
				svc.Loop.Halt(proc.Stdin)
				return
			}
			ct.stdinEOF = true
		}
		handleexpect100(ct.Task, rec, true)
	} else {
		if proc.Stdin != nil {
			svc.Loop.Halt(proc.Stdin)
		}
	}

	return ct.Task
}

func (ct *cgiTask) onExit(p *hio.Process, err error) {
	if err != nil && !ct.Task.headerWritten {
		ct.Task.sendfinalres(httputil.StatusInternalServerError, "", nil, false)
	}
}

func (ct *cgiTask) onKill(t *Task) {
	if ct.proc != nil {
		t.svc.cgiActive--
		ct.proc.Halt()
	}
}

func (ct *cgiTask) onPeerRead(dev *hio.Device, data []byte, n int, srcAddr net.Addr) {
	if n <= 0 {
		// EOF completes a close-delimited CGI body (firing the peer Poke);
		// before any output it means the child died pre-headers.
		_ = ct.parser.FeedEOF()
		if !ct.Task.headerWritten {
			ct.Task.sendfinalres(httputil.StatusBadGateway, "", nil, false)
		}
		ct.Task.markOver(OverRPeer)
		return
	}
	buf := data
	for len(buf) > 0 {
		consumed, err := ct.parser.Feed(buf)
		if err != nil {
			if !ct.Task.headerWritten {
				ct.Task.sendfinalres(httputil.StatusBadGateway, "", nil, false)
			}
			ct.Task.markOver(OverRPeer)
			return
		}
		if consumed == 0 {
			break
		}
		buf = buf[consumed:]
	}
}

// onPeerPeek converts the CGI preamble into a client-facing status line
// plus forwarded headers and chooses response framing.
func (ct *cgiTask) onPeerPeek(p *htrd.Parser, rec *htrd.Record) error {
	forwardPeerPreamble(ct.Task, rec)
	return nil
}

func (ct *cgiTask) onPeerContent(p *htrd.Parser, rec *htrd.Record, data []byte) error {
	ct.Task.addresbody(data)
	return nil
}

func (ct *cgiTask) onPeerPoke(p *htrd.Parser, rec *htrd.Record) error {
	ct.Task.endbody()
	ct.Task.markOver(OverRPeer)
	return nil
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode()&0111 != 0
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	full := addr.String()
	if i := strings.LastIndexByte(full, ':'); i >= 0 {
		return full[:i]
	}
	return full
}

func splitAddrPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	full := addr.String()
	i := strings.LastIndexByte(full, ':')
	if i < 0 {
		return full, 0
	}
	port, _ := strconv.Atoi(full[i+1:])
	return full[:i], port
}
