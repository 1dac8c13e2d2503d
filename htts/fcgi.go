package htts

import (
	"github.com/hyung-hwan/hio-go/htrd"
	"github.com/hyung-hwan/hio-go/httputil"
)

type fcgiTask struct {
	*Task

	client *FCGIClient
	reqID  uint16
	parser *htrd.Parser
}

// DoFCGI binds an "fcgi" task to cli, multiplexing the request over
// svc.FCGI's persistent upstream connection. Params mirror the CGI
// environment; body bytes forward as STDIN
// records; STDOUT records are demultiplexed through a response-mode
// HTRD exactly like the CGI peer parser.
func DoFCGI(svc *Service, cli *Client, rec *htrd.Record) *Task {
	if svc.FCGI == nil {
		t := newTask(svc, cli, rec, func(*Task) {})
		t.sendfinalres(httputil.StatusBadGateway, "", nil, false)
		t.markOver(OverRClient)
		return t
	}

	ft := &fcgiTask{client: svc.FCGI}
	ft.Task = newTask(svc, cli, rec, ft.onKill)

	ft.parser = htrd.New(htrd.OptResponse|htrd.OptSkipInitialLine, htrd.Callbacks{
		Peek:        ft.onPeerPeek,
		PushContent: ft.onPeerContent,
		Poke:        ft.onPeerPoke,
	})

	remoteAddr, remotePort := splitAddrPort(cli.PeerAddr())
	scriptPath, _ := mergeAndCanonicalize(svc.Docroot, rec.Path)
	env := cgiEnvVars(svc, ft.Task, rec, scriptPath, remoteAddr, remotePort)

	ft.reqID = ft.client.begin(env, ft.onPeerRead, ft.onUntie)

	if httputil.HasRequestBody(rec.Method) {
		ft.Task.onBody = func(data []byte) {
			ft.client.writeStdin(ft.reqID, data)
		}
		ft.Task.onBodyEnd = func() {
			ft.client.writeStdin(ft.reqID, nil)
		}
		handleexpect100(ft.Task, rec, true)
	} else {
		ft.client.writeStdin(ft.reqID, nil)
	}

	return ft.Task
}

func (ft *fcgiTask) onKill(t *Task) {
	ft.client.end(ft.reqID)
}

// onUntie is the session service's disconnect notification: an upstream
// disconnect tears the task down the same way a read error would.
func (ft *fcgiTask) onUntie() {
	if !ft.Task.headerWritten {
		ft.Task.sendfinalres(httputil.StatusBadGateway, "", nil, false)
	}
	ft.Task.markOver(OverRPeer)
}

func (ft *fcgiTask) onPeerRead(data []byte, eof bool) {
	if len(data) == 0 {
		if eof {
			// The empty STDOUT record ends the upstream's output; a
			// close-delimited body completes here.
			_ = ft.parser.FeedEOF()
			if !ft.Task.headerWritten {
				ft.Task.sendfinalres(httputil.StatusBadGateway, "", nil, false)
			}
			ft.Task.markOver(OverRPeer)
		}
		return
	}
	buf := data
	for len(buf) > 0 {
		consumed, err := ft.parser.Feed(buf)
		if err != nil {
			if !ft.Task.headerWritten {
				ft.Task.sendfinalres(httputil.StatusBadGateway, "", nil, false)
			}
			ft.Task.markOver(OverRPeer)
			return
		}
		if consumed == 0 {
			break
		}
		buf = buf[consumed:]
	}
}

func (ft *fcgiTask) onPeerPeek(p *htrd.Parser, rec *htrd.Record) error {
	forwardPeerPreamble(ft.Task, rec)
	return nil
}

func (ft *fcgiTask) onPeerContent(p *htrd.Parser, rec *htrd.Record, data []byte) error {
	ft.Task.addresbody(data)
	return nil
}

func (ft *fcgiTask) onPeerPoke(p *htrd.Parser, rec *htrd.Record) error {
	ft.Task.endbody()
	ft.Task.markOver(OverRPeer)
	return nil
}
