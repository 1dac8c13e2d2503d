package htts

import (
	"fmt"
	"strings"
	"time"

	hio "github.com/hyung-hwan/hio-go"
	"github.com/hyung-hwan/hio-go/htrd"
	"github.com/hyung-hwan/hio-go/httputil"
)

// Over is the four-halves completion bitmask.
type Over uint8

const (
	OverRClient Over = 1 << iota
	OverRPeer
	OverWClient
	OverWPeer
	overAll = OverRClient | OverRPeer | OverWClient | OverWPeer
)

// writeBackpressureThreshold is the pending-write count above which the
// other side's read interest is paused; at or below it, interest is
// restored.
const writeBackpressureThreshold = 5

// hopByHop headers the task layer always supplies itself and therefore
// never passes through from an upstream response.
var hopByHop = map[string]bool{
	"status":            true,
	"connection":        true,
	"transfer-encoding": true,
	"server":            true,
	"date":              true,
	"content-length":    true,
}

// ResponseFraming selects how a task's outgoing response body is
// delimited.
type ResponseFraming int

const (
	FramingLength ResponseFraming = iota
	FramingChunked
	FramingClose
)

// Task is the common base every task strategy (file/cgi/fcgi/thr/txt)
// embeds. It tracks the four-halves completion mask, reference count,
// and the client-facing response writer helpers.
type Task struct {
	svc    *Service
	client *Client
	peer   *hio.Device

	refcount int

	over Over

	Method    string
	Path      string
	Version   [2]int
	KeepAlive bool

	framing       ResponseFraming
	headerWritten bool
	forceClose    bool

	pendingClientWrites int
	pendingPeerWrites   int

	clientGoneFlag bool

	onKill func(*Task)

	peerReadPaused   bool
	clientReadPaused bool

	// wClientWhenDrained defers the W_CLIENT transition until the client
	// write queue empties, so a kept-alive task's resources (e.g. the
	// file fd queued sendfile entries still reference) outlive every
	// in-flight write.
	wClientWhenDrained bool

	// onBody and onBodyEnd let each task strategy forward client request
	// body bytes to its peer (file fd, CGI stdin, FastCGI STDIN records,
	// thread pipe). Left nil, a task strategy has no body sink (txt).
	onBody    func(data []byte)
	onBodyEnd func()
}

func newTask(svc *Service, cli *Client, rec *htrd.Record, onKill func(*Task)) *Task {
	t := &Task{
		svc:       svc,
		client:    cli,
		Method:    rec.Method,
		Path:      rec.Path,
		Version:   [2]int{rec.Major, rec.Minor},
		KeepAlive: rec.KeepAlive,
		onKill:    onKill,
	}
	t.refcount = 1 // client -> task edge
	cli.bindTask(t)
	return t
}

// RCUp increments the task's reference count, one per owning edge
// (task<->client, task<->peer device, task<->peer HTRD).
func (t *Task) RCUp() { t.refcount++ }

// RCDown decrements the reference count; at zero, onKill runs and the
// task is considered dead. Safe to call more times than RCUp only if the
// caller has a bug - mirrored here as a defensive floor rather than a
// panic, since a double-free bug should not take down the whole loop.
func (t *Task) RCDown() {
	if t.refcount <= 0 {
		return
	}
	t.refcount--
	if t.refcount == 0 && t.onKill != nil {
		t.onKill(t)
	}
}

// markOver sets the given bits in the over mask and, once all four are
// set, runs the completion sequence. Each bit is monotonic: setting an
// already-set bit is a no-op.
func (t *Task) markOver(bits Over) {
	fresh := bits &^ t.over
	if fresh == 0 {
		return
	}
	t.over |= fresh
	if fresh&OverRClient != 0 && t.client != nil {
		_ = t.client.Device().Read(false)
	}
	if fresh&OverRPeer != 0 && t.peer != nil {
		_ = t.peer.Read(false)
	}
	if t.over == overAll {
		t.complete()
	}
}

func (t *Task) complete() {
	if t.peer != nil {
		t.svc.Loop.Halt(t.peer)
		t.peer = nil
	}
	if t.client == nil {
		t.RCDown()
		return
	}
	if t.KeepAlive && !t.clientGoneFlag && !t.forceClose {
		t.client.unbindTask()
	} else if !t.clientGoneFlag {
		_ = t.client.Device().Shutdown(hio.ShutWrite)
		t.svc.Loop.Halt(t.client.Device())
	}
	t.client = nil
	t.RCDown()
}

// clientGone is invoked by Client.onDisconnect. With the client gone
// nothing can be read from or written to it again, and no further
// request body bytes will reach the peer; the task must still release
// its resources, so all four halves are forced over and complete halts
// the peer right away, whether or not its output has ended.
func (t *Task) clientGone() {
	t.clientGoneFlag = true
	t.KeepAlive = false
	t.client = nil
	t.markOver(OverWClient | OverRClient | OverWPeer | OverRPeer)
}

func (t *Task) onClientBody(data []byte) {
	if t.onBody != nil {
		t.onBody(data)
	}
}

func (t *Task) onClientBodyEnd() {
	if t.onBodyEnd != nil {
		t.onBodyEnd()
	}
	// The request body is fully forwarded, so nothing further will ever be
	// written to the peer: the peer's input side is done along with the
	// client's read side.
	t.markOver(OverRClient | OverWPeer)
}

func (t *Task) onClientWriteComplete(wrlen int) {
	t.pendingClientWrites--
	if t.peerReadPaused && t.pendingClientWrites <= writeBackpressureThreshold && t.peer != nil {
		t.peerReadPaused = false
		_ = t.peer.Read(true)
	}
	if wrlen == 0 {
		// The queued EOF marker reached the front of the write queue:
		// every response byte before it has been dispatched.
		t.markOver(OverWClient)
		return
	}
	if t.wClientWhenDrained && t.pendingClientWrites == 0 {
		t.wClientWhenDrained = false
		t.markOver(OverWClient)
	}
}

// notePeerWrite accounts one write queued toward the peer and pauses
// client reads past the backpressure threshold.
func (t *Task) notePeerWrite() {
	t.pendingPeerWrites++
	if t.pendingPeerWrites > writeBackpressureThreshold && t.client != nil && !t.clientReadPaused && t.over&OverRClient == 0 {
		t.clientReadPaused = true
		_ = t.client.Device().Read(false)
	}
}

// onPeerWriteComplete is the inverse transition, restoring the client's
// read interest at the same threshold.
func (t *Task) onPeerWriteComplete() {
	t.pendingPeerWrites--
	if t.clientReadPaused && t.pendingPeerWrites <= writeBackpressureThreshold && t.client != nil && t.over&OverRClient == 0 {
		t.clientReadPaused = false
		_ = t.client.Device().Read(true)
	}
}

func (t *Task) writeClient(data []byte) {
	if t.client == nil {
		return
	}
	t.pendingClientWrites++
	_ = t.client.Device().Write(data, nil, nil)
	if t.pendingClientWrites > writeBackpressureThreshold && t.peer != nil && !t.peerReadPaused {
		t.peerReadPaused = true
		_ = t.peer.Read(false)
	}
}

func (t *Task) writeClientEOF() {
	if t.client == nil {
		return
	}
	t.pendingClientWrites++
	_ = t.client.Device().Write(nil, nil, nil)
}

// sendfinalres emits a complete minimal response: status line, the
// standard header set, Content-Length and the optional body.
func (t *Task) sendfinalres(status int, contentType string, body []byte, forceClose bool) {
	if t.headerWritten {
		return
	}
	t.headerWritten = true
	t.forceClose = forceClose || t.forceClose
	keepAlive := t.KeepAlive && !t.forceClose

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%d.%d %d %s\r\n", t.Version[0], t.Version[1], status, httputil.StatusText(status))
	fmt.Fprintf(&b, "Server: %s\r\n", t.svc.ServerName)
	fmt.Fprintf(&b, "Date: %s\r\n", httputil.FormatDate(time.Now()))
	if keepAlive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)

	t.writeClient([]byte(b.String()))
	t.markOver(OverWPeer | OverRPeer)
	t.endbody()
}

// startreshdr streams the status line plus Server and Date for a
// passthrough response (cgi, fcgi, thr). The framing is chosen by the
// caller and applied by endreshdr.
func (t *Task) startreshdr(status int, statusMsg string) {
	if t.headerWritten {
		return
	}
	t.headerWritten = true
	var b strings.Builder
	if statusMsg == "" {
		statusMsg = httputil.StatusText(status)
	}
	fmt.Fprintf(&b, "HTTP/%d.%d %d %s\r\n", t.Version[0], t.Version[1], status, statusMsg)
	fmt.Fprintf(&b, "Server: %s\r\n", t.svc.ServerName)
	fmt.Fprintf(&b, "Date: %s\r\n", httputil.FormatDate(time.Now()))
	t.writeClient([]byte(b.String()))
}

// addreshdrs writes header lines from a peer response, filtering the
// hop-by-hop set the task owns itself.
func (t *Task) addreshdrs(headers []htrd.Header) {
	var b strings.Builder
	for _, h := range headers {
		if hopByHop[strings.ToLower(h.Name)] {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if b.Len() > 0 {
		t.writeClient([]byte(b.String()))
	}
}

// endreshdr finalizes the framing choice and terminates the header
// block.
func (t *Task) endreshdr(framing ResponseFraming) {
	t.framing = framing
	var b strings.Builder
	switch framing {
	case FramingChunked:
		b.WriteString("Transfer-Encoding: chunked\r\n")
	case FramingClose:
		t.forceClose = true
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	t.writeClient([]byte(b.String()))
}

// addresbody writes one body chunk, applying the chosen framing.
func (t *Task) addresbody(data []byte) {
	if len(data) == 0 {
		return
	}
	if t.framing == FramingChunked {
		var b strings.Builder
		fmt.Fprintf(&b, "%x\r\n", len(data))
		b.Write(data)
		b.WriteString("\r\n")
		t.writeClient([]byte(b.String()))
		return
	}
	t.writeClient(data)
}

// addresbodyfromfile issues a zero-copy sendfile on the client socket.
func (t *Task) addresbodyfromfile(srcFD int, offset, length int64) {
	if t.client == nil {
		return
	}
	t.pendingClientWrites++
	_ = t.client.Device().Sendfile(srcFD, offset, length, nil)
}

// endbody terminates the response body: for chunked framing, the
// terminating zero-size chunk; for non-keep-alive, an EOF write. In the
// close case W_CLIENT is marked only when the queued EOF marker
// completes (Client.onWrite with wrlen 0), so the client is never shut
// down with response bytes still sitting in the write queue.
func (t *Task) endbody() {
	if t.framing == FramingChunked {
		t.writeClient([]byte("0\r\n\r\n"))
	}
	if t.peer == nil {
		t.markOver(OverRPeer | OverWPeer)
	}
	if (!t.KeepAlive || t.forceClose) && t.client != nil {
		t.writeClientEOF()
		return
	}
	if t.pendingClientWrites > 0 {
		t.wClientWhenDrained = true
		return
	}
	t.markOver(OverWClient)
}

// handleexpect100 honors Expect: 100-continue only when the version is
// at least 1.1 and there is body to follow. If the Expect value is
// not "100-continue" (case-insensitively), 417 is emitted instead.
func handleexpect100(t *Task, rec *htrd.Record, hasBody bool) (handled bool) {
	expectVal, found := rec.Headers.Get("Expect")
	if !found {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(expectVal), "100-continue") {
		t.sendfinalres(httputil.StatusExpectationFailed, "", nil, true)
		return true
	}
	if t.Version[0] < 1 || (t.Version[0] == 1 && t.Version[1] < 1) || !hasBody {
		return false
	}
	t.writeClient([]byte(fmt.Sprintf("HTTP/%d.%d 100 Continue\r\n\r\n", t.Version[0], t.Version[1])))
	return false
}
