package htts

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	hio "github.com/hyung-hwan/hio-go"
	"github.com/hyung-hwan/hio-go/htrd"
)

// startLoopback starts an htts.Service on an ephemeral loopback TCP port
// with the given ProcReqFunc and drives the owning Loop on a background
// goroutine. The returned cleanup func stops the loop and waits for Run to
// return.
func startLoopback(t *testing.T, procReq ProcReqFunc) (addr string, cleanup func()) {
	t.Helper()
	loop, err := hio.Open()
	if err != nil {
		t.Fatalf("hio.Open: %v", err)
	}

	// Pick an ephemeral port via the stdlib, then close it immediately
	// before hio's own socket binds the same address. A narrow TOCTOU
	// race in theory; acceptable for a loopback-only test.
	probe, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	_ = probe.Close()

	bindAddr := "127.0.0.1:" + strconv.Itoa(port)
	if _, err := Start(loop, []Bind{{Addr: bindAddr, Family: hio.TCP4, Flags: hio.ReuseAddr}}, procReq); err != nil {
		t.Fatalf("htts.Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	cleanup = func() {
		loop.Stop(nil)
		cancel()
		select {
		case <-runErr:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
		_ = loop.Close()
	}
	return bindAddr, cleanup
}

// dial connects to addr, retrying briefly while the listener comes up.
func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 200; i++ {
		conn, err = net.DialTimeout("tcp4", addr, 200*time.Millisecond)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, err)
	return nil
}

// readResponse parses one HTTP response's status line, headers and body
// (by Content-Length) off r.
func readResponse(t *testing.T, r *bufio.Reader) (status string, headers map[string]string, body string) {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	status = strings.TrimRight(line, "\r\n")

	headers = map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header line: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(line[:i]))] = strings.TrimSpace(line[i+1:])
	}

	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil {
			t.Fatalf("bad content-length %q: %v", cl, err)
		}
		buf := make([]byte, n)
		if _, err := readFull(r, buf); err != nil {
			t.Fatalf("read body: %v", err)
		}
		body = string(buf)
	}
	return status, headers, body
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestHTTSTextTaskKeepAliveRoundTrip(t *testing.T) {
	addr, cleanup := startLoopback(t, func(svc *Service, cli *Client, rec *htrd.Record) {
		DoText(svc, cli, rec, 200, "text/plain", []byte("hello"))
	})
	defer cleanup()

	conn := dial(t, addr)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	if _, err := conn.Write([]byte("GET /a HTTP/1.1\r\nHost: h\r\n\r\n")); err != nil {
		t.Fatalf("write request 1: %v", err)
	}
	status, headers, body := readResponse(t, r)
	if status != "HTTP/1.1 200 OK" {
		t.Fatalf("status = %q, want HTTP/1.1 200 OK", status)
	}
	if body != "hello" {
		t.Fatalf("body = %q, want hello", body)
	}
	if headers["connection"] != "keep-alive" {
		t.Fatalf("connection header = %q, want keep-alive", headers["connection"])
	}

	// The connection must survive to serve a second request (keep-alive).
	if _, err := conn.Write([]byte("GET /b HTTP/1.1\r\nHost: h\r\n\r\n")); err != nil {
		t.Fatalf("write request 2: %v", err)
	}
	status2, _, body2 := readResponse(t, r)
	if status2 != "HTTP/1.1 200 OK" {
		t.Fatalf("status2 = %q, want HTTP/1.1 200 OK", status2)
	}
	if body2 != "hello" {
		t.Fatalf("body2 = %q, want hello", body2)
	}
}

// TestHTTSTextTaskPipelinedRequestsInOneWrite sends two requests back to
// back in a single TCP write, exercising Client's residual-buffer
// replay: the second request's bytes arrive before the first
// request's task has unbound, so they must be held and replayed rather
// than dropped or misrouted to the wrong task.
func TestHTTSTextTaskPipelinedRequestsInOneWrite(t *testing.T) {
	var seen []string
	addr, cleanup := startLoopback(t, func(svc *Service, cli *Client, rec *htrd.Record) {
		seen = append(seen, rec.Path)
		DoText(svc, cli, rec, 200, "text/plain", []byte(rec.Path))
	})
	defer cleanup()

	conn := dial(t, addr)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	both := "GET /one HTTP/1.1\r\nHost: h\r\n\r\nGET /two HTTP/1.1\r\nHost: h\r\n\r\n"
	if _, err := conn.Write([]byte(both)); err != nil {
		t.Fatalf("write pipelined requests: %v", err)
	}

	_, _, body1 := readResponse(t, r)
	if body1 != "/one" {
		t.Fatalf("body1 = %q, want /one", body1)
	}
	_, _, body2 := readResponse(t, r)
	if body2 != "/two" {
		t.Fatalf("body2 = %q, want /two", body2)
	}
	if len(seen) != 2 || seen[0] != "/one" || seen[1] != "/two" {
		t.Fatalf("ProcReq saw %v, want [/one /two] in order", seen)
	}
}

func TestHTTSTextTaskHTTP10CloseDelimited(t *testing.T) {
	addr, cleanup := startLoopback(t, func(svc *Service, cli *Client, rec *htrd.Record) {
		DoText(svc, cli, rec, 404, "text/plain", []byte("nope"))
	})
	defer cleanup()

	conn := dial(t, addr)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("GET /missing HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break // EOF: HTTP/1.0 with no keep-alive must close after the response.
		}
	}
	got := string(buf)
	if !strings.HasPrefix(got, "HTTP/1.0 404") {
		t.Fatalf("response = %q, want an HTTP/1.0 404 status line", got)
	}
	if !strings.Contains(got, "nope") {
		t.Fatalf("response = %q, want body %q", got, "nope")
	}
	if !strings.Contains(got, "Connection: close") {
		t.Fatalf("response = %q, want Connection: close", got)
	}
}
