package htts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	hio "github.com/hyung-hwan/hio-go"
	"github.com/hyung-hwan/hio-go/htrd"
	"github.com/hyung-hwan/hio-go/httputil"
)

// fileReadChunk is the buffered (non-sendfile) read size.
const fileReadChunk = 64 * 1024

// maxSendfileChunk bounds a single sendfile transfer to just under 2 GiB.
const maxSendfileChunk = int64(1<<31 - 1)

// FileOptions is the file task's option mask.
type FileOptions uint32

const (
	FileNo100Continue FileOptions = 1 << iota
	FileReadOnly
	FileListDir
)

type fileTask struct {
	*Task

	f *os.File

	startOffset, endOffset, curOffset, totalSize int64
	sendfileOK                                   bool

	tempListing *os.File
}

// DoFile binds a "file" task to cli. It resolves the
// request path against svc.Docroot, dispatches on method, and streams
// (or accepts) the body accordingly.
func DoFile(svc *Service, cli *Client, rec *htrd.Record) *Task {
	ft := &fileTask{}
	ft.Task = newTask(svc, cli, rec, ft.onKill)

	actual, err := mergeAndCanonicalize(svc.Docroot, rec.Path)
	if err != nil {
		ft.Task.sendfinalres(httputil.StatusForbidden, "", nil, false)
		ft.Task.markOver(OverRClient)
		return ft.Task
	}

	switch rec.Method {
	case httputil.MethodGet, httputil.MethodHead:
		ft.handleGet(svc, rec, actual, rec.Method == httputil.MethodHead)
		ft.Task.markOver(OverRClient)
	case httputil.MethodPost, httputil.MethodPut:
		if svc.ReadOnly {
			ft.Task.sendfinalres(httputil.StatusMethodNotAllowed, "", nil, false)
			ft.Task.markOver(OverRClient)
			return ft.Task
		}
		ft.handleWrite(actual, rec)
	case httputil.MethodDelete:
		if svc.ReadOnly {
			ft.Task.sendfinalres(httputil.StatusMethodNotAllowed, "", nil, false)
		} else {
			ft.handleDelete(actual)
		}
		ft.Task.markOver(OverRClient)
	default:
		ft.Task.sendfinalres(httputil.StatusMethodNotAllowed, "", nil, false)
		ft.Task.markOver(OverRClient)
	}

	return ft.Task
}

func (ft *fileTask) onKill(t *Task) {
	if ft.f != nil {
		_ = ft.f.Close()
	}
	if ft.tempListing != nil {
		name := ft.tempListing.Name()
		_ = ft.tempListing.Close()
		_ = os.Remove(name)
	}
}

// handleGet implements the GET/HEAD path.
func (ft *fileTask) handleGet(svc *Service, rec *htrd.Record, actual string, headOnly bool) {
	f, info, status := openForRead(actual)
	if status != 0 {
		ft.Task.sendfinalres(status, "", nil, false)
		return
	}

	if info.IsDir() {
		if svc.IndexFile != "" {
			if idx, idxInfo, ok := tryOpen(filepath.Join(actual, svc.IndexFile)); ok {
				_ = f.Close()
				f, info = idx, idxInfo
			} else if svc.ListDir {
				_ = f.Close()
				lf, lerr := ft.generateListing(actual, rec.Path)
				if lerr != nil {
					ft.Task.sendfinalres(httputil.StatusInternalServerError, "", nil, false)
					return
				}
				f = lf
				info, _ = f.Stat()
			} else {
				_ = f.Close()
				ft.Task.sendfinalres(httputil.StatusNotFound, "", nil, false)
				return
			}
		} else if svc.ListDir {
			_ = f.Close()
			lf, lerr := ft.generateListing(actual, rec.Path)
			if lerr != nil {
				ft.Task.sendfinalres(httputil.StatusInternalServerError, "", nil, false)
				return
			}
			f = lf
			info, _ = f.Stat()
		} else {
			_ = f.Close()
			ft.Task.sendfinalres(httputil.StatusNotFound, "", nil, false)
			return
		}
	}

	ft.f = f
	ft.totalSize = info.Size()
	etag := computeETag(info)

	if inm, ok := rec.Headers.Get("If-None-Match"); ok && etagMatches(inm, etag) {
		ft.Task.sendfinalres(httputil.StatusNotModified, "", nil, false)
		return
	}

	ft.startOffset = 0
	ft.endOffset = ft.totalSize - 1
	status200 := httputil.StatusOK
	var contentRange string
	if rg, ok := rec.Headers.Get("Range"); ok {
		br, rerr := httputil.ParseRange(rg, ft.totalSize)
		if rerr != nil {
			ft.Task.sendfinalres(httputil.StatusRangeNotSatisfiable, "", nil, false)
			return
		}
		ft.startOffset, ft.endOffset = br.Start, br.End
		status200 = httputil.StatusPartialContent
		contentRange = br.ContentRange(ft.totalSize)
	}
	ft.curOffset = ft.startOffset
	contentLength := ft.endOffset - ft.startOffset + 1

	ft.sendfileOK = !headOnly

	sfd, isSocket := socketFD(ft.Task.clientDevice())
	ft.startFileResHeaders(status200, contentLength, contentRange, etag)

	if headOnly || contentLength == 0 {
		ft.Task.endbody()
		return
	}

	if isSocket {
		_ = unix.SetsockoptInt(sfd, unix.IPPROTO_TCP, unix.TCP_CORK, 1)
	}

	ft.streamBody()
}

// startFileResHeaders writes the status line and headers for a file
// response: no peer/framing passthrough, content-length framing always
// (file responses are never chunked).
func (ft *fileTask) startFileResHeaders(status int, contentLength int64, contentRange, etag string) {
	t := ft.Task
	t.headerWritten = true
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%d.%d %d %s\r\n", t.Version[0], t.Version[1], status, httputil.StatusText(status))
	fmt.Fprintf(&b, "Server: %s\r\n", t.svc.ServerName)
	fmt.Fprintf(&b, "Date: %s\r\n", httputil.FormatDate(time.Now()))
	if t.KeepAlive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
		t.forceClose = true
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", contentLength)
	if contentRange != "" {
		fmt.Fprintf(&b, "Content-Ranges: %s\r\n", contentRange)
	}
	fmt.Fprintf(&b, "ETag: %s\r\n", etag)
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("\r\n")
	t.writeClient([]byte(b.String()))
}

// streamBody sends the resolved byte range to the client, by sendfile in
// ~2GiB chunks when sendfileOK is set (handleGet sets it for every GET),
// otherwise via a fixed read/write buffer loop resumed with a zero-delay
// timer on EAGAIN/EINTR.
func (ft *fileTask) streamBody() {
	remaining := ft.endOffset - ft.curOffset + 1
	if remaining <= 0 {
		ft.finishBody()
		return
	}
	if ft.sendfileOK {
		n := remaining
		if n > maxSendfileChunk {
			n = maxSendfileChunk
		}
		ft.Task.addresbodyfromfile(int(ft.f.Fd()), ft.curOffset, n)
		ft.curOffset += n
		if ft.curOffset > ft.endOffset {
			ft.finishBody()
		} else {
			ft.Task.svc.Loop.ScheduleTimerAfter(0, func(l *hio.Loop, now hio.Instant, j *hio.TimerJob) {
				ft.streamBody()
			}, nil)
		}
		return
	}

	buf := make([]byte, fileReadChunk)
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	n, err := ft.f.ReadAt(buf, ft.curOffset)
	if n > 0 {
		ft.Task.writeClient(buf[:n])
		ft.curOffset += int64(n)
	}
	if err == io.EOF || ft.curOffset > ft.endOffset {
		ft.finishBody()
		return
	}
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
			ft.Task.svc.Loop.ScheduleTimerAfter(0, func(l *hio.Loop, now hio.Instant, j *hio.TimerJob) {
				ft.streamBody()
			}, nil)
			return
		}
		ft.finishBody()
		return
	}
	ft.Task.svc.Loop.ScheduleTimerAfter(0, func(l *hio.Loop, now hio.Instant, j *hio.TimerJob) {
		ft.streamBody()
	}, nil)
}

func (ft *fileTask) finishBody() {
	if sfd, ok := socketFD(ft.Task.clientDevice()); ok {
		_ = unix.SetsockoptInt(sfd, unix.IPPROTO_TCP, unix.TCP_CORK, 0)
	}
	ft.Task.endbody()
}

// handleWrite implements POST/PUT: client body bytes are routed directly
// into the opened file; no bytes flow back to the client beyond the
// final status, so the peer-read half is over immediately.
func (ft *fileTask) handleWrite(actual string, rec *htrd.Record) {
	f, err := os.OpenFile(actual, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		ft.Task.sendfinalres(httputil.ErrnoStatus(os.IsNotExist(err), os.IsPermission(err)), "", nil, false)
		ft.Task.markOver(OverRClient)
		return
	}
	ft.f = f
	ft.Task.markOver(OverRPeer | OverWPeer)

	ft.Task.onBody = func(data []byte) {
		if ft.f != nil {
			_, _ = ft.f.Write(data)
		}
	}
	ft.Task.onBodyEnd = func() {
		if ft.f != nil {
			_ = ft.f.Close()
			ft.f = nil
		}
		ft.Task.sendfinalres(httputil.StatusNoContent, "", nil, false)
	}

	if rec.ContentLength == 0 && !rec.Chunked {
		_ = f.Close()
		ft.f = nil
		ft.Task.sendfinalres(httputil.StatusNoContent, "", nil, false)
	}
}

// handleDelete removes the target. Go's
// os.Remove already tries unlink then rmdir internally, so the
// EISDIR-triggers-rmdir fallback the original C source spells out
// explicitly falls out of the stdlib call for free.
func (ft *fileTask) handleDelete(actual string) {
	err := os.Remove(actual)
	if err != nil {
		ft.Task.sendfinalres(httputil.ErrnoStatus(os.IsNotExist(err), os.IsPermission(err)), "", nil, false)
		return
	}
	ft.Task.sendfinalres(httputil.StatusNoContent, "", nil, false)
}

// generateListing writes an HTML directory listing to a temp file and
// returns it open for reading; the listing is then served like any
// regular file.
func (ft *fileTask) generateListing(dir, reqPath string) (*os.File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	tmp, err := os.CreateTemp("", "hio-listing-*")
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(tmp, "<html><head><title>Index of %s</title></head><body>\n", reqPath)
	fmt.Fprintf(tmp, "<h1>Index of %s</h1>\n<ul>\n", reqPath)
	if reqPath != "/" {
		fmt.Fprintf(tmp, "<li><a href=\"../\">../</a></li>\n")
	}
	for _, e := range entries {
		name := e.Name()
		href := httputil.PercentEncode(name)
		if e.IsDir() {
			name += "/"
			href += "/"
		}
		fmt.Fprintf(tmp, "<li><a href=\"%s\">%s</a></li>\n", href, name)
	}
	tmp.WriteString("</ul></body></html>\n")

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	ft.tempListing = tmp
	return tmp, nil
}

func openForRead(path string) (*os.File, os.FileInfo, int) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, httputil.ErrnoStatus(os.IsNotExist(err), os.IsPermission(err))
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, httputil.StatusInternalServerError
	}
	return f, info, 0
}

func tryOpen(path string) (*os.File, os.FileInfo, bool) {
	f, info, status := openForRead(path)
	if status != 0 || info.IsDir() {
		if f != nil {
			_ = f.Close()
		}
		return nil, nil, false
	}
	return f, info, true
}

// computeETag renders mtime_sec[-mtime_nsec]-size-inode-dev in lowercase
// hex
func computeETag(info os.FileInfo) string {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Sprintf("%x-%x", info.ModTime().Unix(), info.Size())
	}
	sec := st.Mtim.Sec
	nsec := st.Mtim.Nsec
	if nsec != 0 {
		return fmt.Sprintf("%x-%x-%x-%x-%x", sec, nsec, info.Size(), st.Ino, st.Dev)
	}
	return fmt.Sprintf("%x-%x-%x-%x", sec, info.Size(), st.Ino, st.Dev)
}

func etagMatches(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "*" {
		return true
	}
	for _, part := range strings.Split(header, ",") {
		if strings.Trim(strings.TrimSpace(part), `"`) == etag {
			return true
		}
	}
	return false
}

// mergeAndCanonicalize merges base and path with exactly one separator,
// collapses "." and ".." and duplicate slashes, and rejects any result
// that escapes base
func mergeAndCanonicalize(base, reqPath string) (string, error) {
	joined := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(reqPath, "/")
	clean := filepath.Clean(joined)
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absClean, err := filepath.Abs(clean)
	if err != nil {
		return "", err
	}
	if absClean != absBase && !strings.HasPrefix(absClean, absBase+string(filepath.Separator)) {
		return "", hio.NewError(hio.KindPermission, "file.path", nil)
	}
	return absClean, nil
}

// clientDevice exposes the bound client's hio.Device, or nil.
func (t *Task) clientDevice() *hio.Device {
	if t.client == nil {
		return nil
	}
	return t.client.Device()
}

// socketFD returns dev's fd if dev is a socket device, for setsockopt
// calls the generic Device API doesn't expose (TCP_CORK).
func socketFD(dev *hio.Device) (int, bool) {
	if dev == nil || dev.Kind != hio.KindSocket {
		return 0, false
	}
	return dev.FD(), true
}
