package htrd

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/hyung-hwan/hio-go/httputil"
)

// Option is a bitmask configuring a Parser's mode
type Option uint32

const (
	// OptRequest parses request-line + headers + body.
	OptRequest Option = 1 << iota
	// OptResponse parses status-line + headers + body.
	OptResponse
	// OptSkipInitialLine treats the first line as an ordinary header
	// line unless it looks like "Status: CODE MESSAGE" (used for CGI
	// output, which may or may not include a status pseudo-header).
	OptSkipInitialLine
	// OptTrailers stores headers following a chunked body's terminating
	// chunk separately in Record.Trailers instead of discarding them.
	OptTrailers
)

// ErrProtocol is returned from Feed (and FeedEOF) for malformed input the
// parser cannot recover from.
var ErrProtocol = errors.New("htrd: protocol error")

// Record holds one parsed message's metadata, reset at the start of each
// message. Feed maintains a fresh Record per message; do not retain a
// pointer across message boundaries without copying fields you need.
type Record struct {
	// Request fields.
	Method         string
	Path           string
	Query          string
	PercentDecoded bool

	// Response fields.
	StatusCode int
	StatusMsg  string

	Major, Minor int

	Headers  Headers
	Trailers Headers

	// ContentLength is the parsed Content-Length, or -1 if absent/unknown
	// (chunked or close-delimited).
	ContentLength int64
	Chunked       bool
	Expect100     bool
	KeepAlive     bool
}

// Callbacks are invoked during Feed. Any non-nil error returned aborts
// parsing of the current message; Feed then returns that error.
type Callbacks struct {
	// Peek fires once the header block is complete, before any body byte
	// is delivered. The callback may inspect/modify framing expectations
	// via the Record; a non-nil error is a parse error.
	Peek func(p *Parser, rec *Record) error
	// PushContent fires for each body chunk as it arrives. For chunked
	// transfer only payload bytes are delivered, framing is stripped.
	PushContent func(p *Parser, rec *Record, data []byte) error
	// Poke fires once the message (headers + body/trailers) is fully
	// parsed.
	Poke func(p *Parser, rec *Record) error
}

type parserState int

const (
	stInitialLine parserState = iota
	stHeaderLine
	stBodyLength
	stBodyUntilEOF
	stChunkSize
	stChunkData
	stChunkCRLF
	stChunkTrailer
	stDone
)

// Parser is an incremental HTTP message decoder. Feed bytes to it in any
// split; it calls back through Callbacks as the message becomes
// available. A single Parser instance parses one message after another,
// resetting its Record between messages (i.e. it is suitable for a
// persistent keep-alive connection).
type Parser struct {
	opts Option
	cb   Callbacks

	state parserState
	rec   Record

	lineBuf []byte

	bodyRemaining  int64
	chunkRemaining int64
}

// New constructs a Parser with the given options and callbacks.
func New(opts Option, cb Callbacks) *Parser {
	p := &Parser{opts: opts, cb: cb}
	p.reset()
	return p
}

func (p *Parser) reset() {
	p.state = stInitialLine
	p.rec = Record{ContentLength: -1}
	p.lineBuf = p.lineBuf[:0]
}

// Record returns the in-progress (or just-completed) message record.
func (p *Parser) Record() *Record { return &p.rec }

// Feed processes as much of data as completes the current message's
// framing; it returns the number of bytes consumed. If the message
// completes partway through data, the remainder (consumed < len(data))
// is not touched by this call; the caller buffers it and re-feeds it as
// the start of the next message.
func (p *Parser) Feed(data []byte) (consumed int, err error) {
	for consumed < len(data) {
		switch p.state {
		case stInitialLine, stHeaderLine, stChunkSize, stChunkTrailer:
			n, line, ok, lerr := p.takeLine(data[consumed:])
			consumed += n
			if lerr != nil {
				return consumed, lerr
			}
			if !ok {
				return consumed, nil // need more data for this line
			}
			if err := p.handleLine(line); err != nil {
				return consumed, err
			}
			if p.state == stDone {
				// Message complete: stop here even if data has more bytes
				// left (a pipelined next request). The caller buffers the
				// remainder and re-feeds it once it is ready to start the
				// next message. The record stays readable until the next
				// Feed call resets for that message.
				return consumed, nil
			}
		case stBodyLength:
			n := p.bodyRemaining
			if n > int64(len(data)-consumed) {
				n = int64(len(data) - consumed)
			}
			if n > 0 {
				chunk := data[consumed : consumed+int(n)]
				if p.cb.PushContent != nil {
					if err := p.cb.PushContent(p, &p.rec, chunk); err != nil {
						return consumed, err
					}
				}
				consumed += int(n)
				p.bodyRemaining -= n
			}
			if p.bodyRemaining == 0 {
				if err := p.finishMessage(); err != nil {
					return consumed, err
				}
				return consumed, nil
			}
			if n == 0 && p.bodyRemaining > 0 {
				return consumed, nil
			}
		case stBodyUntilEOF:
			chunk := data[consumed:]
			if p.cb.PushContent != nil {
				if err := p.cb.PushContent(p, &p.rec, chunk); err != nil {
					return consumed, err
				}
			}
			consumed = len(data)
			return consumed, nil
		case stChunkData:
			n := p.chunkRemaining
			if n > int64(len(data)-consumed) {
				n = int64(len(data) - consumed)
			}
			if n > 0 {
				chunk := data[consumed : consumed+int(n)]
				if p.cb.PushContent != nil {
					if err := p.cb.PushContent(p, &p.rec, chunk); err != nil {
						return consumed, err
					}
				}
				consumed += int(n)
				p.chunkRemaining -= n
			}
			if p.chunkRemaining == 0 {
				p.state = stChunkCRLF
			} else {
				return consumed, nil
			}
		case stChunkCRLF:
			n, line, ok, lerr := p.takeLine(data[consumed:])
			consumed += n
			if lerr != nil {
				return consumed, lerr
			}
			if !ok {
				return consumed, nil
			}
			_ = line
			p.state = stChunkSize
		case stDone:
			p.reset()
		}
	}
	return consumed, nil
}

// takeLine extracts one CRLF- or LF-terminated line from buf, appending
// to the parser's carry-over lineBuf across calls. ok is false if buf
// does not yet contain a full line.
func (p *Parser) takeLine(buf []byte) (consumed int, line []byte, ok bool, err error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		p.lineBuf = append(p.lineBuf, buf...)
		return len(buf), nil, false, nil
	}
	p.lineBuf = append(p.lineBuf, buf[:idx]...)
	line = bytes.TrimSuffix(p.lineBuf, []byte("\r"))
	out := make([]byte, len(line))
	copy(out, line)
	p.lineBuf = p.lineBuf[:0]
	return idx + 1, out, true, nil
}

func (p *Parser) handleLine(line []byte) error {
	switch p.state {
	case stInitialLine:
		if p.opts&OptSkipInitialLine != 0 {
			if status, msg, ok := parseCGIStatusLine(string(line)); ok {
				p.rec.StatusCode = status
				p.rec.StatusMsg = msg
				p.state = stHeaderLine
				return nil
			}
			// Not a status pseudo-header: treat as the first ordinary
			// header line.
			p.state = stHeaderLine
			return p.handleLine(line)
		}
		if p.opts&OptRequest != 0 {
			return p.parseRequestLine(string(line))
		}
		return p.parseStatusLine(string(line))

	case stHeaderLine:
		if len(line) == 0 {
			return p.headersComplete()
		}
		name, value, ok := splitHeaderLine(string(line))
		if !ok {
			return ErrProtocol
		}
		p.rec.Headers.Add(name, value)
		return nil

	case stChunkSize:
		sizeStr := string(line)
		if i := strings.IndexByte(sizeStr, ';'); i >= 0 {
			sizeStr = sizeStr[:i]
		}
		sizeStr = strings.TrimSpace(sizeStr)
		n, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil || n < 0 {
			return ErrProtocol
		}
		if n == 0 {
			// The terminating blank line (and any trailer lines before
			// it) still has to be consumed, whether or not trailers are
			// being kept.
			p.state = stChunkTrailer
			return nil
		}
		p.chunkRemaining = n
		p.state = stChunkData
		return nil

	case stChunkTrailer:
		if len(line) == 0 {
			return p.finishMessage()
		}
		name, value, ok := splitHeaderLine(string(line))
		if !ok {
			return ErrProtocol
		}
		if p.opts&OptTrailers != 0 {
			p.rec.Trailers.Add(name, value)
		}
		return nil
	}
	return nil
}

func (p *Parser) parseRequestLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return ErrProtocol
	}
	p.rec.Method = parts[0]
	target := parts[1]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		p.rec.Path, p.rec.Query = target[:i], target[i+1:]
	} else {
		p.rec.Path = target
	}
	p.rec.Path = httputil.PercentDecode(p.rec.Path)
	p.rec.PercentDecoded = true
	major, minor, ok := parseHTTPVersion(parts[2])
	if !ok {
		return ErrProtocol
	}
	p.rec.Major, p.rec.Minor = major, minor
	p.state = stHeaderLine
	return nil
}

func (p *Parser) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return ErrProtocol
	}
	major, minor, ok := parseHTTPVersion(parts[0])
	if !ok {
		return ErrProtocol
	}
	p.rec.Major, p.rec.Minor = major, minor
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return ErrProtocol
	}
	p.rec.StatusCode = code
	if len(parts) == 3 {
		p.rec.StatusMsg = parts[2]
	}
	p.state = stHeaderLine
	return nil
}

func parseCGIStatusLine(line string) (code int, msg string, ok bool) {
	const pfx = "Status:"
	if !strings.HasPrefix(line, pfx) {
		return 0, "", false
	}
	rest := strings.TrimSpace(line[len(pfx):])
	parts := strings.SplitN(rest, " ", 2)
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	if len(parts) == 2 {
		msg = parts[1]
	}
	return n, msg, true
}

func parseHTTPVersion(s string) (major, minor int, ok bool) {
	const pfx = "HTTP/"
	if !strings.HasPrefix(s, pfx) {
		return 0, 0, false
	}
	s = s[len(pfx):]
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(s[:dot])
	min, err2 := strconv.Atoi(s[dot+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return maj, min, true
}

func splitHeaderLine(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

func (p *Parser) headersComplete() error {
	if cl, found := p.rec.Headers.Get("Content-Length"); found {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return ErrProtocol
		}
		p.rec.ContentLength = n
	}
	if te, found := p.rec.Headers.Get("Transfer-Encoding"); found && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		p.rec.Chunked = true
		p.rec.ContentLength = -1
	}
	if exp, found := p.rec.Headers.Get("Expect"); found {
		p.rec.Expect100 = strings.EqualFold(strings.TrimSpace(exp), "100-continue")
	}
	p.rec.KeepAlive = p.Major() >= 1 && p.Minor() >= 1
	if conn, found := p.rec.Headers.Get("Connection"); found {
		switch strings.ToLower(strings.TrimSpace(conn)) {
		case "close":
			p.rec.KeepAlive = false
		case "keep-alive":
			p.rec.KeepAlive = true
		}
	}

	if p.cb.Peek != nil {
		if err := p.cb.Peek(p, &p.rec); err != nil {
			return err
		}
	}

	switch {
	case p.rec.Chunked:
		p.state = stChunkSize
	case p.rec.ContentLength > 0:
		p.bodyRemaining = p.rec.ContentLength
		p.state = stBodyLength
	case p.rec.ContentLength < 0 && p.opts&(OptResponse|OptSkipInitialLine) != 0:
		// A response with neither Content-Length nor chunked framing is
		// close-delimited: everything until EOF is body. The owner signals
		// EOF with FeedEOF once the peer's read side ends.
		p.state = stBodyUntilEOF
	default:
		return p.finishMessage()
	}
	return nil
}

// FeedEOF tells the parser its input has ended. For a close-delimited
// response body this completes the message (firing Poke); at a clean
// message boundary it is a no-op. EOF anywhere else truncates a message
// mid-frame and is a protocol error.
func (p *Parser) FeedEOF() error {
	switch p.state {
	case stBodyUntilEOF:
		return p.finishMessage()
	case stInitialLine:
		if len(p.lineBuf) > 0 {
			return ErrProtocol
		}
		return nil
	case stDone:
		return nil
	default:
		return ErrProtocol
	}
}

// Major returns the parsed HTTP major version.
func (p *Parser) Major() int { return p.rec.Major }

// Minor returns the parsed HTTP minor version.
func (p *Parser) Minor() int { return p.rec.Minor }

func (p *Parser) finishMessage() error {
	p.state = stDone
	if p.cb.Poke != nil {
		return p.cb.Poke(p, &p.rec)
	}
	return nil
}
