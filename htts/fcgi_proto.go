package htts

import "encoding/binary"

// FastCGI record version 1 wire format. Every record is padded to a
// multiple of 8 bytes, which real FastCGI upstreams expect.
const (
	fcgiVersion1 = 1

	fcgiTypeBeginRequest = 1
	fcgiTypeParams       = 4
	fcgiTypeStdin        = 5
	fcgiTypeStdout       = 6
	fcgiTypeEndRequest   = 3

	fcgiRoleResponder = 1

	fcgiHeaderLen = 8
)

// fcgiHeader is the 8-byte record header.
type fcgiHeader struct {
	Version       byte
	Type          byte
	RequestID     uint16
	ContentLength uint16
	PaddingLength byte
	Reserved      byte
}

func encodeFCGIHeader(h fcgiHeader) []byte {
	buf := make([]byte, fcgiHeaderLen)
	buf[0] = h.Version
	buf[1] = h.Type
	binary.BigEndian.PutUint16(buf[2:4], h.RequestID)
	binary.BigEndian.PutUint16(buf[4:6], h.ContentLength)
	buf[6] = h.PaddingLength
	buf[7] = h.Reserved
	return buf
}

func decodeFCGIHeader(buf []byte) (fcgiHeader, bool) {
	if len(buf) < fcgiHeaderLen {
		return fcgiHeader{}, false
	}
	return fcgiHeader{
		Version:       buf[0],
		Type:          buf[1],
		RequestID:     binary.BigEndian.Uint16(buf[2:4]),
		ContentLength: binary.BigEndian.Uint16(buf[4:6]),
		PaddingLength: buf[6],
		Reserved:      buf[7],
	}, true
}

// encodeFCGIRecord builds one complete record (header + content +
// padding) for content no larger than 65535 bytes, padded up to the next
// multiple of 8.
func encodeFCGIRecord(typ byte, reqID uint16, content []byte) []byte {
	padLen := (8 - (len(content) % 8)) % 8
	h := fcgiHeader{
		Version:       fcgiVersion1,
		Type:          typ,
		RequestID:     reqID,
		ContentLength: uint16(len(content)),
		PaddingLength: byte(padLen),
	}
	out := make([]byte, 0, fcgiHeaderLen+len(content)+padLen)
	out = append(out, encodeFCGIHeader(h)...)
	out = append(out, content...)
	out = append(out, make([]byte, padLen)...)
	return out
}

// encodeFCGIBeginRequest builds the BEGIN_REQUEST content body: role (2
// bytes) + flags (1 byte) + 5 reserved bytes.
func encodeFCGIBeginRequest(reqID uint16, role uint16, keepConn bool) []byte {
	content := make([]byte, 8)
	binary.BigEndian.PutUint16(content[0:2], role)
	if keepConn {
		content[2] = 1
	}
	return encodeFCGIRecord(fcgiTypeBeginRequest, reqID, content)
}

// encodeFCGINameValue appends one FastCGI name/value pair using the
// length-prefix encoding (1-byte length if <128, else a 4-byte
// big-endian length with the high bit set).
func encodeFCGINameValue(buf []byte, name, value string) []byte {
	buf = appendFCGILen(buf, len(name))
	buf = appendFCGILen(buf, len(value))
	buf = append(buf, name...)
	buf = append(buf, value...)
	return buf
}

func appendFCGILen(buf []byte, n int) []byte {
	if n < 128 {
		return append(buf, byte(n))
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(n)|0x80000000)
	return append(buf, tmp[:]...)
}

// encodeFCGIParams splits a PARAMS name/value block into one or more
// records (each record's content capped at 65535 bytes) followed by the
// empty terminating PARAMS record.
func encodeFCGIParams(reqID uint16, env []string) []byte {
	var body []byte
	for _, kv := range env {
		eq := indexByte(kv, '=')
		if eq < 0 {
			continue
		}
		body = encodeFCGINameValue(body, kv[:eq], kv[eq+1:])
	}
	var out []byte
	for len(body) > 0 {
		n := len(body)
		if n > 65535 {
			n = 65535
		}
		out = append(out, encodeFCGIRecord(fcgiTypeParams, reqID, body[:n])...)
		body = body[n:]
	}
	out = append(out, encodeFCGIRecord(fcgiTypeParams, reqID, nil)...)
	return out
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// encodeFCGIStdin wraps body as one STDIN record, or the empty
// terminating record when body is nil/empty.
func encodeFCGIStdin(reqID uint16, body []byte) []byte {
	return encodeFCGIRecord(fcgiTypeStdin, reqID, body)
}
