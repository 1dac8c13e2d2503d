package httputil

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMultiRange is returned when the client asked for more than one byte
// range; only a single range is supported.
var ErrMultiRange = errors.New("httputil: multi-range requests are not supported")

// ErrUnsatisfiable is returned when the requested range cannot be
// satisfied against size.
var ErrUnsatisfiable = errors.New("httputil: range not satisfiable")

// ByteRange is a resolved, inclusive byte range [Start, End] against a
// known resource size.
type ByteRange struct {
	Start, End int64
}

// ParseRange parses a Range header value of the form "bytes=a-b",
// "bytes=a-" (prefix) or "bytes=-b" (suffix) against a resource of the
// given size. Multi-range specs return ErrMultiRange; a start (or, for
// the proper form, an end) at or past size returns ErrUnsatisfiable. A
// suffix longer than size is clamped to the whole resource.
func ParseRange(header string, size int64) (ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, errors.New("httputil: unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return ByteRange{}, ErrMultiRange
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return ByteRange{}, errors.New("httputil: malformed range")
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	switch {
	case startStr == "" && endStr == "":
		return ByteRange{}, errors.New("httputil: malformed range")
	case startStr == "": // suffix: bytes=-N, last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, errors.New("httputil: malformed range")
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return ByteRange{}, ErrUnsatisfiable
		}
		return ByteRange{Start: size - n, End: size - 1}, nil
	case endStr == "": // prefix: bytes=N-, from N to the end
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return ByteRange{}, errors.New("httputil: malformed range")
		}
		if start >= size {
			return ByteRange{}, ErrUnsatisfiable
		}
		return ByteRange{Start: start, End: size - 1}, nil
	default: // proper: bytes=a-b
		start, err1 := strconv.ParseInt(startStr, 10, 64)
		end, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil || start < 0 || end < start {
			return ByteRange{}, errors.New("httputil: malformed range")
		}
		if start >= size || end >= size {
			return ByteRange{}, ErrUnsatisfiable
		}
		return ByteRange{Start: start, End: end}, nil
	}
}

// Len returns the number of bytes the range covers.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value for r against the
// given total resource size.
func (r ByteRange) ContentRange(size int64) string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10) + "/" + strconv.FormatInt(size, 10)
}
