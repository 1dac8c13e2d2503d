// Package httputil collects the small, self-contained HTTP surface
// utilities the htts task layer needs: status text, IMF-fixdate
// formatting, and single-range parsing.
package httputil

// Status codes reproduced from the original hio-htre.h table: the set
// the task layer actually emits, not a full IANA registry.
const (
	StatusContinue            = 100
	StatusSwitchingProtocols  = 101
	StatusOK                  = 200
	StatusCreated             = 201
	StatusAccepted            = 202
	StatusNonAuthoritative    = 203
	StatusNoContent           = 204
	StatusResetContent        = 205
	StatusPartialContent      = 206
	StatusMovedPermanently    = 301
	StatusNotModified         = 304
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusLengthRequired      = 411
	StatusRangeNotSatisfiable = 416
	StatusExpectationFailed   = 417
	StatusInternalServerError = 500
	StatusBadGateway          = 502
	StatusServiceUnavailable  = 503
)

var statusText = map[int]string{
	StatusContinue:            "Continue",
	StatusSwitchingProtocols:  "Switching Protocols",
	StatusOK:                  "OK",
	StatusCreated:             "Created",
	StatusAccepted:            "Accepted",
	StatusNonAuthoritative:    "Non-Authoritative Information",
	StatusNoContent:           "No Content",
	StatusResetContent:        "Reset Content",
	StatusPartialContent:      "Partial Content",
	StatusMovedPermanently:    "Moved Permanently",
	StatusNotModified:         "Not Modified",
	StatusBadRequest:          "Bad Request",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusMethodNotAllowed:    "Method Not Allowed",
	StatusLengthRequired:      "Length Required",
	StatusRangeNotSatisfiable: "Range Not Satisfiable",
	StatusExpectationFailed:   "Expectation Failed",
	StatusInternalServerError: "Internal Server Error",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusBadGateway:          "Bad Gateway",
}

// StatusText returns the reason phrase for code, or "Unknown" if code is
// not in the table this server actually emits.
func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Unknown"
}

// ErrnoStatus maps a filesystem errno classification to an HTTP status,
//: ENOENT->404, EPERM|EACCES->403, else 500.
func ErrnoStatus(isNotExist, isPermission bool) int {
	switch {
	case isNotExist:
		return StatusNotFound
	case isPermission:
		return StatusForbidden
	default:
		return StatusInternalServerError
	}
}
