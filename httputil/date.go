package httputil

import "time"

// imfFixdate is the RFC 7231 preferred HTTP-date format, always GMT.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// FormatDate renders t as an RFC 7231 IMF-fixdate string in GMT.
func FormatDate(t time.Time) string {
	return t.UTC().Format(imfFixdate)
}

// ParseDate parses an RFC 7231 IMF-fixdate string. It also accepts the two
// obsolete formats RFC 7231 §7.1.1.1 requires recipients to support
// (RFC 850 and asctime), since If-Modified-Since/If-Unmodified-Since
// headers from older clients use them.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(imfFixdate, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC850, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.ANSIC, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC1123, s)
}
