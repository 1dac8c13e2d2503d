package httputil

import "strings"

// PercentDecode decodes %XX escapes in s. Invalid escapes are passed
// through unchanged rather than erroring: a literal "%" not followed by
// two hex digits survives decoding unchanged. Decoding is a single pass,
// so repeated application is not idempotent when the decoded output
// itself forms an escape ("%2541" decodes to "%41", which decodes again
// to "A").
func PercentDecode(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// PercentEncode escapes bytes outside the RFC 3986 unreserved set, except
// that '/' is also left unescaped, for re-forming a path from a decoded one (used by the directory
// listing task to build safe hrefs).
func PercentEncode(s string) string {
	const hextable = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hextable[c>>4])
		b.WriteByte(hextable[c&0xf])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~' || c == '/':
		return true
	default:
		return false
	}
}
