// Package htrd implements the incremental HTTP request/response decoder:
// feed it bytes as they arrive and it calls back once the header block is
// complete, once per body chunk, and once the full message (including any
// trailers) has been parsed.
package htrd

import "strings"

// Header is one name/value pair as it appeared on the wire, preserved in
// insertion order. Go's net/textproto-style canonicalization is
// deliberately not applied here: lookups are case-insensitive, but the
// original casing is kept for passthrough (CGI/FastCGI forward headers
// verbatim except for the hop-by-hop set the task layer filters).
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered multimap: duplicate header names are preserved as
// repeated entries in the order they arrived, mirroring the source's
// slice with case-insensitive lookup rather than a map, so passthrough
// iteration sees the original wire order.
type Headers struct {
	entries []Header
}

// Add appends name/value, preserving duplicates.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, Header{Name: name, Value: value})
}

// Get returns the first value for name (case-insensitive), or "" with ok
// false if absent.
func (h *Headers) Get(name string) (string, bool) {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return e.Value, true
		}
	}
	return "", false
}

// Values returns every value for name (case-insensitive) in insertion
// order. Useful where duplicates are comma-joined (the HTTP_*
// environment variables).
func (h *Headers) Values(name string) []string {
	var out []string
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			out = append(out, e.Value)
		}
	}
	return out
}

// All returns every header in insertion order, for passthrough iteration.
func (h *Headers) All() []Header { return h.entries }

// Has reports whether name is present (case-insensitive).
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Len returns the number of header entries (counting duplicates).
func (h *Headers) Len() int { return len(h.entries) }
