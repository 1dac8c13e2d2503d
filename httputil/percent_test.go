package httputil

import "testing"

func TestPercentDecode(t *testing.T) {
	cases := map[string]string{
		"hello":        "hello",
		"a%20b":        "a b",
		"100%25":       "100%",
		"%2F":          "/",
		"trailing%":    "trailing%",
		"trailing%2":   "trailing%2",
		"bad%zz":       "bad%zz",
		"":             "",
	}
	for in, want := range cases {
		if got := PercentDecode(in); got != want {
			t.Errorf("PercentDecode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPercentDecodeIdempotent(t *testing.T) {
	samples := []string{"a%20b%2Fc", "100%25off", "no-escapes", "bad%zzescape", "%"}
	for _, s := range samples {
		once := PercentDecode(s)
		twice := PercentDecode(once)
		if once != twice {
			t.Errorf("PercentDecode not idempotent for %q: once=%q twice=%q", s, once, twice)
		}
	}
}

func TestPercentEncodeDecodeRoundTrip(t *testing.T) {
	samples := []string{"hello world", "a/b/c", "100%", "weird!@#$chars"}
	for _, s := range samples {
		enc := PercentEncode(s)
		dec := PercentDecode(enc)
		if dec != s {
			t.Errorf("round trip failed for %q: encoded %q, decoded %q", s, enc, dec)
		}
	}
}
