package httputil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParseDateRoundTrip(t *testing.T) {
	in := time.Date(2026, time.July, 29, 12, 34, 56, 0, time.UTC)
	s := FormatDate(in)
	assert.Equal(t, "Wed, 29 Jul 2026 12:34:56 GMT", s)

	out, err := ParseDate(s)
	require.NoError(t, err)
	assert.True(t, out.Equal(in), "got %v, want %v", out, in)
}

func TestParseDateObsoleteFormats(t *testing.T) {
	in := time.Date(2026, time.July, 29, 12, 34, 56, 0, time.UTC)

	for _, layout := range []string{time.RFC850, time.RFC1123} {
		out, err := ParseDate(in.Format(layout))
		require.NoError(t, err, "layout %q", layout)
		assert.True(t, out.Equal(in), "layout %q: got %v, want %v", layout, out, in)
	}
}
