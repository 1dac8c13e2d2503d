package httputil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = 1000

	cases := []struct {
		name    string
		header  string
		want    ByteRange
		wantErr error
	}{
		{"proper", "bytes=0-499", ByteRange{0, 499}, nil},
		{"prefix", "bytes=500-", ByteRange{500, 999}, nil},
		{"suffix", "bytes=-200", ByteRange{800, 999}, nil},
		{"unsatisfiable end past size", "bytes=500-1500", ByteRange{}, ErrUnsatisfiable},
		{"unsatisfiable start past size", "bytes=1000-", ByteRange{}, ErrUnsatisfiable},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseRange(c.header, size)
			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestParseRangeMultiRange(t *testing.T) {
	_, err := ParseRange("bytes=0-1,2-3", 1000)
	require.ErrorIs(t, err, ErrMultiRange)
}

func TestByteRangeContentRange(t *testing.T) {
	r := ByteRange{Start: 100, End: 199}
	assert.Equal(t, "bytes 100-199/1000", r.ContentRange(1000))
	assert.Equal(t, int64(100), r.Len())
}
