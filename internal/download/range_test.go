package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRange(t *testing.T) {
	const total = int64(10 * 1024 * 1024)

	tests := []struct {
		name    string
		header  string
		total   int64
		want    byteRange
		partial bool
	}{
		{name: "absent", header: "", total: total},
		{name: "unknown total", header: "bytes=0-99", total: 0},
		{name: "resume from 1MiB", header: "bytes=1048576-", total: total,
			want: byteRange{Start: 1048576, End: total}, partial: true},
		{name: "both bounds", header: "bytes=0-99", total: total,
			want: byteRange{Start: 0, End: 100}, partial: true},
		{name: "end clamped to size", header: "bytes=0-999999999999", total: total,
			want: byteRange{Start: 0, End: total}, partial: true},
		{name: "suffix", header: "bytes=-1024", total: total,
			want: byteRange{Start: total - 1024, End: total}, partial: true},
		{name: "suffix bigger than file", header: "bytes=-999999999999", total: total,
			want: byteRange{Start: 0, End: total}, partial: true},
		{name: "start past end of file", header: "bytes=10485760-", total: total},
		{name: "inverted", header: "bytes=100-50", total: total},
		{name: "multi-range unsupported", header: "bytes=0-1,5-9", total: total},
		{name: "not bytes unit", header: "chunks=0-1", total: total},
		{name: "garbage", header: "bytes=abc-def", total: total},
		{name: "bare dash", header: "bytes=-", total: total},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, partial := parseRange(tt.header, tt.total)
			assert.Equal(t, tt.partial, partial)
			if tt.partial {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "app.log", sanitizeFilename("app.log"))
	assert.Equal(t, "rapport final.pdf", sanitizeFilename("rapport final.pdf"))
	assert.Equal(t, "a_b_c", sanitizeFilename(`a/b\c`))
	assert.Equal(t, "download", sanitizeFilename(""))
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, sanitizeFilename(string(long)), maxFilenameLen)
}
