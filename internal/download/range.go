package download

import (
	"strconv"
	"strings"
)

// byteRange is a resolved half-open [Start, End) request against a known
// total size.
type byteRange struct {
	Start int64
	End   int64 // exclusive
}

// parseRange resolves a single HTTP Range header against totalBytes.
// Returns ok=false — meaning "serve the whole object with 200" — for absent,
// malformed, inverted, or out-of-bounds ranges, and whenever the total size
// is unknown. Multi-range requests are not supported and fall back to full.
func parseRange(header string, totalBytes int64) (byteRange, bool) {
	if header == "" || totalBytes <= 0 {
		return byteRange{}, false
	}
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return byteRange{}, false
	}
	start, end, found := strings.Cut(spec, "-")
	if !found {
		return byteRange{}, false
	}
	start = strings.TrimSpace(start)
	end = strings.TrimSpace(end)

	// Suffix form: bytes=-N means the last N bytes.
	if start == "" {
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false
		}
		if n > totalBytes {
			n = totalBytes
		}
		return byteRange{Start: totalBytes - n, End: totalBytes}, true
	}

	startN, err := strconv.ParseInt(start, 10, 64)
	if err != nil || startN < 0 || startN >= totalBytes {
		return byteRange{}, false
	}
	if end == "" {
		return byteRange{Start: startN, End: totalBytes}, true
	}
	endN, err := strconv.ParseInt(end, 10, 64)
	if err != nil || endN < startN {
		return byteRange{}, false
	}
	if endN >= totalBytes {
		endN = totalBytes - 1
	}
	return byteRange{Start: startN, End: endN + 1}, true
}
