package store

import (
	"fmt"

	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/pkg/agentwire"
)

// tailCapFor returns the output-tail byte cap for a command type. File reads
// carry their content inline and get a tighter cap; everything else uses the
// default.
func tailCapFor(commandType string) int {
	if commandType == agentwire.CommandFileRead {
		return constants.TailCapFileRead
	}
	return constants.TailCapDefault
}

// truncateTail bounds an output tail to capBytes. Oversized output is cut
// from the head and prefixed with a marker naming the dropped byte count, so
// the freshest output survives. The returned string never exceeds capBytes
// for any cap that can hold the marker; degenerate tiny caps return just the
// marker.
func truncateTail(output string, capBytes int) string {
	if len(output) <= capBytes {
		return output
	}
	// Reserve room for the marker inside the cap. The dropped count shifts as
	// the marker grows, so recompute once with the final kept length.
	marker := func(dropped int) string {
		return fmt.Sprintf("…[truncated %d bytes]", dropped)
	}
	kept := capBytes - len(marker(len(output)))
	if kept < 0 {
		kept = 0
	}
	dropped := len(output) - kept
	m := marker(dropped)
	if len(m)+kept > capBytes {
		kept = capBytes - len(m)
		if kept < 0 {
			kept = 0
		}
		dropped = len(output) - kept
		m = marker(dropped)
	}
	return m + output[len(output)-kept:]
}
