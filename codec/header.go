package codec

import (
	"fmt"
)

// FormatHeader renders a printable summary of whichever supported compression
// header begins data. Used by the header-info mode; never consulted during
// recovery.
func FormatHeader(data []byte) (string, bool) {
	if h := ParseGzipHeader(data); h.Ok {
		return fmt.Sprintf("gzip\n%v", h.Value), true
	}
	if h := ParseBzip2Header(data); h.Ok {
		return fmt.Sprintf("bzip2\n%v", h.Value), true
	}
	if h := ParseXzHeader(data); h.Ok {
		return fmt.Sprintf("xz\n%v", h.Value), true
	}
	if h := ParseZstdHeader(data); h.Ok {
		return fmt.Sprintf("zstd\n%v", h.Value), true
	}
	return "", false
}
