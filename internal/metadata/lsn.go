package metadata

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
)

// parseLSN converts Postgres's "XXXXXXXX/XXXXXXXX" textual LSN
// representation into a single, order-preserving 64-bit value: the
// high 32 bits are the segment, the low 32 bits the offset within it,
// exactly how Postgres itself packs an LSN into a uint64 internally.
func parseLSN(s string) (cluster.LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("parse lsn %q: missing '/'", s)
	}

	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse lsn %q: %w", s, err)
	}

	return cluster.LSN(hiVal<<32 | loVal), nil
}
