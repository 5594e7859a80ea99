package storage

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// normalizeETag strips the quotes some stores wrap eTags in.
func normalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// checkParts validates the parts a client asks to complete an upload with
// against the parts the store actually recorded. Parts must be numbered
// 1..k without gaps, every recorded part must be listed, and every eTag
// must match.
func checkParts(recorded, given []interfaces.Part) error {
	if len(given) == 0 {
		return fmt.Errorf("%w: no parts", interfaces.ErrIncompleteOrMismatchedParts)
	}
	sorted := append([]interfaces.Part(nil), given...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	stored := make(map[int]string, len(recorded))
	for _, p := range recorded {
		stored[p.PartNumber] = normalizeETag(p.ETag)
	}

	for i, p := range sorted {
		if p.PartNumber != i+1 {
			return fmt.Errorf("%w: part %d missing", interfaces.ErrIncompleteOrMismatchedParts, i+1)
		}
		etag, ok := stored[p.PartNumber]
		if !ok {
			return fmt.Errorf("%w: part %d was never uploaded", interfaces.ErrIncompleteOrMismatchedParts, p.PartNumber)
		}
		if etag != normalizeETag(p.ETag) {
			return fmt.Errorf("%w: part %d eTag mismatch", interfaces.ErrIncompleteOrMismatchedParts, p.PartNumber)
		}
	}
	if len(recorded) != len(sorted) {
		return fmt.Errorf("%w: %d parts recorded, %d listed", interfaces.ErrIncompleteOrMismatchedParts, len(recorded), len(sorted))
	}
	return nil
}

func bytesReader(b []byte) io.ReadSeeker {
	return bytes.NewReader(b)
}
