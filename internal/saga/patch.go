package saga

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrSnapshotMismatch is returned when a selective patch was prepared against
// a snapshot that no longer matches the stored base text. Splicing anyway
// would corrupt the surrounding content, so the patch is refused.
var ErrSnapshotMismatch = errors.New("snapshot hash does not match base text")

// SnapshotHash fingerprints the base text a selective generation was prepared
// against. Callers record it alongside the span bounds at enqueue time.
func SnapshotHash(baseText string) string {
	sum := sha256.Sum256([]byte(baseText))
	return hex.EncodeToString(sum[:])
}

// spliceSpan replaces base[start:end] with replacement, after verifying the
// span bounds and, when a hash was recorded, that base still matches the
// snapshot the span offsets were computed against.
func spliceSpan(base string, start, end int, replacement, expectedHash string) (string, error) {
	if expectedHash != "" && SnapshotHash(base) != expectedHash {
		return "", ErrSnapshotMismatch
	}
	if start < 0 || end < start || end > len(base) {
		return "", fmt.Errorf("span [%d:%d) out of range for %d byte base", start, end, len(base))
	}
	return base[:start] + replacement + base[end:], nil
}
