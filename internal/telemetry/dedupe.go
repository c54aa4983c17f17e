package telemetry

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// hashKey derives a stable dedupe key from a record's natural identity fields.
// Fields are joined with a NUL separator so ("ab","c") and ("a","bc") cannot
// collide; 128 bits of the digest keep keys short in storage.
func hashKey(fields ...string) string {
	sum := blake3.Sum256([]byte(strings.Join(fields, "\x00")))
	return hex.EncodeToString(sum[:16])
}
