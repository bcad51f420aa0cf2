// Package idgen builds correlation ids of the form prefix_<unix ms>_<random>.
package idgen

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a new id for prefix. Ids created later sort after earlier ones
// when compared by their embedded timestamp.
func New(prefix string) string {
	return NewAt(prefix, time.Now())
}

// NewAt is New with an explicit creation time.
func NewAt(prefix string, at time.Time) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "id"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", prefix, at.UnixMilli(), random)
}

// Timestamp extracts the embedded creation time of an id made by New.
func Timestamp(id string) (time.Time, bool) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
