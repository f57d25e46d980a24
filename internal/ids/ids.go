package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier without dashes.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewPrefixed returns New() with a short type prefix such as "task_".
func NewPrefixed(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}
