package shared

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateIDWithPrefix returns a prefixed, dash-free unique identifier,
// e.g. "job_1f7a...".
func GenerateIDWithPrefix(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
