package core

import (
	"strings"

	"github.com/google/uuid"

	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// taskIDSuffixLen is how many hex characters of randomness each ID carries.
const taskIDSuffixLen = 12

// NewTaskID returns a new registry ID tagged with the task's origin, e.g.
// "local-3f9c1a2b4d6e". The origin prefix makes the execution venue visible
// in logs and CLI output without a registry lookup.
func NewTaskID(origin models.Origin) string {
	if origin == "" {
		origin = models.OriginLocal
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:taskIDSuffixLen]
	return string(origin) + "-" + suffix
}

// TaskIDOrigin extracts the origin prefix from a task ID. The second return
// is false for IDs that do not carry a recognized origin.
func TaskIDOrigin(id string) (models.Origin, bool) {
	prefix, _, found := strings.Cut(id, "-")
	if !found {
		return "", false
	}
	switch origin := models.Origin(prefix); origin {
	case models.OriginLocal, models.OriginCloud:
		return origin, true
	}
	return "", false
}
