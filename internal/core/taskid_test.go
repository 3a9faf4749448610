package core

import (
	"strings"
	"testing"

	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

func TestNewTaskIDCarriesOriginPrefix(t *testing.T) {
	id := NewTaskID(models.OriginLocal)
	if !strings.HasPrefix(id, "local-") {
		t.Errorf("expected local- prefix, got %s", id)
	}

	cloud := NewTaskID(models.OriginCloud)
	if !strings.HasPrefix(cloud, "cloud-") {
		t.Errorf("expected cloud- prefix, got %s", cloud)
	}
}

func TestNewTaskIDDefaultsToLocal(t *testing.T) {
	id := NewTaskID("")
	if !strings.HasPrefix(id, "local-") {
		t.Errorf("expected local- prefix for empty origin, got %s", id)
	}
}

func TestNewTaskIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTaskID(models.OriginLocal)
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestTaskIDOriginRoundTrip(t *testing.T) {
	for _, origin := range []models.Origin{models.OriginLocal, models.OriginCloud} {
		id := NewTaskID(origin)
		got, ok := TaskIDOrigin(id)
		if !ok || got != origin {
			t.Errorf("TaskIDOrigin(%s) = %v, %v; want %v, true", id, got, ok, origin)
		}
	}
}

func TestTaskIDOriginRejectsUnknownShapes(t *testing.T) {
	for _, id := range []string{"", "noprefix", "mars-abc123"} {
		if _, ok := TaskIDOrigin(id); ok {
			t.Errorf("TaskIDOrigin(%q) accepted an unrecognized origin", id)
		}
	}
}
