package signals

import (
	"testing"
	"time"

	"github.com/matthewbaird/leasesync/internal/types"
)

func TestSummarize(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []types.ActivityEntry{
		{EventType: "action_failed", IndexedEntityType: "unit", IndexedEntityID: "103", OccurredAt: base.Add(time.Hour), Category: "device", Weight: "major", Summary: "suspend failed"},
		{EventType: "action_terminal", IndexedEntityType: "unit", IndexedEntityID: "103", OccurredAt: base.Add(3 * time.Hour), Category: "device", Weight: "critical", Summary: "suspend terminal"},
		{EventType: "device_activated", IndexedEntityType: "unit", IndexedEntityID: "101", OccurredAt: base, Category: "device", Weight: "info"},
		{EventType: "cycle_completed", IndexedEntityType: "unit", IndexedEntityID: "103", OccurredAt: base.AddDate(0, -2, 0), Category: "cycle", Weight: "info"},
	}

	s := Summarize(entries, "unit", "103", base, base.Add(24*time.Hour))
	if s.Total != 2 {
		t.Fatalf("total = %d, want 2", s.Total)
	}
	if s.MostSevere != "critical" {
		t.Errorf("most severe = %q, want critical", s.MostSevere)
	}
	if s.LastEvent != "action_terminal" {
		t.Errorf("last event = %q, want action_terminal", s.LastEvent)
	}
	if len(s.RecentErrors) != 2 || s.RecentErrors[0] != "suspend terminal" {
		t.Errorf("recent errors = %v", s.RecentErrors)
	}
	if s.ByCategory["device"] != 2 {
		t.Errorf("device count = %d, want 2", s.ByCategory["device"])
	}
}
