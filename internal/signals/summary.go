package signals

import (
	"sort"
	"time"

	"github.com/matthewbaird/leasesync/internal/types"
)

// Summary condenses an entity's activity entries.
type Summary struct {
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Total        int            `json:"total"`
	ByCategory   map[string]int `json:"by_category"`
	ByWeight     map[string]int `json:"by_weight"`
	LastEvent    string         `json:"last_event,omitempty"`
	LastEventAt  *time.Time     `json:"last_event_at,omitempty"`
	MostSevere   string         `json:"most_severe,omitempty"`
	RecentErrors []string       `json:"recent_errors,omitempty"` // summaries of critical/major entries, newest first
}

const maxRecentErrors = 5

// Summarize aggregates entries indexed under one entity within [since, until].
func Summarize(entries []types.ActivityEntry, entityType, entityID string, since, until time.Time) Summary {
	s := Summary{
		EntityType: entityType,
		EntityID:   entityID,
		ByCategory: map[string]int{},
		ByWeight:   map[string]int{},
	}

	var matched []types.ActivityEntry
	for _, e := range entries {
		if e.IndexedEntityType != entityType || e.IndexedEntityID != entityID {
			continue
		}
		if e.OccurredAt.Before(since) || e.OccurredAt.After(until) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })

	for _, e := range matched {
		s.Total++
		s.ByCategory[e.Category]++
		s.ByWeight[e.Weight]++
		if s.MostSevere == "" || WeightSeverity(e.Weight) < WeightSeverity(s.MostSevere) {
			s.MostSevere = e.Weight
		}
		if IsAtLeastWeight(e.Weight, "major") && len(s.RecentErrors) < maxRecentErrors {
			s.RecentErrors = append(s.RecentErrors, e.Summary)
		}
	}
	if len(matched) > 0 {
		at := matched[0].OccurredAt
		s.LastEvent = matched[0].EventType
		s.LastEventAt = &at
	}
	return s
}
