package eventbus

import (
	"context"
	"log/slog"

	"github.com/matthewbaird/leasesync/internal/event"
)

// LogConsumer logs all domain events. Critical events log at WARN so they
// stand out from routine cycle chatter.
type LogConsumer struct {
	log *slog.Logger
}

func NewLogConsumer(log *slog.Logger) *LogConsumer { return &LogConsumer{log: log} }

func (c *LogConsumer) HandleEvent(ctx context.Context, evt event.DomainEvent) error {
	entities := make([]string, len(evt.AffectedEntities))
	for i, ref := range evt.AffectedEntities {
		entities[i] = ref.EntityType + ":" + ref.EntityID
	}
	level := slog.LevelInfo
	if evt.Weight == "critical" {
		level = slog.LevelWarn
	}
	c.log.Log(ctx, level, "event: "+evt.Summary,
		"event_type", evt.EventType,
		"category", evt.Category,
		"weight", evt.Weight,
		"entities", entities,
	)
	return nil
}
