package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matthewbaird/leasesync/internal/types"
)

// Event types.
const (
	TypeDeviceActivated    = "device_activated"
	TypeDeviceSuspended    = "device_suspended"
	TypeDeviceSpeedSet     = "device_speed_set"
	TypeDeviceProvisioned  = "device_provisioned"
	TypeActionFailed       = "action_failed"
	TypeActionTerminal     = "action_terminal"
	TypeTicketForwarded    = "ticket_forwarded"
	TypeTicketStatusSynced = "ticket_status_synced"
	TypeBillingGenerated   = "billing_generated"
	TypeCycleCompleted     = "cycle_completed"
	TypeCycleFailed        = "cycle_failed"
)

// DomainEvent carries the canonical shape of every domain event.
type DomainEvent struct {
	ID               string            `json:"id"`
	EventType        string            `json:"event_type"`
	OccurredAt       time.Time         `json:"occurred_at"`
	AffectedEntities []types.SourceRef `json:"affected_entities"`
	Summary          string            `json:"summary"`
	Category         string            `json:"category"` // "device", "ticket", "billing", "cycle"
	Weight           string            `json:"weight"`   // "critical", "major", "minor", "info"
	Payload          json.RawMessage   `json:"payload"`
}

func newID() string { return uuid.New().String() }

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// ── Device events ────────────────────────────────────────────────────────────

// ActionPayload carries event-specific data for a successful device action.
type ActionPayload struct {
	UnitID     string              `json:"unit_id"`
	DeviceID   string              `json:"device_id"`
	Kind       types.ActionKind    `json:"kind"`
	Reason     types.SuspendReason `json:"reason,omitempty"`
	Speed      types.Speed         `json:"speed,omitzero"`
	Key        string              `json:"key"`
	Attempts   int                 `json:"attempts"`
	AppliedAt  time.Time           `json:"applied_at"`
	LeaseID    string              `json:"lease_id,omitempty"`
	Generation int64               `json:"generation"`
}

func deviceRefs(unitID, deviceID, leaseID string) []types.SourceRef {
	refs := []types.SourceRef{
		{EntityType: "unit", EntityID: unitID, Role: "subject"},
		{EntityType: "device", EntityID: deviceID, Role: "target"},
	}
	if leaseID != "" {
		refs = append(refs, types.SourceRef{EntityType: "lease", EntityID: leaseID, Role: "context"})
	}
	return refs
}

// NewDeviceActioned builds device_activated or device_suspended depending on
// the action kind.
func NewDeviceActioned(p ActionPayload) DomainEvent {
	evt := DomainEvent{
		ID:               newID(),
		OccurredAt:       p.AppliedAt,
		AffectedEntities: deviceRefs(p.UnitID, p.DeviceID, p.LeaseID),
		Category:         "device",
		Payload:          mustJSON(p),
	}
	switch p.Kind {
	case types.ActionActivate:
		evt.EventType = TypeDeviceActivated
		evt.Summary = fmt.Sprintf("Service activated for unit %s", p.UnitID)
		evt.Weight = "major"
	case types.ActionSetSpeed:
		evt.EventType = TypeDeviceSpeedSet
		evt.Summary = fmt.Sprintf("Bandwidth for unit %s set to %s Mbps", p.UnitID, p.Speed)
		evt.Weight = "minor"
	default:
		evt.EventType = TypeDeviceSuspended
		evt.Summary = fmt.Sprintf("Service suspended for unit %s (%s)", p.UnitID, p.Reason)
		evt.Weight = "critical"
	}
	return evt
}

// ProvisionPayload carries event-specific data for a newly authorized ONU.
type ProvisionPayload struct {
	UnitID        string    `json:"unit_id"`
	DeviceID      string    `json:"device_id"`
	SerialNumber  string    `json:"serial_number"`
	Name          string    `json:"name"`
	ProvisionedAt time.Time `json:"provisioned_at"`
}

func NewDeviceProvisioned(p ProvisionPayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        TypeDeviceProvisioned,
		OccurredAt:       p.ProvisionedAt,
		AffectedEntities: deviceRefs(p.UnitID, p.DeviceID, ""),
		Summary:          fmt.Sprintf("ONU %s authorized for unit %s and held suspended", p.SerialNumber, p.UnitID),
		Category:         "device",
		Weight:           "minor",
		Payload:          mustJSON(p),
	}
}

// FailurePayload carries event-specific data for a failed device action.
type FailurePayload struct {
	UnitID        string              `json:"unit_id"`
	DeviceID      string              `json:"device_id"`
	Kind          types.ActionKind    `json:"kind"`
	Reason        types.SuspendReason `json:"reason,omitempty"`
	Key           string              `json:"key"`
	Attempts      int                 `json:"attempts"`
	Error         string              `json:"error"`
	FailedAt      time.Time           `json:"failed_at"`
	NextAttemptAt *time.Time          `json:"next_attempt_at,omitempty"`
}

// NewActionFailed records a retryable action failure.
func NewActionFailed(p FailurePayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        TypeActionFailed,
		OccurredAt:       p.FailedAt,
		AffectedEntities: deviceRefs(p.UnitID, p.DeviceID, ""),
		Summary:          fmt.Sprintf("%s on unit %s failed (attempt %d): %s", p.Kind, p.UnitID, p.Attempts, p.Error),
		Category:         "device",
		Weight:           "minor",
		Payload:          mustJSON(p),
	}
}

// NewActionTerminal records an action that will not be retried automatically.
func NewActionTerminal(p FailurePayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        TypeActionTerminal,
		OccurredAt:       p.FailedAt,
		AffectedEntities: deviceRefs(p.UnitID, p.DeviceID, ""),
		Summary:          fmt.Sprintf("%s on unit %s gave up after %d attempts: %s", p.Kind, p.UnitID, p.Attempts, p.Error),
		Category:         "device",
		Weight:           "critical",
		Payload:          mustJSON(p),
	}
}

// ── Ticket events ────────────────────────────────────────────────────────────

// TicketForwardedPayload carries event-specific data for TicketForwarded.
type TicketForwardedPayload struct {
	PMTicketID  string    `json:"pm_ticket_id"`
	NMSTicketID string    `json:"nms_ticket_id"`
	UnitID      string    `json:"unit_id,omitempty"`
	Category    string    `json:"category"`
	Keyword     string    `json:"keyword"`
	Subject     string    `json:"subject"`
	ForwardedAt time.Time `json:"forwarded_at"`
}

func ticketRefs(pmID, nmsID, unitID string) []types.SourceRef {
	refs := []types.SourceRef{
		{EntityType: "ticket", EntityID: pmID, Role: "subject"},
		{EntityType: "ticket", EntityID: nmsID, Role: "target"},
	}
	if unitID != "" {
		refs = append(refs, types.SourceRef{EntityType: "unit", EntityID: unitID, Role: "context"})
	}
	return refs
}

func NewTicketForwarded(p TicketForwardedPayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        TypeTicketForwarded,
		OccurredAt:       p.ForwardedAt,
		AffectedEntities: ticketRefs(p.PMTicketID, p.NMSTicketID, p.UnitID),
		Summary:          fmt.Sprintf("Ticket %s forwarded to network as %s (matched %q)", p.PMTicketID, p.NMSTicketID, p.Keyword),
		Category:         "ticket",
		Weight:           "minor",
		Payload:          mustJSON(p),
	}
}

// TicketStatusSyncedPayload carries event-specific data for TicketStatusSynced.
type TicketStatusSyncedPayload struct {
	PMTicketID  string             `json:"pm_ticket_id"`
	NMSTicketID string             `json:"nms_ticket_id"`
	UnitID      string             `json:"unit_id,omitempty"`
	Direction   string             `json:"direction"` // "to_network", "to_property"
	Status      types.TicketStatus `json:"status"`
	SyncedAt    time.Time          `json:"synced_at"`
}

func NewTicketStatusSynced(p TicketStatusSyncedPayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        TypeTicketStatusSynced,
		OccurredAt:       p.SyncedAt,
		AffectedEntities: ticketRefs(p.PMTicketID, p.NMSTicketID, p.UnitID),
		Summary:          fmt.Sprintf("Ticket %s status %s synced %s", p.PMTicketID, p.Status, p.Direction),
		Category:         "ticket",
		Weight:           "info",
		Payload:          mustJSON(p),
	}
}

// ── Billing events ───────────────────────────────────────────────────────────

// BillingGeneratedPayload carries event-specific data for BillingGenerated.
type BillingGeneratedPayload struct {
	Period      string      `json:"period"`
	PropertyID  string      `json:"property_id"`
	Occupied    int         `json:"occupied"`
	TotalUnits  int         `json:"total_units"`
	Total       types.Money `json:"total"`
	GeneratedAt time.Time   `json:"generated_at"`
}

func NewBillingGenerated(p BillingGeneratedPayload) DomainEvent {
	return DomainEvent{
		ID:         newID(),
		EventType:  TypeBillingGenerated,
		OccurredAt: p.GeneratedAt,
		AffectedEntities: []types.SourceRef{
			{EntityType: "billing", EntityID: p.Period, Role: "subject"},
			{EntityType: "property", EntityID: p.PropertyID, Role: "context"},
		},
		Summary:  fmt.Sprintf("Billing for %s: %d occupied units, %s", p.Period, p.Occupied, p.Total),
		Category: "billing",
		Weight:   "info",
		Payload:  mustJSON(p),
	}
}

// ── Cycle events ─────────────────────────────────────────────────────────────

// CyclePayload carries event-specific data for cycle outcomes.
type CyclePayload struct {
	CycleID     string        `json:"cycle_id"`
	PropertyID  string        `json:"property_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Planned     int           `json:"planned"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Diagnostics int           `json:"diagnostics"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

func cycleRefs(p CyclePayload) []types.SourceRef {
	return []types.SourceRef{
		{EntityType: "cycle", EntityID: p.CycleID, Role: "subject"},
		{EntityType: "property", EntityID: p.PropertyID, Role: "context"},
	}
}

func NewCycleCompleted(p CyclePayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        TypeCycleCompleted,
		OccurredAt:       p.FinishedAt,
		AffectedEntities: cycleRefs(p),
		Summary: fmt.Sprintf("Cycle %s: %d planned, %d succeeded, %d failed, %d skipped",
			short(p.CycleID), p.Planned, p.Succeeded, p.Failed, p.Skipped),
		Category: "cycle",
		Weight:   "info",
		Payload:  mustJSON(p),
	}
}

func NewCycleFailed(p CyclePayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        TypeCycleFailed,
		OccurredAt:       p.FinishedAt,
		AffectedEntities: cycleRefs(p),
		Summary:          fmt.Sprintf("Cycle %s failed: %s", short(p.CycleID), p.Error),
		Category:         "cycle",
		Weight:           "major",
		Payload:          mustJSON(p),
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
