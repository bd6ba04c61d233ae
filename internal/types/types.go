// Package types provides the shared value types that flow between the
// property-management side, the network-management side, and the local
// state store. Collaborator clients translate their wire shapes into these.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Money represents a monetary amount using integer cents to eliminate
// floating-point errors in billing and balance arithmetic.
type Money struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"` // ISO 4217, e.g. "USD"
}

// USD builds a Money value in US dollars from cents.
func USD(cents int64) Money {
	return Money{AmountCents: cents, Currency: "USD"}
}

// Add returns m + o. The currency of m wins when o carries none.
func (m Money) Add(o Money) Money {
	cur := m.Currency
	if cur == "" {
		cur = o.Currency
	}
	return Money{AmountCents: m.AmountCents + o.AmountCents, Currency: cur}
}

// Sub returns m - o.
func (m Money) Sub(o Money) Money {
	cur := m.Currency
	if cur == "" {
		cur = o.Currency
	}
	return Money{AmountCents: m.AmountCents - o.AmountCents, Currency: cur}
}

// Times returns m multiplied by n.
func (m Money) Times(n int) Money {
	return Money{AmountCents: m.AmountCents * int64(n), Currency: m.Currency}
}

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m.AmountCents > 0 }

func (m Money) String() string {
	sign := ""
	cents := m.AmountCents
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// DateRange represents a time period with an optional end.
type DateRange struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Lease is the read-only occupancy record pulled from the
// property-management system. The engine never creates or mutates leases.
type Lease struct {
	ID       string    `json:"id"`
	UnitID   string    `json:"unit_id"`
	Term     DateRange `json:"term"`
	TenantID string    `json:"tenant_id,omitempty"`
	Rent     Money     `json:"rent"`
	Package  string    `json:"package,omitempty"` // service package name, "" = default
}

// PaymentStatus is the per-cycle payment fact for one lease. It is never
// persisted; every cycle recomputes it from the property-management system.
type PaymentStatus struct {
	LeaseID       string    `json:"lease_id"`
	AmountDue     Money     `json:"amount_due"`
	AmountPaid    Money     `json:"amount_paid"`
	DueDate       time.Time `json:"due_date"`
	GraceBoundary time.Time `json:"grace_boundary"` // last day payment is still on time
}

// Balance is what remains owed for the period.
func (p PaymentStatus) Balance() Money {
	return p.AmountDue.Sub(p.AmountPaid)
}

// DeviceMapping is one inventory row: which ONU and which network-side
// client belong to a unit. Only the provisioner writes the inventory, and
// only to fill in a pending row's device id.
type DeviceMapping struct {
	UnitID string `json:"unit_id"`
	// DeviceID is the network-management device id.
	DeviceID string `json:"device_id"`
	// ClientID is the network-management client tickets are filed under.
	ClientID string `json:"client_id,omitempty"`
	OnuName  string `json:"onu_name,omitempty"`
	Property string `json:"property,omitempty"`
}

// Unit is the locally persisted view of a leasable unit.
type Unit struct {
	ID         string       `json:"id"`
	DeviceID   string       `json:"device_id"`
	ClientID   string       `json:"client_id,omitempty"`
	LeaseID    *string      `json:"lease_id,omitempty"`
	Package    string       `json:"package,omitempty"`
	Desired    DesiredState `json:"desired"`
	Actual     ActualState  `json:"actual"`
	Generation int64        `json:"generation"`
	// Speed is the bandwidth profile last applied to the device.
	Speed Speed `json:"speed,omitzero"`
	// DesiredSpeed is derived each cycle from the package and not stored.
	DesiredSpeed Speed      `json:"desired_speed,omitzero"`
	LastActionAt *time.Time `json:"last_action_at,omitempty"`
	// ObservedAt is the last device read, successful or not.
	ObservedAt *time.Time `json:"observed_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Occupied reports whether the unit counts toward the flat monthly fee.
// A delinquent-but-occupied unit still counts.
func (u Unit) Occupied() bool {
	return u.Desired == DesiredActive || u.Desired == DesiredSuspendedDelinquent
}

// Ticket is a maintenance ticket observed on the property-management side.
type Ticket struct {
	ID        string       `json:"id"`
	UnitID    string       `json:"unit_id,omitempty"`
	Subject   string       `json:"subject"`
	Body      string       `json:"body"`
	Status    TicketStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RemoteTicket is the network-management side view of a forwarded ticket.
type RemoteTicket struct {
	ID        string       `json:"id"`
	Status    TicketStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TicketLink maps a property-management ticket to the ticket forwarded to
// the network-management system, with the last status seen on each side.
type TicketLink struct {
	PMTicketID   string       `json:"pm_ticket_id"`
	NMSTicketID  string       `json:"nms_ticket_id"`
	UnitID       string       `json:"unit_id,omitempty"`
	Category     string       `json:"category"`
	PMStatus     TicketStatus `json:"pm_status"`
	PMUpdatedAt  time.Time    `json:"pm_updated_at"`
	NMSStatus    TicketStatus `json:"nms_status"`
	NMSUpdatedAt time.Time    `json:"nms_updated_at"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Diagnostic flags a unit that was skipped or needs operator attention.
type Diagnostic struct {
	UnitID   string         `json:"unit_id"`
	Kind     DiagnosticKind `json:"kind"`
	Detail   string         `json:"detail"`
	LeaseID  string         `json:"lease_id,omitempty"`
	RaisedAt time.Time      `json:"raised_at"`
}

// Alert is an operator-visible record of something the engine will not
// fix on its own, such as a terminal action failure.
type Alert struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	UnitID    string    `json:"unit_id,omitempty"`
	Key       string    `json:"key,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	Cleared   bool      `json:"cleared"`
}

// ─── Audit trail ────────────────────────────────────────────────────────────

// SourceRef identifies an entity referenced by a domain event.
type SourceRef struct {
	EntityType string `json:"entity_type"` // "unit", "lease", "device", "ticket", "billing"
	EntityID   string `json:"entity_id"`
	Role       string `json:"role"` // "subject", "target", "related", "context"
}

// ActivityEntry is a secondary index entry over the domain event log,
// keyed by a referenced entity. One event produces multiple entries.
type ActivityEntry struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	OccurredAt        time.Time       `json:"occurred_at"`
	IndexedEntityType string          `json:"indexed_entity_type"`
	IndexedEntityID   string          `json:"indexed_entity_id"`
	EntityRole        string          `json:"entity_role"`
	SourceRefs        []SourceRef     `json:"source_refs"`
	Summary           string          `json:"summary"`
	Category          string          `json:"category"` // "device", "ticket", "billing", "cycle"
	Weight            string          `json:"weight"`   // "critical", "major", "minor", "info"
	Payload           json.RawMessage `json:"payload"`
}
