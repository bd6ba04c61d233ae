package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DesiredState is the provisioning state a unit should be in, derived each
// cycle from lease and payment facts.
type DesiredState string

const (
	DesiredActive              DesiredState = "active"
	DesiredSuspendedVacant     DesiredState = "suspended_vacant"
	DesiredSuspendedDelinquent DesiredState = "suspended_delinquent"
)

// Suspended reports whether the desired state maps to a suspended device.
func (d DesiredState) Suspended() bool {
	return d == DesiredSuspendedVacant || d == DesiredSuspendedDelinquent
}

// Valid reports whether d is one of the known desired states.
func (d DesiredState) Valid() bool {
	switch d {
	case DesiredActive, DesiredSuspendedVacant, DesiredSuspendedDelinquent:
		return true
	}
	return false
}

// ActualState is the provisioning state last observed on the device.
type ActualState string

const (
	ActualActive    ActualState = "active"
	ActualSuspended ActualState = "suspended"
	ActualUnknown   ActualState = "unknown" // last read failed; never a safe default
)

// Satisfies reports whether the observed state already matches desired.
// Both suspended desired values are satisfied by a suspended device.
func (a ActualState) Satisfies(d DesiredState) bool {
	switch a {
	case ActualActive:
		return d == DesiredActive
	case ActualSuspended:
		return d.Suspended()
	}
	return false
}

// ActionKind is the corrective operation applied to a device.
type ActionKind string

const (
	ActionActivate ActionKind = "activate"
	ActionSuspend  ActionKind = "suspend"
	ActionSetSpeed ActionKind = "set_speed"
)

// Speed is a bandwidth profile in whole megabits per second. The zero
// value means no profile is enforced.
type Speed struct {
	DownMbps int `json:"down_mbps"`
	UpMbps   int `json:"up_mbps"`
}

// IsZero reports whether no profile is set.
func (s Speed) IsZero() bool { return s.DownMbps == 0 && s.UpMbps == 0 }

// String renders the profile as down/up, or "" when unset.
func (s Speed) String() string {
	if s.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d/%d", s.DownMbps, s.UpMbps)
}

// ParseSpeed reads the String form back. An empty string is the zero
// profile.
func ParseSpeed(v string) (Speed, error) {
	if v == "" {
		return Speed{}, nil
	}
	down, up, ok := strings.Cut(v, "/")
	if !ok {
		return Speed{}, fmt.Errorf("speed %q: want down/up", v)
	}
	var s Speed
	var err error
	if s.DownMbps, err = strconv.Atoi(down); err != nil {
		return Speed{}, fmt.Errorf("speed %q: %w", v, err)
	}
	if s.UpMbps, err = strconv.Atoi(up); err != nil {
		return Speed{}, fmt.Errorf("speed %q: %w", v, err)
	}
	return s, nil
}

// SuspendReason records why a suspension was planned.
type SuspendReason string

const (
	ReasonNone        SuspendReason = ""
	ReasonVacancy     SuspendReason = "vacancy"
	ReasonDelinquency SuspendReason = "delinquency"
)

// ReasonFor maps a suspended desired state to its suspend reason.
func ReasonFor(d DesiredState) SuspendReason {
	switch d {
	case DesiredSuspendedVacant:
		return ReasonVacancy
	case DesiredSuspendedDelinquent:
		return ReasonDelinquency
	}
	return ReasonNone
}

// Action is a planned corrective operation for one unit.
type Action struct {
	Kind       ActionKind    `json:"kind"`
	UnitID     string        `json:"unit_id"`
	DeviceID   string        `json:"device_id"`
	Reason     SuspendReason `json:"reason,omitempty"`
	Desired    DesiredState  `json:"desired"`
	Generation int64         `json:"generation"`
	Speed      Speed         `json:"speed,omitzero"`
}

// Key is the idempotency key: unit, desired state and generation. The
// generation advances on every successful action so a later
// re-suspension never collides with an earlier completed one. A speed
// change carries its profile in place of the desired state.
func (a Action) Key() string {
	if a.Kind == ActionSetSpeed {
		return fmt.Sprintf("%s:speed-%dx%d:%d", a.UnitID, a.Speed.DownMbps, a.Speed.UpMbps, a.Generation)
	}
	return IdempotencyKey(a.UnitID, a.Desired, a.Generation)
}

// TargetActual is the device state the action produces on success.
func (a Action) TargetActual() ActualState {
	if a.Kind == ActionSuspend {
		return ActualSuspended
	}
	return ActualActive
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSuspend:
		return fmt.Sprintf("SUSPEND(%s, %s)", a.UnitID, a.Reason)
	case ActionSetSpeed:
		return fmt.Sprintf("SET_SPEED(%s, %s)", a.UnitID, a.Speed)
	}
	return fmt.Sprintf("ACTIVATE(%s)", a.UnitID)
}

// IdempotencyKey formats the ledger key for a unit/desired/generation triple.
func IdempotencyKey(unitID string, desired DesiredState, generation int64) string {
	return fmt.Sprintf("%s:%s:%d", unitID, desired, generation)
}

// LedgerOutcome is the state of one idempotency key in the action ledger.
type LedgerOutcome string

const (
	OutcomePending   LedgerOutcome = "pending"
	OutcomeSucceeded LedgerOutcome = "succeeded"
	OutcomeFailed    LedgerOutcome = "failed"
)

// LedgerEntry is the persisted execution record for one idempotency key.
type LedgerEntry struct {
	Key           string        `json:"key"`
	UnitID        string        `json:"unit_id"`
	Kind          ActionKind    `json:"kind"`
	Reason        SuspendReason `json:"reason,omitempty"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	Outcome       LedgerOutcome `json:"outcome"`
	// Terminal entries failed past the attempt bound. They are surfaced
	// and not retried within the same generation.
	Terminal   bool   `json:"terminal"`
	LastError  string `json:"last_error,omitempty"`
	Generation int64  `json:"generation"`
}

// TicketStatus is the normalized maintenance ticket status shared by both sides.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketClosed     TicketStatus = "closed"
)

// NormalizeTicketStatus maps the various remote spellings onto TicketStatus.
func NormalizeTicketStatus(s string) TicketStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "closed", "resolved", "completed", "done", "cancelled", "canceled":
		return TicketClosed
	case "in_progress", "in progress", "inprogress", "pending", "assigned", "scheduled":
		return TicketInProgress
	}
	return TicketOpen
}

// DiagnosticKind classifies why a unit was skipped or flagged.
type DiagnosticKind string

const (
	DiagUnknownActual         DiagnosticKind = "unknown_actual_state"
	DiagUnmappedLease         DiagnosticKind = "lease_without_device"
	DiagOverlappingLeases     DiagnosticKind = "overlapping_leases"
	DiagMissingPayment        DiagnosticKind = "payment_status_unavailable"
	DiagDeviceLagging         DiagnosticKind = "device_state_lagging"
	DiagPackageChangeIgnored  DiagnosticKind = "package_change_ignored"
	DiagTerminalActionFailure DiagnosticKind = "terminal_action_failure"
)
