// Package collab defines the contracts the engine consumes from the
// property-management and network-management systems. Concrete clients
// live in internal/innago and internal/uisp.
package collab

import (
	"context"
	"errors"
	"time"

	"github.com/matthewbaird/leasesync/internal/types"
)

// ErrUnreachable marks a failure to reach a collaborator at all (connection
// refused, DNS, timeout) as opposed to the collaborator rejecting a request.
var ErrUnreachable = errors.New("collaborator unreachable")

// ErrDeviceNotFound is returned when no device matches a lookup.
var ErrDeviceNotFound = errors.New("device not found")

// PropertyManager is the property-management system of record.
type PropertyManager interface {
	// Ping verifies reachability and credentials.
	Ping(ctx context.Context) error

	ListActiveLeases(ctx context.Context, propertyID string) ([]types.Lease, error)
	GetPaymentStatus(ctx context.Context, leaseID string) (types.PaymentStatus, error)

	// ListMaintenanceTickets returns tickets updated after since. A zero
	// since returns every ticket.
	ListMaintenanceTickets(ctx context.Context, since time.Time) ([]types.Ticket, error)
	UpdateTicketStatus(ctx context.Context, ticketID string, status types.TicketStatus) error

	CreateInvoiceLineItem(ctx context.Context, leaseID string, amount types.Money, label string) error
}

// NetworkManager is the network-management system that owns device state
// and support tickets.
type NetworkManager interface {
	Ping(ctx context.Context) error

	// GetDeviceState returns ACTIVE or SUSPENDED. Any error means the
	// state is unknown.
	GetDeviceState(ctx context.Context, deviceID string) (types.ActualState, error)
	ActivateDevice(ctx context.Context, deviceID string) error
	SuspendDevice(ctx context.Context, deviceID, reason string) error
	// SetDeviceSpeed applies a bandwidth profile to an active device.
	SetDeviceSpeed(ctx context.Context, deviceID string, speed types.Speed) error

	CreateTicket(ctx context.Context, clientID, subject, body string) (string, error)
	GetTicket(ctx context.Context, ticketID string) (types.RemoteTicket, error)
	UpdateTicketStatus(ctx context.Context, ticketID string, status types.TicketStatus) error
}

// DeviceProvisioner brings newly installed ONUs under management.
type DeviceProvisioner interface {
	// FindDeviceBySerial matches either the serial number or the MAC
	// address, ignoring case and separators. It returns ErrDeviceNotFound
	// when the device has not been discovered yet.
	FindDeviceBySerial(ctx context.Context, serial, mac string) (string, error)
	// AuthorizeDevice names the device and assigns it to a site. An empty
	// siteID leaves the site unchanged.
	AuthorizeDevice(ctx context.Context, deviceID, name, siteID string) error
	SuspendDevice(ctx context.Context, deviceID, reason string) error
}
