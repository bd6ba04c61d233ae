// Package collabtest provides in-memory collaborator fakes for tests.
package collabtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/types"
)

// ErrTimeout is a convenient transient failure for scripting.
var ErrTimeout = fmt.Errorf("deadline exceeded: %w", collab.ErrUnreachable)

// ─── Property management ────────────────────────────────────────────────────

// InvoiceLine records a CreateInvoiceLineItem call.
type InvoiceLine struct {
	LeaseID string
	Amount  types.Money
	Label   string
}

// StatusUpdate records an UpdateTicketStatus call.
type StatusUpdate struct {
	TicketID string
	Status   types.TicketStatus
}

// PM is a fake collab.PropertyManager. Exported fields may be set before
// use; use the methods once the fake is shared with goroutines.
type PM struct {
	mu sync.Mutex

	PingErr    error
	LeasesErr  error
	Leases     []types.Lease
	Payments   map[string]types.PaymentStatus
	PaymentErr map[string]error
	Tickets    map[string]types.Ticket

	StatusUpdates []StatusUpdate
	InvoiceLines  []InvoiceLine
	InvoiceErr    error
	LeaseCalls    int
}

var _ collab.PropertyManager = (*PM)(nil)

func NewPM() *PM {
	return &PM{
		Payments:   map[string]types.PaymentStatus{},
		PaymentErr: map[string]error{},
		Tickets:    map[string]types.Ticket{},
	}
}

func (f *PM) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

func (f *PM) SetLeases(leases ...types.Lease) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Leases = append([]types.Lease(nil), leases...)
}

func (f *PM) SetLeasesErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeasesErr = err
}

func (f *PM) SetPayment(p types.PaymentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Payments[p.LeaseID] = p
}

func (f *PM) PutTicket(t types.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tickets[t.ID] = t
}

func (f *PM) Ticket(id string) types.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Tickets[id]
}

func (f *PM) ListActiveLeases(_ context.Context, _ string) ([]types.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeaseCalls++
	if f.LeasesErr != nil {
		return nil, f.LeasesErr
	}
	return append([]types.Lease(nil), f.Leases...), nil
}

func (f *PM) GetPaymentStatus(_ context.Context, leaseID string) (types.PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.PaymentErr[leaseID]; err != nil {
		return types.PaymentStatus{}, err
	}
	p, ok := f.Payments[leaseID]
	if !ok {
		return types.PaymentStatus{}, fmt.Errorf("lease %s: no payment records", leaseID)
	}
	return p, nil
}

func (f *PM) ListMaintenanceTickets(_ context.Context, since time.Time) ([]types.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Ticket
	for _, t := range f.Tickets {
		if since.IsZero() || t.UpdatedAt.After(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *PM) UpdateTicketStatus(_ context.Context, ticketID string, status types.TicketStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	t.Status = status
	f.Tickets[ticketID] = t
	f.StatusUpdates = append(f.StatusUpdates, StatusUpdate{TicketID: ticketID, Status: status})
	return nil
}

func (f *PM) CreateInvoiceLineItem(_ context.Context, leaseID string, amount types.Money, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InvoiceErr != nil {
		return f.InvoiceErr
	}
	f.InvoiceLines = append(f.InvoiceLines, InvoiceLine{LeaseID: leaseID, Amount: amount, Label: label})
	return nil
}

func (f *PM) Invoices() []InvoiceLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InvoiceLine(nil), f.InvoiceLines...)
}

func (f *PM) Updates() []StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StatusUpdate(nil), f.StatusUpdates...)
}

// ─── Network management ─────────────────────────────────────────────────────

// Call records one device action.
type Call struct {
	Op       string // "activate", "suspend", "set_speed" or "authorize"
	DeviceID string
	Reason   string
	Speed    types.Speed
}

// NMS is a fake collab.NetworkManager.
type NMS struct {
	mu sync.Mutex

	PingErr error
	Devices map[string]types.ActualState
	ReadErr map[string]error
	Tickets map[string]types.RemoteTicket
	Calls   []Call
	Created []CreatedTicket
	Now     func() time.Time
	Hook    func(Call) // runs before an action resolves; may block

	// Speeds holds the QoS profile last applied per device.
	Speeds   map[string]types.Speed
	SpeedErr map[string]error

	// Discovered maps serial numbers of unauthorized devices to NMS ids.
	Discovered map[string]string
	Authorized map[string]string // device id to name
	FindErr    error

	// actionErrs scripts failures per device; each call pops one error,
	// a nil entry succeeds. failAlways wins over the script.
	actionErrs map[string][]error
	failAlways map[string]error
	nextTicket int
}

// CreatedTicket records a CreateTicket call.
type CreatedTicket struct {
	ID       string
	ClientID string
	Subject  string
	Body     string
}

var (
	_ collab.NetworkManager   = (*NMS)(nil)
	_ collab.DeviceProvisioner = (*NMS)(nil)
)

func NewNMS() *NMS {
	return &NMS{
		Devices:    map[string]types.ActualState{},
		ReadErr:    map[string]error{},
		Tickets:    map[string]types.RemoteTicket{},
		Speeds:     map[string]types.Speed{},
		SpeedErr:   map[string]error{},
		Discovered: map[string]string{},
		Authorized: map[string]string{},
		actionErrs: map[string][]error{},
		failAlways: map[string]error{},
		Now:        time.Now,
	}
}

func (f *NMS) SetDevice(deviceID string, st types.ActualState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Devices[deviceID] = st
}

func (f *NMS) Device(deviceID string) types.ActualState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Devices[deviceID]
}

func (f *NMS) SetReadErr(deviceID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.ReadErr, deviceID)
		return
	}
	f.ReadErr[deviceID] = err
}

// FailNext makes the next len(errs) actions on deviceID return errs in order.
func (f *NMS) FailNext(deviceID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actionErrs[deviceID] = append(f.actionErrs[deviceID], errs...)
}

// FailAlways makes every action on deviceID return err; nil clears it.
func (f *NMS) FailAlways(deviceID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAlways, deviceID)
		return
	}
	f.failAlways[deviceID] = err
}

// CallCount counts recorded actions matching op ("" for any) and device.
func (f *NMS) CallCount(op, deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if (op == "" || c.Op == op) && c.DeviceID == deviceID {
			n++
		}
	}
	return n
}

func (f *NMS) AllCalls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.Calls...)
}

func (f *NMS) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

func (f *NMS) GetDeviceState(_ context.Context, deviceID string) (types.ActualState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ReadErr[deviceID]; err != nil {
		return types.ActualUnknown, err
	}
	st, ok := f.Devices[deviceID]
	if !ok {
		return types.ActualUnknown, fmt.Errorf("device %s not found", deviceID)
	}
	return st, nil
}

func (f *NMS) ActivateDevice(ctx context.Context, deviceID string) error {
	return f.act(ctx, Call{Op: "activate", DeviceID: deviceID}, types.ActualActive)
}

func (f *NMS) SuspendDevice(ctx context.Context, deviceID, reason string) error {
	return f.act(ctx, Call{Op: "suspend", DeviceID: deviceID, Reason: reason}, types.ActualSuspended)
}

func (f *NMS) act(ctx context.Context, c Call, target types.ActualState) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, c)
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failAlways[c.DeviceID]; err != nil {
		return err
	}
	if q := f.actionErrs[c.DeviceID]; len(q) > 0 {
		err := q[0]
		f.actionErrs[c.DeviceID] = q[1:]
		if err != nil {
			return err
		}
	}
	f.Devices[c.DeviceID] = target
	return nil
}

// SetDeviceSpeed records the profile. It fails under FailAlways or SpeedErr
// but does not consume FailNext scripts.
func (f *NMS) SetDeviceSpeed(ctx context.Context, deviceID string, speed types.Speed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: "set_speed", DeviceID: deviceID, Speed: speed})
	if err := f.failAlways[deviceID]; err != nil {
		return err
	}
	if err := f.SpeedErr[deviceID]; err != nil {
		return err
	}
	f.Speeds[deviceID] = speed
	return nil
}

func (f *NMS) Speed(deviceID string) types.Speed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Speeds[deviceID]
}

func (f *NMS) SetSpeedErr(deviceID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.SpeedErr, deviceID)
		return
	}
	f.SpeedErr[deviceID] = err
}

// Discover makes an unauthorized device visible under serial.
func (f *NMS) Discover(serial, deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Discovered[strings.ToLower(serial)] = deviceID
}

func (f *NMS) FindDeviceBySerial(_ context.Context, serial, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FindErr != nil {
		return "", f.FindErr
	}
	id, ok := f.Discovered[strings.ToLower(serial)]
	if !ok {
		return "", fmt.Errorf("device %s: %w", serial, collab.ErrDeviceNotFound)
	}
	return id, nil
}

func (f *NMS) AuthorizeDevice(_ context.Context, deviceID, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: "authorize", DeviceID: deviceID, Reason: name})
	if err := f.failAlways[deviceID]; err != nil {
		return err
	}
	f.Authorized[deviceID] = name
	if _, ok := f.Devices[deviceID]; !ok {
		f.Devices[deviceID] = types.ActualActive
	}
	return nil
}

func (f *NMS) CreateTicket(_ context.Context, clientID, subject, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTicket++
	id := fmt.Sprintf("N%d", f.nextTicket)
	f.Tickets[id] = types.RemoteTicket{ID: id, Status: types.TicketOpen, UpdatedAt: f.Now()}
	f.Created = append(f.Created, CreatedTicket{ID: id, ClientID: clientID, Subject: subject, Body: body})
	return id, nil
}

func (f *NMS) CreatedTickets() []CreatedTicket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreatedTicket(nil), f.Created...)
}

// SetTicket overwrites a remote ticket, simulating an edit made in the NMS.
func (f *NMS) SetTicket(t types.RemoteTicket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tickets[t.ID] = t
}

func (f *NMS) GetTicket(_ context.Context, ticketID string) (types.RemoteTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tickets[ticketID]
	if !ok {
		return types.RemoteTicket{}, errors.New("ticket not found")
	}
	return t, nil
}

func (f *NMS) UpdateTicketStatus(_ context.Context, ticketID string, status types.TicketStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tickets[ticketID]
	if !ok {
		return errors.New("ticket not found")
	}
	t.Status = status
	t.UpdatedAt = f.Now()
	f.Tickets[ticketID] = t
	return nil
}
