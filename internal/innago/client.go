// Package innago is the property-management client: leases, payment
// status, maintenance tickets and recurring charges.
package innago

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/httpclient"
	"github.com/matthewbaird/leasesync/internal/metrics"
	"github.com/matthewbaird/leasesync/internal/signals"
	"github.com/matthewbaird/leasesync/internal/types"
)

// Config configures a Client.
type Config struct {
	BaseURL       string
	APIKey        string
	PropertyID    string
	Timeout       time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	RatePerSecond float64
	Transport     http.RoundTripper
	Metrics       *metrics.Metrics
	Clock         clock.Clock
}

// Client implements collab.PropertyManager over the Innago REST API.
type Client struct {
	http       *httpclient.Client
	propertyID string
	clock      clock.Clock
}

var _ collab.PropertyManager = (*Client)(nil)

func New(cfg Config) *Client {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Client{
		http: httpclient.New(httpclient.Config{
			Service:    "innago",
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			RetryBase:  cfg.RetryBase,
			RateLimit:  cfg.RatePerSecond,
			Headers:    map[string]string{"x-api-key": cfg.APIKey},
			Transport:  cfg.Transport,
			Metrics:    cfg.Metrics,
		}),
		propertyID: cfg.PropertyID,
		clock:      c,
	}
}

// Ping fetches the configured property.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.http.GetJSON(ctx, "/v1/properties/"+url.PathEscape(c.propertyID), nil, nil); err != nil {
		return fmt.Errorf("innago ping: %w", err)
	}
	return nil
}

// ── Leases ───────────────────────────────────────────────────────────────────

type unitRef struct {
	Number httpclient.ID `json:"number"`
	Name   string        `json:"name"`
}

type leaseJSON struct {
	ID                 httpclient.ID      `json:"id"`
	UnitNumber         httpclient.ID      `json:"unitNumber"`
	Unit               *unitRef           `json:"unit"`
	StartDate          string             `json:"startDate"`
	EndDate            string             `json:"endDate"`
	TenantID           httpclient.ID      `json:"tenantId"`
	Rent               httpclient.Amount  `json:"rent"`
	Package            string             `json:"package"`
	Plan               string             `json:"internetPlan"`
	Balance            *httpclient.Amount `json:"balance"`
	OutstandingBalance *httpclient.Amount `json:"outstandingBalance"`
	AmountDue          *httpclient.Amount `json:"amountDue"`
	AmountPaid         *httpclient.Amount `json:"amountPaid"`
	DueDate            string             `json:"dueDate"`
	GraceEndDate       string             `json:"graceEndDate"`
}

var digits = regexp.MustCompile(`(\d+[A-Za-z]?)`)

// unitNumber prefers unitNumber, then unit.number, then the first number
// in unit.name ("Apt 204" → "204").
func unitNumber(flat httpclient.ID, u *unitRef) string {
	if s := strings.TrimSpace(flat.String()); s != "" {
		return strings.ToUpper(s)
	}
	if u == nil {
		return ""
	}
	if s := strings.TrimSpace(u.Number.String()); s != "" {
		return strings.ToUpper(s)
	}
	if m := digits.FindString(u.Name); m != "" {
		return strings.ToUpper(m)
	}
	return ""
}

func (l leaseJSON) toLease() (types.Lease, error) {
	start, err := httpclient.ParseTime(l.StartDate)
	if err != nil {
		return types.Lease{}, fmt.Errorf("lease %s start date: %w", l.ID, err)
	}
	pkg := l.Package
	if pkg == "" {
		pkg = l.Plan
	}
	return types.Lease{
		ID:       l.ID.String(),
		UnitID:   unitNumber(l.UnitNumber, l.Unit),
		Term:     types.DateRange{Start: start, End: httpclient.OptionalTime(l.EndDate)},
		TenantID: l.TenantID.String(),
		Rent:     types.USD(l.Rent.Cents()),
		Package:  pkg,
	}, nil
}

// ListActiveLeases returns the property's active leases. Leases whose
// dates cannot be parsed are an error: dropping them silently would read
// as a vacancy.
func (c *Client) ListActiveLeases(ctx context.Context, propertyID string) ([]types.Lease, error) {
	var raw []leaseJSON
	q := url.Values{"propertyId": {propertyID}, "status": {"active"}}
	if err := c.http.GetJSON(ctx, "/v1/leases", q, &raw); err != nil {
		return nil, fmt.Errorf("listing leases: %w", err)
	}
	out := make([]types.Lease, 0, len(raw))
	for _, l := range raw {
		lease, err := l.toLease()
		if err != nil {
			return nil, err
		}
		out = append(out, lease)
	}
	return out, nil
}

// ── Payments ─────────────────────────────────────────────────────────────────

type invoiceJSON struct {
	ID         httpclient.ID     `json:"id"`
	Status     string            `json:"status"`
	Amount     httpclient.Amount `json:"amount"`
	AmountPaid httpclient.Amount `json:"amountPaid"`
	DueDate    string            `json:"dueDate"`
}

var unpaidStatuses = map[string]bool{"unpaid": true, "partially_paid": true, "overdue": true}

// GetPaymentStatus reads the lease balance. When the lease record carries
// no balance, or cannot be fetched for a non-transient reason, the unpaid
// invoices are summed instead. A due date missing from both falls on the
// first of the current month.
func (c *Client) GetPaymentStatus(ctx context.Context, leaseID string) (types.PaymentStatus, error) {
	var l leaseJSON
	err := c.http.GetJSON(ctx, "/v1/leases/"+url.PathEscape(leaseID), nil, &l)
	if err != nil && httpclient.IsRetryable(err) {
		return types.PaymentStatus{}, fmt.Errorf("payment status for lease %s: %w", leaseID, err)
	}
	if err == nil {
		if ps, ok := c.fromLease(leaseID, l); ok {
			return ps, nil
		}
	}

	ps, ierr := c.fromInvoices(ctx, leaseID)
	if ierr != nil {
		return types.PaymentStatus{}, fmt.Errorf("payment status for lease %s: %w", leaseID, errors.Join(err, ierr))
	}
	return ps, nil
}

func (c *Client) fromLease(leaseID string, l leaseJSON) (types.PaymentStatus, bool) {
	ps := types.PaymentStatus{LeaseID: leaseID, DueDate: c.dueDate(l.DueDate)}
	if t := httpclient.OptionalTime(l.GraceEndDate); t != nil {
		ps.GraceBoundary = *t
	}
	switch {
	case l.AmountDue != nil:
		ps.AmountDue = types.USD(l.AmountDue.Cents())
		if l.AmountPaid != nil {
			ps.AmountPaid = types.USD(l.AmountPaid.Cents())
		} else {
			ps.AmountPaid = types.USD(0)
		}
	case l.Balance != nil:
		ps.AmountDue, ps.AmountPaid = types.USD(l.Balance.Cents()), types.USD(0)
	case l.OutstandingBalance != nil:
		ps.AmountDue, ps.AmountPaid = types.USD(l.OutstandingBalance.Cents()), types.USD(0)
	default:
		return types.PaymentStatus{}, false
	}
	return ps, true
}

func (c *Client) fromInvoices(ctx context.Context, leaseID string) (types.PaymentStatus, error) {
	var invoices []invoiceJSON
	if err := c.http.GetJSON(ctx, "/v1/invoices", url.Values{"leaseId": {leaseID}}, &invoices); err != nil {
		return types.PaymentStatus{}, err
	}
	ps := types.PaymentStatus{LeaseID: leaseID, AmountDue: types.USD(0), AmountPaid: types.USD(0)}
	var earliest *time.Time
	for _, inv := range invoices {
		if !unpaidStatuses[strings.ToLower(inv.Status)] {
			continue
		}
		ps.AmountDue = ps.AmountDue.Add(types.USD(inv.Amount.Cents()))
		ps.AmountPaid = ps.AmountPaid.Add(types.USD(inv.AmountPaid.Cents()))
		if t := httpclient.OptionalTime(inv.DueDate); t != nil && (earliest == nil || t.Before(*earliest)) {
			earliest = t
		}
	}
	if earliest != nil {
		ps.DueDate = *earliest
	} else {
		ps.DueDate = c.dueDate("")
	}
	return ps, nil
}

func (c *Client) dueDate(s string) time.Time {
	if t := httpclient.OptionalTime(s); t != nil {
		return *t
	}
	now := c.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ── Maintenance tickets ──────────────────────────────────────────────────────

type ticketJSON struct {
	ID          httpclient.ID `json:"id"`
	UnitNumber  httpclient.ID `json:"unitNumber"`
	Unit        *unitRef      `json:"unit"`
	Subject     string        `json:"subject"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	UpdatedAt   string        `json:"updatedAt"`
	CreatedAt   string        `json:"createdAt"`
}

func (t ticketJSON) toTicket() types.Ticket {
	unit := unitNumber(t.UnitNumber, t.Unit)
	if unit == "" {
		unit, _ = signals.ExtractUnit(t.Subject + " " + t.Description)
	}
	updated := httpclient.OptionalTime(t.UpdatedAt)
	if updated == nil {
		updated = httpclient.OptionalTime(t.CreatedAt)
	}
	out := types.Ticket{
		ID:      t.ID.String(),
		UnitID:  unit,
		Subject: t.Subject,
		Body:    t.Description,
		Status:  types.NormalizeTicketStatus(t.Status),
	}
	if updated != nil {
		out.UpdatedAt = *updated
	}
	return out
}

// ListMaintenanceTickets returns the property's tickets updated after
// since, oldest first.
func (c *Client) ListMaintenanceTickets(ctx context.Context, since time.Time) ([]types.Ticket, error) {
	q := url.Values{"propertyId": {c.propertyID}}
	if !since.IsZero() {
		q.Set("updatedSince", since.UTC().Format(time.RFC3339))
	}
	var raw []ticketJSON
	if err := c.http.GetJSON(ctx, "/v1/maintenance", q, &raw); err != nil {
		return nil, fmt.Errorf("listing maintenance tickets: %w", err)
	}
	out := make([]types.Ticket, 0, len(raw))
	for _, r := range raw {
		t := r.toTicket()
		if !since.IsZero() && !t.UpdatedAt.After(since) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (c *Client) UpdateTicketStatus(ctx context.Context, ticketID string, status types.TicketStatus) error {
	path := "/v1/maintenance/" + url.PathEscape(ticketID) + "/status"
	if err := c.http.SendJSON(ctx, http.MethodPatch, path, map[string]string{"status": string(status)}, nil); err != nil {
		return fmt.Errorf("updating ticket %s status: %w", ticketID, err)
	}
	return nil
}

// ── Charges ──────────────────────────────────────────────────────────────────

type chargeRequest struct {
	LeaseID     string  `json:"leaseId"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
}

// CreateInvoiceLineItem posts a recurring charge against the lease.
func (c *Client) CreateInvoiceLineItem(ctx context.Context, leaseID string, amount types.Money, label string) error {
	req := chargeRequest{
		LeaseID:     leaseID,
		Description: label,
		Amount:      httpclient.Dollars(amount.AmountCents),
		Category:    "Utilities",
	}
	if err := c.http.SendJSON(ctx, http.MethodPost, "/v1/recurring-charges", req, nil); err != nil {
		return fmt.Errorf("creating charge for lease %s: %w", leaseID, err)
	}
	return nil
}
