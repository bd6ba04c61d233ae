// Package uisp talks to the network-management side: ONU enable, suspend,
// speed and provisioning through the NMS API and support tickets through
// the CRM API.
package uisp

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/httpclient"
	"github.com/matthewbaird/leasesync/internal/metrics"
	"github.com/matthewbaird/leasesync/internal/types"
)

const (
	nmsPrefix = "/nms/api/v2.1"
	crmPrefix = "/crm/api/v1.0"
)

// Config configures a Client. BaseURL is scheme and host only; the NMS
// and CRM path prefixes are appended.
type Config struct {
	BaseURL       string
	NMSAPIKey     string
	CRMAPIKey     string
	Timeout       time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	RatePerSecond float64
	Transport     http.RoundTripper
	Metrics       *metrics.Metrics
}

// Client implements collab.NetworkManager and collab.DeviceProvisioner.
type Client struct {
	nms *httpclient.Client
	crm *httpclient.Client
}

var (
	_ collab.NetworkManager    = (*Client)(nil)
	_ collab.DeviceProvisioner = (*Client)(nil)
)

func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	mk := func(service, prefix string, headers map[string]string) *httpclient.Client {
		return httpclient.New(httpclient.Config{
			Service:    service,
			BaseURL:    base + prefix,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			RetryBase:  cfg.RetryBase,
			RateLimit:  cfg.RatePerSecond,
			Headers:    headers,
			Transport:  cfg.Transport,
			Metrics:    cfg.Metrics,
		})
	}
	return &Client{
		nms: mk("uisp-nms", nmsPrefix, map[string]string{"x-auth-token": cfg.NMSAPIKey}),
		crm: mk("uisp-crm", crmPrefix, map[string]string{"X-Auth-App-Key": cfg.CRMAPIKey}),
	}
}

// Ping checks both APIs.
func (c *Client) Ping(ctx context.Context) error {
	var errs []error
	if err := c.nms.GetJSON(ctx, "/sites", url.Values{"count": {"1"}}, nil); err != nil {
		errs = append(errs, fmt.Errorf("nms: %w", err))
	}
	if err := c.crm.GetJSON(ctx, "/version", nil, nil); err != nil {
		errs = append(errs, fmt.Errorf("crm: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("uisp ping: %w", errors.Join(errs...))
	}
	return nil
}

// ── Devices ──────────────────────────────────────────────────────────────────

type deviceAttributes struct {
	Suspended       *bool   `json:"suspended,omitempty"`
	SuspendedReason *string `json:"suspendedReason"`
}

type deviceJSON struct {
	Enabled    *bool             `json:"enabled"`
	Attributes *deviceAttributes `json:"attributes"`
}

// ErrIndeterminate is returned when a device record says nothing about
// its enabled or suspended flags.
var ErrIndeterminate = errors.New("device state indeterminate")

// GetDeviceState maps the NMS flags onto ACTIVE/SUSPENDED. A device is
// suspended if it is disabled or flagged suspended.
func (c *Client) GetDeviceState(ctx context.Context, deviceID string) (types.ActualState, error) {
	var d deviceJSON
	if err := c.nms.GetJSON(ctx, "/devices/"+url.PathEscape(deviceID), nil, &d); err != nil {
		return types.ActualUnknown, fmt.Errorf("reading device %s: %w", deviceID, err)
	}
	var suspendedFlag *bool
	if d.Attributes != nil {
		suspendedFlag = d.Attributes.Suspended
	}
	switch {
	case d.Enabled == nil && suspendedFlag == nil:
		return types.ActualUnknown, fmt.Errorf("reading device %s: %w", deviceID, ErrIndeterminate)
	case d.Enabled != nil && !*d.Enabled, suspendedFlag != nil && *suspendedFlag:
		return types.ActualSuspended, nil
	}
	return types.ActualActive, nil
}

func (c *Client) ActivateDevice(ctx context.Context, deviceID string) error {
	enabled, suspended := true, false
	body := deviceJSON{
		Enabled:    &enabled,
		Attributes: &deviceAttributes{Suspended: &suspended},
	}
	if err := c.nms.SendJSON(ctx, http.MethodPatch, "/devices/"+url.PathEscape(deviceID), body, nil); err != nil {
		return fmt.Errorf("activating device %s: %w", deviceID, err)
	}
	return nil
}

func (c *Client) SuspendDevice(ctx context.Context, deviceID, reason string) error {
	enabled, suspended := false, true
	body := deviceJSON{
		Enabled:    &enabled,
		Attributes: &deviceAttributes{Suspended: &suspended, SuspendedReason: &reason},
	}
	if err := c.nms.SendJSON(ctx, http.MethodPatch, "/devices/"+url.PathEscape(deviceID), body, nil); err != nil {
		return fmt.Errorf("suspending device %s: %w", deviceID, err)
	}
	return nil
}

// ── Speed profiles ───────────────────────────────────────────────────────────

type qosJSON struct {
	Enabled       bool  `json:"enabled"`
	DownloadSpeed int64 `json:"downloadSpeed"`
	UploadSpeed   int64 `json:"uploadSpeed"`
}

// SetDeviceSpeed enables QoS on the device. The NMS takes bits per second.
func (c *Client) SetDeviceSpeed(ctx context.Context, deviceID string, s types.Speed) error {
	body := map[string]qosJSON{"qos": {
		Enabled:       true,
		DownloadSpeed: int64(s.DownMbps) * 1_000_000,
		UploadSpeed:   int64(s.UpMbps) * 1_000_000,
	}}
	if err := c.nms.SendJSON(ctx, http.MethodPatch, "/devices/"+url.PathEscape(deviceID), body, nil); err != nil {
		return fmt.Errorf("setting speed %s on device %s: %w", s, deviceID, err)
	}
	return nil
}

// ── Provisioning ─────────────────────────────────────────────────────────────

type identificationJSON struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	MAC          string `json:"mac,omitempty"`
	Authorized   *bool  `json:"authorized,omitempty"`
	SiteID       string `json:"siteId,omitempty"`
}

type deviceSummary struct {
	ID             string             `json:"id"`
	Identification identificationJSON `json:"identification"`
}

var hwSeparators = strings.NewReplacer(":", "", "-", "", ".", "")

func hardwareKey(s string) string {
	return strings.ToLower(hwSeparators.Replace(strings.TrimSpace(s)))
}

// FindDeviceBySerial scans the NMS device list for a serial number or MAC.
func (c *Client) FindDeviceBySerial(ctx context.Context, serial, mac string) (string, error) {
	var devices []deviceSummary
	if err := c.nms.GetJSON(ctx, "/devices", nil, &devices); err != nil {
		return "", fmt.Errorf("listing devices: %w", err)
	}
	want := make(map[string]bool, 2)
	for _, v := range []string{serial, mac} {
		if k := hardwareKey(v); k != "" {
			want[k] = true
		}
	}
	for _, d := range devices {
		id := d.Identification
		deviceID := cmp.Or(id.ID, d.ID)
		if deviceID == "" {
			continue
		}
		if want[hardwareKey(id.SerialNumber)] || want[hardwareKey(id.MAC)] {
			return deviceID, nil
		}
	}
	return "", fmt.Errorf("device %s: %w", serial, collab.ErrDeviceNotFound)
}

// AuthorizeDevice names and authorizes a discovered device.
func (c *Client) AuthorizeDevice(ctx context.Context, deviceID, name, siteID string) error {
	authorized := true
	body := map[string]identificationJSON{"identification": {
		Name:       name,
		Authorized: &authorized,
		SiteID:     siteID,
	}}
	if err := c.nms.SendJSON(ctx, http.MethodPatch, "/devices/"+url.PathEscape(deviceID), body, nil); err != nil {
		return fmt.Errorf("authorizing device %s: %w", deviceID, err)
	}
	return nil
}

// ── Tickets ──────────────────────────────────────────────────────────────────

// CRM ticket status codes.
const (
	crmNew     = 0
	crmOpen    = 1
	crmPending = 2
	crmSolved  = 3
)

type ticketJSON struct {
	ID           httpclient.ID   `json:"id"`
	Status       json.RawMessage `json:"status"`
	LastActivity string          `json:"lastActivity"`
	UpdatedAt    string          `json:"updatedAt"`
	CreatedAt    string          `json:"createdAt"`
}

func decodeStatus(raw json.RawMessage) types.TicketStatus {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return types.TicketOpen
	}
	if raw[0] == '"' {
		var s string
		_ = json.Unmarshal(raw, &s)
		if n, err := strconv.Atoi(s); err == nil {
			return statusFromCode(n)
		}
		return types.NormalizeTicketStatus(s)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return types.TicketOpen
	}
	return statusFromCode(n)
}

func statusFromCode(n int) types.TicketStatus {
	switch n {
	case crmSolved:
		return types.TicketClosed
	case crmPending:
		return types.TicketInProgress
	case crmNew, crmOpen:
	}
	return types.TicketOpen
}

func statusCode(s types.TicketStatus) int {
	switch s {
	case types.TicketClosed:
		return crmSolved
	case types.TicketInProgress:
		return crmPending
	}
	return crmOpen
}

// CreateTicket opens a CRM ticket for the client and returns its id.
func (c *Client) CreateTicket(ctx context.Context, clientID, subject, body string) (string, error) {
	cid, err := strconv.Atoi(clientID)
	if err != nil {
		return "", fmt.Errorf("creating ticket: client id %q is not numeric", clientID)
	}
	req := map[string]any{"clientId": cid, "subject": subject, "message": body}
	var created ticketJSON
	if err := c.crm.SendJSON(ctx, http.MethodPost, "/tickets", req, &created); err != nil {
		return "", fmt.Errorf("creating ticket: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("creating ticket: response carried no id")
	}
	return created.ID.String(), nil
}

func (c *Client) GetTicket(ctx context.Context, ticketID string) (types.RemoteTicket, error) {
	var t ticketJSON
	if err := c.crm.GetJSON(ctx, "/tickets/"+url.PathEscape(ticketID), nil, &t); err != nil {
		return types.RemoteTicket{}, fmt.Errorf("reading ticket %s: %w", ticketID, err)
	}
	out := types.RemoteTicket{ID: t.ID.String(), Status: decodeStatus(t.Status)}
	for _, s := range []string{t.LastActivity, t.UpdatedAt, t.CreatedAt} {
		if ts := httpclient.OptionalTime(s); ts != nil {
			out.UpdatedAt = *ts
			break
		}
	}
	if out.ID == "" {
		out.ID = ticketID
	}
	return out, nil
}

func (c *Client) UpdateTicketStatus(ctx context.Context, ticketID string, status types.TicketStatus) error {
	body := map[string]int{"status": statusCode(status)}
	if err := c.crm.SendJSON(ctx, http.MethodPatch, "/tickets/"+url.PathEscape(ticketID), body, nil); err != nil {
		return fmt.Errorf("updating ticket %s: %w", ticketID, err)
	}
	return nil
}
