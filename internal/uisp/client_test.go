package uisp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/httpclient"
	"github.com/matthewbaird/leasesync/internal/types"
)

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:       srv.URL,
		NMSAPIKey:     "nms-key",
		CRMAPIKey:     "crm-key",
		Timeout:       time.Second,
		MaxRetries:    -1,
		RatePerSecond: 1000,
	})
}

func TestGetDeviceState(t *testing.T) {
	devices := map[string]string{
		"active":     `{"enabled": true, "attributes": {"suspended": false}}`,
		"disabled":   `{"enabled": false}`,
		"flagged":    `{"enabled": true, "attributes": {"suspended": true}}`,
		"no-flags":   `{"identification": {"name": "onu"}}`,
		"only-attrs": `{"attributes": {"suspended": false}}`,
	}
	r := chi.NewRouter()
	r.Get("/nms/api/v2.1/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "nms-key", r.Header.Get("x-auth-token"))
		body, ok := devices[chi.URLParam(r, "id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	cases := map[string]types.ActualState{
		"active":     types.ActualActive,
		"disabled":   types.ActualSuspended,
		"flagged":    types.ActualSuspended,
		"only-attrs": types.ActualActive,
	}
	for id, want := range cases {
		got, err := c.GetDeviceState(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}

	got, err := c.GetDeviceState(ctx, "no-flags")
	assert.ErrorIs(t, err, ErrIndeterminate)
	assert.Equal(t, types.ActualUnknown, got)

	got, err = c.GetDeviceState(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, httpclient.StatusCode(err))
	assert.Equal(t, types.ActualUnknown, got)
}

func TestSuspendAndActivateDevice(t *testing.T) {
	var bodies []map[string]any
	r := chi.NewRouter()
	r.Patch("/nms/api/v2.1/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "onu-101", chi.URLParam(r, "id"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		fmt.Fprint(w, `{}`)
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	require.NoError(t, c.SuspendDevice(ctx, "onu-101", "vacancy"))
	require.NoError(t, c.ActivateDevice(ctx, "onu-101"))
	require.Len(t, bodies, 2)

	assert.Equal(t, false, bodies[0]["enabled"])
	assert.Equal(t, map[string]any{"suspended": true, "suspendedReason": "vacancy"}, bodies[0]["attributes"])
	assert.Equal(t, true, bodies[1]["enabled"])
	assert.Equal(t, map[string]any{"suspended": false, "suspendedReason": nil}, bodies[1]["attributes"])
}

func TestSetDeviceSpeed(t *testing.T) {
	var body map[string]any
	r := chi.NewRouter()
	r.Patch("/nms/api/v2.1/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "onu-101", chi.URLParam(r, "id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{}`)
	})
	c := newTestClient(t, r)

	require.NoError(t, c.SetDeviceSpeed(context.Background(), "onu-101", types.Speed{DownMbps: 1000, UpMbps: 500}))
	assert.Equal(t, map[string]any{
		"enabled":       true,
		"downloadSpeed": float64(1_000_000_000),
		"uploadSpeed":   float64(500_000_000),
	}, body["qos"])
}

func TestFindDeviceBySerial(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/nms/api/v2.1/devices", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[
			{"identification": {"id": "dev-a", "serialNumber": "ALCL0001", "mac": "AA:BB:CC:00:00:01"}},
			{"id": "dev-b", "identification": {"serialNumber": "", "mac": "aa:bb:cc:00:00:02"}},
			{"identification": {"serialNumber": "ALCL0009"}}
		]`)
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	id, err := c.FindDeviceBySerial(ctx, "alcl0001", "")
	require.NoError(t, err)
	assert.Equal(t, "dev-a", id)

	id, err = c.FindDeviceBySerial(ctx, "ALCL0002", "AA-BB-CC-00-00-02")
	require.NoError(t, err)
	assert.Equal(t, "dev-b", id, "the MAC matches when the serial is unknown")

	_, err = c.FindDeviceBySerial(ctx, "ALCL0009", "")
	assert.ErrorIs(t, err, collab.ErrDeviceNotFound, "a device without an id cannot be provisioned")

	_, err = c.FindDeviceBySerial(ctx, "", "")
	assert.ErrorIs(t, err, collab.ErrDeviceNotFound)
}

func TestAuthorizeDevice(t *testing.T) {
	var bodies []map[string]any
	r := chi.NewRouter()
	r.Patch("/nms/api/v2.1/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		fmt.Fprint(w, `{}`)
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	require.NoError(t, c.AuthorizeDevice(ctx, "dev-a", "vic-vil-103", "site-1"))
	require.NoError(t, c.AuthorizeDevice(ctx, "dev-a", "vic-vil-103", ""))
	require.Len(t, bodies, 2)
	assert.Equal(t, map[string]any{"name": "vic-vil-103", "authorized": true, "siteId": "site-1"}, bodies[0]["identification"])
	assert.Equal(t, map[string]any{"name": "vic-vil-103", "authorized": true}, bodies[1]["identification"])
}

func TestCreateTicket(t *testing.T) {
	var got map[string]any
	r := chi.NewRouter()
	r.Post("/crm/api/v1.0/tickets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "crm-key", r.Header.Get("X-Auth-App-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 501, "status": 0}`)
	})
	c := newTestClient(t, r)

	id, err := c.CreateTicket(context.Background(), "42", "Internet down", "body")
	require.NoError(t, err)
	assert.Equal(t, "501", id)
	assert.Equal(t, 42.0, got["clientId"])
	assert.Equal(t, "Internet down", got["subject"])
	assert.Equal(t, "body", got["message"])

	_, err = c.CreateTicket(context.Background(), "abc", "s", "b")
	assert.Error(t, err)
}

func TestGetTicket(t *testing.T) {
	tickets := map[string]string{
		"1": `{"id": 1, "status": 3, "lastActivity": "2026-03-06T08:00:00+0000"}`,
		"2": `{"id": 2, "status": 2, "createdAt": "2026-03-05T10:00:00Z"}`,
		"3": `{"id": 3, "status": "open"}`,
	}
	r := chi.NewRouter()
	r.Get("/crm/api/v1.0/tickets/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tickets[chi.URLParam(r, "id")])
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	tk, err := c.GetTicket(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, types.TicketClosed, tk.Status)
	assert.Equal(t, time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC), tk.UpdatedAt)

	tk, err = c.GetTicket(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, types.TicketInProgress, tk.Status)
	assert.Equal(t, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), tk.UpdatedAt)

	tk, err = c.GetTicket(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, types.TicketOpen, tk.Status)
}

func TestUpdateTicketStatus(t *testing.T) {
	var got map[string]int
	r := chi.NewRouter()
	r.Patch("/crm/api/v1.0/tickets/{id}", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{}`)
	})
	require.NoError(t, newTestClient(t, r).UpdateTicketStatus(context.Background(), "1", types.TicketClosed))
	assert.Equal(t, map[string]int{"status": crmSolved}, got)
}

func TestPing(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/nms/api/v2.1/sites", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `[]`) })
	r.Get("/crm/api/v1.0/version", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := newTestClient(t, r).Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm")
	assert.NotContains(t, err.Error(), "nms:")
}
