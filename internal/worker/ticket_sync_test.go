package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab/collabtest"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/store/storetest"
	"github.com/matthewbaird/leasesync/internal/types"
)

var t0 = time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC)

type ticketFixture struct {
	store *store.Store
	pm    *collabtest.PM
	nms   *collabtest.NMS
	clock *clock.FakeClock
	sync  *TicketSync
}

func newTicketFixture(t *testing.T, fallbackClient string) *ticketFixture {
	t.Helper()
	f := &ticketFixture{
		store: storetest.New(t),
		pm:    collabtest.NewPM(),
		nms:   collabtest.NewNMS(),
		clock: clock.Fake(t0),
	}
	f.nms.Now = f.clock.Now
	require.NoError(t, f.store.SyncInventory(context.Background(), []types.DeviceMapping{
		{UnitID: "101", DeviceID: "onu-101", ClientID: "42"},
		{UnitID: "102", DeviceID: "onu-102"},
	}, t0))
	f.sync = NewTicketSync(f.store, f.pm, f.nms, nil, fallbackClient, Deps{
		Clock: f.clock,
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func wifiTicket(at time.Time) types.Ticket {
	return types.Ticket{
		ID:        "T1",
		UnitID:    "101",
		Subject:   "WiFi not working",
		Body:      "Router lights are off",
		Status:    types.TicketOpen,
		UpdatedAt: at,
	}
}

func TestTicketSync_ForwardsOnce(t *testing.T) {
	ctx := context.Background()
	f := newTicketFixture(t, "")
	f.pm.PutTicket(wifiTicket(t0.Add(-time.Minute)))
	f.pm.PutTicket(types.Ticket{ID: "T2", UnitID: "101", Subject: "Leaky faucet", Status: types.TicketOpen, UpdatedAt: t0.Add(-time.Minute)})

	rep, err := f.sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Seen)
	assert.Equal(t, 1, rep.Forwarded)
	assert.Equal(t, 1, rep.Ignored)

	created := f.nms.CreatedTickets()
	require.Len(t, created, 1)
	assert.Equal(t, "42", created[0].ClientID)
	assert.Equal(t, "WiFi not working", created[0].Subject)
	assert.Contains(t, created[0].Body, "Forwarded from Innago (Ticket #T1)")
	assert.Contains(t, created[0].Body, "Unit: 101\n")

	link, err := f.store.GetTicketLink(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, created[0].ID, link.NMSTicketID)
	assert.Equal(t, "internet_support", link.Category)

	_, err = f.store.GetTicketLink(ctx, "T2")
	assert.True(t, store.IsNotFound(err))

	// The same ticket edited and seen again does not create a second one.
	f.clock.Advance(time.Minute)
	edited := wifiTicket(t0.Add(30 * time.Second))
	edited.Body = "Still down"
	f.pm.PutTicket(edited)
	rep, err = f.sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Seen)
	assert.Zero(t, rep.Forwarded)
	assert.Len(t, f.nms.CreatedTickets(), 1)
}

func TestTicketSync_FallbackClient(t *testing.T) {
	f := newTicketFixture(t, "7")
	tk := wifiTicket(t0)
	tk.UnitID = "102"
	f.pm.PutTicket(tk)

	_, err := f.sync.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.nms.CreatedTickets(), 1)
	assert.Equal(t, "7", f.nms.CreatedTickets()[0].ClientID)
}

func TestTicketSync_CursorHoldsOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newTicketFixture(t, "")
	bad := wifiTicket(t0.Add(-2 * time.Minute))
	bad.ID, bad.UnitID = "T9", "102"
	f.pm.PutTicket(bad)
	f.pm.PutTicket(wifiTicket(t0.Add(-time.Minute)))

	rep, err := f.sync.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, rep.Forwarded)
	require.Len(t, rep.Errors, 1)

	cursor, err := f.store.Cursor(ctx, TicketCursor)
	require.NoError(t, err)
	assert.True(t, cursor.Before(bad.UpdatedAt))

	// Once a fallback client exists the held ticket goes through.
	f.sync.fallbackClientID = "7"
	rep, err = f.sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Forwarded)
	assert.Len(t, f.nms.CreatedTickets(), 2)
}

func TestTicketSync_StatusFromNetwork(t *testing.T) {
	ctx := context.Background()
	f := newTicketFixture(t, "")
	f.pm.PutTicket(wifiTicket(t0.Add(-time.Minute)))
	_, err := f.sync.Run(ctx)
	require.NoError(t, err)
	remoteID := f.nms.CreatedTickets()[0].ID

	f.clock.Advance(time.Hour)
	f.nms.SetTicket(types.RemoteTicket{ID: remoteID, Status: types.TicketClosed, UpdatedAt: f.clock.Now()})

	rep, err := f.sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
	assert.Equal(t, []collabtest.StatusUpdate{{TicketID: "T1", Status: types.TicketClosed}}, f.pm.Updates())

	link, err := f.store.GetTicketLink(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, types.TicketClosed, link.PMStatus)
	assert.Equal(t, types.TicketClosed, link.NMSStatus)

	// Converged: nothing more to do.
	rep, err = f.sync.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Synced)
	assert.Len(t, f.pm.Updates(), 1)
}

func TestTicketSync_StatusFromProperty(t *testing.T) {
	ctx := context.Background()
	f := newTicketFixture(t, "")
	f.pm.PutTicket(wifiTicket(t0.Add(-time.Minute)))
	_, err := f.sync.Run(ctx)
	require.NoError(t, err)
	remoteID := f.nms.CreatedTickets()[0].ID

	f.clock.Advance(time.Hour)
	tk := wifiTicket(f.clock.Now())
	tk.Status = types.TicketInProgress
	f.pm.PutTicket(tk)

	rep, err := f.sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
	remote, err := f.nms.GetTicket(ctx, remoteID)
	require.NoError(t, err)
	assert.Equal(t, types.TicketInProgress, remote.Status)
	assert.Empty(t, f.pm.Updates())
}

func TestTicketSync_NeverReopensClosed(t *testing.T) {
	ctx := context.Background()
	f := newTicketFixture(t, "")
	f.pm.PutTicket(wifiTicket(t0.Add(-time.Minute)))
	_, err := f.sync.Run(ctx)
	require.NoError(t, err)
	remoteID := f.nms.CreatedTickets()[0].ID

	f.clock.Advance(time.Minute)
	f.nms.SetTicket(types.RemoteTicket{ID: remoteID, Status: types.TicketClosed, UpdatedAt: f.clock.Now()})

	// A later edit on the property side still reads open.
	f.clock.Advance(time.Minute)
	f.pm.PutTicket(wifiTicket(f.clock.Now()))

	_, err = f.sync.Run(ctx)
	require.NoError(t, err)
	remote, err := f.nms.GetTicket(ctx, remoteID)
	require.NoError(t, err)
	assert.Equal(t, types.TicketClosed, remote.Status)
	assert.Empty(t, f.pm.Updates())
}

func TestForwardMessage(t *testing.T) {
	msg := ForwardMessage(types.Ticket{ID: "12", Subject: "Internet down"})
	assert.Equal(t, "Forwarded from Innago (Ticket #12)\n\nUnit: Unknown\nSubject: Internet down\n\nDescription:\nNo description\n\n---\nReply in UISP or contact tenant directly.\n", msg)
}
