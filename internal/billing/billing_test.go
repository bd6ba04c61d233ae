package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab/collabtest"
	"github.com/matthewbaird/leasesync/internal/config"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/store/storetest"
	"github.com/matthewbaird/leasesync/internal/types"
)

var now = time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC)

var rates = config.BillingConfig{
	BaseRateCents: 4500,
	Packages: []config.Package{
		{Name: "VIC-VIL 500M", Default: true},
		{Name: "VIC-VIL 1G", AddonCents: 1000},
		{Name: "VIC-VIL 2G", AddonCents: 2000},
	},
}

func unit(id string, desired types.DesiredState, pkg string) types.Unit {
	return types.Unit{ID: id, Desired: desired, Package: pkg}
}

func TestAggregate_FlatFee(t *testing.T) {
	var units []types.Unit
	for i := range 100 {
		units = append(units, unit(fmt.Sprintf("%03d", i), types.DesiredActive, ""))
	}
	for i := 100; i < 113; i++ {
		units = append(units, unit(fmt.Sprintf("%03d", i), types.DesiredSuspendedDelinquent, ""))
	}
	for i := 113; i < 118; i++ {
		units = append(units, unit(fmt.Sprintf("%03d", i), types.DesiredSuspendedVacant, "VIC-VIL 2G"))
	}

	r := Aggregate(units, rates, "Victorian Village", 118, now)
	assert.Equal(t, 113, r.Occupied)
	assert.Equal(t, 5, r.Vacant)
	assert.Equal(t, int64(508500), r.Total.AmountCents)
	assert.Equal(t, "$5,085.00", Dollars(r.Total))
	assert.Empty(t, r.Addons, "vacant units never carry add-ons")
	assert.Equal(t, "2026-03", r.Period)
	assert.Equal(t, "3/2026", r.Label())
}

func TestAggregate_Addons(t *testing.T) {
	units := []types.Unit{
		unit("101", types.DesiredActive, "VIC-VIL 1G"),
		unit("102", types.DesiredSuspendedDelinquent, "vic-vil 2g"),
		unit("103", types.DesiredActive, "VIC-VIL 1G"),
		unit("104", types.DesiredActive, "unknown plan"),
	}
	r := Aggregate(units, rates, "", 0, now)
	assert.Equal(t, 4, r.TotalUnits)
	assert.Equal(t, 4, r.Occupied)
	require.Len(t, r.Addons, 2)
	assert.Equal(t, "VIC-VIL 1G", r.Addons[0].Package)
	assert.Equal(t, []string{"101", "103"}, r.Addons[0].Units)
	assert.Equal(t, types.USD(2000), r.Addons[0].Total)
	assert.Equal(t, types.USD(2000), r.Addons[1].Total)
	assert.Equal(t, types.USD(4*4500+4000), r.Total)
}

func TestRender(t *testing.T) {
	units := []types.Unit{
		unit("101", types.DesiredActive, "VIC-VIL 1G"),
		unit("102", types.DesiredActive, ""),
	}
	out := Render(Aggregate(units, rates, "Victorian Village", 118, now))
	assert.Contains(t, out, "ERE Fiber - Victorian Village - 3/2026\n")
	assert.Contains(t, out, "Occupied Units:    2 / 118\n")
	assert.Contains(t, out, "Vacant Units:      116\n")
	assert.Contains(t, out, "Base Rate:         $45.00/unit\n")
	assert.Contains(t, out, "VIC-VIL 1G Add-on: 1 x $10.00 = $10.00\n")
	assert.Contains(t, out, "TOTAL DUE:         $100.00\n")
	assert.Contains(t, out, "Generated: 2026-03-06 08:00 UTC")
}

func TestDollars(t *testing.T) {
	assert.Equal(t, "$0.00", Dollars(types.USD(0)))
	assert.Equal(t, "$1,234,567.89", Dollars(types.USD(123456789)))
	assert.Equal(t, "-$4.50", Dollars(types.USD(-450)))
}

func newService(t *testing.T) (*Service, *store.Store, *collabtest.PM) {
	t.Helper()
	ctx := context.Background()
	st := storetest.New(t)
	require.NoError(t, st.SyncInventory(ctx, []types.DeviceMapping{
		{UnitID: "101", DeviceID: "d101"},
		{UnitID: "102", DeviceID: "d102"},
		{UnitID: "103", DeviceID: "d103"},
	}, now))
	l1, l2 := "L1", "L2"
	require.NoError(t, st.SetDesired(ctx, []store.DesiredUpdate{
		{UnitID: "101", Desired: types.DesiredActive, LeaseID: &l1, Package: "VIC-VIL 1G"},
		{UnitID: "102", Desired: types.DesiredSuspendedDelinquent, LeaseID: &l2, Package: "VIC-VIL 2G"},
	}, now))
	pm := collabtest.NewPM()
	svc := NewService(st, pm, config.PropertyConfig{ID: "vv", Name: "Victorian Village", TotalUnits: 3},
		rates, nil, clock.Fake(now), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, st, pm
}

func TestService_GenerateStoresHistory(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	r, err := svc.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Occupied)
	assert.Equal(t, types.USD(2*4500+1000+2000), r.Total)

	hist, err := svc.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "2026-03", hist[0].Period)
	assert.Equal(t, int64(12000), hist[0].TotalCents)
	assert.Equal(t, int64(3000), hist[0].AddonCents)
}

func TestService_PreviewRecordsNothing(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	r, err := svc.Preview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Occupied)

	hist, err := svc.History(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestService_PostInvoicesOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, pm := newService(t)

	r, err := svc.Generate(ctx)
	require.NoError(t, err)

	res, err := svc.PostInvoices(ctx, r)
	require.NoError(t, err)
	assert.Len(t, res.Posted, 2)
	lines := pm.Invoices()
	require.Len(t, lines, 2)
	assert.Equal(t, "L1", lines[0].LeaseID)
	assert.Equal(t, types.USD(1000), lines[0].Amount)
	assert.Equal(t, "VIC-VIL 1G Add-on (3/2026)", lines[0].Label)

	res, err = svc.PostInvoices(ctx, r)
	require.NoError(t, err)
	assert.Empty(t, res.Posted)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, pm.Invoices(), 2)
}

func TestService_PostInvoicesFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	svc, _, pm := newService(t)
	r, err := svc.Generate(ctx)
	require.NoError(t, err)

	pm.InvoiceErr = collabtest.ErrTimeout
	res, err := svc.PostInvoices(ctx, r)
	require.Error(t, err)
	assert.Len(t, res.Errors, 2)

	pm.InvoiceErr = nil
	res, err = svc.PostInvoices(ctx, r)
	require.NoError(t, err)
	assert.Len(t, res.Posted, 2)
}
