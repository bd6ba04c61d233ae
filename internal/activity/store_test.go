package activity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/store/storetest"
	"github.com/matthewbaird/leasesync/internal/types"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	return NewSQLStore(storetest.New(t).Driver())
}

func TestSQLStore_WriteAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)

	activated := testEntry("unit", "101", "device", "major", "Service activated", 10)
	activated.Payload = json.RawMessage(`{"unit_id":"101"}`)
	entries := []types.ActivityEntry{
		activated,
		testEntry("unit", "101", "ticket", "minor", "Ticket forwarded", 5),
		testEntry("unit", "102", "device", "critical", "Service suspended", 10),
	}
	require.NoError(t, s.WriteEntries(ctx, entries))
	// Replays are ignored.
	require.NoError(t, s.WriteEntries(ctx, entries[:1]))

	results, next, total, err := s.QueryByEntity(ctx, "unit", "101", DefaultQueryOptions(testNow))
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Empty(t, next)
	require.Len(t, results, 2)
	assert.Equal(t, "Ticket forwarded", results[0].Summary)
	assert.Equal(t, "Service activated", results[1].Summary)
	assert.True(t, results[1].OccurredAt.Equal(activated.OccurredAt))
	assert.Equal(t, activated.SourceRefs, results[1].SourceRefs)
	assert.JSONEq(t, `{"unit_id":"101"}`, string(results[1].Payload))
}

func TestSQLStore_FiltersMatchMemoryStore(t *testing.T) {
	ctx := context.Background()
	sqlStore := newSQLStore(t)
	mem := NewMemoryStore()

	entries := []types.ActivityEntry{
		testEntry("unit", "101", "device", "critical", "Suspended", 2),
		testEntry("unit", "101", "device", "major", "Activated", 40),
		testEntry("unit", "101", "cycle", "info", "Cycle noted", 3),
		testEntry("unit", "101", "ticket", "minor", "Forwarded", 300),
	}
	require.NoError(t, sqlStore.WriteEntries(ctx, entries))
	require.NoError(t, mem.WriteEntries(ctx, entries))

	since := testNow.AddDate(0, 0, -60)
	cases := map[string]QueryOptions{
		"defaults":   DefaultQueryOptions(testNow),
		"category":   {Categories: []string{"device"}},
		"min weight": {MinWeight: "major"},
		"since":      {Since: &since},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			got, _, gotTotal, err := sqlStore.QueryByEntity(ctx, "unit", "101", opts)
			require.NoError(t, err)
			want, _, wantTotal, err := mem.QueryByEntity(ctx, "unit", "101", opts)
			require.NoError(t, err)
			assert.Equal(t, wantTotal, gotTotal)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].Summary, got[i].Summary)
			}
		})
	}
}

func TestSQLStore_Search(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)

	require.NoError(t, s.WriteEntries(ctx, []types.ActivityEntry{
		testEntry("unit", "101", "ticket", "minor", "Ticket T1 forwarded to network", 5),
		testEntry("ticket", "T1", "ticket", "minor", "Ticket T1 forwarded to network", 5),
		testEntry("unit", "102", "device", "major", "Service activated for unit 102", 3),
	}))

	results, total, err := s.Search(ctx, "Forwarded", DefaultSearchOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, results, 2)

	opts := DefaultSearchOptions()
	opts.EntityType = "ticket"
	results, total, err = s.Search(ctx, "forwarded", opts)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, "T1", results[0].IndexedEntityID)
}
