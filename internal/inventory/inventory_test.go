package inventory

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/store/storetest"
)

const sample = `onu_name,serial_number,mac_address,property,unit,date_added,status,uisp_id,client_id
vic-vil-101,ALCL0001,aa:bb:cc:00:00:01,Victorian Village,101,2026-01-02,active,dev-101,42
vic-vil-102,ALCL0002,aa:bb:cc:00:00:02,Victorian Village,102,,suspended,dev-102,43
vic-vil-103,ALCL0003,,Victorian Village,103,,pending,,
vic-vil-101b,ALCL0004,,Victorian Village,101,,active,dev-999,44
350-s-harper-1,ALCL0005,,350 S Harper,1,,active,dev-h1,50
vic-vil-204a,ALCL0006,,Victorian Village,204a,,active,dev-204a,
`

func TestParse(t *testing.T) {
	res, err := Parse(strings.NewReader(sample), "victorian village")
	require.NoError(t, err)

	assert.Equal(t, []string{"101", "102", "204A"}, res.Units())
	assert.Equal(t, "dev-101", res.Mappings[0].DeviceID)
	assert.Equal(t, "42", res.Mappings[0].ClientID)
	assert.Equal(t, "vic-vil-101", res.Mappings[0].OnuName)
	assert.Empty(t, res.Mappings[2].ClientID)

	require.Len(t, res.Unprovisioned, 1)
	assert.Equal(t, "103", res.Unprovisioned[0].Unit)
	assert.Equal(t, "pending", res.Unprovisioned[0].Status)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "unit 101 already mapped on line 2")
}

func TestParse_AllProperties(t *testing.T) {
	res, err := Parse(strings.NewReader(sample), "")
	require.NoError(t, err)
	assert.Contains(t, res.Units(), "1")
}

func TestParse_MissingColumns(t *testing.T) {
	_, err := Parse(strings.NewReader("onu_name,unit\nx,1\n"), "")
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = Parse(strings.NewReader(""), "")
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestLoaderSync(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "onu-inventory.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	st := storetest.New(t)
	now := time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC)
	l := NewLoader(path, "Victorian Village", st, clock.Fake(now), slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := l.Sync(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Mappings, 3)

	units, err := st.ListUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, "101", units[0].ID)
	assert.Equal(t, "dev-101", units[0].DeviceID)
	assert.Equal(t, "42", units[0].ClientID)
}

func TestLoaderSync_MissingFile(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "nope.csv"), "", storetest.New(t), nil, nil)
	_, err := l.Sync(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
