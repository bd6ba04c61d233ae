package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/types"
)

const minimal = `
property:
  id: prop-1
innago:
  api_key: k1
uisp:
  host: uisp.example.net
  nms_api_key: k2
  crm_api_key: k3
`

func noEnv(string) (string, bool) { return "", false }

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal), noEnv)
	require.NoError(t, err)

	assert.Equal(t, "prop-1", cfg.Property.ID)
	assert.Equal(t, 118, cfg.Property.TotalUnits)
	assert.Equal(t, 5*time.Minute, cfg.Polling.Interval())
	assert.Equal(t, 4, cfg.Reconcile.GraceDays)
	assert.Equal(t, 3, cfg.Reconcile.MaxAttempts)
	assert.Equal(t, int64(4500), cfg.Billing.BaseRateCents)
	assert.Equal(t, "https://uisp.example.net", cfg.UISP.BaseURL())
	assert.Equal(t, "file:leasesync.db", cfg.Database.URL)
	assert.True(t, cfg.Inventory.Provision)
	assert.Empty(t, cfg.UISP.SiteID)
	assert.Equal(t, types.Speed{DownMbps: 500, UpMbps: 500}, cfg.SpeedFor(""))

	require.Len(t, cfg.Tickets.Rules, 1)
	assert.Equal(t, "internet", cfg.Tickets.Rules[0].Name)
	assert.Contains(t, cfg.Tickets.Rules[0].Keywords, "wifi")
}

func TestParse_Overrides(t *testing.T) {
	src := minimal + `
reconcile:
  max_attempts: 5
billing:
  base_rate_cents: 5000
  packages:
    - name: VIC-VIL 500M
      default: true
    - name: VIC-VIL 1G
      addon_cents: 1000
tickets:
  rules:
    - name: outage
      keywords: [down, outage]
`
	cfg, err := Parse([]byte(src), noEnv)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Reconcile.MaxAttempts)
	assert.Equal(t, int64(5000), cfg.Billing.BaseRateCents)

	def, ok := cfg.Billing.DefaultPackage()
	require.True(t, ok)
	assert.Equal(t, "VIC-VIL 500M", def.Name)

	pkg, ok := cfg.Billing.PackageByName("vic-vil 1g")
	require.True(t, ok)
	assert.Equal(t, int64(1000), pkg.AddonCents)

	require.Len(t, cfg.Tickets.Rules, 1)
	assert.Equal(t, "internet_support", cfg.Tickets.Rules[0].Category)
}

func TestSpeedFor(t *testing.T) {
	src := minimal + `
qos:
  download_mbps: 300
  upload_mbps: 100
billing:
  packages:
    - name: VIC-VIL 500M
      default: true
      download_mbps: 500
    - name: VIC-VIL 1G
      download_mbps: 1000
      upload_mbps: 1000
`
	cfg, err := Parse([]byte(src), noEnv)
	require.NoError(t, err)

	assert.Equal(t, types.Speed{DownMbps: 1000, UpMbps: 1000}, cfg.SpeedFor("vic-vil 1g"))
	assert.Equal(t, types.Speed{DownMbps: 500, UpMbps: 100}, cfg.SpeedFor(""), "the default package inherits the upload rate")
	assert.Equal(t, types.Speed{DownMbps: 500, UpMbps: 100}, cfg.SpeedFor("retired plan"))

	cfg.QoS.Enabled = false
	assert.True(t, cfg.SpeedFor("VIC-VIL 1G").IsZero())

	cfg, err = Parse([]byte(minimal+"qos: {download_mbps: 50}\n"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, types.Speed{DownMbps: 50, UpMbps: 500}, cfg.SpeedFor("anything"), "without packages the qos rates apply")
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing property id": `
innago: {api_key: a}
uisp: {host: h, nms_api_key: b, crm_api_key: c}
`,
		"non-positive attempts": minimal + `
reconcile:
  max_attempts: 0
`,
		"bad scheme": `
property: {id: p}
innago: {api_key: a, api_url: "ftp://x"}
uisp: {host: h, nms_api_key: b, crm_api_key: c}
`,
		"unknown key": minimal + `
polling:
  every: 3
`,
		"two default packages": minimal + `
billing:
  packages:
    - {name: a, default: true}
    - {name: b, default: true}
`,
		"zero qos rate": minimal + `
qos:
  upload_mbps: 0
`,
		"not yaml": "property: [",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src), noEnv)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParse_EnvSuppliesSecrets(t *testing.T) {
	src := `
property: {id: p}
uisp: {host: h}
`
	_, err := Parse([]byte(src), noEnv)
	require.ErrorIs(t, err, ErrInvalid)

	env := map[string]string{
		"INNAGO_API_KEY":         "i",
		"UISP_NMS_API_KEY":       "n",
		"UISP_CRM_API_KEY":       "c",
		"LEASESYNC_DATABASE_URL": "postgres://db/leasesync",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, err := Parse([]byte(src), lookup)
	require.NoError(t, err)
	assert.Equal(t, "i", cfg.Innago.APIKey)
	assert.Equal(t, "postgres://db/leasesync", cfg.Database.URL)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prop-1", cfg.Property.ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
