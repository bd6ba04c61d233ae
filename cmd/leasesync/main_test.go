package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	cases := []struct {
		args []string
		want options
	}{
		{nil, options{configPath: "config.yaml", mode: modeDaemon}},
		{[]string{"-c", "/etc/leasesync.yaml", "--once"}, options{configPath: "/etc/leasesync.yaml", mode: modeOnce}},
		{[]string{"--billing"}, options{configPath: "config.yaml", mode: modeBilling}},
		{[]string{"--invoice"}, options{configPath: "config.yaml", mode: modeInvoice}},
		{[]string{"--status"}, options{configPath: "config.yaml", mode: modeStatus}},
		{[]string{"--retry", "103"}, options{configPath: "config.yaml", mode: modeRetry, retryUnit: "103"}},
	}
	for _, tc := range cases {
		got, err := parseFlags(tc.args, io.Discard)
		require.NoError(t, err, "args %v", tc.args)
		assert.Equal(t, tc.want, got, "args %v", tc.args)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	_, err := parseFlags([]string{"--once", "--status"}, io.Discard)
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = parseFlags([]string{"extra"}, io.Discard)
	assert.ErrorContains(t, err, "unexpected arguments")

	_, err = parseFlags([]string{"--help"}, io.Discard)
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestRun_MissingConfigFails(t *testing.T) {
	err := run(t.Context(), []string{"-c", t.TempDir() + "/missing.yaml", "--status"}, io.Discard, io.Discard)
	assert.ErrorContains(t, err, "reading config")
}

// writeConfig points both collaborators at baseURL and returns the config path.
func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	u, err := url.Parse(baseURL)
	require.NoError(t, err)
	dir := t.TempDir()
	yaml := strings.Join([]string{
		"property:",
		"  id: 350-s-harper",
		"innago:",
		"  api_url: " + baseURL,
		"  api_key: k1",
		"  timeout_seconds: 2",
		"  max_retries: 0",
		"uisp:",
		"  host: " + u.Host,
		"  scheme: http",
		"  nms_api_key: k2",
		"  crm_api_key: k3",
		"  timeout_seconds: 2",
		"  max_retries: 0",
		"database:",
		"  url: file:" + filepath.Join(dir, "leasesync.db"),
		"inventory:",
		"  path: " + filepath.Join(dir, "inventory.csv"),
	}, "\n")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestRun_CollaboratorFailureIsAStartupFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	unreachable := closed.URL
	closed.Close()

	cases := map[string]string{
		"erroring":    failing.URL,
		"unreachable": unreachable,
	}
	for name, base := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := writeConfig(t, base)
			for _, mode := range []string{"--once", "--invoice"} {
				err := run(t.Context(), []string{"-c", cfg, mode}, io.Discard, io.Discard)
				require.Error(t, err, mode)
				assert.ErrorContains(t, err, "startup", mode)
				assert.ErrorContains(t, err, "property management", mode)
				assert.ErrorContains(t, err, "network management", mode)
			}
		})
	}
}

func TestRun_StatusNeedsNoCollaborators(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	cfg := writeConfig(t, closed.URL)
	closed.Close()

	require.NoError(t, run(t.Context(), []string{"-c", cfg, "--status"}, io.Discard, io.Discard))
}
