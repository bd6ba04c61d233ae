// Package config loads the leasesync YAML configuration, validates it against
// the embedded CUE schema, and fills in defaults.
package config

import (
	"cmp"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/matthewbaird/leasesync/internal/types"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalid is returned for configuration that fails schema or
// cross-field validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the decoded, defaulted configuration.
type Config struct {
	Property  PropertyConfig  `json:"property"`
	Innago    InnagoConfig    `json:"innago"`
	UISP      UISPConfig      `json:"uisp"`
	Database  DatabaseConfig  `json:"database"`
	QoS       QoSConfig       `json:"qos"`
	Inventory InventoryConfig `json:"inventory"`
	Polling   PollingConfig   `json:"polling"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Billing   BillingConfig   `json:"billing"`
	Tickets   TicketsConfig   `json:"tickets"`
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
}

type PropertyConfig struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TotalUnits int    `json:"total_units"`
}

type InnagoConfig struct {
	APIURL         string  `json:"api_url"`
	APIKey         string  `json:"api_key"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries"`
	RatePerSecond  float64 `json:"rate_per_second"`
}

type UISPConfig struct {
	Host           string  `json:"host"`
	Scheme         string  `json:"scheme"`
	NMSAPIKey      string  `json:"nms_api_key"`
	CRMAPIKey      string  `json:"crm_api_key"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries"`
	RatePerSecond  float64 `json:"rate_per_second"`
	SiteID         string  `json:"site_id"`
}

// BaseURL returns scheme://host.
func (u UISPConfig) BaseURL() string {
	return u.Scheme + "://" + strings.TrimSuffix(u.Host, "/")
}

type DatabaseConfig struct {
	URL string `json:"url"`
}

// QoSConfig is the bandwidth profile applied on activation.
type QoSConfig struct {
	Enabled      bool `json:"enabled"`
	DownloadMbps int  `json:"download_mbps"`
	UploadMbps   int  `json:"upload_mbps"`
}

type InventoryConfig struct {
	Path         string `json:"path"`
	RefreshHours int    `json:"refresh_hours"`
	Provision    bool   `json:"provision"`
}

func (i InventoryConfig) RefreshInterval() time.Duration {
	return time.Duration(i.RefreshHours) * time.Hour
}

type PollingConfig struct {
	IntervalMinutes int `json:"interval_minutes"`
	TicketsMinutes  int `json:"tickets_minutes"`
	BillingHours    int `json:"billing_hours"`
}

func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMinutes) * time.Minute
}

func (p PollingConfig) TicketsInterval() time.Duration {
	return time.Duration(p.TicketsMinutes) * time.Minute
}

func (p PollingConfig) BillingInterval() time.Duration {
	return time.Duration(p.BillingHours) * time.Hour
}

// ReconcileConfig tunes the reconciliation cycle and the action executor.
type ReconcileConfig struct {
	GraceDays          int `json:"grace_days"`
	MaxAttempts        int `json:"max_attempts"`
	RetryBaseSeconds   int `json:"retry_base_seconds"`
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
	SettleSeconds      int `json:"settle_seconds"`
	Concurrency        int `json:"concurrency"`
	LockTTLSeconds     int `json:"lock_ttl_seconds"`
	BackoffMaxMinutes  int `json:"backoff_max_minutes"`
}

func (r ReconcileConfig) RetryBase() time.Duration {
	return time.Duration(r.RetryBaseSeconds) * time.Second
}

func (r ReconcileConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutSeconds) * time.Second
}

func (r ReconcileConfig) SettleWindow() time.Duration {
	return time.Duration(r.SettleSeconds) * time.Second
}

func (r ReconcileConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLSeconds) * time.Second
}

func (r ReconcileConfig) BackoffMax() time.Duration {
	return time.Duration(r.BackoffMaxMinutes) * time.Minute
}

type Package struct {
	Name         string `json:"name"`
	AddonCents   int64  `json:"addon_cents"`
	Default      bool   `json:"default"`
	DownloadMbps int    `json:"download_mbps"`
	UploadMbps   int    `json:"upload_mbps"`
}

type BillingConfig struct {
	BaseRateCents int64     `json:"base_rate_cents"`
	Packages      []Package `json:"packages"`
}

// DefaultPackage returns the package flagged default, else the first one.
func (b BillingConfig) DefaultPackage() (Package, bool) {
	for _, p := range b.Packages {
		if p.Default {
			return p, true
		}
	}
	if len(b.Packages) > 0 {
		return b.Packages[0], true
	}
	return Package{}, false
}

// PackageByName looks a package up case-insensitively.
func (b BillingConfig) PackageByName(name string) (Package, bool) {
	for _, p := range b.Packages {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Package{}, false
}

// SpeedFor resolves the bandwidth profile for a lease's package. An empty or
// unknown name uses the default package; zero rates inherit from qos. The
// zero Speed means QoS is disabled.
func (c *Config) SpeedFor(pkg string) types.Speed {
	if !c.QoS.Enabled {
		return types.Speed{}
	}
	s := types.Speed{DownMbps: c.QoS.DownloadMbps, UpMbps: c.QoS.UploadMbps}
	p, ok := c.Billing.PackageByName(pkg)
	if !ok {
		p, ok = c.Billing.DefaultPackage()
	}
	if ok {
		s.DownMbps = cmp.Or(p.DownloadMbps, s.DownMbps)
		s.UpMbps = cmp.Or(p.UploadMbps, s.UpMbps)
	}
	return s
}

type Rule struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Keywords []string `json:"keywords"`
}

type TicketsConfig struct {
	Rules            []Rule `json:"rules"`
	FallbackClientID string `json:"fallback_client_id"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// SlogLevel maps the configured level name onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Load reads path, applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes YAML bytes. lookupEnv supplies environment overrides; pass
// nil to ignore the environment.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrInvalid, err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	val := def.Unify(ctx.Encode(raw))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	var cfg Config
	if err := val.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}

	if lookupEnv != nil {
		cfg.applyEnv(lookupEnv)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"LEASESYNC_DATABASE_URL", &c.Database.URL},
		{"LEASESYNC_ADDR", &c.Server.Addr},
		{"INNAGO_API_KEY", &c.Innago.APIKey},
		{"UISP_NMS_API_KEY", &c.UISP.NMSAPIKey},
		{"UISP_CRM_API_KEY", &c.UISP.CRMAPIKey},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

// check enforces constraints the schema cannot express.
func (c *Config) check() error {
	var problems []string
	if c.Innago.APIKey == "" {
		problems = append(problems, "innago.api_key is required (or INNAGO_API_KEY)")
	}
	if c.UISP.NMSAPIKey == "" {
		problems = append(problems, "uisp.nms_api_key is required (or UISP_NMS_API_KEY)")
	}
	if c.UISP.CRMAPIKey == "" {
		problems = append(problems, "uisp.crm_api_key is required (or UISP_CRM_API_KEY)")
	}

	defaults := 0
	seen := map[string]bool{}
	for _, p := range c.Billing.Packages {
		if p.Default {
			defaults++
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			problems = append(problems, fmt.Sprintf("billing.packages: duplicate package %q", p.Name))
		}
		seen[key] = true
	}
	if defaults > 1 {
		problems = append(problems, "billing.packages: at most one package may be default")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
