// Package inventory loads the ONU inventory: which device and which
// network-side client serve each unit.
package inventory

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/types"
)

// Columns the loader reads. Other columns are ignored.
const (
	ColOnuName  = "onu_name"
	ColSerial   = "serial_number"
	ColMAC      = "mac_address"
	ColProperty = "property"
	ColUnit     = "unit"
	ColStatus   = "status"
	ColUISPID   = "uisp_id"
	ColClientID = "client_id"
)

var required = []string{ColOnuName, ColUnit, ColUISPID}

// Row is one inventory line.
type Row struct {
	Line     int    `json:"line"`
	OnuName  string `json:"onu_name"`
	Serial   string `json:"serial_number"`
	MAC      string `json:"mac_address"`
	Property string `json:"property"`
	Unit     string `json:"unit"`
	Status   string `json:"status"`
	UISPID   string `json:"uisp_id"`
	ClientID string `json:"client_id"`
}

// Result is a parsed inventory.
type Result struct {
	Mappings []types.DeviceMapping
	// Unprovisioned rows carry no uisp_id and produce no mapping.
	Unprovisioned []Row
	// Errors holds per-line problems that did not stop the load.
	Errors []string
}

// Units returns the unit ids that have a device mapping.
func (r Result) Units() []string {
	out := make([]string, len(r.Mappings))
	for i, m := range r.Mappings {
		out[i] = m.UnitID
	}
	return out
}

// ErrNoHeader is returned for an empty file or one missing required columns.
var ErrNoHeader = errors.New("inventory: missing header")

// NormalizeProperty turns "350 S Harper" into "350-s-harper".
func NormalizeProperty(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}

// Parse reads an inventory CSV. When property is non-empty, rows for other
// properties are skipped. A unit listed twice keeps its first mapping.
func Parse(r io.Reader, property string) (Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, ErrNoHeader
	}
	if err != nil {
		return Result{}, fmt.Errorf("inventory header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return Result{}, fmt.Errorf("%w: column %q", ErrNoHeader, col)
		}
	}
	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var (
		res  Result
		seen = make(map[string]int)
		want = NormalizeProperty(property)
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		row := Row{
			Line:     line,
			OnuName:  get(rec, ColOnuName),
			Serial:   get(rec, ColSerial),
			MAC:      get(rec, ColMAC),
			Property: get(rec, ColProperty),
			Unit:     strings.ToUpper(get(rec, ColUnit)),
			Status:   strings.ToLower(get(rec, ColStatus)),
			UISPID:   get(rec, ColUISPID),
			ClientID: get(rec, ColClientID),
		}
		if row.Unit == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: no unit for %q", line, row.OnuName))
			continue
		}
		if want != "" && row.Property != "" && NormalizeProperty(row.Property) != want {
			continue
		}
		if row.UISPID == "" {
			res.Unprovisioned = append(res.Unprovisioned, row)
			continue
		}
		if first, dup := seen[row.Unit]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: unit %s already mapped on line %d", line, row.Unit, first))
			continue
		}
		seen[row.Unit] = line
		res.Mappings = append(res.Mappings, types.DeviceMapping{
			UnitID:   row.Unit,
			DeviceID: row.UISPID,
			ClientID: row.ClientID,
			OnuName:  row.OnuName,
			Property: row.Property,
		})
	}
	return res, nil
}

// Store is the persistence the Loader writes mappings to.
type Store interface {
	SyncInventory(ctx context.Context, mappings []types.DeviceMapping, now time.Time) error
}

// Loader reads the inventory file and upserts its mappings.
type Loader struct {
	path     string
	property string
	store    Store
	clock    clock.Clock
	log      *slog.Logger
}

func NewLoader(path, property string, store Store, c clock.Clock, log *slog.Logger) *Loader {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{path: path, property: property, store: store, clock: c, log: log}
}

// Load parses the inventory file without touching the store.
func (l *Loader) Load() (Result, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return Result{}, fmt.Errorf("opening inventory: %w", err)
	}
	defer f.Close()
	return Parse(f, l.property)
}

// Sync loads the file and upserts every mapping.
func (l *Loader) Sync(ctx context.Context) (Result, error) {
	res, err := l.Load()
	if err != nil {
		return Result{}, err
	}
	for _, e := range res.Errors {
		l.log.Warn("inventory row skipped", "path", l.path, "error", e)
	}
	for _, r := range res.Unprovisioned {
		l.log.Warn("inventory unit has no device id", "unit", r.Unit, "onu", r.OnuName, "status", r.Status)
	}
	if err := l.store.SyncInventory(ctx, res.Mappings, l.clock.Now()); err != nil {
		return Result{}, fmt.Errorf("syncing inventory: %w", err)
	}
	l.log.Info("inventory synced", "path", l.path, "mapped", len(res.Mappings), "unprovisioned", len(res.Unprovisioned))
	return res, nil
}
