package inventory

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/event"
)

// ColDateAdded is stamped on a row the first time it gets a device id.
const ColDateAdded = "date_added"

// Inventory statuses the provisioner reads and writes.
const (
	StatusPending   = "pending"
	StatusSuspended = "suspended"
)

// HoldReason is the suspension reason on a freshly authorized ONU. The
// reconciliation cycle activates it once the unit has a paying lease.
const HoldReason = "awaiting tenant"

// Provisioned is one ONU the provisioner authorized.
type Provisioned struct {
	Unit     string `json:"unit"`
	OnuName  string `json:"onu_name"`
	Serial   string `json:"serial_number"`
	DeviceID string `json:"device_id"`
}

// Provisioner authorizes pending ONUs in the network manager and writes
// their device ids back to the inventory file, which makes them visible to
// the next Sync.
type Provisioner struct {
	path     string
	property string
	siteID   string
	nms      collab.DeviceProvisioner
	rec      event.Recorder
	clock    clock.Clock
	log      *slog.Logger

	mu sync.Mutex
}

func NewProvisioner(path, property, siteID string, nms collab.DeviceProvisioner, rec event.Recorder, c clock.Clock, log *slog.Logger) *Provisioner {
	if rec == nil {
		rec = event.Nop{}
	}
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{path: path, property: property, siteID: siteID, nms: nms, rec: rec, clock: c, log: log}
}

// Run provisions every pending row that has a serial number and no device
// id. A device the network manager has not discovered yet is left pending
// for the next run. Rows that were provisioned are written back even when
// others failed; the failures are returned joined.
func (p *Provisioner) Run(ctx context.Context) ([]Provisioned, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	header, records, err := p.read()
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: column %q", ErrNoHeader, col)
		}
	}
	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	set := func(rec []string, col, v string) []string {
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		rec[idx[col]] = v
		return rec
	}

	var (
		done []Provisioned
		errs []error
		want = NormalizeProperty(p.property)
	)
	for i, rec := range records {
		if !strings.EqualFold(get(rec, ColStatus), StatusPending) || get(rec, ColUISPID) != "" {
			continue
		}
		serial := get(rec, ColSerial)
		if serial == "" {
			continue
		}
		if prop := get(rec, ColProperty); want != "" && prop != "" && NormalizeProperty(prop) != want {
			continue
		}
		row := Provisioned{
			Unit:    strings.ToUpper(get(rec, ColUnit)),
			OnuName: get(rec, ColOnuName),
			Serial:  serial,
		}
		id, err := p.provision(ctx, row, get(rec, ColMAC))
		if errors.Is(err, collab.ErrDeviceNotFound) {
			p.log.Info("pending onu not discovered yet", "onu", row.OnuName, "serial", serial)
			continue
		}
		if err != nil {
			p.log.Warn("provisioning onu", "onu", row.OnuName, "serial", serial, "error", err)
			errs = append(errs, err)
			continue
		}
		row.DeviceID = id

		rec = set(rec, ColStatus, StatusSuspended)
		rec = set(rec, ColUISPID, id)
		if _, ok := idx[ColDateAdded]; ok && get(rec, ColDateAdded) == "" {
			rec = set(rec, ColDateAdded, p.clock.Now().Format("2006-01-02"))
		}
		records[i] = rec
		done = append(done, row)
	}

	if len(done) > 0 {
		if err := p.write(header, records); err != nil {
			return nil, errors.Join(append(errs, err)...)
		}
		now := p.clock.Now()
		for _, d := range done {
			p.log.Info("onu provisioned", "unit", d.Unit, "onu", d.OnuName, "device", d.DeviceID)
			evt := event.NewDeviceProvisioned(event.ProvisionPayload{
				UnitID:        d.Unit,
				DeviceID:      d.DeviceID,
				SerialNumber:  d.Serial,
				Name:          d.OnuName,
				ProvisionedAt: now,
			})
			if err := p.rec.Record(context.WithoutCancel(ctx), evt); err != nil {
				p.log.Warn("recording event", "event_type", evt.EventType, "error", err)
			}
		}
	}
	return done, errors.Join(errs...)
}

// provision finds, authorizes and holds one ONU. Authorizing an already
// authorized device is harmless, so a row that failed halfway is retried
// from the start.
func (p *Provisioner) provision(ctx context.Context, row Provisioned, mac string) (string, error) {
	id, err := p.nms.FindDeviceBySerial(ctx, row.Serial, mac)
	if err != nil {
		return "", err
	}
	if err := p.nms.AuthorizeDevice(ctx, id, row.OnuName, p.siteID); err != nil {
		return "", fmt.Errorf("onu %s: %w", row.OnuName, err)
	}
	if err := p.nms.SuspendDevice(ctx, id, HoldReason); err != nil {
		return "", fmt.Errorf("onu %s: %w", row.OnuName, err)
	}
	return id, nil
}

func (p *Provisioner) read() ([]string, [][]string, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening inventory: %w", err)
	}
	defer f.Close()
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	all, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("reading inventory: %w", err)
	}
	if len(all) == 0 {
		return nil, nil, ErrNoHeader
	}
	return all[0], all[1:], nil
}

// write replaces the inventory file through a rename so a reader never
// sees a partial file.
func (p *Provisioner) write(header []string, records [][]string) error {
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("inventory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".inventory-*.csv")
	if err != nil {
		return fmt.Errorf("inventory: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(append([][]string{header}, records...)); err != nil {
		tmp.Close()
		return fmt.Errorf("writing inventory: %w", err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("replacing inventory: %w", err)
	}
	return nil
}
