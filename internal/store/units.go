package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/matthewbaird/leasesync/internal/types"
)

var unitColumns = []string{
	"id", "device_id", "client_id", "lease_id", "package", "desired", "actual",
	"generation", "speed", "last_action_at", "observed_at", "updated_at",
}

func scanUnit(rows *entsql.Rows) (types.Unit, error) {
	var (
		u                      types.Unit
		leaseID                sql.NullString
		desired, actual, speed string
		lastAction, observedAt sql.NullTime
	)
	if err := rows.Scan(&u.ID, &u.DeviceID, &u.ClientID, &leaseID, &u.Package, &desired, &actual,
		&u.Generation, &speed, &lastAction, &observedAt, &u.UpdatedAt); err != nil {
		return types.Unit{}, fmt.Errorf("scanning unit: %w", err)
	}
	sp, err := types.ParseSpeed(speed)
	if err != nil {
		return types.Unit{}, fmt.Errorf("scanning unit %s: %w", u.ID, err)
	}
	u.Speed = sp
	u.LeaseID = strPtr(leaseID)
	u.Desired = types.DesiredState(desired)
	u.Actual = types.ActualState(actual)
	u.LastActionAt = timePtr(lastAction)
	u.ObservedAt = timePtr(observedAt)
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

// SyncInventory upserts a unit row per device mapping. New units start
// vacant with an unknown device state; existing units only get their
// device and client ids refreshed.
func (s *Store) SyncInventory(ctx context.Context, mappings []types.DeviceMapping, now time.Time) error {
	if len(mappings) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx dialect.Tx) error {
		for _, m := range mappings {
			ins := s.builder().Insert(TableUnits).
				Columns("id", "device_id", "client_id", "package", "desired", "actual", "generation", "updated_at").
				Values(m.UnitID, m.DeviceID, m.ClientID, "", string(types.DesiredSuspendedVacant), string(types.ActualUnknown), 0, utc(now)).
				OnConflict(
					entsql.ConflictColumns("id"),
					entsql.ResolveWith(func(u *entsql.UpdateSet) {
						u.SetExcluded("device_id")
						u.SetExcluded("client_id")
						u.SetExcluded("updated_at")
					}),
				)
			if _, err := execQ(ctx, tx, ins); err != nil {
				return fmt.Errorf("upserting unit %s: %w", m.UnitID, err)
			}
		}
		return nil
	})
}

// GetUnit returns one unit or ErrNotFound.
func (s *Store) GetUnit(ctx context.Context, id string) (types.Unit, error) {
	b := s.builder()
	q := b.Select(unitColumns...).From(b.Table(TableUnits)).Where(entsql.EQ("id", id))

	var (
		out   types.Unit
		found bool
	)
	err := queryQ(ctx, s.drv, q, func(rows *entsql.Rows) error {
		u, err := scanUnit(rows)
		out, found = u, true
		return err
	})
	if err != nil {
		return types.Unit{}, fmt.Errorf("querying unit %s: %w", id, err)
	}
	if !found {
		return types.Unit{}, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	return out, nil
}

// ListUnits returns every unit ordered by id.
func (s *Store) ListUnits(ctx context.Context) ([]types.Unit, error) {
	b := s.builder()
	q := b.Select(unitColumns...).From(b.Table(TableUnits)).OrderBy("id")

	var units []types.Unit
	err := queryQ(ctx, s.drv, q, func(rows *entsql.Rows) error {
		u, err := scanUnit(rows)
		if err != nil {
			return err
		}
		units = append(units, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	return units, nil
}

// DesiredUpdate is the resolver output persisted for one unit.
type DesiredUpdate struct {
	UnitID  string
	Desired types.DesiredState
	LeaseID *string
	Package string
}

// SetDesired persists resolved desired state for a batch of units in one
// transaction. Units absent from the batch are left untouched.
func (s *Store) SetDesired(ctx context.Context, updates []DesiredUpdate, now time.Time) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx dialect.Tx) error {
		for _, u := range updates {
			up := s.builder().Update(TableUnits).
				Set("desired", string(u.Desired)).
				Set("package", u.Package).
				Set("updated_at", utc(now)).
				Where(entsql.EQ("id", u.UnitID))
			if u.LeaseID != nil {
				up.Set("lease_id", *u.LeaseID)
			} else {
				up.SetNull("lease_id")
			}
			n, err := execQ(ctx, tx, up)
			if err != nil {
				return fmt.Errorf("setting desired state for %s: %w", u.UnitID, err)
			}
			if n == 0 {
				return fmt.Errorf("unit %s: %w", u.UnitID, ErrNotFound)
			}
		}
		return nil
	})
}

// SetActual records the result of a device read.
func (s *Store) SetActual(ctx context.Context, unitID string, actual types.ActualState, observedAt time.Time) error {
	up := s.builder().Update(TableUnits).
		Set("actual", string(actual)).
		Set("observed_at", utc(observedAt)).
		Set("updated_at", utc(observedAt)).
		Where(entsql.EQ("id", unitID))
	n, err := execQ(ctx, s.drv, up)
	if err != nil {
		return fmt.Errorf("setting actual state for %s: %w", unitID, err)
	}
	if n == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
