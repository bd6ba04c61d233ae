package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/matthewbaird/leasesync/internal/types"
)

// Skip explains why BeginAttempt declined to start an attempt.
type Skip string

const (
	SkipNone      Skip = ""
	SkipSucceeded Skip = "succeeded" // key already applied
	SkipTerminal  Skip = "terminal"  // exhausted earlier and surfaced
	SkipBackoff   Skip = "backoff"   // next_attempt_at not reached
	SkipExhausted Skip = "exhausted" // attempt bound reached now; marked terminal by this call
)

var ledgerColumns = []string{
	"key", "unit_id", "kind", "reason", "attempts", "last_attempt_at",
	"next_attempt_at", "outcome", "terminal", "last_error", "generation",
}

func scanLedger(rows *entsql.Rows) (types.LedgerEntry, error) {
	var (
		e                     types.LedgerEntry
		kind, reason, outcome string
		next                  sql.NullTime
	)
	if err := rows.Scan(&e.Key, &e.UnitID, &kind, &reason, &e.Attempts, &e.LastAttemptAt,
		&next, &outcome, &e.Terminal, &e.LastError, &e.Generation); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("scanning ledger entry: %w", err)
	}
	e.Kind = types.ActionKind(kind)
	e.Reason = types.SuspendReason(reason)
	e.Outcome = types.LedgerOutcome(outcome)
	e.LastAttemptAt = e.LastAttemptAt.UTC()
	e.NextAttemptAt = timePtr(next)
	return e, nil
}

func (s *Store) getLedger(ctx context.Context, q dialect.ExecQuerier, key string) (types.LedgerEntry, bool, error) {
	b := s.builder()
	sel := b.Select(ledgerColumns...).From(b.Table(TableActionLedger)).Where(entsql.EQ("key", key))

	var (
		out   types.LedgerEntry
		found bool
	)
	err := queryQ(ctx, q, sel, func(rows *entsql.Rows) error {
		e, err := scanLedger(rows)
		out, found = e, true
		return err
	})
	return out, found, err
}

// GetLedgerEntry returns the ledger entry for key or ErrNotFound.
func (s *Store) GetLedgerEntry(ctx context.Context, key string) (types.LedgerEntry, error) {
	e, found, err := s.getLedger(ctx, s.drv, key)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("querying ledger %s: %w", key, err)
	}
	if !found {
		return types.LedgerEntry{}, fmt.Errorf("ledger %s: %w", key, ErrNotFound)
	}
	return e, nil
}

// BeginAttempt is the single read-check-then-write for one idempotency key.
// Inside one transaction it skips keys that already succeeded, are
// terminal, or are still backing off; otherwise it records a PENDING
// attempt and returns the updated entry. A key that has used up
// maxAttempts is marked terminal here and an alert row is written.
func (s *Store) BeginAttempt(ctx context.Context, a types.Action, now time.Time, maxAttempts int) (types.LedgerEntry, Skip, error) {
	var (
		entry types.LedgerEntry
		skip  Skip
	)
	key := a.Key()
	err := s.withTx(ctx, func(tx dialect.Tx) error {
		existing, found, err := s.getLedger(ctx, tx, key)
		if err != nil {
			return err
		}

		if found {
			switch {
			case existing.Outcome == types.OutcomeSucceeded:
				entry, skip = existing, SkipSucceeded
				return nil
			case existing.Terminal:
				entry, skip = existing, SkipTerminal
				return nil
			case existing.NextAttemptAt != nil && existing.NextAttemptAt.After(now):
				entry, skip = existing, SkipBackoff
				return nil
			case existing.Attempts >= maxAttempts:
				// Attempt bound shrank or a crash left the last attempt PENDING.
				msg := existing.LastError
				if msg == "" {
					msg = "attempt bound reached"
				}
				if err := s.markTerminal(ctx, tx, existing, msg, now); err != nil {
					return err
				}
				existing.Terminal = true
				existing.Outcome = types.OutcomeFailed
				entry, skip = existing, SkipExhausted
				return nil
			}

			up := s.builder().Update(TableActionLedger).
				Add("attempts", 1).
				Set("last_attempt_at", utc(now)).
				SetNull("next_attempt_at").
				Set("outcome", string(types.OutcomePending)).
				Where(entsql.EQ("key", key))
			if _, err := execQ(ctx, tx, up); err != nil {
				return fmt.Errorf("updating ledger %s: %w", key, err)
			}
			existing.Attempts++
			existing.LastAttemptAt = utc(now)
			existing.NextAttemptAt = nil
			existing.Outcome = types.OutcomePending
			entry = existing
			return nil
		}

		ins := s.builder().Insert(TableActionLedger).
			Columns("key", "unit_id", "kind", "reason", "attempts", "last_attempt_at", "outcome", "terminal", "last_error", "generation").
			Values(key, a.UnitID, string(a.Kind), string(a.Reason), 1, utc(now), string(types.OutcomePending), false, "", a.Generation)
		if _, err := execQ(ctx, tx, ins); err != nil {
			return fmt.Errorf("inserting ledger %s: %w", key, err)
		}
		entry = types.LedgerEntry{
			Key:           key,
			UnitID:        a.UnitID,
			Kind:          a.Kind,
			Reason:        a.Reason,
			Attempts:      1,
			LastAttemptAt: utc(now),
			Outcome:       types.OutcomePending,
			Generation:    a.Generation,
		}
		return nil
	})
	if err != nil {
		return types.LedgerEntry{}, SkipNone, err
	}
	return entry, skip, nil
}

// RecordSuccess marks the key SUCCEEDED and, in the same transaction,
// moves the unit to the action's target state and advances its generation.
// Activations and speed changes also record the applied speed profile.
func (s *Store) RecordSuccess(ctx context.Context, a types.Action, now time.Time) error {
	return s.withTx(ctx, func(tx dialect.Tx) error {
		up := s.builder().Update(TableActionLedger).
			Set("outcome", string(types.OutcomeSucceeded)).
			SetNull("next_attempt_at").
			Set("last_error", "").
			Where(entsql.EQ("key", a.Key()))
		if n, err := execQ(ctx, tx, up); err != nil {
			return fmt.Errorf("marking %s succeeded: %w", a.Key(), err)
		} else if n == 0 {
			return fmt.Errorf("ledger %s: %w", a.Key(), ErrNotFound)
		}

		unit := s.builder().Update(TableUnits).
			Set("actual", string(a.TargetActual())).
			Set("last_action_at", utc(now)).
			Set("updated_at", utc(now)).
			Add("generation", 1).
			Where(entsql.EQ("id", a.UnitID))
		if a.Kind != types.ActionSuspend {
			unit.Set("speed", a.Speed.String())
		}
		if n, err := execQ(ctx, tx, unit); err != nil {
			return fmt.Errorf("applying %s to unit: %w", a, err)
		} else if n == 0 {
			return fmt.Errorf("unit %s: %w", a.UnitID, ErrNotFound)
		}
		return nil
	})
}

// Failure describes a failed attempt.
type Failure struct {
	Key           string
	Error         string
	NextAttemptAt *time.Time
	Terminal      bool
}

// RecordFailure marks the key FAILED. A terminal failure also writes an
// operator alert in the same transaction so it cannot be lost.
func (s *Store) RecordFailure(ctx context.Context, f Failure, now time.Time) error {
	return s.withTx(ctx, func(tx dialect.Tx) error {
		existing, found, err := s.getLedger(ctx, tx, f.Key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("ledger %s: %w", f.Key, ErrNotFound)
		}
		if f.Terminal {
			return s.markTerminal(ctx, tx, existing, f.Error, now)
		}
		up := s.builder().Update(TableActionLedger).
			Set("outcome", string(types.OutcomeFailed)).
			Set("last_error", f.Error).
			Where(entsql.EQ("key", f.Key))
		if f.NextAttemptAt != nil {
			up.Set("next_attempt_at", utc(*f.NextAttemptAt))
		} else {
			up.SetNull("next_attempt_at")
		}
		if _, err := execQ(ctx, tx, up); err != nil {
			return fmt.Errorf("marking %s failed: %w", f.Key, err)
		}
		return nil
	})
}

func (s *Store) markTerminal(ctx context.Context, tx dialect.ExecQuerier, e types.LedgerEntry, msg string, now time.Time) error {
	up := s.builder().Update(TableActionLedger).
		Set("outcome", string(types.OutcomeFailed)).
		Set("terminal", true).
		Set("last_error", msg).
		SetNull("next_attempt_at").
		Where(entsql.EQ("key", e.Key))
	if _, err := execQ(ctx, tx, up); err != nil {
		return fmt.Errorf("marking %s terminal: %w", e.Key, err)
	}
	alert := types.Alert{
		ID:        newAlertID(),
		Kind:      string(types.DiagTerminalActionFailure),
		UnitID:    e.UnitID,
		Key:       e.Key,
		Message:   fmt.Sprintf("%s on unit %s failed %d times: %s", e.Kind, e.UnitID, e.Attempts, msg),
		CreatedAt: utc(now),
	}
	return s.insertAlert(ctx, tx, alert)
}

// ListLedger returns ledger entries, most recent attempt first. An empty
// unitID lists every unit.
func (s *Store) ListLedger(ctx context.Context, unitID string) ([]types.LedgerEntry, error) {
	b := s.builder()
	sel := b.Select(ledgerColumns...).From(b.Table(TableActionLedger)).OrderBy(entsql.Desc("last_attempt_at"), "key")
	if unitID != "" {
		sel.Where(entsql.EQ("unit_id", unitID))
	}

	var out []types.LedgerEntry
	err := queryQ(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		e, err := scanLedger(rows)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing ledger: %w", err)
	}
	return out, nil
}

// ClearTerminal resets terminal entries for a unit so the next cycle may
// retry them, and clears the matching alerts. Returns the number of
// entries reset.
func (s *Store) ClearTerminal(ctx context.Context, unitID string) (int, error) {
	var cleared int64
	err := s.withTx(ctx, func(tx dialect.Tx) error {
		up := s.builder().Update(TableActionLedger).
			Set("terminal", false).
			Set("attempts", 0).
			SetNull("next_attempt_at").
			Where(entsql.And(entsql.EQ("unit_id", unitID), entsql.EQ("terminal", true)))
		n, err := execQ(ctx, tx, up)
		if err != nil {
			return fmt.Errorf("clearing terminal entries for %s: %w", unitID, err)
		}
		cleared = n

		al := s.builder().Update(TableAlerts).
			Set("cleared", true).
			Where(entsql.And(
				entsql.EQ("unit_id", unitID),
				entsql.EQ("kind", string(types.DiagTerminalActionFailure)),
			))
		if _, err := execQ(ctx, tx, al); err != nil {
			return fmt.Errorf("clearing alerts for %s: %w", unitID, err)
		}
		return nil
	})
	return int(cleared), err
}

// RetireEpisodes closes the ledger history of units that have converged.
// A unit holding a failed, pending or terminal entry at its current
// generation has that generation advanced, so the next divergence starts
// from a fresh key instead of inheriting spent attempts. Alerts raised
// for the retired keys are cleared. Returns the advanced unit ids.
func (s *Store) RetireEpisodes(ctx context.Context, unitIDs []string, now time.Time) ([]string, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}
	ids := make([]any, len(unitIDs))
	for i, id := range unitIDs {
		ids[i] = id
	}

	var retired []string
	err := s.withTx(ctx, func(tx dialect.Tx) error {
		b := s.builder()
		gens := make(map[string]int64, len(unitIDs))
		sel := b.Select("id", "generation").From(b.Table(TableUnits)).Where(entsql.In("id", ids...))
		err := queryQ(ctx, tx, sel, func(rows *entsql.Rows) error {
			var (
				id  string
				gen int64
			)
			if err := rows.Scan(&id, &gen); err != nil {
				return err
			}
			gens[id] = gen
			return nil
		})
		if err != nil {
			return fmt.Errorf("loading unit generations: %w", err)
		}

		var keys []any
		open := make(map[string]bool)
		led := b.Select("key", "unit_id", "generation").From(b.Table(TableActionLedger)).
			Where(entsql.And(
				entsql.In("unit_id", ids...),
				entsql.NEQ("outcome", string(types.OutcomeSucceeded)),
			))
		err = queryQ(ctx, tx, led, func(rows *entsql.Rows) error {
			var (
				key, unit string
				gen       int64
			)
			if err := rows.Scan(&key, &unit, &gen); err != nil {
				return err
			}
			if cur, ok := gens[unit]; ok && cur == gen {
				open[unit] = true
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("loading open ledger entries: %w", err)
		}
		if len(open) == 0 {
			return nil
		}

		for unit := range open {
			up := s.builder().Update(TableUnits).
				Add("generation", 1).
				Set("updated_at", utc(now)).
				Where(entsql.And(entsql.EQ("id", unit), entsql.EQ("generation", gens[unit])))
			if _, err := execQ(ctx, tx, up); err != nil {
				return fmt.Errorf("advancing generation of %s: %w", unit, err)
			}
			retired = append(retired, unit)
		}
		al := s.builder().Update(TableAlerts).
			Set("cleared", true).
			Where(entsql.In("key", keys...))
		if _, err := execQ(ctx, tx, al); err != nil {
			return fmt.Errorf("clearing retired alerts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(retired)
	return retired, nil
}
