package store

import (
	"context"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
)

// Lock describes the current owner of a named engine lock.
type Lock struct {
	Name       string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (s *Store) getLock(ctx context.Context, q dialect.ExecQuerier, name string) (Lock, bool, error) {
	b := s.builder()
	sel := b.Select("name", "holder", "acquired_at", "expires_at").
		From(b.Table(TableEngineLocks)).
		Where(entsql.EQ("name", name))

	var (
		l     Lock
		found bool
	)
	err := queryQ(ctx, q, sel, func(rows *entsql.Rows) error {
		found = true
		return rows.Scan(&l.Name, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	})
	return l, found, err
}

// AcquireLock takes the named lock for holder until now+ttl. It succeeds
// when the lock is free, expired, or already held by holder, and returns
// ErrLockHeld otherwise.
func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) error {
	return s.withTx(ctx, func(tx dialect.Tx) error {
		cur, found, err := s.getLock(ctx, tx, name)
		if err != nil {
			return fmt.Errorf("reading lock %s: %w", name, err)
		}

		if !found {
			ins := s.builder().Insert(TableEngineLocks).
				Columns("name", "holder", "acquired_at", "expires_at").
				Values(name, holder, utc(now), utc(now.Add(ttl)))
			if _, err := execQ(ctx, tx, ins); err != nil {
				// A concurrent acquirer inserted first.
				return fmt.Errorf("lock %s: %w (%v)", name, ErrLockHeld, err)
			}
			return nil
		}

		if cur.Holder != holder && cur.ExpiresAt.After(now) {
			return fmt.Errorf("lock %s held by %s until %s: %w", name, cur.Holder, cur.ExpiresAt.UTC().Format(time.RFC3339), ErrLockHeld)
		}

		up := s.builder().Update(TableEngineLocks).
			Set("holder", holder).
			Set("acquired_at", utc(now)).
			Set("expires_at", utc(now.Add(ttl))).
			Where(entsql.And(entsql.EQ("name", name), entsql.EQ("holder", cur.Holder)))
		n, err := execQ(ctx, tx, up)
		if err != nil {
			return fmt.Errorf("taking lock %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("lock %s: %w", name, ErrLockHeld)
		}
		return nil
	})
}

// ReleaseLock drops the lock if holder still owns it.
func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	del := s.builder().Delete(TableEngineLocks).
		Where(entsql.And(entsql.EQ("name", name), entsql.EQ("holder", holder)))
	if _, err := execQ(ctx, s.drv, del); err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}
