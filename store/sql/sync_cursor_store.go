package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultSyncLeaseTTL = 15 * time.Minute

// SyncCursorStore persists per-resource watermarks and the per-pair lease
// that fences them. Every fenced write re-checks the lease inside the same
// transaction.
type SyncCursorStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewSyncCursorStore(db *bun.DB) (*SyncCursorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &SyncCursorStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SyncCursorStore) Get(ctx context.Context, key core.CursorKey) (core.SyncCursor, error) {
	if s == nil || s.db == nil {
		return core.SyncCursor{}, fmt.Errorf("sqlstore: sync cursor store is not configured")
	}
	record := &syncCursorRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.business_profile_id = ?", strings.TrimSpace(key.BusinessProfileID)).
		Where("?TableAlias.provider = ?", string(key.Provider)).
		Where("?TableAlias.resource_type = ?", string(key.ResourceType)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return idleCursor(key), nil
		}
		return core.SyncCursor{}, core.NewPersistenceError("load sync cursor", err)
	}
	return record.toDomain(), nil
}

func (s *SyncCursorStore) List(ctx context.Context, pair core.CredentialKey) ([]core.SyncCursor, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: sync cursor store is not configured")
	}
	records := make([]syncCursorRecord, 0)
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.business_profile_id = ?", strings.TrimSpace(pair.BusinessProfileID)).
		Where("?TableAlias.provider = ?", string(pair.Provider)).
		OrderExpr("?TableAlias.resource_type ASC").
		Scan(ctx)
	if err != nil {
		return nil, core.NewPersistenceError("list sync cursors", err)
	}
	out := make([]core.SyncCursor, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func (s *SyncCursorStore) AcquireLease(ctx context.Context, req core.LeaseRequest) (core.SyncLease, error) {
	if s == nil || s.db == nil {
		return core.SyncLease{}, fmt.Errorf("sqlstore: sync cursor store is not configured")
	}
	pair := core.CredentialKey{BusinessProfileID: strings.TrimSpace(req.BusinessProfileID), Provider: req.Provider}
	if err := pair.Validate(); err != nil {
		return core.SyncLease{}, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}
	now := s.now()

	var out core.SyncLease
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := findLeaseTx(ctx, tx, pair)
		if err != nil {
			return err
		}
		next := &syncLeaseRecord{
			BusinessProfileID: pair.BusinessProfileID,
			Provider:          string(pair.Provider),
			Epoch:             1,
			Owner:             strings.TrimSpace(req.Owner),
			Active:            true,
			AcquiredAt:        now,
			ExpiresAt:         now.Add(ttl),
		}

		if current == nil {
			if _, err := tx.NewInsert().Model(next).Exec(ctx); err != nil {
				if isUniqueViolation(err) {
					return core.ErrLeaseHeld
				}
				return err
			}
		} else {
			if current.toDomain().HeldAt(now) {
				return core.ErrLeaseHeld
			}
			next.Epoch = current.Epoch + 1
			result, err := tx.NewUpdate().
				Model(next).
				Column("epoch", "owner", "active", "acquired_at", "expires_at").
				Where("business_profile_id = ?", pair.BusinessProfileID).
				Where("provider = ?", string(pair.Provider)).
				Where("epoch = ?", current.Epoch).
				Exec(ctx)
			if err != nil {
				return err
			}
			if affected, _ := result.RowsAffected(); affected != 1 {
				return core.ErrLeaseHeld
			}
		}

		if _, err := tx.NewUpdate().
			Model((*syncCursorRecord)(nil)).
			Set("run_epoch = ?", next.Epoch).
			Set("updated_at = ?", now).
			Where("business_profile_id = ?", pair.BusinessProfileID).
			Where("provider = ?", string(pair.Provider)).
			Exec(ctx); err != nil {
			return err
		}
		out = next.toDomain()
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrLeaseHeld) {
			return core.SyncLease{}, err
		}
		return core.SyncLease{}, core.NewPersistenceError("acquire sync lease", err)
	}
	return out, nil
}

func (s *SyncCursorStore) RenewLease(ctx context.Context, pair core.CredentialKey, epoch int64, ttl time.Duration) (core.SyncLease, error) {
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}
	now := s.now()
	result, err := s.db.NewUpdate().
		Model((*syncLeaseRecord)(nil)).
		Set("expires_at = ?", now.Add(ttl)).
		Where("business_profile_id = ?", strings.TrimSpace(pair.BusinessProfileID)).
		Where("provider = ?", string(pair.Provider)).
		Where("epoch = ?", epoch).
		Where("active = ?", true).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return core.SyncLease{}, core.NewPersistenceError("renew sync lease", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		return core.SyncLease{}, core.ErrLeaseLost
	}
	record := &syncLeaseRecord{}
	if err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.business_profile_id = ?", strings.TrimSpace(pair.BusinessProfileID)).
		Where("?TableAlias.provider = ?", string(pair.Provider)).
		Limit(1).
		Scan(ctx); err != nil {
		return core.SyncLease{}, core.NewPersistenceError("load sync lease", err)
	}
	return record.toDomain(), nil
}

func (s *SyncCursorStore) ReleaseLease(ctx context.Context, pair core.CredentialKey, epoch int64) error {
	result, err := s.db.NewUpdate().
		Model((*syncLeaseRecord)(nil)).
		Set("active = ?", false).
		Where("business_profile_id = ?", strings.TrimSpace(pair.BusinessProfileID)).
		Where("provider = ?", string(pair.Provider)).
		Where("epoch = ?", epoch).
		Exec(ctx)
	if err != nil {
		return core.NewPersistenceError("release sync lease", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		return core.ErrLeaseLost
	}
	return nil
}

func (s *SyncCursorStore) MarkRunning(ctx context.Context, key core.CursorKey, epoch int64) (core.SyncCursor, error) {
	return s.fencedWrite(ctx, key, epoch, func(record *syncCursorRecord, _ time.Time) {
		record.LastRunStatus = string(core.SyncRunStatusRunning)
	})
}

func (s *SyncCursorStore) Advance(ctx context.Context, key core.CursorKey, epoch int64, watermark string) (core.SyncCursor, error) {
	return s.fencedWrite(ctx, key, epoch, func(record *syncCursorRecord, _ time.Time) {
		if core.WatermarkAdvances(record.Watermark, watermark) {
			record.Watermark = strings.TrimSpace(watermark)
		}
	})
}

func (s *SyncCursorStore) Complete(ctx context.Context, key core.CursorKey, epoch int64, status core.SyncRunStatus, lastError string) (core.SyncCursor, error) {
	return s.fencedWrite(ctx, key, epoch, func(record *syncCursorRecord, now time.Time) {
		record.LastRunStatus = string(status)
		record.LastRunAt = &now
		record.LastError = strings.TrimSpace(lastError)
	})
}

// fencedWrite locks the lease row with a guarded no-op update, then applies
// mutate to the cursor row in the same transaction.
func (s *SyncCursorStore) fencedWrite(
	ctx context.Context,
	key core.CursorKey,
	epoch int64,
	mutate func(record *syncCursorRecord, now time.Time),
) (core.SyncCursor, error) {
	if s == nil || s.db == nil {
		return core.SyncCursor{}, fmt.Errorf("sqlstore: sync cursor store is not configured")
	}
	now := s.now()
	var out core.SyncCursor
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*syncLeaseRecord)(nil)).
			Set("owner = owner").
			Where("business_profile_id = ?", strings.TrimSpace(key.BusinessProfileID)).
			Where("provider = ?", string(key.Provider)).
			Where("epoch = ?", epoch).
			Where("active = ?", true).
			Where("expires_at > ?", now).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected != 1 {
			return core.ErrLeaseLost
		}

		record, err := findCursorTx(ctx, tx, key)
		if err != nil {
			return err
		}
		insert := record == nil
		if insert {
			record = &syncCursorRecord{
				ID:                uuid.NewString(),
				BusinessProfileID: strings.TrimSpace(key.BusinessProfileID),
				Provider:          string(key.Provider),
				ResourceType:      string(key.ResourceType),
				LastRunStatus:     string(core.SyncRunStatusIdle),
			}
		}
		mutate(record, now)
		record.RunEpoch = epoch
		record.UpdatedAt = now

		if insert {
			if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
				return err
			}
		} else if _, err := tx.NewUpdate().Model(record).WherePK().Exec(ctx); err != nil {
			return err
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrLeaseLost) {
			return core.SyncCursor{}, err
		}
		return core.SyncCursor{}, core.NewPersistenceError("write sync cursor", err)
	}
	return out, nil
}

func findLeaseTx(ctx context.Context, tx bun.Tx, pair core.CredentialKey) (*syncLeaseRecord, error) {
	record := &syncLeaseRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.business_profile_id = ?", pair.BusinessProfileID).
		Where("?TableAlias.provider = ?", string(pair.Provider)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func findCursorTx(ctx context.Context, tx bun.Tx, key core.CursorKey) (*syncCursorRecord, error) {
	record := &syncCursorRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.business_profile_id = ?", strings.TrimSpace(key.BusinessProfileID)).
		Where("?TableAlias.provider = ?", string(key.Provider)).
		Where("?TableAlias.resource_type = ?", string(key.ResourceType)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func idleCursor(key core.CursorKey) core.SyncCursor {
	return core.SyncCursor{
		BusinessProfileID: key.BusinessProfileID,
		Provider:          key.Provider,
		ResourceType:      key.ResourceType,
		LastRunStatus:     core.SyncRunStatusIdle,
	}
}
