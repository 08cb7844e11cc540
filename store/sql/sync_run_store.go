package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-ledgersync/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultRecentRunsLimit = 20

type SyncRunStore struct {
	db   *bun.DB
	repo repository.Repository[*syncRunRecord]
}

func NewSyncRunStore(db *bun.DB) (*SyncRunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*syncRunRecord](db, modelHandlers[syncRunRecord]())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid sync run repository wiring: %w", err)
		}
	}
	return &SyncRunStore{db: db, repo: repo}, nil
}

func (s *SyncRunStore) Create(ctx context.Context, run core.SyncRun) (core.SyncRun, error) {
	if s == nil || s.repo == nil {
		return core.SyncRun{}, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	created, err := s.repo.Create(ctx, newSyncRunRecord(run))
	if err != nil {
		return core.SyncRun{}, core.NewPersistenceError("create sync run", err)
	}
	return created.toDomain(), nil
}

func (s *SyncRunStore) Update(ctx context.Context, run core.SyncRun) (core.SyncRun, error) {
	if s == nil || s.db == nil {
		return core.SyncRun{}, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	record := newSyncRunRecord(run)
	result, err := s.db.NewUpdate().
		Model(record).
		Column("status", "resources", "error", "lease_epoch", "finished_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return core.SyncRun{}, core.NewPersistenceError("update sync run", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.SyncRun{}, core.ErrSyncRunNotFound
	}
	return s.Get(ctx, run.ID)
}

func (s *SyncRunStore) Get(ctx context.Context, id string) (core.SyncRun, error) {
	if s == nil || s.repo == nil {
		return core.SyncRun{}, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return core.SyncRun{}, core.ErrSyncRunNotFound
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", id),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.SyncRun{}, core.ErrSyncRunNotFound
		}
		return core.SyncRun{}, core.NewPersistenceError("load sync run", err)
	}
	if len(records) == 0 {
		return core.SyncRun{}, core.ErrSyncRunNotFound
	}
	record := records[0]
	return record.toDomain(), nil
}

func (s *SyncRunStore) ListRecent(ctx context.Context, pair core.CredentialKey, limit int) ([]core.SyncRun, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: sync run store is not configured")
	}
	if limit <= 0 {
		limit = defaultRecentRunsLimit
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("business_profile_id", "=", strings.TrimSpace(pair.BusinessProfileID)),
		repository.SelectBy("provider", "=", string(pair.Provider)),
		repository.OrderBy("started_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, core.NewPersistenceError("list sync runs", err)
	}
	out := make([]core.SyncRun, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
