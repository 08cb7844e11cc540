package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/uptrace/bun"
)

const defaultAuthorizeStateTTL = 10 * time.Minute

// AuthorizeStateStore keeps single-use authorize nonces. Consume flips the
// consumed flag with a guarded update so only one caller wins.
type AuthorizeStateStore struct {
	db  *bun.DB
	ttl time.Duration
	now func() time.Time
}

func NewAuthorizeStateStore(db *bun.DB, ttl time.Duration) (*AuthorizeStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if ttl <= 0 {
		ttl = defaultAuthorizeStateTTL
	}
	return &AuthorizeStateStore{
		db:  db,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *AuthorizeStateStore) Save(ctx context.Context, state core.AuthorizeState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: authorize state store is not configured")
	}
	nonce := strings.TrimSpace(state.Nonce)
	if nonce == "" {
		return fmt.Errorf("sqlstore: authorize state nonce is required")
	}
	now := s.now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.ExpiresAt.IsZero() {
		state.ExpiresAt = state.CreatedAt.Add(s.ttl)
	}
	record := &authorizeStateRecord{
		Nonce:             nonce,
		BusinessProfileID: strings.TrimSpace(state.BusinessProfileID),
		Provider:          string(state.Provider),
		RedirectURI:       state.RedirectURI,
		Metadata:          copyAnyMap(state.Metadata),
		ExpiresAt:         state.ExpiresAt.UTC(),
		CreatedAt:         state.CreatedAt.UTC(),
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*authorizeStateRecord)(nil)).
			Where("expires_at < ?", now).
			Exec(ctx); err != nil {
			return core.NewPersistenceError("prune authorize states", err)
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("sqlstore: authorize state nonce collision")
			}
			return core.NewPersistenceError("save authorize state", err)
		}
		return nil
	})
}

func (s *AuthorizeStateStore) Consume(ctx context.Context, nonce string) (core.AuthorizeState, error) {
	if s == nil || s.db == nil {
		return core.AuthorizeState{}, fmt.Errorf("sqlstore: authorize state store is not configured")
	}
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return core.AuthorizeState{}, core.ErrAuthorizeStateNotFound
	}
	now := s.now()

	var out core.AuthorizeState
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*authorizeStateRecord)(nil)).
			Set("consumed = ?", true).
			Set("consumed_at = ?", now).
			Where("nonce = ?", nonce).
			Where("consumed = ?", false).
			Where("expires_at >= ?", now).
			Exec(ctx)
		if err != nil {
			return core.NewPersistenceError("consume authorize state", err)
		}
		affected, _ := result.RowsAffected()

		record := &authorizeStateRecord{}
		if err := tx.NewSelect().Model(record).Where("nonce = ?", nonce).Limit(1).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrAuthorizeStateNotFound
			}
			return core.NewPersistenceError("load authorize state", err)
		}
		if affected == 1 {
			out = record.toDomain()
			return nil
		}
		if record.Consumed {
			return core.ErrAuthorizeStateConsumed
		}
		return core.ErrAuthorizeStateExpired
	})
	if err != nil {
		return core.AuthorizeState{}, err
	}
	return out, nil
}
