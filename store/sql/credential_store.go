package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// keyedSecretProvider is implemented by secret providers that can name the
// key a payload was sealed with.
type keyedSecretProvider interface {
	KeyID() string
	Version() int
}

// CredentialStore persists credentials with the token set sealed through
// the configured secret provider.
type CredentialStore struct {
	db      *bun.DB
	repo    repository.Repository[*credentialRecord]
	secrets core.SecretProvider
	codec   core.CredentialCodec
	now     func() time.Time
}

func NewCredentialStore(db *bun.DB, secrets core.SecretProvider, codec core.CredentialCodec) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("sqlstore: secret provider is required")
	}
	if codec == nil {
		codec = core.JSONCredentialCodec{}
	}
	repo := repository.NewRepository[*credentialRecord](db, modelHandlers[credentialRecord]())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	return &CredentialStore{
		db:      db,
		repo:    repo,
		secrets: secrets,
		codec:   codec,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *CredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	record, err := s.find(ctx, key)
	if err != nil {
		return core.Credential{}, err
	}
	return s.toDomain(ctx, record)
}

// ReadStatus serves the token-free projection without opening the payload.
func (s *CredentialStore) ReadStatus(ctx context.Context, key core.CredentialKey) (core.StatusView, error) {
	record, err := s.find(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrCredentialNotFound) {
			return core.StatusView{Provider: key.Provider, Status: core.CredentialStatusDisconnected}, nil
		}
		return core.StatusView{}, err
	}
	return core.StatusViewFromCredential(metadataOnly(record)), nil
}

func (s *CredentialStore) Upsert(ctx context.Context, cred core.Credential) (core.Credential, error) {
	if s == nil || s.db == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	if err := cred.Key().Validate(); err != nil {
		return core.Credential{}, err
	}
	record, err := s.newRecord(ctx, cred)
	if err != nil {
		return core.Credential{}, err
	}

	_, err = s.db.NewInsert().
		Model(record).
		On("CONFLICT (business_profile_id, provider) DO UPDATE").
		Set("external_tenant_id = EXCLUDED.external_tenant_id").
		Set("external_tenant_name = EXCLUDED.external_tenant_name").
		Set("encrypted_payload = EXCLUDED.encrypted_payload").
		Set("payload_format = EXCLUDED.payload_format").
		Set("payload_version = EXCLUDED.payload_version").
		Set("encryption_key_id = EXCLUDED.encryption_key_id").
		Set("encryption_version = EXCLUDED.encryption_version").
		Set("access_token_expires_at = EXCLUDED.access_token_expires_at").
		Set("refresh_token_expires_at = EXCLUDED.refresh_token_expires_at").
		Set("scopes = EXCLUDED.scopes").
		Set("status = EXCLUDED.status").
		Set("last_error = EXCLUDED.last_error").
		Set("generation = EXCLUDED.generation").
		Set("connected_at = EXCLUDED.connected_at").
		Set("metadata = EXCLUDED.metadata").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.Credential{}, core.NewPersistenceError("upsert credential", err)
	}
	return s.Get(ctx, cred.Key())
}

// UpdateIfGeneration writes only while the stored generation still equals
// expected. Expected zero means the row must not exist yet.
func (s *CredentialStore) UpdateIfGeneration(ctx context.Context, cred core.Credential, expected int64) (core.Credential, error) {
	if s == nil || s.db == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	key := cred.Key()
	if err := key.Validate(); err != nil {
		return core.Credential{}, err
	}
	record, err := s.newRecord(ctx, cred)
	if err != nil {
		return core.Credential{}, err
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, updateErr := tx.NewUpdate().
			Model(record).
			ExcludeColumn("id", "business_profile_id", "provider", "created_at").
			Where("business_profile_id = ?", key.BusinessProfileID).
			Where("provider = ?", string(key.Provider)).
			Where("generation = ?", expected).
			Exec(ctx)
		if updateErr != nil {
			return updateErr
		}
		if affected, _ := result.RowsAffected(); affected == 1 {
			return nil
		}
		if expected != 0 {
			return core.ErrStaleGeneration
		}
		if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
			if isUniqueViolation(insertErr) {
				return core.ErrStaleGeneration
			}
			return insertErr
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrStaleGeneration) {
			return core.Credential{}, err
		}
		return core.Credential{}, core.NewPersistenceError("update credential", err)
	}
	return s.Get(ctx, key)
}

// FindByTenant returns the token-free credentials connected to tenantID.
func (s *CredentialStore) FindByTenant(ctx context.Context, provider core.ProviderID, tenantID string) ([]core.Credential, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, nil
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider", "=", string(provider)),
		repository.SelectBy("external_tenant_id", "=", tenantID),
		repository.OrderBy("business_profile_id ASC"),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, core.NewPersistenceError("find credentials by tenant", err)
	}
	out := make([]core.Credential, 0, len(records))
	for _, record := range records {
		out = append(out, metadataOnly(record))
	}
	return out, nil
}

func (s *CredentialStore) find(ctx context.Context, key core.CredentialKey) (*credentialRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("business_profile_id", "=", strings.TrimSpace(key.BusinessProfileID)),
		repository.SelectBy("provider", "=", string(key.Provider)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrCredentialNotFound
		}
		return nil, core.NewPersistenceError("load credential", err)
	}
	if len(records) == 0 {
		return nil, core.ErrCredentialNotFound
	}
	return records[0], nil
}

func (s *CredentialStore) newRecord(ctx context.Context, cred core.Credential) (*credentialRecord, error) {
	sealed, err := core.SealTokens(ctx, s.codec, s.secrets, core.TokenSetFromCredential(cred))
	if err != nil {
		return nil, core.NewPersistenceError("seal credential tokens", err)
	}
	now := s.now()
	record := &credentialRecord{
		ID:                    uuid.NewString(),
		BusinessProfileID:     strings.TrimSpace(cred.BusinessProfileID),
		Provider:              string(cred.Provider),
		ExternalTenantID:      cred.ExternalTenantID,
		ExternalTenantName:    cred.ExternalTenantName,
		EncryptedPayload:      sealed,
		PayloadFormat:         s.codec.Format(),
		PayloadVersion:        s.codec.Version(),
		AccessTokenExpiresAt:  cloneTimePointer(cred.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: cloneTimePointer(cred.RefreshTokenExpiresAt),
		Scopes:                append([]string{}, cred.Scopes...),
		Status:                string(cred.Status),
		LastError:             cred.LastError,
		Generation:            cred.Generation,
		ConnectedAt:           cloneTimePointer(cred.ConnectedAt),
		Metadata:              copyAnyMap(cred.Metadata),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if keyed, ok := s.secrets.(keyedSecretProvider); ok {
		record.EncryptionKeyID = keyed.KeyID()
		record.EncryptionVersion = keyed.Version()
	}
	return record, nil
}

func (s *CredentialStore) toDomain(ctx context.Context, record *credentialRecord) (core.Credential, error) {
	cred := metadataOnly(record)
	tokens, err := core.OpenTokens(ctx, s.codec, s.secrets, record.EncryptedPayload)
	if err != nil {
		return core.Credential{}, core.NewPersistenceError("open credential tokens", err)
	}
	tokens.ApplyTo(&cred)
	return cred, nil
}

// metadataOnly maps every column except the sealed tokens.
func metadataOnly(record *credentialRecord) core.Credential {
	return core.Credential{
		BusinessProfileID:     record.BusinessProfileID,
		Provider:              core.ProviderID(record.Provider),
		ExternalTenantID:      record.ExternalTenantID,
		ExternalTenantName:    record.ExternalTenantName,
		AccessTokenExpiresAt:  cloneTimePointer(record.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: cloneTimePointer(record.RefreshTokenExpiresAt),
		Scopes:                append([]string(nil), record.Scopes...),
		Status:                core.CredentialStatus(record.Status),
		LastError:             record.LastError,
		Generation:            record.Generation,
		ConnectedAt:           cloneTimePointer(record.ConnectedAt),
		Metadata:              copyAnyMap(record.Metadata),
		CreatedAt:             record.CreatedAt.UTC(),
		UpdatedAt:             record.UpdatedAt.UTC(),
	}
}
