package sqlstore

import (
	"fmt"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithStatusCache puts credential status reads behind a read-through cache.
func WithStatusCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.statusCache = cacheService
	}
}

func WithAuthorizeStateTTL(ttl time.Duration) FactoryOption {
	return func(f *RepositoryFactory) {
		f.authorizeStateTTL = ttl
	}
}

func WithCredentialCodec(codec core.CredentialCodec) FactoryOption {
	return func(f *RepositoryFactory) {
		f.codec = codec
	}
}

type RepositoryFactory struct {
	db                *bun.DB
	secrets           core.SecretProvider
	codec             core.CredentialCodec
	statusCache       repositorycache.CacheService
	authorizeStateTTL time.Duration

	credentialStore       *CredentialStore
	cachedCredentialStore *CachedCredentialStore
	authorizeStateStore   *AuthorizeStateStore
	syncCursorStore       *SyncCursorStore
	recordStore           *RecordStore
	syncRunStore          *SyncRunStore
}

func NewRepositoryFactory(secrets core.SecretProvider, opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{secrets: secrets}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(
	client *persistence.Client,
	secrets core.SecretProvider,
	opts ...FactoryOption,
) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(secrets, opts...)
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, secrets core.SecretProvider, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(secrets, opts...)
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build resolves the bun handle from a *bun.DB or anything exposing DB()
// and initializes every store once.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.credentialStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

// CredentialStore returns the cached store when a status cache is configured.
func (f *RepositoryFactory) CredentialStore() core.CredentialStore {
	if f == nil {
		return nil
	}
	if f.cachedCredentialStore != nil {
		return f.cachedCredentialStore
	}
	return f.credentialStore
}

// TenantLookup maps provider tenants back to stored credentials.
func (f *RepositoryFactory) TenantLookup() core.TenantCredentialLookup {
	if f == nil {
		return nil
	}
	if f.cachedCredentialStore != nil {
		return f.cachedCredentialStore
	}
	return f.credentialStore
}

func (f *RepositoryFactory) AuthorizeStateStore() core.AuthorizeStateStore {
	if f == nil {
		return nil
	}
	return f.authorizeStateStore
}

func (f *RepositoryFactory) SyncCursorStore() core.SyncCursorStore {
	if f == nil {
		return nil
	}
	return f.syncCursorStore
}

func (f *RepositoryFactory) RecordStore() core.RecordStore {
	if f == nil {
		return nil
	}
	return f.recordStore
}

func (f *RepositoryFactory) SyncRunStore() core.SyncRunStore {
	if f == nil {
		return nil
	}
	return f.syncRunStore
}

func (f *RepositoryFactory) initStores() error {
	credentialStore, err := NewCredentialStore(f.db, f.secrets, f.codec)
	if err != nil {
		return err
	}
	if f.statusCache != nil {
		cached, err := NewCachedCredentialStore(credentialStore, f.statusCache)
		if err != nil {
			return err
		}
		f.cachedCredentialStore = cached
	}
	authorizeStateStore, err := NewAuthorizeStateStore(f.db, f.authorizeStateTTL)
	if err != nil {
		return err
	}
	syncCursorStore, err := NewSyncCursorStore(f.db)
	if err != nil {
		return err
	}
	recordStore, err := NewRecordStore(f.db)
	if err != nil {
		return err
	}
	syncRunStore, err := NewSyncRunStore(f.db)
	if err != nil {
		return err
	}

	f.credentialStore = credentialStore
	f.authorizeStateStore = authorizeStateStore
	f.syncCursorStore = syncCursorStore
	f.recordStore = recordStore
	f.syncRunStore = syncRunStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
