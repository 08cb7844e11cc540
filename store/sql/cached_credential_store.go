package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-ledgersync/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const credentialStatusCacheKeyPrefix = "ledgersync::credential_status::v1"

// CachedCredentialStore serves status snapshots from a read-through cache and
// evicts the entry on every write through it.
type CachedCredentialStore struct {
	base  *CredentialStore
	cache repositorycache.CacheService
}

func NewCachedCredentialStore(base *CredentialStore, cacheService repositorycache.CacheService) (*CachedCredentialStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base credential store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: credential status cache service is required")
	}
	return &CachedCredentialStore{base: base, cache: cacheService}, nil
}

// CredentialStatusCacheKey returns
// ledgersync::credential_status::v1::<business_profile_id>::<provider>
// with each segment URL-path escaped.
func CredentialStatusCacheKey(key core.CredentialKey) (string, error) {
	normalized := core.CredentialKey{
		BusinessProfileID: strings.TrimSpace(key.BusinessProfileID),
		Provider:          key.Provider,
	}
	if err := normalized.Validate(); err != nil {
		return "", err
	}
	return strings.Join([]string{
		credentialStatusCacheKeyPrefix,
		url.PathEscape(normalized.BusinessProfileID),
		url.PathEscape(string(normalized.Provider)),
	}, "::"), nil
}

func (s *CachedCredentialStore) Get(ctx context.Context, key core.CredentialKey) (core.Credential, error) {
	if s == nil || s.base == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	return s.base.Get(ctx, key)
}

func (s *CachedCredentialStore) ReadStatus(ctx context.Context, key core.CredentialKey) (core.StatusView, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.StatusView{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	cacheKey, err := CredentialStatusCacheKey(key)
	if err != nil {
		return core.StatusView{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.StatusView, error) {
		return s.base.ReadStatus(ctx, key)
	})
}

func (s *CachedCredentialStore) Upsert(ctx context.Context, cred core.Credential) (core.Credential, error) {
	if s == nil || s.base == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	stored, err := s.base.Upsert(ctx, cred)
	if err != nil {
		return core.Credential{}, err
	}
	return stored, s.evict(ctx, cred.Key())
}

func (s *CachedCredentialStore) UpdateIfGeneration(ctx context.Context, cred core.Credential, expected int64) (core.Credential, error) {
	if s == nil || s.base == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	stored, err := s.base.UpdateIfGeneration(ctx, cred, expected)
	if err != nil {
		return core.Credential{}, err
	}
	return stored, s.evict(ctx, cred.Key())
}

func (s *CachedCredentialStore) FindByTenant(ctx context.Context, provider core.ProviderID, tenantID string) ([]core.Credential, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	return s.base.FindByTenant(ctx, provider, tenantID)
}

func (s *CachedCredentialStore) evict(ctx context.Context, key core.CredentialKey) error {
	if s.cache == nil {
		return nil
	}
	cacheKey, err := CredentialStatusCacheKey(key)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}
