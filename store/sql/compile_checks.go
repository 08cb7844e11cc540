package sqlstore

import "github.com/goliatone/go-ledgersync/core"

var (
	_ core.CredentialStore        = (*CredentialStore)(nil)
	_ core.StatusReader           = (*CredentialStore)(nil)
	_ core.TenantCredentialLookup = (*CredentialStore)(nil)
	_ core.CredentialStore        = (*CachedCredentialStore)(nil)
	_ core.StatusReader           = (*CachedCredentialStore)(nil)
	_ core.TenantCredentialLookup = (*CachedCredentialStore)(nil)
	_ core.AuthorizeStateStore    = (*AuthorizeStateStore)(nil)
	_ core.SyncCursorStore        = (*SyncCursorStore)(nil)
	_ core.RecordStore            = (*RecordStore)(nil)
	_ core.SyncRunStore           = (*SyncRunStore)(nil)
)
