package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type PaginationKind string

const (
	PaginationPage   PaginationKind = "page"
	PaginationOffset PaginationKind = "offset"
	PaginationCursor PaginationKind = "cursor"
)

type ProviderCapabilities struct {
	RequiresTenantSelection bool
	RotatesRefreshToken     bool
	Pagination              PaginationKind
	DefaultScopes           []string
}

type AuthorizeURLRequest struct {
	State       string
	RedirectURI string
	Scopes      []string
}

type ExchangeCodeRequest struct {
	Code        string
	RedirectURI string
	Params      map[string]string
}

type TenantInfo struct {
	ID   string
	Name string
}

// TokenGrant is what a provider hands back after exchange or refresh.
type TokenGrant struct {
	AccessToken           string
	RefreshToken          string
	TokenType             string
	ExpiresAt             *time.Time
	RefreshTokenExpiresAt *time.Time
	Scopes                []string
	Tenant                *TenantInfo
	Rotated               bool
	Metadata              map[string]any
}

type RevokeRequest struct {
	AccessToken  string
	RefreshToken string
}

type FetchRequest struct {
	AccessToken string
	TenantID    string
	Since       *time.Time
	MaxPages    int
}

// RawRecord is a single provider payload decoded from JSON.
type RawRecord map[string]any

type Page struct {
	Number    int
	Records   []RawRecord
	Watermark *time.Time
	Done      bool
}

// PageSource yields pages in order. A failed Next leaves the position
// unchanged so the same page is requested again on the next call.
type PageSource interface {
	Next(ctx context.Context) (Page, error)
}

// Provider adapts one accounting provider. Adapters never touch stores.
type Provider interface {
	ID() ProviderID
	Capabilities() ProviderCapabilities
	BuildAuthorizeURL(ctx context.Context, req AuthorizeURLRequest) (string, error)
	ExchangeCode(ctx context.Context, req ExchangeCodeRequest) (TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error)
	Revoke(ctx context.Context, req RevokeRequest) error
	FetchTransactions(ctx context.Context, req FetchRequest) (PageSource, error)
	FetchInvoices(ctx context.Context, req FetchRequest) (PageSource, error)
}

// ConfiguredProvider is implemented by providers that can report missing
// client credentials before any network call.
type ConfiguredProvider interface {
	ValidateConfig() error
}

type Registry interface {
	Register(provider Provider) error
	Get(id ProviderID) (Provider, bool)
	List() []Provider
}

type CredentialStore interface {
	Get(ctx context.Context, key CredentialKey) (Credential, error)
	Upsert(ctx context.Context, cred Credential) (Credential, error)
	// UpdateIfGeneration writes cred only when the stored generation still
	// equals expected. It returns ErrStaleGeneration otherwise.
	UpdateIfGeneration(ctx context.Context, cred Credential, expected int64) (Credential, error)
}

// TenantCredentialLookup finds the credentials connected to a provider-side
// tenant. Webhook deliveries name tenants, not business profiles.
type TenantCredentialLookup interface {
	FindByTenant(ctx context.Context, provider ProviderID, tenantID string) ([]Credential, error)
}

type AuthorizeStateStore interface {
	Save(ctx context.Context, state AuthorizeState) error
	Consume(ctx context.Context, nonce string) (AuthorizeState, error)
}

type LeaseRequest struct {
	BusinessProfileID string
	Provider          ProviderID
	Owner             string
	TTL               time.Duration
}

type SyncCursorStore interface {
	Get(ctx context.Context, key CursorKey) (SyncCursor, error)
	List(ctx context.Context, pair CredentialKey) ([]SyncCursor, error)
	AcquireLease(ctx context.Context, req LeaseRequest) (SyncLease, error)
	RenewLease(ctx context.Context, pair CredentialKey, epoch int64, ttl time.Duration) (SyncLease, error)
	ReleaseLease(ctx context.Context, pair CredentialKey, epoch int64) error
	MarkRunning(ctx context.Context, key CursorKey, epoch int64) (SyncCursor, error)
	// Advance moves the watermark forward under the fence. An older
	// watermark never replaces a newer one.
	Advance(ctx context.Context, key CursorKey, epoch int64, watermark string) (SyncCursor, error)
	Complete(ctx context.Context, key CursorKey, epoch int64, status SyncRunStatus, lastError string) (SyncCursor, error)
}

type RecordStore interface {
	UpsertTransactions(ctx context.Context, records []NormalizedTransaction) (UpsertResult, error)
	UpsertInvoices(ctx context.Context, records []NormalizedInvoice) (UpsertResult, error)
	ListTransactions(ctx context.Context, filter RecordFilter) (TransactionPage, error)
	ListInvoices(ctx context.Context, filter RecordFilter) (InvoicePage, error)
}

type SyncRunStore interface {
	Create(ctx context.Context, run SyncRun) (SyncRun, error)
	Update(ctx context.Context, run SyncRun) (SyncRun, error)
	Get(ctx context.Context, id string) (SyncRun, error)
	ListRecent(ctx context.Context, pair CredentialKey, limit int) ([]SyncRun, error)
}

type SyncJobRequest struct {
	BusinessProfileID string
	Provider          ProviderID
	ResourceTypes     []ResourceType
}

type JobHandle struct {
	ID          string    `json:"job_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

const JobStatusQueued = "queued"

type JobTrigger interface {
	Submit(ctx context.Context, req SyncJobRequest) (JobHandle, error)
}

type SyncCompletedEvent struct {
	RunID             string                           `json:"run_id"`
	BusinessProfileID string                           `json:"business_profile_id"`
	Provider          ProviderID                       `json:"provider"`
	Status            SyncRunStatus                    `json:"status"`
	Resources         map[ResourceType]ResourceOutcome `json:"resources"`
	StartedAt         time.Time                        `json:"started_at"`
	FinishedAt        time.Time                        `json:"finished_at"`
}

type SyncEventPublisher interface {
	PublishSyncCompleted(ctx context.Context, event SyncCompletedEvent) error
}

type NopSyncEventPublisher struct{}

func (NopSyncEventPublisher) PublishSyncCompleted(context.Context, SyncCompletedEvent) error {
	return nil
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

type Clock func() time.Time

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type RunSyncRequest struct {
	BusinessProfileID string
	Provider          ProviderID
	ResourceTypes     []ResourceType
	Trigger           SyncTrigger
	JobID             string
}

type SyncRunResult struct {
	RunID     string                           `json:"run_id"`
	Status    SyncRunStatus                    `json:"status"`
	Resources map[ResourceType]ResourceOutcome `json:"resources"`
	Error     string                           `json:"error,omitempty"`
	ErrorKind ErrorKind                        `json:"error_kind,omitempty"`
}

type SyncRunner interface {
	RunSync(ctx context.Context, req RunSyncRequest) (SyncRunResult, error)
}
