package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidCredentialStatusTransition = errors.New("core: invalid credential status transition")

type ProviderID string

const (
	ProviderXero       ProviderID = "xero"
	ProviderQuickBooks ProviderID = "quickbooks"
	ProviderSage       ProviderID = "sage"
	ProviderFreeAgent  ProviderID = "freeagent"
)

var providerAliases = map[string]ProviderID{
	"xero":       ProviderXero,
	"quickbooks": ProviderQuickBooks,
	"sage":       ProviderSage,
	"freeagent":  ProviderFreeAgent,
	"free_agent": ProviderFreeAgent,
	"free-agent": ProviderFreeAgent,
}

func KnownProviders() []ProviderID {
	return []ProviderID{ProviderXero, ProviderQuickBooks, ProviderSage, ProviderFreeAgent}
}

// ParseProviderID resolves a path or payload value into the enumerated set.
// Unknown values never fall through silently.
func ParseProviderID(raw string) (ProviderID, error) {
	if id, ok := providerAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return id, nil
	}
	return "", NewProviderNotFoundError(raw)
}

type ResourceType string

const (
	ResourceBankTransactions ResourceType = "bank_transactions"
	ResourceInvoices         ResourceType = "invoices"
)

func AllResourceTypes() []ResourceType {
	return []ResourceType{ResourceBankTransactions, ResourceInvoices}
}

// ParseResourceType accepts the canonical names plus the dashed and "bills"
// aliases used by callers.
func ParseResourceType(raw string) (ResourceType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bank_transactions", "bank-transactions", "transactions":
		return ResourceBankTransactions, nil
	case "invoices", "bills":
		return ResourceInvoices, nil
	default:
		return "", NewBadInputError(fmt.Sprintf("unsupported sync type %q", raw))
	}
}

// NormalizeResourceTypes dedupes and orders the requested types. An empty
// input selects every resource type.
func NormalizeResourceTypes(raw []string) ([]ResourceType, error) {
	if len(raw) == 0 {
		return AllResourceTypes(), nil
	}
	seen := map[ResourceType]struct{}{}
	for _, value := range raw {
		resource, err := ParseResourceType(value)
		if err != nil {
			return nil, err
		}
		seen[resource] = struct{}{}
	}
	out := make([]ResourceType, 0, len(seen))
	for _, resource := range AllResourceTypes() {
		if _, ok := seen[resource]; ok {
			out = append(out, resource)
		}
	}
	return out, nil
}

type CredentialStatus string

const (
	CredentialStatusDisconnected     CredentialStatus = "disconnected"
	CredentialStatusAuthorizePending CredentialStatus = "authorize_pending"
	CredentialStatusConnected        CredentialStatus = "connected"
	CredentialStatusRefreshing       CredentialStatus = "refreshing"
	CredentialStatusExpired          CredentialStatus = "expired"
	CredentialStatusError            CredentialStatus = "error"
)

type CredentialKey struct {
	BusinessProfileID string
	Provider          ProviderID
}

func (k CredentialKey) Validate() error {
	if strings.TrimSpace(k.BusinessProfileID) == "" {
		return NewBadInputError("business_profile_id is required")
	}
	if _, err := ParseProviderID(string(k.Provider)); err != nil {
		return err
	}
	return nil
}

func (k CredentialKey) String() string {
	return strings.TrimSpace(k.BusinessProfileID) + "::" + string(k.Provider)
}

type Credential struct {
	BusinessProfileID     string
	Provider              ProviderID
	ExternalTenantID      string
	ExternalTenantName    string
	AccessToken           string
	RefreshToken          string
	TokenType             string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
	Scopes                []string
	Status                CredentialStatus
	LastError             string
	Generation            int64
	ConnectedAt           *time.Time
	Metadata              map[string]any
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (c Credential) Key() CredentialKey {
	return CredentialKey{BusinessProfileID: c.BusinessProfileID, Provider: c.Provider}
}

// TransitionTo applies a state machine move. Disconnect is reachable from
// every state.
func (c *Credential) TransitionTo(status CredentialStatus, reason string, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status != status && !credentialTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidCredentialStatusTransition, c.Status, status)
	}
	c.Status = status
	c.LastError = strings.TrimSpace(reason)
	c.UpdatedAt = now.UTC()
	return nil
}

// EraseTokens drops every secret from the record.
func (c *Credential) EraseTokens() {
	if c == nil {
		return
	}
	c.AccessToken = ""
	c.RefreshToken = ""
	c.TokenType = ""
	c.AccessTokenExpiresAt = nil
	c.RefreshTokenExpiresAt = nil
}

func credentialTransitionAllowed(from, to CredentialStatus) bool {
	if to == CredentialStatusDisconnected || to == CredentialStatusAuthorizePending {
		return true
	}
	switch from {
	case "", CredentialStatusDisconnected:
		return false
	case CredentialStatusAuthorizePending:
		return to == CredentialStatusConnected
	case CredentialStatusConnected:
		return to == CredentialStatusRefreshing || to == CredentialStatusExpired || to == CredentialStatusError
	case CredentialStatusRefreshing:
		return to == CredentialStatusConnected || to == CredentialStatusExpired || to == CredentialStatusError
	case CredentialStatusExpired, CredentialStatusError:
		return to == CredentialStatusConnected
	}
	return false
}

func CloneCredential(in Credential) Credential {
	out := in
	out.Scopes = append([]string(nil), in.Scopes...)
	out.AccessTokenExpiresAt = cloneTimePointer(in.AccessTokenExpiresAt)
	out.RefreshTokenExpiresAt = cloneTimePointer(in.RefreshTokenExpiresAt)
	out.ConnectedAt = cloneTimePointer(in.ConnectedAt)
	out.Metadata = copyAnyMap(in.Metadata)
	return out
}

// StatusView is the token-free projection served to callers.
type StatusView struct {
	Provider           ProviderID       `json:"provider"`
	Status             CredentialStatus `json:"status"`
	ConnectedAt        *time.Time       `json:"connected_at,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	ExternalTenantID   string           `json:"tenant_id,omitempty"`
	ExternalTenantName string           `json:"tenant_name,omitempty"`
	UpdatedAt          *time.Time       `json:"updated_at,omitempty"`
}

func StatusViewFromCredential(cred Credential) StatusView {
	view := StatusView{
		Provider:           cred.Provider,
		Status:             cred.Status,
		ConnectedAt:        cloneTimePointer(cred.ConnectedAt),
		LastError:          cred.LastError,
		ExternalTenantID:   cred.ExternalTenantID,
		ExternalTenantName: cred.ExternalTenantName,
	}
	if view.Status == "" {
		view.Status = CredentialStatusDisconnected
	}
	if !cred.UpdatedAt.IsZero() {
		updated := cred.UpdatedAt.UTC()
		view.UpdatedAt = &updated
	}
	return view
}

type AuthorizeState struct {
	Nonce             string
	BusinessProfileID string
	Provider          ProviderID
	RedirectURI       string
	Metadata          map[string]any
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Consumed          bool
	ConsumedAt        *time.Time
}

type SyncRunStatus string

const (
	SyncRunStatusIdle           SyncRunStatus = "idle"
	SyncRunStatusRunning        SyncRunStatus = "running"
	SyncRunStatusSucceeded      SyncRunStatus = "succeeded"
	SyncRunStatusPartialFailure SyncRunStatus = "partial_failure"
	SyncRunStatusFailed         SyncRunStatus = "failed"
)

type CursorKey struct {
	BusinessProfileID string
	Provider          ProviderID
	ResourceType      ResourceType
}

func (k CursorKey) Pair() CredentialKey {
	return CredentialKey{BusinessProfileID: k.BusinessProfileID, Provider: k.Provider}
}

type SyncCursor struct {
	BusinessProfileID string
	Provider          ProviderID
	ResourceType      ResourceType
	Watermark         string
	LastRunStatus     SyncRunStatus
	LastRunAt         *time.Time
	LastError         string
	RunEpoch          int64
	UpdatedAt         time.Time
}

func (c SyncCursor) Key() CursorKey {
	return CursorKey{BusinessProfileID: c.BusinessProfileID, Provider: c.Provider, ResourceType: c.ResourceType}
}

// SyncLease fences sync runs for one (business profile, provider) pair.
type SyncLease struct {
	BusinessProfileID string
	Provider          ProviderID
	Epoch             int64
	Owner             string
	AcquiredAt        time.Time
	ExpiresAt         time.Time
	Active            bool
}

func (l SyncLease) HeldAt(now time.Time) bool {
	return l.Active && now.Before(l.ExpiresAt)
}

type TransactionDirection string

const (
	DirectionDebit  TransactionDirection = "debit"
	DirectionCredit TransactionDirection = "credit"
)

type InvoiceType string

const (
	InvoiceTypeBill  InvoiceType = "bill"
	InvoiceTypeSales InvoiceType = "sales"
)

type NormalizedTransaction struct {
	ID                string
	BusinessProfileID string
	Provider          ProviderID
	ExternalID        string
	AccountID         string
	Direction         TransactionDirection
	TransactionDate   time.Time
	Amount            decimal.Decimal
	Currency          string
	Description       string
	Reference         string
	Counterparty      string
	Status            string
	SourceUpdatedAt   *time.Time
	Raw               map[string]any
	IngestedAt        time.Time
}

type NormalizedInvoice struct {
	ID                string
	BusinessProfileID string
	Provider          ProviderID
	ExternalID        string
	InvoiceType       InvoiceType
	Number            string
	Status            string
	IssueDate         time.Time
	DueDate           *time.Time
	Total             decimal.Decimal
	AmountDue         decimal.Decimal
	Currency          string
	ContactID         string
	ContactName       string
	SourceUpdatedAt   *time.Time
	Raw               map[string]any
	IngestedAt        time.Time
}

type SinceField string

const (
	SinceFieldIngestedAt      SinceField = "ingested_at"
	SinceFieldSourceUpdatedAt SinceField = "source_updated_at"
)

const (
	DefaultRecordPageLimit = 100
	MaxRecordPageLimit     = 1000
)

type RecordFilter struct {
	BusinessProfileID string
	Provider          ProviderID
	Since             *time.Time
	SinceField        SinceField
	Limit             int
	Offset            int
}

func (f RecordFilter) Normalized() RecordFilter {
	out := f
	out.BusinessProfileID = strings.TrimSpace(out.BusinessProfileID)
	if out.SinceField != SinceFieldSourceUpdatedAt {
		out.SinceField = SinceFieldIngestedAt
	}
	if out.Limit <= 0 {
		out.Limit = DefaultRecordPageLimit
	}
	if out.Limit > MaxRecordPageLimit {
		out.Limit = MaxRecordPageLimit
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	if out.Since != nil {
		since := out.Since.UTC()
		out.Since = &since
	}
	return out
}

type PageInfo struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	Total      int  `json:"total"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewPageInfo(filter RecordFilter, total int) PageInfo {
	info := PageInfo{Limit: filter.Limit, Offset: filter.Offset, Total: total}
	if next := filter.Offset + filter.Limit; next < total {
		info.NextOffset = &next
	}
	return info
}

type TransactionPage struct {
	Items []NormalizedTransaction
	Page  PageInfo
}

type InvoicePage struct {
	Items []NormalizedInvoice
	Page  PageInfo
}

type UpsertResult struct {
	Inserted int
	Updated  int
}

type SyncTrigger string

const (
	SyncTriggerAPI SyncTrigger = "api"
	SyncTriggerJob SyncTrigger = "job"
)

type ResourceOutcome struct {
	ResourceType ResourceType  `json:"resource_type"`
	Status       SyncRunStatus `json:"status"`
	Pages        int           `json:"pages"`
	Records      int           `json:"records"`
	Skipped      int           `json:"skipped"`
	Watermark    string        `json:"watermark,omitempty"`
	Error        string        `json:"error,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
}

type SyncRun struct {
	ID                string
	BusinessProfileID string
	Provider          ProviderID
	Trigger           SyncTrigger
	JobID             string
	LeaseEpoch        int64
	Status            SyncRunStatus
	Resources         map[ResourceType]ResourceOutcome
	Error             string
	StartedAt         time.Time
	FinishedAt        *time.Time
}

// OrderedResources returns outcomes in canonical resource order.
func (r SyncRun) OrderedResources() []ResourceOutcome {
	keys := make([]string, 0, len(r.Resources))
	for key := range r.Resources {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	out := make([]ResourceOutcome, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.Resources[ResourceType(key)])
	}
	return out
}

func CloneSyncRun(in SyncRun) SyncRun {
	out := in
	out.FinishedAt = cloneTimePointer(in.FinishedAt)
	out.Resources = make(map[ResourceType]ResourceOutcome, len(in.Resources))
	for key, value := range in.Resources {
		out.Resources[key] = value
	}
	return out
}

func cloneTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := value.UTC()
	return &clone
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func timePointer(value time.Time) *time.Time {
	clone := value.UTC()
	return &clone
}
