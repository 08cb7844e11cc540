package sqlstore

import (
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// credentialRecord keeps tokens only inside the sealed payload.
type credentialRecord struct {
	bun.BaseModel `bun:"table:ledgersync_credentials,alias:lc"`

	ID                    string         `bun:"id,pk"`
	BusinessProfileID     string         `bun:"business_profile_id,notnull"`
	Provider              string         `bun:"provider,notnull"`
	ExternalTenantID      string         `bun:"external_tenant_id,notnull"`
	ExternalTenantName    string         `bun:"external_tenant_name,notnull"`
	EncryptedPayload      []byte         `bun:"encrypted_payload"`
	PayloadFormat         string         `bun:"payload_format,notnull"`
	PayloadVersion        int            `bun:"payload_version,notnull"`
	EncryptionKeyID       string         `bun:"encryption_key_id,notnull"`
	EncryptionVersion     int            `bun:"encryption_version,notnull"`
	AccessTokenExpiresAt  *time.Time     `bun:"access_token_expires_at,nullzero"`
	RefreshTokenExpiresAt *time.Time     `bun:"refresh_token_expires_at,nullzero"`
	Scopes                []string       `bun:"scopes,type:jsonb,notnull"`
	Status                string         `bun:"status,notnull"`
	LastError             string         `bun:"last_error,notnull"`
	Generation            int64          `bun:"generation,notnull"`
	ConnectedAt           *time.Time     `bun:"connected_at,nullzero"`
	Metadata              map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt             time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type authorizeStateRecord struct {
	bun.BaseModel `bun:"table:ledgersync_authorize_states,alias:las"`

	Nonce             string         `bun:"nonce,pk"`
	BusinessProfileID string         `bun:"business_profile_id,notnull"`
	Provider          string         `bun:"provider,notnull"`
	RedirectURI       string         `bun:"redirect_uri,notnull"`
	Metadata          map[string]any `bun:"metadata,type:jsonb,notnull"`
	Consumed          bool           `bun:"consumed,notnull"`
	ConsumedAt        *time.Time     `bun:"consumed_at,nullzero"`
	ExpiresAt         time.Time      `bun:"expires_at,notnull"`
	CreatedAt         time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type syncCursorRecord struct {
	bun.BaseModel `bun:"table:ledgersync_sync_cursors,alias:lsc"`

	ID                string     `bun:"id,pk"`
	BusinessProfileID string     `bun:"business_profile_id,notnull"`
	Provider          string     `bun:"provider,notnull"`
	ResourceType      string     `bun:"resource_type,notnull"`
	Watermark         string     `bun:"watermark,notnull"`
	LastRunStatus     string     `bun:"last_run_status,notnull"`
	LastRunAt         *time.Time `bun:"last_run_at,nullzero"`
	LastError         string     `bun:"last_error,notnull"`
	RunEpoch          int64      `bun:"run_epoch,notnull"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type syncLeaseRecord struct {
	bun.BaseModel `bun:"table:ledgersync_sync_leases,alias:lsl"`

	BusinessProfileID string    `bun:"business_profile_id,pk"`
	Provider          string    `bun:"provider,pk"`
	Epoch             int64     `bun:"epoch,notnull"`
	Owner             string    `bun:"owner,notnull"`
	Active            bool      `bun:"active,notnull"`
	AcquiredAt        time.Time `bun:"acquired_at,notnull"`
	ExpiresAt         time.Time `bun:"expires_at,notnull"`
}

type syncRunRecord struct {
	bun.BaseModel `bun:"table:ledgersync_sync_runs,alias:lsr"`

	ID                string                                     `bun:"id,pk"`
	BusinessProfileID string                                     `bun:"business_profile_id,notnull"`
	Provider          string                                     `bun:"provider,notnull"`
	Trigger           string                                     `bun:"trigger,notnull"`
	JobID             string                                     `bun:"job_id,notnull"`
	LeaseEpoch        int64                                      `bun:"lease_epoch,notnull"`
	Status            string                                     `bun:"status,notnull"`
	Resources         map[core.ResourceType]core.ResourceOutcome `bun:"resources,type:jsonb,notnull"`
	Error             string                                     `bun:"error,notnull"`
	StartedAt         time.Time                                  `bun:"started_at,notnull"`
	FinishedAt        *time.Time                                 `bun:"finished_at,nullzero"`
}

type transactionRecord struct {
	bun.BaseModel `bun:"table:ledgersync_bank_transactions,alias:lbt"`

	ID                string          `bun:"id,pk"`
	BusinessProfileID string          `bun:"business_profile_id,notnull"`
	Provider          string          `bun:"provider,notnull"`
	ExternalID        string          `bun:"external_id,notnull"`
	AccountID         string          `bun:"account_id,notnull"`
	Direction         string          `bun:"direction,notnull"`
	TransactionDate   time.Time       `bun:"transaction_date,notnull"`
	Amount            decimal.Decimal `bun:"amount,notnull"`
	Currency          string          `bun:"currency,notnull"`
	Description       string          `bun:"description,notnull"`
	Reference         string          `bun:"reference,notnull"`
	Counterparty      string          `bun:"counterparty,notnull"`
	Status            string          `bun:"status,notnull"`
	SourceUpdatedAt   *time.Time      `bun:"source_updated_at,nullzero"`
	Raw               map[string]any  `bun:"raw,type:jsonb,notnull"`
	IngestedAt        time.Time       `bun:"ingested_at,notnull"`
}

type invoiceRecord struct {
	bun.BaseModel `bun:"table:ledgersync_invoices,alias:li"`

	ID                string          `bun:"id,pk"`
	BusinessProfileID string          `bun:"business_profile_id,notnull"`
	Provider          string          `bun:"provider,notnull"`
	ExternalID        string          `bun:"external_id,notnull"`
	InvoiceType       string          `bun:"invoice_type,notnull"`
	Number            string          `bun:"number,notnull"`
	Status            string          `bun:"status,notnull"`
	IssueDate         time.Time       `bun:"issue_date,notnull"`
	DueDate           *time.Time      `bun:"due_date,nullzero"`
	Total             decimal.Decimal `bun:"total,notnull"`
	AmountDue         decimal.Decimal `bun:"amount_due,notnull"`
	Currency          string          `bun:"currency,notnull"`
	ContactID         string          `bun:"contact_id,notnull"`
	ContactName       string          `bun:"contact_name,notnull"`
	SourceUpdatedAt   *time.Time      `bun:"source_updated_at,nullzero"`
	Raw               map[string]any  `bun:"raw,type:jsonb,notnull"`
	IngestedAt        time.Time       `bun:"ingested_at,notnull"`
}

func (r *authorizeStateRecord) toDomain() core.AuthorizeState {
	return core.AuthorizeState{
		Nonce:             r.Nonce,
		BusinessProfileID: r.BusinessProfileID,
		Provider:          core.ProviderID(r.Provider),
		RedirectURI:       r.RedirectURI,
		Metadata:          copyAnyMap(r.Metadata),
		CreatedAt:         r.CreatedAt.UTC(),
		ExpiresAt:         r.ExpiresAt.UTC(),
		Consumed:          r.Consumed,
		ConsumedAt:        cloneTimePointer(r.ConsumedAt),
	}
}

func (r *syncCursorRecord) toDomain() core.SyncCursor {
	status := core.SyncRunStatus(r.LastRunStatus)
	if status == "" {
		status = core.SyncRunStatusIdle
	}
	return core.SyncCursor{
		BusinessProfileID: r.BusinessProfileID,
		Provider:          core.ProviderID(r.Provider),
		ResourceType:      core.ResourceType(r.ResourceType),
		Watermark:         r.Watermark,
		LastRunStatus:     status,
		LastRunAt:         cloneTimePointer(r.LastRunAt),
		LastError:         r.LastError,
		RunEpoch:          r.RunEpoch,
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func (r *syncLeaseRecord) toDomain() core.SyncLease {
	return core.SyncLease{
		BusinessProfileID: r.BusinessProfileID,
		Provider:          core.ProviderID(r.Provider),
		Epoch:             r.Epoch,
		Owner:             r.Owner,
		AcquiredAt:        r.AcquiredAt.UTC(),
		ExpiresAt:         r.ExpiresAt.UTC(),
		Active:            r.Active,
	}
}

func newSyncRunRecord(run core.SyncRun) *syncRunRecord {
	cloned := core.CloneSyncRun(run)
	return &syncRunRecord{
		ID:                cloned.ID,
		BusinessProfileID: cloned.BusinessProfileID,
		Provider:          string(cloned.Provider),
		Trigger:           string(cloned.Trigger),
		JobID:             cloned.JobID,
		LeaseEpoch:        cloned.LeaseEpoch,
		Status:            string(cloned.Status),
		Resources:         cloned.Resources,
		Error:             cloned.Error,
		StartedAt:         cloned.StartedAt.UTC(),
		FinishedAt:        cloneTimePointer(cloned.FinishedAt),
	}
}

func (r *syncRunRecord) toDomain() core.SyncRun {
	return core.CloneSyncRun(core.SyncRun{
		ID:                r.ID,
		BusinessProfileID: r.BusinessProfileID,
		Provider:          core.ProviderID(r.Provider),
		Trigger:           core.SyncTrigger(r.Trigger),
		JobID:             r.JobID,
		LeaseEpoch:        r.LeaseEpoch,
		Status:            core.SyncRunStatus(r.Status),
		Resources:         r.Resources,
		Error:             r.Error,
		StartedAt:         r.StartedAt.UTC(),
		FinishedAt:        cloneTimePointer(r.FinishedAt),
	})
}

func newTransactionRecord(in core.NormalizedTransaction) *transactionRecord {
	return &transactionRecord{
		ID:                in.ID,
		BusinessProfileID: in.BusinessProfileID,
		Provider:          string(in.Provider),
		ExternalID:        in.ExternalID,
		AccountID:         in.AccountID,
		Direction:         string(in.Direction),
		TransactionDate:   in.TransactionDate.UTC(),
		Amount:            in.Amount,
		Currency:          in.Currency,
		Description:       in.Description,
		Reference:         in.Reference,
		Counterparty:      in.Counterparty,
		Status:            in.Status,
		SourceUpdatedAt:   cloneTimePointer(in.SourceUpdatedAt),
		Raw:               copyAnyMap(in.Raw),
		IngestedAt:        in.IngestedAt.UTC(),
	}
}

func (r *transactionRecord) toDomain() core.NormalizedTransaction {
	return core.NormalizedTransaction{
		ID:                r.ID,
		BusinessProfileID: r.BusinessProfileID,
		Provider:          core.ProviderID(r.Provider),
		ExternalID:        r.ExternalID,
		AccountID:         r.AccountID,
		Direction:         core.TransactionDirection(r.Direction),
		TransactionDate:   r.TransactionDate.UTC(),
		Amount:            r.Amount,
		Currency:          r.Currency,
		Description:       r.Description,
		Reference:         r.Reference,
		Counterparty:      r.Counterparty,
		Status:            r.Status,
		SourceUpdatedAt:   cloneTimePointer(r.SourceUpdatedAt),
		Raw:               copyAnyMap(r.Raw),
		IngestedAt:        r.IngestedAt.UTC(),
	}
}

func newInvoiceRecord(in core.NormalizedInvoice) *invoiceRecord {
	return &invoiceRecord{
		ID:                in.ID,
		BusinessProfileID: in.BusinessProfileID,
		Provider:          string(in.Provider),
		ExternalID:        in.ExternalID,
		InvoiceType:       string(in.InvoiceType),
		Number:            in.Number,
		Status:            in.Status,
		IssueDate:         in.IssueDate.UTC(),
		DueDate:           cloneTimePointer(in.DueDate),
		Total:             in.Total,
		AmountDue:         in.AmountDue,
		Currency:          in.Currency,
		ContactID:         in.ContactID,
		ContactName:       in.ContactName,
		SourceUpdatedAt:   cloneTimePointer(in.SourceUpdatedAt),
		Raw:               copyAnyMap(in.Raw),
		IngestedAt:        in.IngestedAt.UTC(),
	}
}

func (r *invoiceRecord) toDomain() core.NormalizedInvoice {
	return core.NormalizedInvoice{
		ID:                r.ID,
		BusinessProfileID: r.BusinessProfileID,
		Provider:          core.ProviderID(r.Provider),
		ExternalID:        r.ExternalID,
		InvoiceType:       core.InvoiceType(r.InvoiceType),
		Number:            r.Number,
		Status:            r.Status,
		IssueDate:         r.IssueDate.UTC(),
		DueDate:           cloneTimePointer(r.DueDate),
		Total:             r.Total,
		AmountDue:         r.AmountDue,
		Currency:          r.Currency,
		ContactID:         r.ContactID,
		ContactName:       r.ContactName,
		SourceUpdatedAt:   cloneTimePointer(r.SourceUpdatedAt),
		Raw:               copyAnyMap(r.Raw),
		IngestedAt:        r.IngestedAt.UTC(),
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}
