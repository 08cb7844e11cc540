package httpapi

import (
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
	core.PageInfo
}

type syncRunResponse struct {
	RunID     string                 `json:"run_id"`
	Status    core.SyncRunStatus     `json:"status"`
	Resources []core.ResourceOutcome `json:"resources"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind core.ErrorKind         `json:"error_kind,omitempty"`
}

func newSyncRunResponse(result core.SyncRunResult) syncRunResponse {
	run := core.SyncRun{Resources: result.Resources}
	return syncRunResponse{
		RunID:     result.RunID,
		Status:    result.Status,
		Resources: run.OrderedResources(),
		Error:     result.Error,
		ErrorKind: result.ErrorKind,
	}
}

type syncRunView struct {
	RunID             string                 `json:"run_id"`
	BusinessProfileID string                 `json:"business_profile_id"`
	Provider          core.ProviderID        `json:"provider"`
	Trigger           core.SyncTrigger       `json:"trigger"`
	JobID             string                 `json:"job_id,omitempty"`
	Status            core.SyncRunStatus     `json:"status"`
	Resources         []core.ResourceOutcome `json:"resources"`
	Error             string                 `json:"error,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
}

func newSyncRunView(run core.SyncRun) syncRunView {
	return syncRunView{
		RunID:             run.ID,
		BusinessProfileID: run.BusinessProfileID,
		Provider:          run.Provider,
		Trigger:           run.Trigger,
		JobID:             run.JobID,
		Status:            run.Status,
		Resources:         run.OrderedResources(),
		Error:             run.Error,
		StartedAt:         run.StartedAt,
		FinishedAt:        run.FinishedAt,
	}
}

// Amounts are rendered as fixed two-place decimal strings.
type transactionView struct {
	ID                string                    `json:"id"`
	BusinessProfileID string                    `json:"business_profile_id"`
	Provider          core.ProviderID           `json:"provider"`
	ExternalID        string                    `json:"external_id"`
	AccountID         string                    `json:"account_id,omitempty"`
	Direction         core.TransactionDirection `json:"direction"`
	TransactionDate   string                    `json:"transaction_date"`
	Amount            string                    `json:"amount"`
	Currency          string                    `json:"currency"`
	Description       string                    `json:"description,omitempty"`
	Reference         string                    `json:"reference,omitempty"`
	Counterparty      string                    `json:"counterparty,omitempty"`
	Status            string                    `json:"status,omitempty"`
	SourceUpdatedAt   *time.Time                `json:"source_updated_at,omitempty"`
	IngestedAt        time.Time                 `json:"ingested_at"`
}

func newTransactionView(in core.NormalizedTransaction) transactionView {
	return transactionView{
		ID:                in.ID,
		BusinessProfileID: in.BusinessProfileID,
		Provider:          in.Provider,
		ExternalID:        in.ExternalID,
		AccountID:         in.AccountID,
		Direction:         in.Direction,
		TransactionDate:   formatDate(in.TransactionDate),
		Amount:            in.Amount.StringFixed(2),
		Currency:          in.Currency,
		Description:       in.Description,
		Reference:         in.Reference,
		Counterparty:      in.Counterparty,
		Status:            in.Status,
		SourceUpdatedAt:   in.SourceUpdatedAt,
		IngestedAt:        in.IngestedAt,
	}
}

type invoiceView struct {
	ID                string           `json:"id"`
	BusinessProfileID string           `json:"business_profile_id"`
	Provider          core.ProviderID  `json:"provider"`
	ExternalID        string           `json:"external_id"`
	InvoiceType       core.InvoiceType `json:"invoice_type"`
	Number            string           `json:"number,omitempty"`
	Status            string           `json:"status,omitempty"`
	IssueDate         string           `json:"issue_date"`
	DueDate           string           `json:"due_date,omitempty"`
	Total             string           `json:"total"`
	AmountDue         string           `json:"amount_due"`
	Currency          string           `json:"currency"`
	ContactID         string           `json:"contact_id,omitempty"`
	ContactName       string           `json:"contact_name,omitempty"`
	SourceUpdatedAt   *time.Time       `json:"source_updated_at,omitempty"`
	IngestedAt        time.Time        `json:"ingested_at"`
}

func newInvoiceView(in core.NormalizedInvoice) invoiceView {
	out := invoiceView{
		ID:                in.ID,
		BusinessProfileID: in.BusinessProfileID,
		Provider:          in.Provider,
		ExternalID:        in.ExternalID,
		InvoiceType:       in.InvoiceType,
		Number:            in.Number,
		Status:            in.Status,
		IssueDate:         formatDate(in.IssueDate),
		Total:             in.Total.StringFixed(2),
		AmountDue:         in.AmountDue.StringFixed(2),
		Currency:          in.Currency,
		ContactID:         in.ContactID,
		ContactName:       in.ContactName,
		SourceUpdatedAt:   in.SourceUpdatedAt,
		IngestedAt:        in.IngestedAt,
	}
	if in.DueDate != nil {
		out.DueDate = formatDate(*in.DueDate)
	}
	return out
}

func formatDate(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format("2006-01-02")
}
