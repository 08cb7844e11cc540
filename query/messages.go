package query

import (
	"strings"

	"github.com/goliatone/go-ledgersync/core"
)

const (
	TypeGetStatus        = "ledgersync.query.oauth.status"
	TypeGetSyncRun       = "ledgersync.query.sync_run.get"
	TypeListSyncRuns     = "ledgersync.query.sync_run.list"
	TypeListSyncCursors  = "ledgersync.query.sync_cursor.list"
	TypeListTransactions = "ledgersync.query.data.bank_transactions"
	TypeListInvoices     = "ledgersync.query.data.invoices"
)

type GetStatusMessage struct {
	BusinessProfileID string
	Provider          core.ProviderID
}

func (GetStatusMessage) Type() string { return TypeGetStatus }

func (m GetStatusMessage) Validate() error {
	return validatePair(m.BusinessProfileID, m.Provider)
}

type GetSyncRunMessage struct {
	RunID string
}

func (GetSyncRunMessage) Type() string { return TypeGetSyncRun }

func (m GetSyncRunMessage) Validate() error {
	if strings.TrimSpace(m.RunID) == "" {
		return core.NewFieldError("query", "run_id", "run id is required")
	}
	return nil
}

type ListSyncRunsMessage struct {
	BusinessProfileID string
	Provider          core.ProviderID
	Limit             int
}

func (ListSyncRunsMessage) Type() string { return TypeListSyncRuns }

func (m ListSyncRunsMessage) Validate() error {
	if err := validatePair(m.BusinessProfileID, m.Provider); err != nil {
		return err
	}
	if m.Limit < 0 {
		return core.NewFieldError("query", "limit", "limit must be >= 0")
	}
	return nil
}

type ListSyncCursorsMessage struct {
	BusinessProfileID string
	Provider          core.ProviderID
}

func (ListSyncCursorsMessage) Type() string { return TypeListSyncCursors }

func (m ListSyncCursorsMessage) Validate() error {
	return validatePair(m.BusinessProfileID, m.Provider)
}

type ListTransactionsMessage struct {
	Filter core.RecordFilter
}

func (ListTransactionsMessage) Type() string { return TypeListTransactions }

func (m ListTransactionsMessage) Validate() error {
	return validateFilter(m.Filter)
}

type ListInvoicesMessage struct {
	Filter core.RecordFilter
}

func (ListInvoicesMessage) Type() string { return TypeListInvoices }

func (m ListInvoicesMessage) Validate() error {
	return validateFilter(m.Filter)
}

func validatePair(businessProfileID string, provider core.ProviderID) error {
	if strings.TrimSpace(businessProfileID) == "" {
		return core.NewFieldError("query", "business_profile_id", "business profile id is required")
	}
	if strings.TrimSpace(string(provider)) == "" {
		return core.NewFieldError("query", "provider", "provider is required")
	}
	return nil
}

// validateFilter requires a business profile; provider is optional.
func validateFilter(filter core.RecordFilter) error {
	if strings.TrimSpace(filter.BusinessProfileID) == "" {
		return core.NewFieldError("query", "business_profile_id", "business profile id is required")
	}
	if filter.Limit < 0 {
		return core.NewFieldError("query", "limit", "limit must be >= 0")
	}
	if filter.Offset < 0 {
		return core.NewFieldError("query", "offset", "offset must be >= 0")
	}
	switch filter.SinceField {
	case "", core.SinceFieldIngestedAt, core.SinceFieldSourceUpdatedAt:
	default:
		return core.NewFieldError("query", "since_field", "since_field must be ingested_at or source_updated_at")
	}
	return nil
}
