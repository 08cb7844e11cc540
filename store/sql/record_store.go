package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-ledgersync/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RecordStore upserts normalized records keyed by
// (business_profile_id, provider, external_id). A conflicting write keeps the
// stored id and replaces every other column.
type RecordStore struct {
	db           *bun.DB
	transactions repository.Repository[*transactionRecord]
	invoices     repository.Repository[*invoiceRecord]
}

func NewRecordStore(db *bun.DB) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	transactions := repository.NewRepository[*transactionRecord](db, modelHandlers[transactionRecord]())
	if validator, ok := transactions.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid transaction repository wiring: %w", err)
		}
	}
	invoices := repository.NewRepository[*invoiceRecord](db, modelHandlers[invoiceRecord]())
	if validator, ok := invoices.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid invoice repository wiring: %w", err)
		}
	}
	return &RecordStore{db: db, transactions: transactions, invoices: invoices}, nil
}

func (s *RecordStore) UpsertTransactions(ctx context.Context, records []core.NormalizedTransaction) (core.UpsertResult, error) {
	if s == nil || s.db == nil {
		return core.UpsertResult{}, fmt.Errorf("sqlstore: record store is not configured")
	}
	if len(records) == 0 {
		return core.UpsertResult{}, nil
	}
	rows := make([]*transactionRecord, 0, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.ExternalID) == "" || strings.TrimSpace(record.BusinessProfileID) == "" {
			return core.UpsertResult{}, core.NewPersistenceError("transaction key is incomplete", nil)
		}
		row := newTransactionRecord(record)
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		rows = append(rows, row)
	}

	result := core.UpsertResult{}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := existingExternalIDs(ctx, tx, (*transactionRecord)(nil), recordKeysOf(rows, func(r *transactionRecord) recordKey {
			return recordKey{r.BusinessProfileID, r.Provider, r.ExternalID}
		}))
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, ok := existing[recordKey{row.BusinessProfileID, row.Provider, row.ExternalID}]; ok {
				result.Updated++
			} else {
				result.Inserted++
			}
		}
		_, err = tx.NewInsert().
			Model(&rows).
			On("CONFLICT (business_profile_id, provider, external_id) DO UPDATE").
			Set("account_id = EXCLUDED.account_id").
			Set("direction = EXCLUDED.direction").
			Set("transaction_date = EXCLUDED.transaction_date").
			Set("amount = EXCLUDED.amount").
			Set("currency = EXCLUDED.currency").
			Set("description = EXCLUDED.description").
			Set("reference = EXCLUDED.reference").
			Set("counterparty = EXCLUDED.counterparty").
			Set("status = EXCLUDED.status").
			Set("source_updated_at = EXCLUDED.source_updated_at").
			Set("raw = EXCLUDED.raw").
			Set("ingested_at = EXCLUDED.ingested_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		return core.UpsertResult{}, core.NewPersistenceError("upsert bank transactions", err)
	}
	return result, nil
}

func (s *RecordStore) UpsertInvoices(ctx context.Context, records []core.NormalizedInvoice) (core.UpsertResult, error) {
	if s == nil || s.db == nil {
		return core.UpsertResult{}, fmt.Errorf("sqlstore: record store is not configured")
	}
	if len(records) == 0 {
		return core.UpsertResult{}, nil
	}
	rows := make([]*invoiceRecord, 0, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.ExternalID) == "" || strings.TrimSpace(record.BusinessProfileID) == "" {
			return core.UpsertResult{}, core.NewPersistenceError("invoice key is incomplete", nil)
		}
		row := newInvoiceRecord(record)
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		rows = append(rows, row)
	}

	result := core.UpsertResult{}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := existingExternalIDs(ctx, tx, (*invoiceRecord)(nil), recordKeysOf(rows, func(r *invoiceRecord) recordKey {
			return recordKey{r.BusinessProfileID, r.Provider, r.ExternalID}
		}))
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, ok := existing[recordKey{row.BusinessProfileID, row.Provider, row.ExternalID}]; ok {
				result.Updated++
			} else {
				result.Inserted++
			}
		}
		_, err = tx.NewInsert().
			Model(&rows).
			On("CONFLICT (business_profile_id, provider, external_id) DO UPDATE").
			Set("invoice_type = EXCLUDED.invoice_type").
			Set("number = EXCLUDED.number").
			Set("status = EXCLUDED.status").
			Set("issue_date = EXCLUDED.issue_date").
			Set("due_date = EXCLUDED.due_date").
			Set("total = EXCLUDED.total").
			Set("amount_due = EXCLUDED.amount_due").
			Set("currency = EXCLUDED.currency").
			Set("contact_id = EXCLUDED.contact_id").
			Set("contact_name = EXCLUDED.contact_name").
			Set("source_updated_at = EXCLUDED.source_updated_at").
			Set("raw = EXCLUDED.raw").
			Set("ingested_at = EXCLUDED.ingested_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		return core.UpsertResult{}, core.NewPersistenceError("upsert invoices", err)
	}
	return result, nil
}

func (s *RecordStore) ListTransactions(ctx context.Context, filter core.RecordFilter) (core.TransactionPage, error) {
	if s == nil || s.transactions == nil {
		return core.TransactionPage{}, fmt.Errorf("sqlstore: record store is not configured")
	}
	filter = filter.Normalized()
	records, total, err := s.transactions.List(ctx, recordSelectors(filter)...)
	if err != nil {
		return core.TransactionPage{}, core.NewPersistenceError("list bank transactions", err)
	}
	items := make([]core.NormalizedTransaction, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return core.TransactionPage{Items: items, Page: core.NewPageInfo(filter, total)}, nil
}

func (s *RecordStore) ListInvoices(ctx context.Context, filter core.RecordFilter) (core.InvoicePage, error) {
	if s == nil || s.invoices == nil {
		return core.InvoicePage{}, fmt.Errorf("sqlstore: record store is not configured")
	}
	filter = filter.Normalized()
	records, total, err := s.invoices.List(ctx, recordSelectors(filter)...)
	if err != nil {
		return core.InvoicePage{}, core.NewPersistenceError("list invoices", err)
	}
	items := make([]core.NormalizedInvoice, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return core.InvoicePage{Items: items, Page: core.NewPageInfo(filter, total)}, nil
}

func recordSelectors(filter core.RecordFilter) []repository.SelectCriteria {
	column := string(filter.SinceField)
	selectors := make([]repository.SelectCriteria, 0, 5)
	if filter.BusinessProfileID != "" {
		selectors = append(selectors, repository.SelectBy("business_profile_id", "=", filter.BusinessProfileID))
	}
	if filter.Provider != "" {
		selectors = append(selectors, repository.SelectBy("provider", "=", string(filter.Provider)))
	}
	if filter.Since != nil {
		since := *filter.Since
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.? >= ?", bun.Ident(column), since)
		}))
	}
	selectors = append(selectors,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("?TableAlias.? ASC, ?TableAlias.external_id ASC", bun.Ident(column))
		}),
		repository.SelectPaginate(filter.Limit, filter.Offset),
	)
	return selectors
}

type recordKey struct {
	businessProfileID string
	provider          string
	externalID        string
}

func recordKeysOf[T any](rows []T, key func(T) recordKey) []recordKey {
	out := make([]recordKey, 0, len(rows))
	for _, row := range rows {
		out = append(out, key(row))
	}
	return out
}

// existingExternalIDs reports which keys already have a stored row.
func existingExternalIDs(ctx context.Context, tx bun.Tx, model any, keys []recordKey) (map[recordKey]struct{}, error) {
	grouped := map[[2]string][]string{}
	for _, key := range keys {
		pair := [2]string{key.businessProfileID, key.provider}
		grouped[pair] = append(grouped[pair], key.externalID)
	}
	out := make(map[recordKey]struct{}, len(keys))
	for pair, externalIDs := range grouped {
		var found []string
		err := tx.NewSelect().
			Model(model).
			Column("external_id").
			Where("business_profile_id = ?", pair[0]).
			Where("provider = ?", pair[1]).
			Where("external_id IN (?)", bun.In(externalIDs)).
			Scan(ctx, &found)
		if err != nil {
			return nil, err
		}
		for _, externalID := range found {
			out[recordKey{pair[0], pair[1], externalID}] = struct{}{}
		}
	}
	return out, nil
}
