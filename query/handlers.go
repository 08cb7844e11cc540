package query

import (
	"context"

	"github.com/goliatone/go-ledgersync/core"
)

type StatusReader interface {
	GetStatus(ctx context.Context, bp string, provider core.ProviderID) (core.StatusView, error)
}

type SyncRunReader interface {
	GetRun(ctx context.Context, runID string) (core.SyncRun, error)
	ListRuns(ctx context.Context, pair core.CredentialKey, limit int) ([]core.SyncRun, error)
}

type SyncCursorReader interface {
	ListCursors(ctx context.Context, pair core.CredentialKey) ([]core.SyncCursor, error)
}

type RecordReader interface {
	ListTransactions(ctx context.Context, filter core.RecordFilter) (core.TransactionPage, error)
	ListInvoices(ctx context.Context, filter core.RecordFilter) (core.InvoicePage, error)
}

type GetStatusQuery struct {
	reader StatusReader
}

func NewGetStatusQuery(reader StatusReader) *GetStatusQuery {
	return &GetStatusQuery{reader: reader}
}

func (q *GetStatusQuery) Query(ctx context.Context, msg GetStatusMessage) (core.StatusView, error) {
	if q == nil || q.reader == nil {
		return core.StatusView{}, core.NewMissingDependencyError("query: status reader is required")
	}
	return q.reader.GetStatus(ctx, msg.BusinessProfileID, msg.Provider)
}

type GetSyncRunQuery struct {
	reader SyncRunReader
}

func NewGetSyncRunQuery(reader SyncRunReader) *GetSyncRunQuery {
	return &GetSyncRunQuery{reader: reader}
}

func (q *GetSyncRunQuery) Query(ctx context.Context, msg GetSyncRunMessage) (core.SyncRun, error) {
	if q == nil || q.reader == nil {
		return core.SyncRun{}, core.NewMissingDependencyError("query: sync run reader is required")
	}
	return q.reader.GetRun(ctx, msg.RunID)
}

type ListSyncRunsQuery struct {
	reader SyncRunReader
}

func NewListSyncRunsQuery(reader SyncRunReader) *ListSyncRunsQuery {
	return &ListSyncRunsQuery{reader: reader}
}

func (q *ListSyncRunsQuery) Query(ctx context.Context, msg ListSyncRunsMessage) ([]core.SyncRun, error) {
	if q == nil || q.reader == nil {
		return nil, core.NewMissingDependencyError("query: sync run reader is required")
	}
	return q.reader.ListRuns(ctx, core.CredentialKey{
		BusinessProfileID: msg.BusinessProfileID,
		Provider:          msg.Provider,
	}, msg.Limit)
}

type ListSyncCursorsQuery struct {
	reader SyncCursorReader
}

func NewListSyncCursorsQuery(reader SyncCursorReader) *ListSyncCursorsQuery {
	return &ListSyncCursorsQuery{reader: reader}
}

func (q *ListSyncCursorsQuery) Query(ctx context.Context, msg ListSyncCursorsMessage) ([]core.SyncCursor, error) {
	if q == nil || q.reader == nil {
		return nil, core.NewMissingDependencyError("query: sync cursor reader is required")
	}
	return q.reader.ListCursors(ctx, core.CredentialKey{
		BusinessProfileID: msg.BusinessProfileID,
		Provider:          msg.Provider,
	})
}

type ListTransactionsQuery struct {
	reader RecordReader
}

func NewListTransactionsQuery(reader RecordReader) *ListTransactionsQuery {
	return &ListTransactionsQuery{reader: reader}
}

func (q *ListTransactionsQuery) Query(ctx context.Context, msg ListTransactionsMessage) (core.TransactionPage, error) {
	if q == nil || q.reader == nil {
		return core.TransactionPage{}, core.NewMissingDependencyError("query: record reader is required")
	}
	return q.reader.ListTransactions(ctx, msg.Filter.Normalized())
}

type ListInvoicesQuery struct {
	reader RecordReader
}

func NewListInvoicesQuery(reader RecordReader) *ListInvoicesQuery {
	return &ListInvoicesQuery{reader: reader}
}

func (q *ListInvoicesQuery) Query(ctx context.Context, msg ListInvoicesMessage) (core.InvoicePage, error) {
	if q == nil || q.reader == nil {
		return core.InvoicePage{}, core.NewMissingDependencyError("query: record reader is required")
	}
	return q.reader.ListInvoices(ctx, msg.Filter.Normalized())
}
