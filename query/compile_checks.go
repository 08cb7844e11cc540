package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ledgersync/core"
	syncer "github.com/goliatone/go-ledgersync/sync"
)

var (
	_ gocmd.Querier[GetStatusMessage, core.StatusView]             = (*GetStatusQuery)(nil)
	_ gocmd.Querier[GetSyncRunMessage, core.SyncRun]               = (*GetSyncRunQuery)(nil)
	_ gocmd.Querier[ListSyncRunsMessage, []core.SyncRun]           = (*ListSyncRunsQuery)(nil)
	_ gocmd.Querier[ListSyncCursorsMessage, []core.SyncCursor]     = (*ListSyncCursorsQuery)(nil)
	_ gocmd.Querier[ListTransactionsMessage, core.TransactionPage] = (*ListTransactionsQuery)(nil)
	_ gocmd.Querier[ListInvoicesMessage, core.InvoicePage]         = (*ListInvoicesQuery)(nil)

	_ StatusReader     = (*core.TokenManager)(nil)
	_ SyncRunReader    = (*syncer.Orchestrator)(nil)
	_ SyncCursorReader = (*syncer.Orchestrator)(nil)
	_ RecordReader     = (core.RecordStore)(nil)
)
