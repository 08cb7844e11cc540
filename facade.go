package ledgersync

import (
	"fmt"

	"github.com/goliatone/go-ledgersync/adapters/gocommand"
	ledgercmd "github.com/goliatone/go-ledgersync/command"
	"github.com/goliatone/go-ledgersync/core"
	ledgerquery "github.com/goliatone/go-ledgersync/query"
)

type Commands struct {
	BuildAuthorizeURL *ledgercmd.BuildAuthorizeURLCommand
	Exchange          *ledgercmd.ExchangeCommand
	Disconnect        *ledgercmd.DisconnectCommand
	RunSync           *ledgercmd.RunSyncCommand
	SubmitSync        *ledgercmd.SubmitSyncCommand
}

type Queries struct {
	Status           *ledgerquery.GetStatusQuery
	GetSyncRun       *ledgerquery.GetSyncRunQuery
	ListSyncRuns     *ledgerquery.ListSyncRunsQuery
	ListSyncCursors  *ledgerquery.ListSyncCursorsQuery
	ListTransactions *ledgerquery.ListTransactionsQuery
	ListInvoices     *ledgerquery.ListInvoicesQuery
}

// Facade exposes a Service as go-command commands and queries.
type Facade struct {
	service  *Service
	trigger  core.JobTrigger
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	trigger core.JobTrigger
}

// WithJobTrigger routes SubmitSync to trigger. Without it submissions run on
// an in-process goroutine.
func WithJobTrigger(trigger core.JobTrigger) FacadeOption {
	return func(options *facadeOptions) {
		options.trigger = trigger
	}
}

func NewFacade(service *Service, opts ...FacadeOption) (*Facade, error) {
	if service == nil || service.tokens == nil || service.sync == nil {
		return nil, fmt.Errorf("ledgersync: service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	trigger := cfg.trigger
	if trigger == nil {
		trigger = &core.InlineJobTrigger{
			Runner:  service.sync,
			Timeout: service.config.Sync.RunTimeout,
		}
	}

	facade := &Facade{service: service, trigger: trigger}
	facade.commands = Commands{
		BuildAuthorizeURL: ledgercmd.NewBuildAuthorizeURLCommand(service.tokens),
		Exchange:          ledgercmd.NewExchangeCommand(service.tokens),
		Disconnect:        ledgercmd.NewDisconnectCommand(service.tokens),
		RunSync:           ledgercmd.NewRunSyncCommand(service.sync),
		SubmitSync:        ledgercmd.NewSubmitSyncCommand(trigger),
	}
	facade.queries = Queries{
		Status:           ledgerquery.NewGetStatusQuery(service.tokens),
		GetSyncRun:       ledgerquery.NewGetSyncRunQuery(service.sync),
		ListSyncRuns:     ledgerquery.NewListSyncRunsQuery(service.sync),
		ListSyncCursors:  ledgerquery.NewListSyncCursorsQuery(service.sync),
		ListTransactions: ledgerquery.NewListTransactionsQuery(service.records),
		ListInvoices:     ledgerquery.NewListInvoicesQuery(service.records),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() *Service {
	if f == nil {
		return nil
	}
	return f.service
}

// Handlers returns the collaborators gocommand.RegisterHandlers subscribes.
func (f *Facade) Handlers() gocommand.Handlers {
	if f == nil || f.service == nil {
		return gocommand.Handlers{}
	}
	return gocommand.Handlers{
		Credentials: f.service.tokens,
		Status:      f.service.tokens,
		Runner:      f.service.sync,
		Trigger:     f.trigger,
		Runs:        f.service.sync,
		Cursors:     f.service.sync,
		Records:     f.service.records,
	}
}
