package gocommand

import (
	"fmt"

	ledgercmd "github.com/goliatone/go-ledgersync/command"
	"github.com/goliatone/go-ledgersync/core"
	ledgerquery "github.com/goliatone/go-ledgersync/query"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
)

// Handlers lists the services exposed on the command bus. Nil services are
// skipped.
type Handlers struct {
	Credentials ledgercmd.CredentialService
	Status      ledgerquery.StatusReader
	Runner      core.SyncRunner
	Trigger     core.JobTrigger
	Runs        ledgerquery.SyncRunReader
	Cursors     ledgerquery.SyncCursorReader
	Records     ledgerquery.RecordReader
}

// Subscriptions unsubscribes every handler registered by RegisterHandlers.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, subscription := range s {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

// RegisterHandlers registers the credential, sync and data handlers and
// subscribes them to the dispatcher.
func RegisterHandlers(adapter *RegistryAdapter, handlers Handlers) (Subscriptions, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	var subs Subscriptions
	register := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			subs.Unsubscribe()
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if handlers.Credentials != nil {
		if err := register(RegisterAndSubscribe(adapter, ledgercmd.NewBuildAuthorizeURLCommand(handlers.Credentials))); err != nil {
			return nil, err
		}
		if err := register(RegisterAndSubscribe(adapter, ledgercmd.NewExchangeCommand(handlers.Credentials))); err != nil {
			return nil, err
		}
		if err := register(RegisterAndSubscribe(adapter, ledgercmd.NewDisconnectCommand(handlers.Credentials))); err != nil {
			return nil, err
		}
	}
	if handlers.Runner != nil {
		if err := register(RegisterAndSubscribe(adapter, ledgercmd.NewRunSyncCommand(handlers.Runner))); err != nil {
			return nil, err
		}
	}
	if handlers.Trigger != nil {
		if err := register(RegisterAndSubscribe(adapter, ledgercmd.NewSubmitSyncCommand(handlers.Trigger))); err != nil {
			return nil, err
		}
	}
	if handlers.Status != nil {
		if err := register(RegisterAndSubscribeQuery(adapter, ledgerquery.NewGetStatusQuery(handlers.Status))); err != nil {
			return nil, err
		}
	}
	if handlers.Runs != nil {
		if err := register(RegisterAndSubscribeQuery(adapter, ledgerquery.NewGetSyncRunQuery(handlers.Runs))); err != nil {
			return nil, err
		}
		if err := register(RegisterAndSubscribeQuery(adapter, ledgerquery.NewListSyncRunsQuery(handlers.Runs))); err != nil {
			return nil, err
		}
	}
	if handlers.Cursors != nil {
		if err := register(RegisterAndSubscribeQuery(adapter, ledgerquery.NewListSyncCursorsQuery(handlers.Cursors))); err != nil {
			return nil, err
		}
	}
	if handlers.Records != nil {
		if err := register(RegisterAndSubscribeQuery(adapter, ledgerquery.NewListTransactionsQuery(handlers.Records))); err != nil {
			return nil, err
		}
		if err := register(RegisterAndSubscribeQuery(adapter, ledgerquery.NewListInvoicesQuery(handlers.Records))); err != nil {
			return nil, err
		}
	}
	return subs, nil
}
