package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ledgersync/core"
)

// CredentialService is the mutating half of the token lifecycle.
type CredentialService interface {
	BuildAuthorizeURL(ctx context.Context, bp string, provider core.ProviderID) (core.AuthorizeURLResult, error)
	Exchange(ctx context.Context, req core.ExchangeRequest) (core.ExchangeResult, error)
	Disconnect(ctx context.Context, bp string, provider core.ProviderID) (core.DisconnectResult, error)
}

type BuildAuthorizeURLCommand struct {
	service CredentialService
}

func NewBuildAuthorizeURLCommand(service CredentialService) *BuildAuthorizeURLCommand {
	return &BuildAuthorizeURLCommand{service: service}
}

func (c *BuildAuthorizeURLCommand) Execute(ctx context.Context, msg BuildAuthorizeURLMessage) error {
	if c == nil || c.service == nil {
		return core.NewMissingDependencyError("command: credential service is required")
	}
	out, err := c.service.BuildAuthorizeURL(ctx, msg.BusinessProfileID, msg.Provider)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ExchangeCommand struct {
	service CredentialService
}

func NewExchangeCommand(service CredentialService) *ExchangeCommand {
	return &ExchangeCommand{service: service}
}

func (c *ExchangeCommand) Execute(ctx context.Context, msg ExchangeMessage) error {
	if c == nil || c.service == nil {
		return core.NewMissingDependencyError("command: credential service is required")
	}
	out, err := c.service.Exchange(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DisconnectCommand struct {
	service CredentialService
}

func NewDisconnectCommand(service CredentialService) *DisconnectCommand {
	return &DisconnectCommand{service: service}
}

func (c *DisconnectCommand) Execute(ctx context.Context, msg DisconnectMessage) error {
	if c == nil || c.service == nil {
		return core.NewMissingDependencyError("command: credential service is required")
	}
	out, err := c.service.Disconnect(ctx, msg.BusinessProfileID, msg.Provider)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RunSyncCommand struct {
	runner core.SyncRunner
}

func NewRunSyncCommand(runner core.SyncRunner) *RunSyncCommand {
	return &RunSyncCommand{runner: runner}
}

// Execute stores the run result even when the run failed, so callers can
// report per-resource outcomes next to the error.
func (c *RunSyncCommand) Execute(ctx context.Context, msg RunSyncMessage) error {
	if c == nil || c.runner == nil {
		return core.NewMissingDependencyError("command: sync runner is required")
	}
	out, err := c.runner.RunSync(ctx, msg.Request)
	if out.RunID != "" {
		storeResult(ctx, out)
	}
	return err
}

type SubmitSyncCommand struct {
	trigger core.JobTrigger
}

func NewSubmitSyncCommand(trigger core.JobTrigger) *SubmitSyncCommand {
	return &SubmitSyncCommand{trigger: trigger}
}

func (c *SubmitSyncCommand) Execute(ctx context.Context, msg SubmitSyncMessage) error {
	if c == nil || c.trigger == nil {
		return core.NewMissingDependencyError("command: job trigger is required")
	}
	out, err := c.trigger.Submit(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
