package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ledgersync/core"
)

var (
	_ gocmd.Commander[BuildAuthorizeURLMessage] = (*BuildAuthorizeURLCommand)(nil)
	_ gocmd.Commander[ExchangeMessage]          = (*ExchangeCommand)(nil)
	_ gocmd.Commander[DisconnectMessage]        = (*DisconnectCommand)(nil)
	_ gocmd.Commander[RunSyncMessage]           = (*RunSyncCommand)(nil)
	_ gocmd.Commander[SubmitSyncMessage]        = (*SubmitSyncCommand)(nil)

	_ CredentialService = (*core.TokenManager)(nil)
)
