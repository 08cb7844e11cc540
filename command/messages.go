package command

import (
	"strings"

	"github.com/goliatone/go-ledgersync/core"
)

const (
	TypeBuildAuthorizeURL = "ledgersync.command.oauth.authorize_url"
	TypeExchange          = "ledgersync.command.oauth.exchange"
	TypeDisconnect        = "ledgersync.command.oauth.disconnect"
	TypeRunSync           = "ledgersync.command.sync.run"
	TypeSubmitSync        = "ledgersync.command.sync.submit"
)

type BuildAuthorizeURLMessage struct {
	BusinessProfileID string
	Provider          core.ProviderID
}

func (BuildAuthorizeURLMessage) Type() string { return TypeBuildAuthorizeURL }

func (m BuildAuthorizeURLMessage) Validate() error {
	return validatePair(m.BusinessProfileID, m.Provider)
}

type ExchangeMessage struct {
	Request core.ExchangeRequest
}

func (ExchangeMessage) Type() string { return TypeExchange }

func (m ExchangeMessage) Validate() error {
	if err := validatePair(m.Request.BusinessProfileID, m.Request.Provider); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.Code) == "" {
		return core.NewFieldError("command", "code", "authorization code is required")
	}
	if strings.TrimSpace(m.Request.State) == "" {
		return core.NewFieldError("command", "state", "state is required")
	}
	return nil
}

type DisconnectMessage struct {
	BusinessProfileID string
	Provider          core.ProviderID
}

func (DisconnectMessage) Type() string { return TypeDisconnect }

func (m DisconnectMessage) Validate() error {
	return validatePair(m.BusinessProfileID, m.Provider)
}

type RunSyncMessage struct {
	Request core.RunSyncRequest
}

func (RunSyncMessage) Type() string { return TypeRunSync }

func (m RunSyncMessage) Validate() error {
	if err := validatePair(m.Request.BusinessProfileID, m.Request.Provider); err != nil {
		return err
	}
	return validateResourceTypes(m.Request.ResourceTypes)
}

type SubmitSyncMessage struct {
	Request core.SyncJobRequest
}

func (SubmitSyncMessage) Type() string { return TypeSubmitSync }

func (m SubmitSyncMessage) Validate() error {
	if err := validatePair(m.Request.BusinessProfileID, m.Request.Provider); err != nil {
		return err
	}
	return validateResourceTypes(m.Request.ResourceTypes)
}

func validatePair(businessProfileID string, provider core.ProviderID) error {
	if strings.TrimSpace(businessProfileID) == "" {
		return core.NewFieldError("command", "business_profile_id", "business profile id is required")
	}
	if strings.TrimSpace(string(provider)) == "" {
		return core.NewFieldError("command", "provider", "provider is required")
	}
	return nil
}

func validateResourceTypes(types []core.ResourceType) error {
	for _, resourceType := range types {
		if _, err := core.ParseResourceType(string(resourceType)); err != nil {
			return core.NewFieldError("command", "sync_types", err.Error())
		}
	}
	return nil
}
