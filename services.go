package ledgersync

import (
	"context"
	"fmt"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/normalize"
	syncer "github.com/goliatone/go-ledgersync/sync"
	glog "github.com/goliatone/go-logger/glog"
)

type Config = core.Config
type SyncConfig = core.SyncConfig
type ProviderConfig = core.ProviderConfig

type ProviderID = core.ProviderID
type ResourceType = core.ResourceType

type TokenManager = core.TokenManager
type Orchestrator = syncer.Orchestrator

type ExchangeRequest = core.ExchangeRequest
type RunSyncRequest = core.RunSyncRequest
type SyncJobRequest = core.SyncJobRequest
type RecordFilter = core.RecordFilter

const (
	ProviderXero       = core.ProviderXero
	ProviderQuickBooks = core.ProviderQuickBooks
	ProviderSage       = core.ProviderSage
	ProviderFreeAgent  = core.ProviderFreeAgent

	ResourceBankTransactions = core.ResourceBankTransactions
	ResourceInvoices         = core.ResourceInvoices
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Dependencies are the collaborators a Service is assembled from. Every
// store left nil falls back to its in-memory implementation.
type Dependencies struct {
	Transport ProviderTransport
	// Registry replaces the built-in providers entirely when set.
	Registry core.Registry
	Hooks    *ExtensionHooks

	CredentialStore     core.CredentialStore
	AuthorizeStateStore core.AuthorizeStateStore
	SyncCursorStore     core.SyncCursorStore
	RecordStore         core.RecordStore
	SyncRunStore        core.SyncRunStore

	Events         core.SyncEventPublisher
	Metrics        core.MetricsRecorder
	Logger         glog.Logger
	LoggerProvider glog.LoggerProvider
	ConfigProvider core.ConfigProvider
	Clock          core.Clock
}

// Service wires the token manager and the sync orchestrator over one shared
// provider registry and store set.
type Service struct {
	config   Config
	registry core.Registry
	tokens   *core.TokenManager
	sync     *syncer.Orchestrator
	records  core.RecordStore
}

func NewService(cfg Config, deps Dependencies) (*Service, error) {
	resolved, err := core.ResolveConfig(context.Background(), deps.ConfigProvider, nil, cfg)
	if err != nil {
		return nil, err
	}

	registry := deps.Registry
	if registry == nil {
		registry, err = buildRegistry(resolved, deps)
		if err != nil {
			return nil, err
		}
	}
	engine := normalize.NewEngine()
	if err := deps.Hooks.ApplyMapperPacks(engine); err != nil {
		return nil, err
	}

	if deps.CredentialStore == nil {
		deps.CredentialStore = core.NewMemoryCredentialStore()
	}
	if deps.AuthorizeStateStore == nil {
		deps.AuthorizeStateStore = core.NewMemoryAuthorizeStateStore(resolved.AuthorizeStateTTL)
	}
	if deps.SyncCursorStore == nil {
		deps.SyncCursorStore = core.NewMemorySyncCursorStore()
	}
	if deps.RecordStore == nil {
		deps.RecordStore = core.NewMemoryRecordStore()
	}
	if deps.SyncRunStore == nil {
		deps.SyncRunStore = core.NewMemorySyncRunStore()
	}

	tokenOpts := []core.Option{
		core.WithRegistry(registry),
		core.WithCredentialStore(deps.CredentialStore),
		core.WithAuthorizeStateStore(deps.AuthorizeStateStore),
		core.WithLogger(deps.Logger),
		core.WithLoggerProvider(deps.LoggerProvider),
		core.WithMetricsRecorder(deps.Metrics),
	}
	if deps.Clock != nil {
		tokenOpts = append(tokenOpts, core.WithClock(deps.Clock))
	}
	tokens, err := core.NewTokenManager(resolved, tokenOpts...)
	if err != nil {
		return nil, err
	}

	syncOpts := []syncer.Option{
		syncer.WithNormalizer(engine),
		syncer.WithSyncRunStore(deps.SyncRunStore),
		syncer.WithLogger(deps.Logger),
		syncer.WithLoggerProvider(deps.LoggerProvider),
		syncer.WithMetricsRecorder(deps.Metrics),
		syncer.WithEventPublisher(deps.Events),
	}
	if deps.Clock != nil {
		syncOpts = append(syncOpts, syncer.WithClock(deps.Clock))
	}
	orchestrator, err := syncer.NewOrchestrator(
		tokens.Config().Sync,
		tokens,
		registry,
		deps.SyncCursorStore,
		deps.RecordStore,
		syncOpts...,
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		config:   tokens.Config(),
		registry: registry,
		tokens:   tokens,
		sync:     orchestrator,
		records:  deps.RecordStore,
	}, nil
}

// buildRegistry registers pack providers first so they take precedence over
// the built-in provider of the same id.
func buildRegistry(cfg Config, deps Dependencies) (core.Registry, error) {
	registry, err := core.NewProviderRegistry()
	if err != nil {
		return nil, err
	}
	if err := deps.Hooks.ApplyProviderPacks(registry); err != nil {
		return nil, err
	}
	builtIn, err := NewProviderRegistry(cfg, deps.Transport)
	if err != nil {
		return nil, err
	}
	for _, provider := range builtIn.List() {
		if _, exists := registry.Get(provider.ID()); exists {
			continue
		}
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("ledgersync: register %s: %w", provider.ID(), err)
		}
	}
	return registry, nil
}

func (s *Service) Config() Config {
	return s.config
}

func (s *Service) Registry() core.Registry {
	return s.registry
}

func (s *Service) Tokens() *core.TokenManager {
	return s.tokens
}

func (s *Service) Sync() *syncer.Orchestrator {
	return s.sync
}

func (s *Service) Records() core.RecordStore {
	return s.records
}
