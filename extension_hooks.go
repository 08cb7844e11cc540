package ledgersync

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/normalize"
)

// ProviderPack contributes provider adapters. A pack provider replaces the
// built-in adapter with the same id.
type ProviderPack struct {
	Name      string
	Providers []core.Provider
}

// MapperPack overrides the payload mappers used for one provider.
type MapperPack struct {
	Name         string
	Provider     core.ProviderID
	Transactions normalize.TransactionMapper
	Invoices     normalize.InvoiceMapper
}

type CommandQueryBundleFactory func(facade *Facade) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	providerPacks map[string]ProviderPack
	mapperPacks   map[string]MapperPack
	bundles       map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		providerPacks: map[string]ProviderPack{},
		mapperPacks:   map[string]MapperPack{},
		bundles:       map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterProviderPack(pack ProviderPack) error {
	if h == nil {
		return fmt.Errorf("ledgersync: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("ledgersync: provider pack name is required")
	}
	if len(pack.Providers) == 0 {
		return fmt.Errorf("ledgersync: provider pack %q has no providers", name)
	}
	for _, provider := range pack.Providers {
		if provider == nil {
			return fmt.Errorf("ledgersync: provider pack %q contains nil provider", name)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.providerPacks[name]; exists {
		return fmt.Errorf("ledgersync: provider pack %q already registered", name)
	}
	h.providerPacks[name] = ProviderPack{
		Name:      name,
		Providers: append([]core.Provider(nil), pack.Providers...),
	}
	return nil
}

func (h *ExtensionHooks) RegisterMapperPack(pack MapperPack) error {
	if h == nil {
		return fmt.Errorf("ledgersync: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("ledgersync: mapper pack name is required")
	}
	provider, err := core.ParseProviderID(string(pack.Provider))
	if err != nil {
		return fmt.Errorf("ledgersync: mapper pack %q: %w", name, err)
	}
	if pack.Transactions == nil && pack.Invoices == nil {
		return fmt.Errorf("ledgersync: mapper pack %q has no mappers", name)
	}
	pack.Name = name
	pack.Provider = provider

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.mapperPacks[name]; exists {
		return fmt.Errorf("ledgersync: mapper pack %q already registered", name)
	}
	h.mapperPacks[name] = pack
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(name string, factory CommandQueryBundleFactory) error {
	if h == nil {
		return fmt.Errorf("ledgersync: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("ledgersync: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("ledgersync: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("ledgersync: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyProviderPacks registers pack providers in pack-name order. Two packs
// claiming the same provider id is an error.
func (h *ExtensionHooks) ApplyProviderPacks(registry core.Registry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("ledgersync: registry is required")
	}
	for _, pack := range h.ProviderPacks() {
		for _, provider := range pack.Providers {
			if err := registry.Register(provider); err != nil {
				return fmt.Errorf("ledgersync: provider pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

// ApplyMapperPacks installs mapper overrides; later pack names win.
func (h *ExtensionHooks) ApplyMapperPacks(engine *normalize.Engine) error {
	if h == nil {
		return nil
	}
	if engine == nil {
		return fmt.Errorf("ledgersync: normalize engine is required")
	}
	for _, pack := range h.MapperPacks() {
		if pack.Transactions != nil {
			engine.RegisterTransactionMapper(pack.Provider, pack.Transactions)
		}
		if pack.Invoices != nil {
			engine.RegisterInvoiceMapper(pack.Provider, pack.Invoices)
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(facade *Facade) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if facade == nil {
		return nil, fmt.Errorf("ledgersync: facade is required")
	}

	h.mu.RLock()
	names := sortedKeys(h.bundles)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](facade)
		if err != nil {
			return nil, fmt.Errorf("ledgersync: build bundle %q: %w", name, err)
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) ProviderPacks() []ProviderPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ProviderPack, 0, len(h.providerPacks))
	for _, name := range sortedKeys(h.providerPacks) {
		pack := h.providerPacks[name]
		out = append(out, ProviderPack{
			Name:      pack.Name,
			Providers: append([]core.Provider(nil), pack.Providers...),
		})
	}
	return out
}

func (h *ExtensionHooks) MapperPacks() []MapperPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]MapperPack, 0, len(h.mapperPacks))
	for _, name := range sortedKeys(h.mapperPacks) {
		out = append(out, h.mapperPacks[name])
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.bundles)
}

func sortedKeys[V any](items map[string]V) []string {
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
