// Package normalize maps raw provider payloads onto the canonical
// transaction and invoice records. Mappers are pure: the same payload always
// yields the same record.
package normalize

import (
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

type TransactionMapper func(raw core.RawRecord) (core.NormalizedTransaction, error)

type InvoiceMapper func(raw core.RawRecord) (core.NormalizedInvoice, error)

type Engine struct {
	mu           sync.RWMutex
	transactions map[core.ProviderID]TransactionMapper
	invoices     map[core.ProviderID]InvoiceMapper
}

// NewEngine returns an engine with the built-in mappers for every known
// provider registered.
func NewEngine() *Engine {
	engine := &Engine{
		transactions: map[core.ProviderID]TransactionMapper{},
		invoices:     map[core.ProviderID]InvoiceMapper{},
	}
	engine.RegisterTransactionMapper(core.ProviderXero, XeroTransaction)
	engine.RegisterInvoiceMapper(core.ProviderXero, XeroInvoice)
	engine.RegisterTransactionMapper(core.ProviderQuickBooks, QuickBooksPurchase)
	engine.RegisterInvoiceMapper(core.ProviderQuickBooks, QuickBooksBill)
	engine.RegisterTransactionMapper(core.ProviderSage, SageTransaction)
	engine.RegisterInvoiceMapper(core.ProviderSage, SagePurchaseInvoice)
	engine.RegisterTransactionMapper(core.ProviderFreeAgent, FreeAgentTransaction)
	engine.RegisterInvoiceMapper(core.ProviderFreeAgent, FreeAgentBill)
	return engine
}

func (e *Engine) RegisterTransactionMapper(provider core.ProviderID, mapper TransactionMapper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transactions[provider] = mapper
}

func (e *Engine) RegisterInvoiceMapper(provider core.ProviderID, mapper InvoiceMapper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invoices[provider] = mapper
}

// Transaction maps one raw bank transaction. The business profile is left for
// the caller to stamp.
func (e *Engine) Transaction(provider core.ProviderID, raw core.RawRecord, ingestedAt time.Time) (core.NormalizedTransaction, error) {
	e.mu.RLock()
	mapper, ok := e.transactions[provider]
	e.mu.RUnlock()
	if !ok {
		return core.NormalizedTransaction{}, core.NewProviderConfigError(
			fmt.Sprintf("normalize: no transaction mapper for %q", provider), nil)
	}
	record, err := mapper(raw)
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	record.Provider = provider
	record.Raw = cloneRaw(raw)
	record.IngestedAt = ingestedAt.UTC()
	return record, nil
}

func (e *Engine) Invoice(provider core.ProviderID, raw core.RawRecord, ingestedAt time.Time) (core.NormalizedInvoice, error) {
	e.mu.RLock()
	mapper, ok := e.invoices[provider]
	e.mu.RUnlock()
	if !ok {
		return core.NormalizedInvoice{}, core.NewProviderConfigError(
			fmt.Sprintf("normalize: no invoice mapper for %q", provider), nil)
	}
	record, err := mapper(raw)
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	record.Provider = provider
	record.Raw = cloneRaw(raw)
	record.IngestedAt = ingestedAt.UTC()
	return record, nil
}

func cloneRaw(raw core.RawRecord) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		out[key] = value
	}
	return out
}
