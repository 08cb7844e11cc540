package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

// Delivery is one inbound webhook request as received.
type Delivery struct {
	Provider core.ProviderID
	Headers  map[string]string
	Body     []byte
}

// Notification says which resources changed for a provider-side tenant.
type Notification struct {
	TenantID      string
	ResourceTypes []core.ResourceType
}

type Result struct {
	Accepted   bool             `json:"accepted"`
	StatusCode int              `json:"-"`
	DeliveryID string           `json:"delivery_id,omitempty"`
	Deduped    bool             `json:"deduped,omitempty"`
	Jobs       []core.JobHandle `json:"jobs,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, delivery Delivery) error
}

type PayloadParser func(body []byte) ([]Notification, error)

type DeliveryIDExtractor func(delivery Delivery) (string, error)

type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	return core.ExponentialBackoffScheduler{Initial: p.Initial, Max: p.Max}.NextDelay(attempt)
}

type Processor struct {
	Ledger      DeliveryLedger
	Tenants     core.TenantCredentialLookup
	Trigger     core.JobTrigger
	Burst       BurstController
	RetryPolicy RetryPolicy
	ClaimLease  time.Duration
	MaxAttempts int
	Now         func() time.Time
	Observer    core.Observer

	mu        sync.RWMutex
	templates map[core.ProviderID]Template
}

func NewProcessor(tenants core.TenantCredentialLookup, trigger core.JobTrigger, ledger DeliveryLedger) *Processor {
	return &Processor{
		Ledger:      ledger,
		Tenants:     tenants,
		Trigger:     trigger,
		RetryPolicy: ExponentialRetryPolicy{},
		ClaimLease:  30 * time.Second,
		MaxAttempts: 8,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		templates: map[core.ProviderID]Template{},
	}
}

// Register enables deliveries for template.Provider. A later template for
// the same provider replaces the earlier one.
func (p *Processor) Register(template Template) error {
	if p == nil {
		return fmt.Errorf("webhooks: processor is nil")
	}
	if err := template.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.templates == nil {
		p.templates = map[core.ProviderID]Template{}
	}
	p.templates[template.Provider] = template
	return nil
}

func (p *Processor) Providers() []core.ProviderID {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.ProviderID, 0, len(p.templates))
	for provider := range p.templates {
		out = append(out, provider)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Processor) Process(ctx context.Context, delivery Delivery) (Result, error) {
	if p == nil || p.Ledger == nil || p.Tenants == nil || p.Trigger == nil {
		return Result{}, fmt.Errorf("webhooks: processor requires ledger, tenant lookup and trigger")
	}
	startedAt := time.Now()
	result, err := p.process(ctx, delivery)
	fields := map[string]any{
		"provider": string(delivery.Provider),
		"jobs":     len(result.Jobs),
		"deduped":  result.Deduped,
	}
	if result.DeliveryID != "" {
		fields["delivery_id"] = result.DeliveryID
	}
	p.Observer.ObserveOperation(ctx, startedAt, "webhook", err, fields)
	return result, err
}

func (p *Processor) process(ctx context.Context, delivery Delivery) (Result, error) {
	p.mu.RLock()
	template, ok := p.templates[delivery.Provider]
	p.mu.RUnlock()
	if !ok {
		return Result{}, core.NewNotFoundError(fmt.Sprintf("webhooks are not configured for provider %q", delivery.Provider), nil)
	}

	if err := template.Verifier.Verify(ctx, delivery); err != nil {
		return Result{StatusCode: http.StatusUnauthorized}, core.NewAuthError("webhook signature verification failed", err)
	}

	notifications, err := template.Parse(delivery.Body)
	if err != nil {
		return Result{StatusCode: http.StatusBadRequest}, core.NewBadInputError(fmt.Sprintf("malformed %s webhook payload: %v", delivery.Provider, err))
	}
	// Signed deliveries without events are subscription probes.
	if len(notifications) == 0 {
		return Result{Accepted: true, StatusCode: http.StatusOK}, nil
	}

	extractor := template.ExtractID
	if extractor == nil {
		extractor = BodyDigestDeliveryID
	}
	deliveryID, err := extractor(delivery)
	if err != nil {
		return Result{}, core.NewBadInputError(err.Error())
	}

	record, claimed, err := p.Ledger.Claim(ctx, string(delivery.Provider), deliveryID, p.claimLease())
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return Result{
			Accepted:   true,
			StatusCode: http.StatusOK,
			DeliveryID: deliveryID,
			Deduped:    true,
			Metadata:   map[string]any{"status": record.Status},
		}, nil
	}

	jobs, suppressed, err := p.dispatch(ctx, delivery.Provider, notifications)
	if err != nil {
		nextAttemptAt := p.now().Add(p.retryPolicy().NextDelay(record.Attempts))
		if failErr := p.Ledger.Fail(ctx, record.ClaimID, err, nextAttemptAt, p.maxAttempts()); failErr != nil {
			p.Observer.LogWarn(ctx, "webhook delivery failure was not recorded", map[string]any{
				"delivery_id": deliveryID,
				"error":       failErr.Error(),
			})
		}
		return Result{DeliveryID: deliveryID}, err
	}
	if err := p.Ledger.Complete(ctx, record.ClaimID); err != nil {
		return Result{}, err
	}

	status := http.StatusOK
	if len(jobs) > 0 {
		status = http.StatusAccepted
	}
	result := Result{
		Accepted:   true,
		StatusCode: status,
		DeliveryID: deliveryID,
		Jobs:       jobs,
	}
	if suppressed > 0 {
		result.Metadata = map[string]any{"suppressed": suppressed}
	}
	return result, nil
}

// dispatch submits one job per connected business profile, merging the
// resource types every notification for the same tenant asked for.
func (p *Processor) dispatch(ctx context.Context, provider core.ProviderID, notifications []Notification) ([]core.JobHandle, int, error) {
	byTenant := map[string]map[core.ResourceType]struct{}{}
	tenants := make([]string, 0, len(notifications))
	for _, notification := range notifications {
		tenantID := strings.TrimSpace(notification.TenantID)
		if tenantID == "" {
			continue
		}
		set, ok := byTenant[tenantID]
		if !ok {
			set = map[core.ResourceType]struct{}{}
			byTenant[tenantID] = set
			tenants = append(tenants, tenantID)
		}
		for _, resource := range notification.ResourceTypes {
			set[resource] = struct{}{}
		}
	}

	var jobs []core.JobHandle
	suppressed := 0
	for _, tenantID := range tenants {
		credentials, err := p.Tenants.FindByTenant(ctx, provider, tenantID)
		if err != nil {
			return nil, 0, err
		}
		if len(credentials) == 0 {
			p.Observer.LogWarn(ctx, "webhook names an unknown tenant", map[string]any{
				"provider":  string(provider),
				"tenant_id": tenantID,
			})
			continue
		}
		types := orderedTypes(byTenant[tenantID])
		for _, cred := range credentials {
			if cred.Status != core.CredentialStatusConnected && cred.Status != core.CredentialStatusRefreshing {
				continue
			}
			req := core.SyncJobRequest{
				BusinessProfileID: cred.BusinessProfileID,
				Provider:          provider,
				ResourceTypes:     types,
			}
			if p.Burst != nil {
				decision, err := p.Burst.Allow(ctx, req)
				if err != nil {
					return nil, 0, err
				}
				if !decision.Allow {
					suppressed++
					continue
				}
			}
			handle, err := p.Trigger.Submit(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			jobs = append(jobs, handle)
		}
	}
	return jobs, suppressed, nil
}

func orderedTypes(set map[core.ResourceType]struct{}) []core.ResourceType {
	out := make([]core.ResourceType, 0, len(set))
	for _, resource := range core.AllResourceTypes() {
		if _, ok := set[resource]; ok {
			out = append(out, resource)
		}
	}
	return out
}

// BodyDigestDeliveryID keys a delivery by the SHA-256 of its raw body.
// Providers redeliver byte-identical payloads.
func BodyDigestDeliveryID(delivery Delivery) (string, error) {
	if len(delivery.Body) == 0 {
		return "", fmt.Errorf("webhooks: delivery body is empty")
	}
	sum := sha256.Sum256(delivery.Body)
	return hex.EncodeToString(sum[:]), nil
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) retryPolicy() RetryPolicy {
	if p != nil && p.RetryPolicy != nil {
		return p.RetryPolicy
	}
	return ExponentialRetryPolicy{}
}

func (p *Processor) claimLease() time.Duration {
	if p != nil && p.ClaimLease > 0 {
		return p.ClaimLease
	}
	return 30 * time.Second
}

func (p *Processor) maxAttempts() int {
	if p != nil && p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 8
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
