package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

const defaultRecentRuns = 20

// TokenSource hands out valid access tokens and records consent loss.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, businessProfileID string, provider core.ProviderID) (core.AccessToken, error)
	RefreshAccessToken(ctx context.Context, businessProfileID string, provider core.ProviderID, rejected string) (core.AccessToken, error)
	ReportAuthFailure(ctx context.Context, businessProfileID string, provider core.ProviderID, cause error) error
}

// Normalizer maps provider payloads into canonical records.
type Normalizer interface {
	Transaction(provider core.ProviderID, raw core.RawRecord, ingestedAt time.Time) (core.NormalizedTransaction, error)
	Invoice(provider core.ProviderID, raw core.RawRecord, ingestedAt time.Time) (core.NormalizedInvoice, error)
}

// Orchestrator drives one sync run per (business profile, provider) pair.
type Orchestrator struct {
	tokens     TokenSource
	registry   core.Registry
	normalizer Normalizer
	cursors    core.SyncCursorStore
	records    core.RecordStore
	runs       core.SyncRunStore
	events     core.SyncEventPublisher
	scheduler  core.BackoffScheduler
	config     core.SyncConfig
	observer   core.Observer
	now        core.Clock
}

type Option func(*orchestratorBuilder)

type orchestratorBuilder struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	events         core.SyncEventPublisher
	scheduler      core.BackoffScheduler
	runs           core.SyncRunStore
	normalizer     Normalizer
	clock          core.Clock
}

func WithLogger(logger core.Logger) Option {
	return func(b *orchestratorBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *orchestratorBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *orchestratorBuilder) {
		b.metrics = recorder
	}
}

func WithEventPublisher(publisher core.SyncEventPublisher) Option {
	return func(b *orchestratorBuilder) {
		b.events = publisher
	}
}

func WithBackoffScheduler(scheduler core.BackoffScheduler) Option {
	return func(b *orchestratorBuilder) {
		b.scheduler = scheduler
	}
}

func WithSyncRunStore(store core.SyncRunStore) Option {
	return func(b *orchestratorBuilder) {
		b.runs = store
	}
}

func WithNormalizer(normalizer Normalizer) Option {
	return func(b *orchestratorBuilder) {
		b.normalizer = normalizer
	}
}

func WithClock(clock core.Clock) Option {
	return func(b *orchestratorBuilder) {
		b.clock = clock
	}
}

func NewOrchestrator(
	cfg core.SyncConfig,
	tokens TokenSource,
	registry core.Registry,
	cursors core.SyncCursorStore,
	records core.RecordStore,
	opts ...Option,
) (*Orchestrator, error) {
	if tokens == nil {
		return nil, fmt.Errorf("sync: token source is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("sync: provider registry is required")
	}
	if cursors == nil {
		return nil, fmt.Errorf("sync: cursor store is required")
	}
	if records == nil {
		return nil, fmt.Errorf("sync: record store is required")
	}

	builder := orchestratorBuilder{}
	for _, opt := range opts {
		if opt != nil {
			opt(&builder)
		}
	}
	cfg = cfg.WithDefaults()

	provider, logger := glog.Resolve("ledgersync.sync", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("ledgersync.sync"); named != nil {
			logger = glog.Ensure(named)
		}
	}
	if builder.metrics == nil {
		builder.metrics = core.NopMetricsRecorder{}
	}
	if builder.events == nil {
		builder.events = core.NopSyncEventPublisher{}
	}
	if builder.scheduler == nil {
		builder.scheduler = core.ExponentialBackoffScheduler{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff}
	}
	if builder.runs == nil {
		builder.runs = core.NewMemorySyncRunStore()
	}
	if builder.normalizer == nil {
		return nil, fmt.Errorf("sync: normalizer is required")
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}

	return &Orchestrator{
		tokens:     tokens,
		registry:   registry,
		normalizer: builder.normalizer,
		cursors:    cursors,
		records:    records,
		runs:       builder.runs,
		events:     builder.events,
		scheduler:  builder.scheduler,
		config:     cfg,
		observer: core.Observer{
			Logger:  logger,
			Metrics: builder.metrics,
			Prefix:  "ledgersync.sync",
		},
		now: builder.clock,
	}, nil
}

// runState carries the fence and bookkeeping of one in-flight run.
type runState struct {
	run   core.SyncRun
	pair  core.CredentialKey
	epoch int64
}

// RunSync performs one incremental sync. On an aborted run the partial
// result is returned together with the error.
func (o *Orchestrator) RunSync(ctx context.Context, req core.RunSyncRequest) (result core.SyncRunResult, err error) {
	startedAt := time.Now()
	fields := map[string]any{
		"business_profile_id": strings.TrimSpace(req.BusinessProfileID),
		"provider":            string(req.Provider),
		"trigger":             string(req.Trigger),
	}
	defer func() {
		fields["run_id"] = result.RunID
		fields["run_status"] = string(result.Status)
		o.observer.ObserveOperation(context.WithoutCancel(ctx), startedAt, "run_sync", err, fields)
	}()

	pair := core.CredentialKey{BusinessProfileID: strings.TrimSpace(req.BusinessProfileID), Provider: req.Provider}
	if err := pair.Validate(); err != nil {
		return core.SyncRunResult{}, err
	}
	adapter, ok := o.registry.Get(pair.Provider)
	if !ok {
		return core.SyncRunResult{}, core.NewProviderNotFoundError(string(pair.Provider))
	}
	resources, err := o.resourceTypes(req.ResourceTypes)
	if err != nil {
		return core.SyncRunResult{}, err
	}

	runID := uuid.NewString()
	lease, err := o.cursors.AcquireLease(ctx, core.LeaseRequest{
		BusinessProfileID: pair.BusinessProfileID,
		Provider:          pair.Provider,
		Owner:             runID,
		TTL:               o.config.LeaseTTL,
	})
	if err != nil {
		if errors.Is(err, core.ErrLeaseHeld) {
			return core.SyncRunResult{}, core.NewConcurrencyConflictError("a sync is already running for this provider", err)
		}
		return core.SyncRunResult{}, core.NewPersistenceError("acquire sync lease", err)
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = core.SyncTriggerAPI
	}
	state := &runState{
		pair:  pair,
		epoch: lease.Epoch,
		run: core.SyncRun{
			ID:                runID,
			BusinessProfileID: pair.BusinessProfileID,
			Provider:          pair.Provider,
			Trigger:           trigger,
			JobID:             strings.TrimSpace(req.JobID),
			LeaseEpoch:        lease.Epoch,
			Status:            core.SyncRunStatusRunning,
			Resources:         map[core.ResourceType]core.ResourceOutcome{},
			StartedAt:         o.now().UTC(),
		},
	}
	if _, err := o.runs.Create(ctx, state.run); err != nil {
		o.releaseLease(ctx, state)
		return core.SyncRunResult{}, core.NewPersistenceError("create sync run", err)
	}

	var abort error
	for _, resource := range resources {
		outcome, resourceErr := o.syncResource(ctx, state, adapter, resource)
		state.run.Resources[resource] = outcome
		if resourceErr != nil {
			abort = resourceErr
			break
		}
	}
	return o.finish(ctx, state, resources, abort)
}

func (o *Orchestrator) resourceTypes(requested []core.ResourceType) ([]core.ResourceType, error) {
	raw := make([]string, 0, len(requested))
	for _, resource := range requested {
		raw = append(raw, string(resource))
	}
	if len(raw) == 0 {
		raw = append(raw, o.config.ResourceTypes...)
	}
	return core.NormalizeResourceTypes(raw)
}

// syncResource pages through one resource type. A non-nil error aborts the
// whole run; recoverable failures are reported through the outcome only.
func (o *Orchestrator) syncResource(
	ctx context.Context,
	state *runState,
	adapter core.Provider,
	resource core.ResourceType,
) (core.ResourceOutcome, error) {
	outcome := core.ResourceOutcome{ResourceType: resource, Status: core.SyncRunStatusRunning}
	key := core.CursorKey{
		BusinessProfileID: state.pair.BusinessProfileID,
		Provider:          state.pair.Provider,
		ResourceType:      resource,
	}
	logFields := map[string]any{
		"run_id":              state.run.ID,
		"business_profile_id": key.BusinessProfileID,
		"provider":            string(key.Provider),
		"resource_type":       string(resource),
	}

	cursor, err := o.cursors.MarkRunning(ctx, key, state.epoch)
	if err != nil {
		return o.failResource(ctx, state, key, outcome, o.storeError("mark cursor running", err), true)
	}
	outcome.Watermark = cursor.Watermark

	token, err := o.tokens.GetValidAccessToken(ctx, key.BusinessProfileID, key.Provider)
	if err != nil {
		return o.failResource(ctx, state, key, outcome, err, true)
	}

	source, err := o.openSource(ctx, adapter, resource, token, cursor.Watermark)
	if err != nil {
		return o.failResource(ctx, state, key, outcome, err, false)
	}

	retriedAuth := false
	for outcome.Pages < o.config.MaxPages {
		page, err := o.nextPage(ctx, state, source, logFields)
		if err != nil {
			if core.IsTransient(err) {
				outcome.Status = core.SyncRunStatusPartialFailure
				return o.failResource(ctx, state, key, outcome, err, false)
			}
			if core.IsKind(err, core.KindAuth) && !retriedAuth {
				// The token may have expired mid-run. Retry once with a
				// replacement before treating the rejection as lost consent.
				retriedAuth = true
				o.observer.LogInfo(ctx, "access token rejected, retrying with a refreshed token", logFields)
				token, err = o.tokens.RefreshAccessToken(ctx, key.BusinessProfileID, key.Provider, token.Token)
				if err != nil {
					return o.failResource(ctx, state, key, outcome, err, true)
				}
				source, err = o.openSource(ctx, adapter, resource, token, outcome.Watermark)
				if err != nil {
					return o.failResource(ctx, state, key, outcome, err, false)
				}
				continue
			}
			if core.IsKind(err, core.KindAuth) {
				if reportErr := o.tokens.ReportAuthFailure(context.WithoutCancel(ctx), key.BusinessProfileID, key.Provider, err); reportErr != nil {
					o.observer.LogWarn(ctx, "record auth failure", mergeFields(logFields, map[string]any{"error": reportErr.Error()}))
				}
				return o.failResource(ctx, state, key, outcome, err, true)
			}
			return o.failResource(ctx, state, key, outcome, err, abortsRun(err))
		}

		if len(page.Records) > 0 {
			stored, skipped, err := o.persistPage(ctx, key, page.Records, logFields)
			outcome.Skipped += skipped
			if err != nil {
				return o.failResource(ctx, state, key, outcome, err, true)
			}
			outcome.Records += stored
		}
		outcome.Pages++

		if page.Watermark != nil {
			advanced, err := o.cursors.Advance(ctx, key, state.epoch, core.FormatWatermark(*page.Watermark))
			if err != nil {
				return o.failResource(ctx, state, key, outcome, o.storeError("advance cursor", err), true)
			}
			outcome.Watermark = advanced.Watermark
		}
		if _, err := o.cursors.RenewLease(ctx, state.pair, state.epoch, o.config.LeaseTTL); err != nil {
			return o.failResource(ctx, state, key, outcome, o.storeError("renew sync lease", err), true)
		}
		if page.Done {
			break
		}
	}

	if _, err := o.cursors.Complete(ctx, key, state.epoch, core.SyncRunStatusSucceeded, ""); err != nil {
		return o.failResource(ctx, state, key, outcome, o.storeError("complete cursor", err), true)
	}
	outcome.Status = core.SyncRunStatusSucceeded
	o.observer.Count(ctx, "ledgersync.sync.records.total", int64(outcome.Records), map[string]string{
		"provider":      string(key.Provider),
		"resource_type": string(resource),
	})
	return outcome, nil
}

// openSource starts paging resource from the committed watermark.
func (o *Orchestrator) openSource(
	ctx context.Context,
	adapter core.Provider,
	resource core.ResourceType,
	token core.AccessToken,
	watermark string,
) (core.PageSource, error) {
	fetch := core.FetchRequest{
		AccessToken: token.Token,
		TenantID:    token.TenantID,
		Since:       core.ParseWatermark(watermark),
		MaxPages:    o.config.MaxPages,
	}
	switch resource {
	case core.ResourceBankTransactions:
		return adapter.FetchTransactions(ctx, fetch)
	case core.ResourceInvoices:
		return adapter.FetchInvoices(ctx, fetch)
	default:
		return nil, core.NewBadInputError(fmt.Sprintf("unsupported sync type %q", resource))
	}
}

// nextPage retries transient page failures with backoff. The page source
// keeps its position on failure, so a retry asks for the same page.
// MaxRateLimitAttempts bounds the total number of calls, the first one
// included. The lease is renewed before every wait, and a provider hint
// longer than MaxBackoff or the renewed lease gives up at once.
func (o *Orchestrator) nextPage(ctx context.Context, state *runState, source core.PageSource, fields map[string]any) (core.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= o.config.MaxRateLimitAttempts; attempt++ {
		page, err := source.Next(ctx)
		if err == nil {
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.Page{}, ctxErr
		}
		lastErr = err
		if !core.IsTransient(err) || attempt == o.config.MaxRateLimitAttempts {
			break
		}

		lease, renewErr := o.cursors.RenewLease(ctx, state.pair, state.epoch, o.config.LeaseTTL)
		if renewErr != nil {
			return core.Page{}, o.storeError("renew sync lease", renewErr)
		}
		ceiling := o.config.MaxBackoff
		if remaining := lease.ExpiresAt.Sub(o.now()); remaining < ceiling {
			ceiling = remaining
		}
		delay, ok := core.BoundedRetryDelay(o.scheduler, attempt, err, ceiling)
		if !ok {
			o.observer.LogWarn(ctx, "provider retry hint exceeds the wait budget", mergeFields(fields, map[string]any{
				"attempt":        attempt,
				"retry_after_ms": core.RetryAfter(err).Milliseconds(),
				"budget_ms":      ceiling.Milliseconds(),
			}))
			break
		}
		o.observer.LogWarn(ctx, "provider page fetch retry", mergeFields(fields, map[string]any{
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
			"error":      err.Error(),
			"error_kind": string(core.KindOf(err)),
		}))
		if err := core.WaitWithContext(ctx, delay); err != nil {
			return core.Page{}, err
		}
	}
	return core.Page{}, lastErr
}

// persistPage normalizes and upserts one page. Records that fail to
// normalize are skipped.
func (o *Orchestrator) persistPage(
	ctx context.Context,
	key core.CursorKey,
	records []core.RawRecord,
	fields map[string]any,
) (int, int, error) {
	ingestedAt := o.now().UTC()
	skipped := 0
	skip := func(err error) {
		skipped++
		o.observer.LogWarn(ctx, "skipping record", mergeFields(fields, map[string]any{
			"error":      err.Error(),
			"error_kind": string(core.KindOf(err)),
		}))
		o.observer.Count(ctx, "ledgersync.sync.records.skipped", 1, map[string]string{
			"provider":      string(key.Provider),
			"resource_type": string(key.ResourceType),
		})
	}

	switch key.ResourceType {
	case core.ResourceBankTransactions:
		batch := make([]core.NormalizedTransaction, 0, len(records))
		for _, raw := range records {
			record, err := o.normalizer.Transaction(key.Provider, raw, ingestedAt)
			if err != nil {
				if core.IsKind(err, core.KindNormalization) {
					skip(err)
					continue
				}
				return 0, skipped, err
			}
			record.BusinessProfileID = key.BusinessProfileID
			batch = append(batch, record)
		}
		if len(batch) == 0 {
			return 0, skipped, nil
		}
		if _, err := o.records.UpsertTransactions(ctx, batch); err != nil {
			return 0, skipped, o.persistenceError("upsert transactions", err)
		}
		return len(batch), skipped, nil
	case core.ResourceInvoices:
		batch := make([]core.NormalizedInvoice, 0, len(records))
		for _, raw := range records {
			record, err := o.normalizer.Invoice(key.Provider, raw, ingestedAt)
			if err != nil {
				if core.IsKind(err, core.KindNormalization) {
					skip(err)
					continue
				}
				return 0, skipped, err
			}
			record.BusinessProfileID = key.BusinessProfileID
			batch = append(batch, record)
		}
		if len(batch) == 0 {
			return 0, skipped, nil
		}
		if _, err := o.records.UpsertInvoices(ctx, batch); err != nil {
			return 0, skipped, o.persistenceError("upsert invoices", err)
		}
		return len(batch), skipped, nil
	default:
		return 0, skipped, core.NewBadInputError(fmt.Sprintf("unsupported sync type %q", key.ResourceType))
	}
}

// failResource records the failure on the cursor and the outcome. When
// abort is true the returned error stops the run.
func (o *Orchestrator) failResource(
	ctx context.Context,
	state *runState,
	key core.CursorKey,
	outcome core.ResourceOutcome,
	cause error,
	abort bool,
) (core.ResourceOutcome, error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		abort = true
	}
	if outcome.Status != core.SyncRunStatusPartialFailure {
		outcome.Status = core.SyncRunStatusFailed
	}
	outcome.Error = cause.Error()
	outcome.ErrorKind = core.KindOf(core.MapError(cause))

	bookkeeping := context.WithoutCancel(ctx)
	if _, err := o.cursors.Complete(bookkeeping, key, state.epoch, outcome.Status, outcome.Error); err != nil && !errors.Is(err, core.ErrLeaseLost) {
		o.observer.LogError(ctx, "record cursor failure", map[string]any{
			"run_id":        state.run.ID,
			"provider":      string(key.Provider),
			"resource_type": string(key.ResourceType),
			"error":         err.Error(),
		})
	}
	o.observer.LogWarn(ctx, "sync resource failed", map[string]any{
		"run_id":        state.run.ID,
		"provider":      string(key.Provider),
		"resource_type": string(key.ResourceType),
		"status":        string(outcome.Status),
		"error":         outcome.Error,
		"error_kind":    string(outcome.ErrorKind),
		"aborting":      abort,
	})
	if abort {
		return outcome, cause
	}
	return outcome, nil
}

func (o *Orchestrator) finish(
	ctx context.Context,
	state *runState,
	resources []core.ResourceType,
	abort error,
) (core.SyncRunResult, error) {
	bookkeeping := context.WithoutCancel(ctx)
	finishedAt := o.now().UTC()
	state.run.FinishedAt = &finishedAt
	state.run.Status = overallStatus(state.run.Resources, resources, abort)

	var runErr error
	if abort != nil {
		runErr = core.MapError(abort)
		state.run.Error = runErr.Error()
	}
	if _, err := o.runs.Update(bookkeeping, state.run); err != nil {
		o.observer.LogError(ctx, "update sync run", map[string]any{"run_id": state.run.ID, "error": err.Error()})
	}
	o.releaseLease(bookkeeping, state)

	event := core.SyncCompletedEvent{
		RunID:             state.run.ID,
		BusinessProfileID: state.run.BusinessProfileID,
		Provider:          state.run.Provider,
		Status:            state.run.Status,
		Resources:         core.CloneSyncRun(state.run).Resources,
		StartedAt:         state.run.StartedAt,
		FinishedAt:        finishedAt,
	}
	if err := o.events.PublishSyncCompleted(bookkeeping, event); err != nil {
		o.observer.LogWarn(ctx, "publish sync completed", map[string]any{"run_id": state.run.ID, "error": err.Error()})
	}

	result := core.SyncRunResult{
		RunID:     state.run.ID,
		Status:    state.run.Status,
		Resources: core.CloneSyncRun(state.run).Resources,
		Error:     state.run.Error,
	}
	if runErr != nil {
		result.ErrorKind = core.KindOf(runErr)
	}
	return result, runErr
}

func (o *Orchestrator) releaseLease(ctx context.Context, state *runState) {
	if err := o.cursors.ReleaseLease(context.WithoutCancel(ctx), state.pair, state.epoch); err != nil && !errors.Is(err, core.ErrLeaseLost) {
		o.observer.LogWarn(ctx, "release sync lease", map[string]any{"run_id": state.run.ID, "error": err.Error()})
	}
}

// storeError maps fence loss to a conflict and anything else to a
// persistence failure.
func (o *Orchestrator) storeError(operation string, err error) error {
	if errors.Is(err, core.ErrLeaseLost) || errors.Is(err, core.ErrLeaseHeld) {
		return core.NewConcurrencyConflictError("sync lease lost during "+operation, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return o.persistenceError(operation, err)
}

func (o *Orchestrator) persistenceError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if core.KindOf(err) != core.KindUnknown {
		return err
	}
	return core.NewPersistenceError(operation, err)
}

// GetRun returns a recorded sync run.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (core.SyncRun, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return core.SyncRun{}, core.NewBadInputError("run_id is required")
	}
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return core.SyncRun{}, core.MapError(err)
	}
	return run, nil
}

// ListRuns returns the most recent runs for a pair, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, pair core.CredentialKey, limit int) ([]core.SyncRun, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRecentRuns
	}
	runs, err := o.runs.ListRecent(ctx, pair, limit)
	if err != nil {
		return nil, core.NewPersistenceError("list sync runs", err)
	}
	return runs, nil
}

// ListCursors returns the cursor of every resource type for a pair,
// including idle ones that never ran.
func (o *Orchestrator) ListCursors(ctx context.Context, pair core.CredentialKey) ([]core.SyncCursor, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	stored, err := o.cursors.List(ctx, pair)
	if err != nil {
		return nil, core.NewPersistenceError("list sync cursors", err)
	}
	byType := make(map[core.ResourceType]core.SyncCursor, len(stored))
	for _, cursor := range stored {
		byType[cursor.ResourceType] = cursor
	}
	out := make([]core.SyncCursor, 0, len(core.AllResourceTypes()))
	for _, resource := range core.AllResourceTypes() {
		cursor, ok := byType[resource]
		if !ok {
			cursor = core.SyncCursor{
				BusinessProfileID: pair.BusinessProfileID,
				Provider:          pair.Provider,
				ResourceType:      resource,
				LastRunStatus:     core.SyncRunStatusIdle,
			}
		}
		out = append(out, cursor)
	}
	return out, nil
}

func overallStatus(outcomes map[core.ResourceType]core.ResourceOutcome, resources []core.ResourceType, abort error) core.SyncRunStatus {
	if abort != nil {
		return core.SyncRunStatusFailed
	}
	succeeded, failed := 0, 0
	for _, resource := range resources {
		switch outcomes[resource].Status {
		case core.SyncRunStatusSucceeded:
			succeeded++
		case core.SyncRunStatusFailed:
			failed++
		}
	}
	switch {
	case succeeded == len(resources):
		return core.SyncRunStatusSucceeded
	case failed == len(resources):
		return core.SyncRunStatusFailed
	default:
		return core.SyncRunStatusPartialFailure
	}
}

// abortsRun reports errors that make continuing with the next resource
// pointless.
func abortsRun(err error) bool {
	switch core.KindOf(err) {
	case core.KindAuth, core.KindTokenExpired, core.KindConcurrencyConflict, core.KindPersistence:
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func mergeFields(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range extra {
		out[key] = value
	}
	return out
}
