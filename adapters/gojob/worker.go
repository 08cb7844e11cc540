package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ledgersync/core"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const defaultIdleBackoff = 500 * time.Millisecond

// Outcome is what the worker did with a delivery.
type Outcome string

const (
	OutcomeAcked   Outcome = "acked"
	OutcomeRetried Outcome = "retried"
	OutcomeDropped Outcome = "dropped"
)

type WorkerOption func(*SyncWorker)

func WithRetryPolicy(policy RetryPolicy) WorkerOption {
	return func(w *SyncWorker) {
		w.policy = policy
	}
}

func WithHook(hook worker.Hook) WorkerOption {
	return func(w *SyncWorker) {
		if hook != nil {
			w.hook = hook
		}
	}
}

func WithBackoff(scheduler core.BackoffScheduler) WorkerOption {
	return func(w *SyncWorker) {
		if scheduler != nil {
			w.backoff = scheduler
		}
	}
}

func WithObserver(observer core.Observer) WorkerOption {
	return func(w *SyncWorker) {
		w.observer = observer
	}
}

// SyncWorker drains sync jobs from a dequeuer and runs them. Successful and
// partially failed runs are acked. Lease conflicts and transient outages are
// nacked with a bounded delay. Auth failures and malformed jobs are dropped
// to the dead letter without requeue.
type SyncWorker struct {
	dequeuer queue.Dequeuer
	runner   core.SyncRunner
	policy   RetryPolicy
	hook     worker.Hook
	backoff  core.BackoffScheduler
	observer core.Observer

	mu       sync.Mutex
	attempts map[string]int
}

func NewSyncWorker(dequeuer queue.Dequeuer, runner core.SyncRunner, opts ...WorkerOption) *SyncWorker {
	w := &SyncWorker{
		dequeuer: dequeuer,
		runner:   runner,
		policy:   DefaultRetryPolicy(),
		hook:     nopHook{},
		backoff: core.ExponentialBackoffScheduler{
			Initial: 5 * time.Second,
			Max:     5 * time.Minute,
		},
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run processes deliveries until ctx is done.
func (w *SyncWorker) Run(ctx context.Context) error {
	if w == nil || w.dequeuer == nil || w.runner == nil {
		return fmt.Errorf("gojob: sync worker is not configured")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivery, err := w.dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.observer.LogWarn(ctx, "sync job dequeue failed", map[string]any{"error": err.Error()})
			if waitErr := core.WaitWithContext(ctx, defaultIdleBackoff); waitErr != nil {
				return waitErr
			}
			continue
		}
		if delivery == nil {
			continue
		}
		if _, err := w.Process(ctx, delivery); err != nil {
			w.observer.LogError(ctx, "sync job settlement failed", map[string]any{"error": err.Error()})
		}
	}
}

// Process runs a single delivery and settles it.
func (w *SyncWorker) Process(ctx context.Context, delivery queue.Delivery) (Outcome, error) {
	msg := delivery.Message()
	attemptKey := deliveryKey(delivery)
	attempt := w.nextAttempt(attemptKey)
	startedAt := time.Now()
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: startedAt}
	w.hook.OnStart(ctx, event)

	req, err := RunSyncRequestFromMessage(msg)
	if err != nil {
		event.Err = err
		event.Duration = time.Since(startedAt)
		w.hook.OnFailure(ctx, event)
		w.clearAttempts(attemptKey)
		return OutcomeDropped, w.dropDelivery(ctx, delivery, attempt, err)
	}

	result, runErr := w.runner.RunSync(ctx, req)
	event.Duration = time.Since(startedAt)
	fields := map[string]any{
		"job_id":              req.JobID,
		"business_profile_id": req.BusinessProfileID,
		"provider":            string(req.Provider),
		"run_id":              result.RunID,
		"status":              string(result.Status),
		"attempt":             attempt,
	}

	if runErr == nil {
		w.hook.OnSuccess(ctx, event)
		w.clearAttempts(attemptKey)
		w.observer.LogInfo(ctx, "sync job finished", fields)
		return OutcomeAcked, delivery.Ack(ctx)
	}

	event.Err = runErr
	fields["error"] = runErr.Error()
	switch {
	case core.IsKind(runErr, core.KindConcurrencyConflict):
		return w.retryDelivery(ctx, delivery, event, attemptKey, w.policy.ConflictDelay, fields)
	case core.IsTransient(runErr), errors.Is(runErr, context.DeadlineExceeded):
		delay := core.RetryDelay(w.backoff, attempt, runErr)
		return w.retryDelivery(ctx, delivery, event, attemptKey, delay, fields)
	case core.IsKind(runErr, core.KindAuth),
		core.IsKind(runErr, core.KindTokenExpired),
		core.IsKind(runErr, core.KindProviderConfig),
		core.IsKind(runErr, core.KindBadInput):
		w.hook.OnFailure(ctx, event)
		w.clearAttempts(attemptKey)
		w.observer.LogWarn(ctx, "sync job dropped", fields)
		return OutcomeDropped, w.dropDelivery(ctx, delivery, attempt, runErr)
	default:
		// The run itself was recorded; a failed run is not replayed blindly.
		w.hook.OnFailure(ctx, event)
		w.clearAttempts(attemptKey)
		w.observer.LogError(ctx, "sync job failed", fields)
		return OutcomeAcked, delivery.Ack(ctx)
	}
}

func (w *SyncWorker) retryDelivery(
	ctx context.Context,
	delivery queue.Delivery,
	event worker.Event,
	attemptKey string,
	delay time.Duration,
	fields map[string]any,
) (Outcome, error) {
	opts := w.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   delay,
		Requeue: true,
		Reason:  kindReason(event.Err),
	}, event.Attempt)
	if !opts.Requeue {
		w.hook.OnFailure(ctx, event)
		w.clearAttempts(attemptKey)
		w.observer.LogWarn(ctx, "sync job retries exhausted", fields)
		return OutcomeDropped, delivery.Nack(ctx, opts)
	}
	event.Delay = opts.Delay
	w.hook.OnRetry(ctx, event)
	fields["retry_in_ms"] = opts.Delay.Milliseconds()
	w.observer.LogInfo(ctx, "sync job requeued", fields)
	return OutcomeRetried, delivery.Nack(ctx, opts)
}

func (w *SyncWorker) dropDelivery(ctx context.Context, delivery queue.Delivery, attempt int, cause error) error {
	return delivery.Nack(ctx, w.policy.NormalizeAttempt(queue.NackOptions{
		DeadLetter: true,
		Reason:     kindReason(cause),
	}, attempt))
}

func (w *SyncWorker) nextAttempt(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[key]++
	return w.attempts[key]
}

func (w *SyncWorker) clearAttempts(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, key)
}

func deliveryKey(delivery queue.Delivery) string {
	msg := delivery.Message()
	if msg == nil {
		return ""
	}
	if jobID := stringParam(msg.Parameters, paramJobID); jobID != "" {
		return jobID
	}
	return strings.TrimSpace(msg.IdempotencyKey)
}

func kindReason(err error) string {
	if err == nil {
		return ""
	}
	if kind := core.KindOf(err); kind != core.KindUnknown {
		return string(kind) + ": " + err.Error()
	}
	return err.Error()
}

type nopHook struct{}

func (nopHook) OnStart(context.Context, worker.Event)   {}
func (nopHook) OnSuccess(context.Context, worker.Event) {}
func (nopHook) OnFailure(context.Context, worker.Event) {}
func (nopHook) OnRetry(context.Context, worker.Event)   {}

var _ worker.Hook = nopHook{}
