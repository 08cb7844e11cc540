package gojob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-ledgersync/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue/worker"
)

func syncMessage(jobID string) *job.ExecutionMessage {
	return ToExecutionMessage(core.SyncJobRequest{BusinessProfileID: "bp_1", Provider: core.ProviderXero}, jobID)
}

func TestSyncWorker_AcksSuccessfulRun(t *testing.T) {
	hook := &recordingHook{}
	runner := &stubRunner{results: []runOutcome{{result: core.SyncRunResult{RunID: "run_1", Status: core.SyncRunStatusPartialFailure}}}}
	w := NewSyncWorker(&MemoryQueue{}, runner, WithHook(hook))

	delivery := &stubQueueDelivery{msg: syncMessage("job_1")}
	outcome, err := w.Process(context.Background(), delivery)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeAcked || !delivery.acked {
		t.Fatalf("expected ack, got %q", outcome)
	}
	if runner.last.JobID != "job_1" || runner.last.Trigger != core.SyncTriggerJob {
		t.Fatalf("unexpected run request: %#v", runner.last)
	}
	if hook.successes != 1 {
		t.Fatalf("expected success hook, got %d", hook.successes)
	}
}

func TestSyncWorker_RequeuesConflictWithConfiguredDelay(t *testing.T) {
	runner := &stubRunner{results: []runOutcome{{err: core.NewConcurrencyConflictError("sync already running", core.ErrLeaseHeld)}}}
	policy := DefaultRetryPolicy()
	policy.ConflictDelay = 7 * time.Second
	hook := &recordingHook{}
	w := NewSyncWorker(&MemoryQueue{}, runner, WithRetryPolicy(policy), WithHook(hook))

	delivery := &stubQueueDelivery{msg: syncMessage("job_2")}
	outcome, err := w.Process(context.Background(), delivery)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeRetried {
		t.Fatalf("expected retry, got %q", outcome)
	}
	if !delivery.nackOpts.Requeue || delivery.nackOpts.Delay != 7*time.Second {
		t.Fatalf("unexpected nack options: %#v", delivery.nackOpts)
	}
	if hook.retries != 1 {
		t.Fatalf("expected retry hook")
	}
}

func TestSyncWorker_TransientRetriesAreBounded(t *testing.T) {
	outage := core.NewUpstreamUnavailableError("provider unavailable", nil)
	runner := &stubRunner{results: []runOutcome{{err: outage}, {err: outage}}}
	w := NewSyncWorker(&MemoryQueue{}, runner,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, MaxDelay: time.Second, DeadLetterOnMax: true}),
		WithBackoff(core.ExponentialBackoffScheduler{Initial: 10 * time.Millisecond, Max: time.Second}),
	)

	msg := syncMessage("job_3")
	first := &stubQueueDelivery{msg: msg}
	if outcome, _ := w.Process(context.Background(), first); outcome != OutcomeRetried {
		t.Fatalf("expected first attempt to retry, got %q", outcome)
	}
	if first.nackOpts.Delay != 10*time.Millisecond {
		t.Fatalf("expected backoff delay, got %s", first.nackOpts.Delay)
	}

	second := &stubQueueDelivery{msg: msg}
	if outcome, _ := w.Process(context.Background(), second); outcome != OutcomeDropped {
		t.Fatalf("expected second attempt to exhaust retries, got %q", outcome)
	}
	if second.nackOpts.Requeue || !second.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter after max attempts: %#v", second.nackOpts)
	}
}

func TestSyncWorker_DropsAuthFailuresWithoutRequeue(t *testing.T) {
	for _, runErr := range []error{
		core.NewAuthError("consent revoked", nil),
		core.NewTokenExpiredError("token expired", nil),
	} {
		runner := &stubRunner{results: []runOutcome{{result: core.SyncRunResult{RunID: "run_x", Status: core.SyncRunStatusFailed}, err: runErr}}}
		w := NewSyncWorker(&MemoryQueue{}, runner)
		delivery := &stubQueueDelivery{msg: syncMessage("job_auth")}

		outcome, err := w.Process(context.Background(), delivery)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if outcome != OutcomeDropped {
			t.Fatalf("expected drop for %v, got %q", runErr, outcome)
		}
		if delivery.nackOpts.Requeue {
			t.Fatalf("expected no requeue for %v", runErr)
		}
	}
}

func TestSyncWorker_DropsMalformedJobs(t *testing.T) {
	runner := &stubRunner{}
	w := NewSyncWorker(&MemoryQueue{}, runner)
	delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDSyncRun, Parameters: map[string]any{"provider": "xero"}}}

	outcome, _ := w.Process(context.Background(), delivery)
	if outcome != OutcomeDropped || delivery.nackOpts.Requeue {
		t.Fatalf("expected malformed job to be dropped, got %q %#v", outcome, delivery.nackOpts)
	}
	if runner.calls != 0 {
		t.Fatalf("expected runner not to be invoked")
	}
}

func TestSyncWorker_RunDrainsMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(4)
	done := make(chan core.RunSyncRequest, 1)
	runner := &stubRunner{
		results: []runOutcome{{result: core.SyncRunResult{RunID: "run_q", Status: core.SyncRunStatusSucceeded}}},
		onRun: func(req core.RunSyncRequest) {
			done <- req
		},
	}
	trigger := NewSyncJobTrigger(q)
	handle, err := trigger.Submit(context.Background(), core.SyncJobRequest{BusinessProfileID: "bp_9", Provider: core.ProviderQuickBooks})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Equivalent pending submissions collapse.
	if _, err := trigger.Submit(context.Background(), core.SyncJobRequest{BusinessProfileID: "bp_9", Provider: core.ProviderQuickBooks}); err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one pending message, got %d", q.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- NewSyncWorker(q, runner).Run(ctx) }()

	select {
	case req := <-done:
		if req.JobID != handle.ID || req.BusinessProfileID != "bp_9" {
			t.Fatalf("unexpected run request: %#v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for worker")
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected worker to stop on cancel, got %v", err)
	}
}

func TestMemoryQueue_DeadLetterAndRequeue(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()
	if err := q.Enqueue(ctx, syncMessage("job_a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	delivery, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := delivery.Nack(ctx, DefaultRetryPolicy().NormalizeAttempt(queueNackRequeue(), 1)); err != nil {
		t.Fatalf("nack: %v", err)
	}
	redelivered, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after requeue: %v", err)
	}
	if redelivered.Message().Parameters["job_id"] != "job_a" {
		t.Fatalf("expected same message to be redelivered")
	}
	if err := redelivered.Nack(ctx, DefaultRetryPolicy().NormalizeAttempt(queueNackDeadLetter("auth"), 2)); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	letters := q.DeadLetters()
	if len(letters) != 1 || letters[0].Reason != "auth" {
		t.Fatalf("unexpected dead letters: %#v", letters)
	}
	// Settled keys can be submitted again.
	if err := q.Enqueue(ctx, syncMessage("job_b")); err != nil || q.Len() != 1 {
		t.Fatalf("expected resubmission after dead letter, len=%d err=%v", q.Len(), err)
	}
}

type runOutcome struct {
	result core.SyncRunResult
	err    error
}

type stubRunner struct {
	mu      sync.Mutex
	results []runOutcome
	calls   int
	last    core.RunSyncRequest
	onRun   func(core.RunSyncRequest)
}

func (s *stubRunner) RunSync(_ context.Context, req core.RunSyncRequest) (core.SyncRunResult, error) {
	s.mu.Lock()
	s.calls++
	s.last = req
	var out runOutcome
	if len(s.results) > 0 {
		out = s.results[0]
		s.results = s.results[1:]
	}
	onRun := s.onRun
	s.mu.Unlock()
	if onRun != nil {
		onRun(req)
	}
	return out.result, out.err
}

type recordingHook struct {
	starts, successes, failures, retries int
}

func (h *recordingHook) OnStart(context.Context, worker.Event)   { h.starts++ }
func (h *recordingHook) OnSuccess(context.Context, worker.Event) { h.successes++ }
func (h *recordingHook) OnFailure(context.Context, worker.Event) { h.failures++ }
func (h *recordingHook) OnRetry(context.Context, worker.Event)   { h.retries++ }
