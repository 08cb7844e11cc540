package adapters_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-command"
	"github.com/goliatone/go-ledgersync/adapters/gocommand"
	"github.com/goliatone/go-ledgersync/adapters/gojob"
	"github.com/goliatone/go-ledgersync/adapters/gologger"
	ledgerprom "github.com/goliatone/go-ledgersync/adapters/prometheus"
	ledgercmd "github.com/goliatone/go-ledgersync/command"
	"github.com/goliatone/go-ledgersync/core"
	glog "github.com/goliatone/go-logger/glog"
)

func TestCommandBusQueueAndWorkerCompose(t *testing.T) {
	recorder := ledgerprom.NewRecorder()
	observer := gologger.NewObserver("worker", nil, glog.Nop(), recorder)

	q := gojob.NewMemoryQueue(8)
	runner := &observedRunner{observer: observer, done: make(chan core.RunSyncRequest, 1)}

	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	subs, err := gocommand.RegisterHandlers(adapter, gocommand.Handlers{
		Trigger: gojob.NewSyncJobTrigger(q),
		Runner:  runner,
	})
	if err != nil {
		t.Fatalf("register handlers: %v", err)
	}
	defer subs.Unsubscribe()

	collector := command.NewResult[core.JobHandle]()
	ctx := command.ContextWithResult(context.Background(), collector)
	err = gocommand.Dispatch(ctx, ledgercmd.SubmitSyncMessage{Request: core.SyncJobRequest{
		BusinessProfileID: "bp_compose",
		Provider:          core.ProviderFreeAgent,
		ResourceTypes:     []core.ResourceType{core.ResourceBankTransactions},
	}})
	if err != nil {
		t.Fatalf("dispatch submit: %v", err)
	}
	handle, ok := collector.Load()
	if !ok || handle.Status != core.JobStatusQueued {
		t.Fatalf("expected queued job handle, got %#v", handle)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = gojob.NewSyncWorker(q, runner, gojob.WithObserver(observer)).Run(workerCtx)
	}()

	select {
	case req := <-runner.done:
		if req.JobID != handle.ID || req.Trigger != core.SyncTriggerJob {
			t.Fatalf("unexpected run request: %#v", req)
		}
		if len(req.ResourceTypes) != 1 || req.ResourceTypes[0] != core.ResourceBankTransactions {
			t.Fatalf("unexpected resource types: %v", req.ResourceTypes)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the worker to run the job")
	}

	families, err := recorder.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != "ledgersync_worker_run_sync_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	if total < 1 {
		t.Fatalf("expected the observed run to be metered, got %v", total)
	}
}

type observedRunner struct {
	observer core.Observer
	once     sync.Once
	done     chan core.RunSyncRequest
}

func (r *observedRunner) RunSync(ctx context.Context, req core.RunSyncRequest) (core.SyncRunResult, error) {
	r.observer.ObserveOperation(ctx, time.Now(), "run_sync", nil, map[string]any{"provider": string(req.Provider)})
	r.once.Do(func() { r.done <- req })
	return core.SyncRunResult{RunID: "run_compose", Status: core.SyncRunStatusSucceeded}, nil
}
