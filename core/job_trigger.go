package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncIdempotencyKey identifies equivalent sync submissions.
func SyncIdempotencyKey(req SyncJobRequest) string {
	types := make([]string, 0, len(req.ResourceTypes))
	for _, resource := range req.ResourceTypes {
		types = append(types, string(resource))
	}
	if len(types) == 0 {
		for _, resource := range AllResourceTypes() {
			types = append(types, string(resource))
		}
	}
	sort.Strings(types)
	return fmt.Sprintf("ledgersync:%s:%s:%s", req.Provider, strings.TrimSpace(req.BusinessProfileID), strings.Join(types, ","))
}

// InlineJobTrigger runs syncs on a goroutine in the current process.
type InlineJobTrigger struct {
	Runner   SyncRunner
	Timeout  time.Duration
	Observer Observer
}

func (t *InlineJobTrigger) Submit(ctx context.Context, req SyncJobRequest) (JobHandle, error) {
	if t == nil || t.Runner == nil {
		return JobHandle{}, fmt.Errorf("core: inline job trigger has no runner")
	}
	key := CredentialKey{BusinessProfileID: req.BusinessProfileID, Provider: req.Provider}
	if err := key.Validate(); err != nil {
		return JobHandle{}, err
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultSyncRunTimeout
	}
	handle := JobHandle{
		ID:          uuid.NewString(),
		Status:      JobStatusQueued,
		SubmittedAt: time.Now().UTC(),
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	go func() {
		defer cancel()
		result, err := t.Runner.RunSync(runCtx, RunSyncRequest{
			BusinessProfileID: req.BusinessProfileID,
			Provider:          req.Provider,
			ResourceTypes:     req.ResourceTypes,
			Trigger:           SyncTriggerJob,
			JobID:             handle.ID,
		})
		fields := map[string]any{
			"job_id":              handle.ID,
			"business_profile_id": req.BusinessProfileID,
			"provider":            string(req.Provider),
			"run_id":              result.RunID,
			"status":              string(result.Status),
		}
		if err != nil {
			fields["error"] = err.Error()
			t.Observer.LogError(runCtx, "inline sync job failed", fields)
			return
		}
		t.Observer.LogInfo(runCtx, "inline sync job finished", fields)
	}()
	return handle, nil
}

