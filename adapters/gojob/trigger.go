package gojob

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/google/uuid"

	"github.com/goliatone/go-job/queue"
)

// SyncJobTrigger hands sync submissions to a go-job queue.
type SyncJobTrigger struct {
	enqueuer queue.Enqueuer
	now      func() time.Time
}

func NewSyncJobTrigger(enqueuer queue.Enqueuer) *SyncJobTrigger {
	return &SyncJobTrigger{
		enqueuer: enqueuer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (t *SyncJobTrigger) Submit(ctx context.Context, req core.SyncJobRequest) (core.JobHandle, error) {
	if t == nil || t.enqueuer == nil {
		return core.JobHandle{}, fmt.Errorf("gojob: enqueuer is not configured")
	}
	if err := (core.CredentialKey{BusinessProfileID: req.BusinessProfileID, Provider: req.Provider}).Validate(); err != nil {
		return core.JobHandle{}, err
	}
	for _, resourceType := range req.ResourceTypes {
		if _, err := core.ParseResourceType(string(resourceType)); err != nil {
			return core.JobHandle{}, err
		}
	}
	handle := core.JobHandle{
		ID:          uuid.NewString(),
		Status:      core.JobStatusQueued,
		SubmittedAt: t.now(),
	}
	if err := t.enqueuer.Enqueue(ctx, ToExecutionMessage(req, handle.ID)); err != nil {
		return core.JobHandle{}, core.NewUpstreamUnavailableError("enqueue sync job", err)
	}
	return handle, nil
}

var _ core.JobTrigger = (*SyncJobTrigger)(nil)
