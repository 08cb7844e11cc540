package gojob

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const (
	JobIDSyncRun = "ledgersync.sync.run"

	paramBusinessProfileID = "business_profile_id"
	paramProvider          = "provider"
	paramResourceTypes     = "resource_types"
	paramJobID             = "job_id"

	dedupPolicyDrop job.DeduplicationPolicy = "drop"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	ConflictDelay   time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		MaxDelay:        5 * time.Minute,
		ConflictDelay:   30 * time.Second,
		DeadLetterOnMax: true,
	}
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage maps a sync submission to a go-job message. The
// idempotency key collapses equivalent pending submissions.
func ToExecutionMessage(req core.SyncJobRequest, jobID string) *job.ExecutionMessage {
	types := make([]string, 0, len(req.ResourceTypes))
	for _, resourceType := range req.ResourceTypes {
		types = append(types, string(resourceType))
	}
	return &job.ExecutionMessage{
		JobID:      JobIDSyncRun,
		ScriptPath: JobIDSyncRun,
		Parameters: map[string]any{
			paramBusinessProfileID: strings.TrimSpace(req.BusinessProfileID),
			paramProvider:          string(req.Provider),
			paramResourceTypes:     types,
			paramJobID:             strings.TrimSpace(jobID),
		},
		IdempotencyKey: core.SyncIdempotencyKey(req),
		DedupPolicy:    dedupPolicyDrop,
	}
}

// RunSyncRequestFromMessage decodes a sync job back into a run request.
// Resource types may arrive as []string or, after a JSON hop, []any.
func RunSyncRequestFromMessage(msg *job.ExecutionMessage) (core.RunSyncRequest, error) {
	if msg == nil {
		return core.RunSyncRequest{}, core.NewBadInputError("sync job message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDSyncRun {
		return core.RunSyncRequest{}, core.NewBadInputError(fmt.Sprintf("unsupported job id %q", msg.JobID))
	}
	params := msg.Parameters
	provider, err := core.ParseProviderID(stringParam(params, paramProvider))
	if err != nil {
		return core.RunSyncRequest{}, err
	}
	req := core.RunSyncRequest{
		BusinessProfileID: stringParam(params, paramBusinessProfileID),
		Provider:          provider,
		Trigger:           core.SyncTriggerJob,
		JobID:             stringParam(params, paramJobID),
	}
	if err := (core.CredentialKey{BusinessProfileID: req.BusinessProfileID, Provider: req.Provider}).Validate(); err != nil {
		return core.RunSyncRequest{}, err
	}
	var raw []string
	switch typed := params[paramResourceTypes].(type) {
	case []string:
		raw = typed
	case []any:
		for _, value := range typed {
			raw = append(raw, fmt.Sprint(value))
		}
	case nil:
	default:
		return core.RunSyncRequest{}, core.NewBadInputError("resource_types must be a list")
	}
	if len(raw) > 0 {
		types, err := core.NormalizeResourceTypes(raw)
		if err != nil {
			return core.RunSyncRequest{}, err
		}
		req.ResourceTypes = types
	}
	return req, nil
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}
