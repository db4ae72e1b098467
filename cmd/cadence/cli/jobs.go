package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/cadencehq/cadence/jobs"
)

type jobClient interface {
	EnqueueSweep(ctx context.Context, payload jobs.SweepPayload) (*asynq.TaskInfo, error)
	EnqueueTenantMaintenance(ctx context.Context, payload jobs.TenantMaintenancePayload, day time.Time, opts ...asynq.Option) (*asynq.TaskInfo, error)
	EnqueueBackfill(ctx context.Context, payload jobs.BackfillPayload) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    jobClient
	inspector queueInspector
	now       func() time.Time
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts), now: time.Now}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerArgs carries the optional identifiers a job needs.
type TriggerArgs struct {
	TenantID    uuid.UUID
	CycleID     uuid.UUID
	MinUpcoming *int
	// Force re-runs a tenant even when today's task already ran.
	Force bool
}

// Trigger enqueues a supported job by task type.
func (c *JobsCLI) Trigger(ctx context.Context, name string, args TriggerArgs) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch name {
	case jobs.TaskCyclesSweep:
		return c.client.EnqueueSweep(ctx, jobs.SweepPayload{MinUpcoming: args.MinUpcoming})
	case jobs.TaskCyclesTenant:
		if args.TenantID == uuid.Nil {
			return nil, errors.New("jobs cli: --tenant is required")
		}
		var opts []asynq.Option
		if args.Force {
			opts = append(opts, asynq.TaskID(fmt.Sprintf("%s:manual:%s", jobs.TaskCyclesTenant, uuid.NewString())))
		}
		info, err := c.client.EnqueueTenantMaintenance(ctx, jobs.TenantMaintenancePayload{TenantID: args.TenantID, MinUpcoming: args.MinUpcoming}, c.clock(), opts...)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil, fmt.Errorf("jobs cli: tenant %s already queued today, use --force to run again: %w", args.TenantID, err)
		}
		return info, err
	case jobs.TaskCyclesBackfill:
		if args.TenantID == uuid.Nil || args.CycleID == uuid.Nil {
			return nil, errors.New("jobs cli: --tenant and --cycle are required")
		}
		return c.client.EnqueueBackfill(ctx, jobs.BackfillPayload{TenantID: args.TenantID, CycleID: args.CycleID})
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

func (c *JobsCLI) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
