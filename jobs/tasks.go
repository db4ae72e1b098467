package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCyclesSweep fans the daily maintenance out to every scheduled tenant.
	TaskCyclesSweep = "cycles:sweep"
	// TaskCyclesTenant runs the maintenance sequence for one tenant.
	TaskCyclesTenant = "cycles:tenant"
	// TaskCyclesBackfill reconstructs missing snapshots for one cycle.
	TaskCyclesBackfill = "cycles:backfill"
)

// tenantTaskRetention keeps finished tenant tasks around so their ids keep
// de-duplicating re-enqueues for the rest of the day.
const tenantTaskRetention = 26 * time.Hour

// SweepPayload configures a sweep run. Zero values fall back to job defaults.
type SweepPayload struct {
	MinUpcoming *int `json:"min_upcoming,omitempty"`
}

// TenantMaintenancePayload identifies the tenant to maintain.
type TenantMaintenancePayload struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	MinUpcoming *int      `json:"min_upcoming,omitempty"`
}

// BackfillPayload identifies the cycle whose history is reconstructed.
type BackfillPayload struct {
	TenantID uuid.UUID `json:"tenant_id"`
	CycleID  uuid.UUID `json:"cycle_id"`
}

// NewCyclesSweepTask constructs the cron sweep task.
func NewCyclesSweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCyclesSweep, data), nil
}

// NewTenantMaintenanceTask builds the per-tenant task for day. The task id is
// derived from tenant and UTC day so a repeated sweep cannot double-enqueue.
func NewTenantMaintenanceTask(payload TenantMaintenancePayload, day time.Time) (*asynq.Task, error) {
	if payload.TenantID == uuid.Nil {
		return nil, fmt.Errorf("jobs: tenant id required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCyclesTenant, data,
		asynq.TaskID(TenantTaskID(payload.TenantID, day)),
		asynq.Retention(tenantTaskRetention),
		asynq.MaxRetry(3),
	), nil
}

// TenantTaskID returns the de-duplication id for a tenant's maintenance on day.
func TenantTaskID(tenantID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", TaskCyclesTenant, tenantID, day.UTC().Format(time.DateOnly))
}

// NewBackfillTask constructs an on-demand backfill task.
func NewBackfillTask(payload BackfillPayload) (*asynq.Task, error) {
	if payload.TenantID == uuid.Nil || payload.CycleID == uuid.Nil {
		return nil, fmt.Errorf("jobs: tenant and cycle ids required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCyclesBackfill, data, asynq.MaxRetry(3)), nil
}
