package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/cadencehq/cadence/internal/cycles"
	jobmetrics "github.com/cadencehq/cadence/internal/jobs"
	"github.com/cadencehq/cadence/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const idempotencyRetention = 72 * time.Hour

type cycleMaintainer interface {
	Maintain(ctx context.Context, tenantID uuid.UUID, minUpcoming int) (cycles.MaintenanceReport, error)
	BackfillSnapshots(ctx context.Context, tenantID, id uuid.UUID) (cycles.BackfillResult, error)
}

type tenantLister interface {
	TenantsWithCalendar(ctx context.Context) ([]uuid.UUID, error)
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type tenantLocker interface {
	Acquire(ctx context.Context, key, owner string) (func(), error)
}

type idempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// CycleJobsConfig wires the maintenance jobs.
type CycleJobsConfig struct {
	Service     cycleMaintainer
	Tenants     tenantLister
	Queue       taskEnqueuer
	Locks       tenantLocker
	Idempotency idempotencyCleaner
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	MinUpcoming int
	Parallelism int
}

// CycleJobs hosts the periodic trigger: a sweep over every scheduled tenant,
// the per-tenant maintenance run, and on-demand snapshot backfill.
type CycleJobs struct {
	Service     cycleMaintainer
	Tenants     tenantLister
	Queue       taskEnqueuer
	Locks       tenantLocker
	Idempotency idempotencyCleaner
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	MinUpcoming int
	Parallelism int
	clock       func() time.Time
}

// NewCycleJobs constructs the jobs. With no Queue the sweep maintains
// tenants inline with bounded parallelism.
func NewCycleJobs(cfg CycleJobsConfig) *CycleJobs {
	return &CycleJobs{
		Service:     cfg.Service,
		Tenants:     cfg.Tenants,
		Queue:       cfg.Queue,
		Locks:       cfg.Locks,
		Idempotency: cfg.Idempotency,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		MinUpcoming: cfg.MinUpcoming,
		Parallelism: cfg.Parallelism,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handlers returns the asynq registrations for the worker.
func (j *CycleJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskCyclesSweep, Handler: j.HandleSweep},
		{Type: TaskCyclesTenant, Handler: j.HandleTenant},
		{Type: TaskCyclesBackfill, Handler: j.HandleBackfill},
	}
}

// SweepSummary reports one sweep.
type SweepSummary struct {
	Tenants    int `json:"tenants"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	Maintained int `json:"maintained"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// HandleSweep processes TaskCyclesSweep tasks.
func (j *CycleJobs) HandleSweep(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("cycles sweep: handler not configured")
	}
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("cycles sweep: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Sweep(ctx, j.minUpcoming(payload.MinUpcoming))
	return err
}

// Sweep enumerates tenants with a calendar and maintains each once. Tenants
// are isolated: one tenant failing never stops the others.
func (j *CycleJobs) Sweep(ctx context.Context, minUpcoming int) (summary SweepSummary, err error) {
	tracker := j.metrics().Track(TaskCyclesSweep)
	defer func() {
		err = tracker.End(err)
	}()
	logger := j.logger(TaskCyclesSweep)

	if j.Tenants == nil {
		return summary, errors.New("cycles sweep: tenant source not configured")
	}
	if j.Idempotency != nil {
		if cleanErr := j.Idempotency.Cleanup(ctx, idempotencyRetention); cleanErr != nil {
			logger.Warn("idempotency cleanup", slog.Any("error", cleanErr))
		}
	}
	tenants, err := j.Tenants.TenantsWithCalendar(ctx)
	if err != nil {
		logger.Error("list scheduled tenants", slog.Any("error", err))
		return summary, err
	}
	summary.Tenants = len(tenants)
	if len(tenants) == 0 {
		logger.Info("no scheduled tenants")
		return summary, nil
	}

	if j.Queue != nil {
		j.enqueueTenants(ctx, tenants, minUpcoming, &summary)
	} else {
		j.maintainInline(ctx, tenants, minUpcoming, &summary)
	}
	logger.Info("cycles sweep finished",
		slog.Int("tenants", summary.Tenants),
		slog.Int("enqueued", summary.Enqueued),
		slog.Int("duplicates", summary.Duplicates),
		slog.Int("maintained", summary.Maintained),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed))
	return summary, nil
}

func (j *CycleJobs) enqueueTenants(ctx context.Context, tenants []uuid.UUID, minUpcoming int, summary *SweepSummary) {
	logger := j.logger(TaskCyclesSweep)
	day := j.now()
	for _, id := range tenants {
		task, err := NewTenantMaintenanceTask(TenantMaintenancePayload{TenantID: id, MinUpcoming: &minUpcoming}, day)
		if err != nil {
			summary.Failed++
			logger.Error("build tenant task", slog.String("tenant_id", id.String()), slog.Any("error", err))
			continue
		}
		if _, err := j.Queue.EnqueueContext(ctx, task); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
				summary.Duplicates++
				continue
			}
			summary.Failed++
			logger.Error("enqueue tenant task", slog.String("tenant_id", id.String()), slog.Any("error", err))
			continue
		}
		summary.Enqueued++
	}
}

func (j *CycleJobs) maintainInline(ctx context.Context, tenants []uuid.UUID, minUpcoming int, summary *SweepSummary) {
	limit := j.Parallelism
	if limit <= 0 {
		limit = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range tenants {
		id := id
		g.Go(func() error {
			_, err := j.MaintainTenant(gctx, id, minUpcoming)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, shared.ErrLockHeld):
				summary.Skipped++
			case err != nil:
				summary.Failed++
			default:
				summary.Maintained++
			}
			return nil
		})
	}
	_ = g.Wait()
}

// HandleTenant processes TaskCyclesTenant tasks.
func (j *CycleJobs) HandleTenant(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("cycles tenant: handler not configured")
	}
	var payload TenantMaintenancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.TenantID == uuid.Nil {
		return fmt.Errorf("cycles tenant: invalid payload: %w", asynq.SkipRetry)
	}
	_, err := j.MaintainTenant(ctx, payload.TenantID, j.minUpcoming(payload.MinUpcoming))
	if errors.Is(err, shared.ErrLockHeld) {
		return nil
	}
	return err
}

// MaintainTenant runs the maintenance sequence for one tenant under the
// tenant's lock. It returns shared.ErrLockHeld when another worker is already
// maintaining the tenant, and an error when any step of the run failed.
func (j *CycleJobs) MaintainTenant(ctx context.Context, tenantID uuid.UUID, minUpcoming int) (report cycles.MaintenanceReport, err error) {
	logger := j.logger(TaskCyclesTenant).With(slog.String("tenant_id", tenantID.String()))
	if j.Service == nil {
		return report, errors.New("cycles tenant: service not configured")
	}
	if j.Locks != nil {
		release, lockErr := j.Locks.Acquire(ctx, shared.TenantMaintenanceLockKey(tenantID.String()), uuid.NewString())
		if lockErr != nil {
			if errors.Is(lockErr, shared.ErrLockHeld) {
				logger.Info("tenant maintenance already running")
			} else {
				logger.Error("acquire tenant lock", slog.Any("error", lockErr))
			}
			return report, lockErr
		}
		defer release()
	}

	tracker := j.metrics().Track(TaskCyclesTenant)
	defer func() {
		err = tracker.End(err)
	}()

	report, err = j.Service.Maintain(ctx, tenantID, minUpcoming)
	j.recordReport(report)
	if err != nil {
		logger.Error("tenant maintenance", slog.Any("error", err))
		return report, err
	}
	if len(report.Failures) > 0 {
		for _, f := range report.Failures {
			logger.Warn("maintenance step failed", slog.String("step", f.Step), slog.String("cycle_id", f.CycleID.String()), slog.String("error", f.Error))
		}
		return report, fmt.Errorf("cycles tenant: %d maintenance step(s) failed", len(report.Failures))
	}
	return report, nil
}

func (j *CycleJobs) recordReport(report cycles.MaintenanceReport) {
	m := j.metrics()
	var closed, rejected, failed int
	for _, o := range report.Closed {
		switch {
		case o.Err == nil:
			closed++
		case cycles.IsCloseRejection(o.Err):
			rejected++
		default:
			failed++
		}
	}
	m.AddCloseOutcome(jobmetrics.OutcomeClosed, closed)
	m.AddCloseOutcome(jobmetrics.OutcomeRejected, rejected)
	m.AddCloseOutcome(jobmetrics.OutcomeFailed, failed)
	m.AddGenerated(report.Ensure.Generated)
	m.AddSnapshots(report.Snapshots)
}

// HandleBackfill processes TaskCyclesBackfill tasks.
func (j *CycleJobs) HandleBackfill(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("cycles backfill: handler not configured")
	}
	var payload BackfillPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.TenantID == uuid.Nil || payload.CycleID == uuid.Nil {
		return fmt.Errorf("cycles backfill: invalid payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskCyclesBackfill)
	defer func() {
		err = tracker.End(err)
	}()
	logger := j.logger(TaskCyclesBackfill).With(
		slog.String("tenant_id", payload.TenantID.String()),
		slog.String("cycle_id", payload.CycleID.String()))

	result, err := j.Service.BackfillSnapshots(ctx, payload.TenantID, payload.CycleID)
	if err != nil {
		if errors.Is(err, cycles.ErrCycleNotFound) {
			logger.Warn("backfill target missing")
			return fmt.Errorf("cycles backfill: %w: %w", err, asynq.SkipRetry)
		}
		logger.Error("backfill snapshots", slog.Any("error", err))
		return err
	}
	j.metrics().AddSnapshots(result.Created)
	logger.Info("backfill finished", slog.Int("created", result.Created), slog.Int("days", result.Days))
	return nil
}

func (j *CycleJobs) minUpcoming(override *int) int {
	if override != nil && *override >= 0 {
		return *override
	}
	if j.MinUpcoming < 0 {
		return 0
	}
	return j.MinUpcoming
}

func (j *CycleJobs) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *CycleJobs) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CycleJobs) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
