package cycles

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// MaintenanceFailure records one isolated failure during a maintenance run.
type MaintenanceFailure struct {
	Step    string    `json:"step"`
	CycleID uuid.UUID `json:"cycleId"`
	Error   string    `json:"error"`
}

// MaintenanceReport summarises the daily run for one tenant.
type MaintenanceReport struct {
	TenantID  uuid.UUID            `json:"tenantId"`
	Activated int                  `json:"activated"`
	Closed    []CloseOutcome       `json:"closed"`
	Completed int                  `json:"completed"`
	Ensure    EnsureResult         `json:"ensure"`
	Snapshots int                  `json:"snapshots"`
	Failures  []MaintenanceFailure `json:"failures,omitempty"`
}

// Maintain runs the periodic sequence for one tenant: activate windows that
// have started, close expired active cycles with the tenant's rollover policy,
// settle remaining statuses, top up upcoming cycles and record today's
// snapshot for every active cycle. Per-cycle failures are collected in the
// report; a failed closure leaves its cycle active so the next run retries it.
func (s *Service) Maintain(ctx context.Context, tenantID uuid.UUID, minUpcoming int) (MaintenanceReport, error) {
	report := MaintenanceReport{TenantID: tenantID}
	log := s.logger.With(slog.String("tenant_id", tenantID.String()))

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		report.Activated, err = s.advanceStatuses(ctx, tx, tenantID, StatusActive, nil)
		return err
	})
	if err != nil {
		return report, err
	}

	report.Closed, err = s.CloseExpiredForTenant(ctx, tenantID)
	if err != nil {
		return report, err
	}
	retry := make(map[uuid.UUID]struct{})
	for _, o := range report.Closed {
		if o.Err != nil {
			retry[o.CycleID] = struct{}{}
			report.Failures = append(report.Failures, MaintenanceFailure{Step: "close", CycleID: o.CycleID, Error: o.Error})
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		report.Completed, err = s.advanceStatuses(ctx, tx, tenantID, StatusCompleted, retry)
		return err
	})
	if err != nil {
		return report, err
	}

	report.Ensure, err = s.EnsureUpcoming(ctx, tenantID, minUpcoming)
	if err != nil {
		return report, err
	}

	list, err := s.repo.ListCycles(ctx, tenantID)
	if err != nil {
		return report, err
	}
	for _, c := range list {
		if c.Status != StatusActive {
			continue
		}
		if _, err := s.RecordSnapshot(ctx, tenantID, c.ID); err != nil {
			log.Warn("record snapshot failed", slog.String("cycle_id", c.ID.String()), slog.Any("error", err))
			report.Failures = append(report.Failures, MaintenanceFailure{Step: "snapshot", CycleID: c.ID, Error: err.Error()})
			continue
		}
		report.Snapshots++
	}
	log.Info("cycle maintenance finished",
		slog.Int("activated", report.Activated),
		slog.Int("closed", len(report.Closed)),
		slog.Int("completed", report.Completed),
		slog.Int("generated", report.Ensure.Generated),
		slog.Int("snapshots", report.Snapshots),
		slog.Int("failures", len(report.Failures)))
	return report, nil
}
