package cycles

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/calendar"
)

// RecordSnapshot upserts today's snapshot for a cycle from a fresh recount.
// "Today" is the tenant-local date. The cycle's own counters are rewritten
// with the same recount.
func (s *Service) RecordSnapshot(ctx context.Context, tenantID, id uuid.UUID) (Snapshot, error) {
	var snap Snapshot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		snap, err = s.recordSnapshotTx(ctx, tx, tenantID, id)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.invalidate(ctx, id)
	return snap, nil
}

func (s *Service) recordSnapshotTx(ctx context.Context, tx TxRepository, tenantID, id uuid.UUID) (Snapshot, error) {
	c, err := tx.Cycle(ctx, tenantID, id)
	if err != nil {
		return Snapshot{}, err
	}
	offset, err := tenantOffset(ctx, tx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	counts, err := tx.CountIssues(ctx, c.ID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := tx.SetCounts(ctx, c.ID, counts); err != nil {
		return Snapshot{}, err
	}
	now := s.clock()
	return tx.UpsertSnapshot(ctx, Snapshot{
		ID:         uuid.New(),
		TenantID:   tenantID,
		CycleID:    c.ID,
		Day:        calendar.LocalDate(now, offset),
		Counts:     counts,
		RecordedAt: now,
	})
}

// BackfillSnapshots reconstructs one snapshot per local day from the cycle's
// start to min(now, end). Days that already hold a recorded snapshot are kept.
// The started count is approximate: status history is not retained, so an item
// counts as started on a day when it existed, was not yet completed and is
// currently in a started or done status.
func (s *Service) BackfillSnapshots(ctx context.Context, tenantID, id uuid.UUID) (BackfillResult, error) {
	var result BackfillResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.Cycle(ctx, tenantID, id)
		if err != nil {
			return err
		}
		offset, err := tenantOffset(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		now := s.clock()
		until := c.EndsAt
		if now.Before(until) {
			until = now
		}
		days := calendar.Days(c.StartsAt, until, offset)
		result.Days = len(days)
		if len(days) == 0 {
			return nil
		}
		recorded, err := tx.SnapshotDays(ctx, c.ID)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(recorded))
		for _, d := range recorded {
			seen[dayKey(d)] = struct{}{}
		}
		issues, err := tx.ListCycleIssues(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, day := range days {
			if _, ok := seen[dayKey(day)]; ok {
				continue
			}
			_, err := tx.UpsertSnapshot(ctx, Snapshot{
				ID:            uuid.New(),
				TenantID:      tenantID,
				CycleID:       c.ID,
				Day:           day,
				Counts:        ReconstructCounts(issues, calendar.EndOfLocalDay(day, offset)),
				Reconstructed: true,
				RecordedAt:    now,
			})
			if err != nil {
				return err
			}
			result.Created++
		}
		return nil
	})
	if err != nil {
		return BackfillResult{}, err
	}
	if result.Created > 0 {
		s.invalidate(ctx, id)
	}
	return result, nil
}

// ReconstructCounts approximates the counters as they stood at asOf.
func ReconstructCounts(issues []Issue, asOf time.Time) Counts {
	var c Counts
	for _, is := range issues {
		if is.CreatedAt.After(asOf) {
			continue
		}
		c.Scope++
		switch {
		case is.Status == IssueDone && is.CompletedAt != nil && !is.CompletedAt.After(asOf):
			c.Completed++
		case is.Status.Started() || is.Status == IssueDone:
			c.Started++
		}
	}
	return c
}

// GetSnapshots returns the cycle's series ordered by day.
func (s *Service) GetSnapshots(ctx context.Context, tenantID, id uuid.UUID) ([]Snapshot, error) {
	if _, err := s.repo.GetCycle(ctx, tenantID, id); err != nil {
		return nil, err
	}
	load := func(ctx context.Context) ([]Snapshot, error) {
		return s.repo.ListSnapshots(ctx, id)
	}
	var (
		series []Snapshot
		err    error
	)
	if s.cache != nil {
		series, err = s.cache.Snapshots(ctx, id, load)
	} else {
		series, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}
	if series == nil {
		series = []Snapshot{}
	}
	return series, nil
}

// GetStats recounts the cycle's issues and reports drift from the stored counters.
func (s *Service) GetStats(ctx context.Context, tenantID, id uuid.UUID) (Stats, error) {
	var stats Stats
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.Cycle(ctx, tenantID, id)
		if err != nil {
			return err
		}
		live, err := tx.CountIssues(ctx, c.ID)
		if err != nil {
			return err
		}
		stats = Stats{Cycle: c, Live: live, Drift: live != c.Counts}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func tenantOffset(ctx context.Context, tx TxRepository, tenantID uuid.UUID) (int, error) {
	cfg, found, err := tx.CalendarConfig(ctx, tenantID)
	if err != nil || !found {
		return 0, err
	}
	return cfg.TimezoneOffsetMinutes, nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
