package cycles

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/shared"
)

// Close completes one cycle. When rollover is requested (explicitly or by the
// tenant's autoRolloverIncomplete flag) every non-terminal issue moves to the
// successor chosen by chooseSuccessor. Closing a completed cycle is rejected.
func (s *Service) Close(ctx context.Context, tenantID, id uuid.UUID, in CloseInput) (CloseResult, error) {
	var result CloseResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.closeTx(ctx, tx, tenantID, id, in.Rollover)
		return err
	})
	if err != nil {
		return CloseResult{}, err
	}
	s.afterClose(ctx, tenantID, result)
	return result, nil
}

// CloseExpiredForTenant closes every active cycle whose window has ended using
// the tenant's rollover policy. Each cycle is closed in its own transaction and
// a failure never stops the batch.
func (s *Service) CloseExpiredForTenant(ctx context.Context, tenantID uuid.UUID) ([]CloseOutcome, error) {
	list, err := s.repo.ListCycles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	var expired []Cycle
	for _, c := range list {
		if c.Status == StatusActive && c.EndsAt.Before(now) {
			expired = append(expired, c)
		}
	}
	sort.SliceStable(expired, func(i, j int) bool { return expired[i].StartsAt.Before(expired[j].StartsAt) })

	outcomes := make([]CloseOutcome, 0, len(expired))
	for _, c := range expired {
		outcome := CloseOutcome{CycleID: c.ID, Number: c.Number}
		var result CloseResult
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			result, err = s.closeTx(ctx, tx, tenantID, c.ID, nil)
			return err
		})
		if err != nil {
			outcome.Err = err
			outcome.Error = err.Error()
			s.logger.Warn("close expired cycle failed",
				slog.String("tenant_id", tenantID.String()),
				slog.String("cycle_id", c.ID.String()),
				slog.Any("error", err))
		} else {
			outcome.Result = &result
			s.afterClose(ctx, tenantID, result)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) closeTx(ctx context.Context, tx TxRepository, tenantID, id uuid.UUID, override *bool) (CloseResult, error) {
	source, err := tx.LockCycle(ctx, tenantID, id)
	if err != nil {
		return CloseResult{}, err
	}
	if source.Status == StatusCompleted {
		return CloseResult{}, ErrCycleAlreadyCompleted
	}
	rollover := false
	if override != nil {
		rollover = *override
	} else {
		cfg, found, err := tx.CalendarConfig(ctx, tenantID)
		if err != nil {
			return CloseResult{}, err
		}
		rollover = found && cfg.AutoRolloverIncomplete
	}

	result := CloseResult{CycleID: source.ID}
	if rollover {
		list, err := tx.ListCycles(ctx, tenantID)
		if err != nil {
			return CloseResult{}, err
		}
		if successor, ok := chooseSuccessor(list, source.ID); ok {
			issues, err := tx.ListCycleIssues(ctx, source.ID)
			if err != nil {
				return CloseResult{}, err
			}
			var moving []uuid.UUID
			for _, is := range issues {
				if !is.Status.Terminal() {
					moving = append(moving, is.ID)
				}
			}
			target := successor.ID
			if err := tx.RelinkIssues(ctx, moving, &target); err != nil {
				return CloseResult{}, err
			}
			if err := recount(ctx, tx, target); err != nil {
				return CloseResult{}, err
			}
			result.RolledOver = len(moving)
			result.SuccessorID = &target
		}
	}

	ok, err := tx.ForceComplete(ctx, source.ID, s.clock())
	if err != nil {
		return CloseResult{}, err
	}
	if !ok {
		return CloseResult{}, ErrCycleAlreadyCompleted
	}
	if err := recount(ctx, tx, source.ID); err != nil {
		return CloseResult{}, err
	}
	return result, nil
}

// chooseSuccessor prefers the earliest upcoming cycle and falls back to another
// active one. Ties on start are broken by number, then id.
func chooseSuccessor(list []Cycle, sourceID uuid.UUID) (Cycle, bool) {
	for _, status := range []Status{StatusUpcoming, StatusActive} {
		var best Cycle
		found := false
		for _, c := range list {
			if c.ID == sourceID || c.Status != status {
				continue
			}
			if !found || successorLess(c, best) {
				best, found = c, true
			}
		}
		if found {
			return best, true
		}
	}
	return Cycle{}, false
}

func successorLess(a, b Cycle) bool {
	if !a.StartsAt.Equal(b.StartsAt) {
		return a.StartsAt.Before(b.StartsAt)
	}
	if a.Number != b.Number {
		return a.Number < b.Number
	}
	return a.ID.String() < b.ID.String()
}

func (s *Service) afterClose(ctx context.Context, tenantID uuid.UUID, result CloseResult) {
	meta := map[string]any{"rolled_over": result.RolledOver}
	if result.SuccessorID != nil {
		meta["successor_id"] = result.SuccessorID.String()
	}
	s.record(ctx, shared.AuditLog{
		TenantID: tenantID.String(),
		Action:   "cycle.closed",
		Entity:   "cycle",
		EntityID: result.CycleID.String(),
		Meta:     meta,
		At:       s.clock(),
	})
}

// IsCloseRejection reports whether err is an expected refusal rather than a fault.
func IsCloseRejection(err error) bool {
	return errors.Is(err, ErrCycleAlreadyCompleted) || errors.Is(err, ErrConcurrentUpdate)
}

