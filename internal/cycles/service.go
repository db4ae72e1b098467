package cycles

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/calendar"
	"github.com/cadencehq/cadence/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SnapshotCache abstracts the snapshot series cache.
type SnapshotCache interface {
	Snapshots(ctx context.Context, cycleID uuid.UUID, loader func(context.Context) ([]Snapshot, error)) ([]Snapshot, error)
	Invalidate(ctx context.Context, cycleID uuid.UUID) error
}

// Service coordinates the cycle scheduler operations for one tenant at a time.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	cache  SnapshotCache
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service. audit and cache are optional.
func NewService(repo RepositoryPort, audit AuditPort, cache SnapshotCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CalendarConfig returns the tenant's settings; found is false when the tenant
// has not opted into scheduling.
func (s *Service) CalendarConfig(ctx context.Context, tenantID uuid.UUID) (CalendarConfig, bool, error) {
	return s.repo.CalendarConfig(ctx, tenantID)
}

// UpdateCalendarConfig validates and stores settings. Existing cycles are untouched.
func (s *Service) UpdateCalendarConfig(ctx context.Context, tenantID uuid.UUID, cfg CalendarConfig) (CalendarConfig, error) {
	if day, ok := calendar.ParseStartDay(string(cfg.StartDay)); ok {
		cfg.StartDay = day
	}
	if err := cfg.Validate(); err != nil {
		return CalendarConfig{}, err
	}
	cfg.TenantID = tenantID
	return s.repo.UpsertCalendarConfig(ctx, cfg)
}

// ListCycles returns the tenant's cycles ordered by number.
func (s *Service) ListCycles(ctx context.Context, tenantID uuid.UUID) ([]Cycle, error) {
	return s.repo.ListCycles(ctx, tenantID)
}

// GetCycle loads one cycle after confirming ownership.
func (s *Service) GetCycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error) {
	return s.repo.GetCycle(ctx, tenantID, id)
}

// Generate creates in.Count cycles starting at the next start day on or after
// in.StartFrom (or now). Two calls produce two disjoint batches.
func (s *Service) Generate(ctx context.Context, tenantID uuid.UUID, in GenerateInput) (GenerateResult, error) {
	if err := in.Validate(); err != nil {
		return GenerateResult{}, err
	}
	result := GenerateResult{IDs: []uuid.UUID{}, Cycles: []Cycle{}}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cfg, found, err := tx.CalendarConfig(ctx, tenantID)
		if err != nil {
			return err
		}
		if !found {
			result.Reason = ReasonNoSettings
			return nil
		}
		from, explicit := s.clock(), false
		if in.StartFrom != nil {
			from, explicit = in.StartFrom.UTC(), true
		}
		base := calendar.NextWindowStart(from, cfg.StartDay.Weekday(), cfg.TimezoneOffsetMinutes, explicit)
		created, err := s.insertWindows(ctx, tx, cfg, base, in.Count)
		if err != nil {
			return err
		}
		result.Cycles = created
		result.IDs = cycleIDs(created)
		result.Reason = ReasonGenerated
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}
	return result, nil
}

// EnsureUpcoming tops up the tenant's upcoming cycles when fewer than
// minUpcoming exist, chaining from the latest stored end so repeated calls never
// produce overlapping windows.
func (s *Service) EnsureUpcoming(ctx context.Context, tenantID uuid.UUID, minUpcoming int) (EnsureResult, error) {
	if minUpcoming < 0 {
		return EnsureResult{}, fmt.Errorf("%w: minUpcoming must not be negative", shared.ErrValidation)
	}
	var result EnsureResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.ensureUpcoming(ctx, tx, tenantID, minUpcoming)
		return err
	})
	if err != nil {
		return EnsureResult{}, err
	}
	return result, nil
}

func (s *Service) ensureUpcoming(ctx context.Context, tx TxRepository, tenantID uuid.UUID, minUpcoming int) (EnsureResult, error) {
	existing, err := tx.ListCycles(ctx, tenantID)
	if err != nil {
		return EnsureResult{}, err
	}
	upcoming := 0
	for _, c := range existing {
		if c.Status == StatusUpcoming {
			upcoming++
		}
	}
	if upcoming >= minUpcoming {
		return EnsureResult{Reason: ReasonSufficient}, nil
	}
	cfg, found, err := tx.CalendarConfig(ctx, tenantID)
	if err != nil {
		return EnsureResult{}, err
	}
	if !found {
		return EnsureResult{Reason: ReasonNoSettings}, nil
	}
	base := s.chainStart(cfg, existing)
	created, err := s.insertWindows(ctx, tx, cfg, base, cfg.DefaultIterationsToCreate)
	if err != nil {
		return EnsureResult{}, err
	}
	return EnsureResult{Generated: len(created), IDs: cycleIDs(created), Reason: ReasonGenerated}, nil
}

// chainStart picks the first window start for a top-up batch. Without prior
// cycles it behaves like an implicit generation from now. Otherwise it follows
// the latest end; a chain that fell behind the clock is moved forward by whole
// iteration lengths so no window lies entirely in the past.
func (s *Service) chainStart(cfg CalendarConfig, existing []Cycle) time.Time {
	now := s.clock()
	weekday := cfg.StartDay.Weekday()
	if len(existing) == 0 {
		return calendar.NextWindowStart(now, weekday, cfg.TimezoneOffsetMinutes, false)
	}
	var latest time.Time
	for _, c := range existing {
		if c.EndsAt.After(latest) {
			latest = c.EndsAt
		}
	}
	from := latest.Add(time.Millisecond)
	start := calendar.NextWindowStart(from, weekday, cfg.TimezoneOffsetMinutes, true)
	if start.Before(from) {
		start = start.Add(7 * calendar.Day)
	}
	span := time.Duration(cfg.IterationLengthDays) * calendar.Day
	if !start.Add(span).After(now) {
		k := now.Sub(start) / span
		start = start.Add(k * span)
		if !start.Add(span).After(now) {
			start = start.Add(span)
		}
	}
	return start
}

func (s *Service) insertWindows(ctx context.Context, tx TxRepository, cfg CalendarConfig, base time.Time, n int) ([]Cycle, error) {
	first, err := tx.ReserveCycleNumbers(ctx, cfg.TenantID, n)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	windows := calendar.Windows(base, cfg.IterationLengthDays, n)
	out := make([]Cycle, 0, len(windows))
	for i, w := range windows {
		c := Cycle{
			ID:        uuid.New(),
			TenantID:  cfg.TenantID,
			Number:    first + i,
			StartsAt:  w.Start,
			EndsAt:    w.End,
			Status:    StatusAt(now, w),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertCycle(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateStatuses moves every cycle of the tenant forward to the status implied
// by the clock and returns how many rows changed.
func (s *Service) UpdateStatuses(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var changed int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		changed, err = s.advanceStatuses(ctx, tx, tenantID, StatusCompleted, nil)
		return err
	})
	return changed, err
}

// advanceStatuses applies forward-only transitions, never beyond ceiling.
// Cycles listed in skip are left alone.
func (s *Service) advanceStatuses(ctx context.Context, tx TxRepository, tenantID uuid.UUID, ceiling Status, skip map[uuid.UUID]struct{}) (int, error) {
	list, err := tx.ListCycles(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	now := s.clock()
	changed := 0
	for _, c := range list {
		if _, ok := skip[c.ID]; ok {
			continue
		}
		target := StatusAt(now, c.Window())
		if ceiling.Before(target) {
			target = ceiling
		}
		if !c.Status.Before(target) {
			continue
		}
		ok, err := tx.AdvanceStatus(ctx, c.ID, target)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// DeleteCycle removes a cycle, clearing the cycle link of its issues and
// dropping its snapshots.
func (s *Service) DeleteCycle(ctx context.Context, tenantID, id uuid.UUID) error {
	var unlinked int
	var number int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.LockCycle(ctx, tenantID, id)
		if err != nil {
			return err
		}
		number = c.Number
		if unlinked, err = tx.UnlinkCycleIssues(ctx, id); err != nil {
			return err
		}
		if err := tx.DeleteSnapshots(ctx, id); err != nil {
			return err
		}
		return tx.DeleteCycle(ctx, id)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.record(ctx, shared.AuditLog{
		TenantID: tenantID.String(),
		Action:   "cycle.deleted",
		Entity:   "cycle",
		EntityID: id.String(),
		Meta:     map[string]any{"number": number, "unlinked": unlinked},
	})
	return nil
}

// LinkIssue points an issue at cycleID (or detaches it when nil) and recounts
// both affected cycles.
func (s *Service) LinkIssue(ctx context.Context, tenantID, issueID uuid.UUID, cycleID *uuid.UUID) (Issue, error) {
	var issue Issue
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		issue, err = tx.LockIssue(ctx, tenantID, issueID)
		if err != nil {
			return err
		}
		if cycleID != nil {
			target, err := tx.LockCycle(ctx, tenantID, *cycleID)
			if err != nil {
				return err
			}
			if target.Status == StatusCompleted {
				return ErrCycleCompleted
			}
		}
		if sameCycle(issue.CycleID, cycleID) {
			return nil
		}
		previous := issue.CycleID
		if err := tx.RelinkIssues(ctx, []uuid.UUID{issue.ID}, cycleID); err != nil {
			return err
		}
		issue.CycleID = cycleID
		for _, id := range []*uuid.UUID{previous, cycleID} {
			if id == nil {
				continue
			}
			if err := recount(ctx, tx, *id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Issue{}, err
	}
	return issue, nil
}

// recount rebuilds the denormalised counters from the linked issues.
func recount(ctx context.Context, tx TxRepository, cycleID uuid.UUID) error {
	counts, err := tx.CountIssues(ctx, cycleID)
	if err != nil {
		return err
	}
	return tx.SetCounts(ctx, cycleID, counts)
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", entry.Action), slog.String("entity_id", entry.EntityID), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, cycleID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, cycleID); err != nil {
		s.logger.Warn("snapshot cache invalidate failed", slog.String("cycle_id", cycleID.String()), slog.Any("error", err))
	}
}

func cycleIDs(list []Cycle) []uuid.UUID {
	ids := make([]uuid.UUID, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	return ids
}

func sameCycle(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
