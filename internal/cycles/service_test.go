package cycles

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/calendar"
	"github.com/cadencehq/cadence/internal/shared"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(now time.Time) (*Service, *memoryRepo, *fakeClock) {
	repo := newMemoryRepo()
	clock := &fakeClock{now: now}
	svc := NewService(repo, nil, nil, nil)
	svc.WithNow(clock.Now)
	return svc, repo, clock
}

func weeklyCalendar(tenantID uuid.UUID) CalendarConfig {
	return CalendarConfig{
		TenantID:                  tenantID,
		IterationLengthDays:       7,
		StartDay:                  calendar.Monday,
		DefaultIterationsToCreate: 2,
		TimezoneOffsetMinutes:     0,
		AutoRolloverIncomplete:    true,
	}
}

func requireNoOverlap(t *testing.T, list []Cycle) {
	t.Helper()
	for i := range list {
		for j := i + 1; j < len(list); j++ {
			require.False(t, list[i].Window().Overlaps(list[j].Window()),
				"cycle %d overlaps cycle %d", list[i].Number, list[j].Number)
			require.NotEqual(t, list[i].Number, list[j].Number)
		}
	}
}

func TestGenerateAlignsToTenantLocalWeek(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	tenant := uuid.New()
	cfg := weeklyCalendar(tenant)
	cfg.TimezoneOffsetMinutes = -420
	repo.setCalendar(cfg)

	// Wednesday 15:00 at UTC-7.
	from := time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC)
	res, err := svc.Generate(ctx, tenant, GenerateInput{Count: 1, StartFrom: &from})
	require.NoError(t, err)
	require.Equal(t, ReasonGenerated, res.Reason)
	require.Len(t, res.Cycles, 1)

	first := res.Cycles[0]
	require.Equal(t, time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC), first.StartsAt)
	require.Equal(t, time.Date(2026, 10, 26, 6, 59, 59, int(999*time.Millisecond), time.UTC), first.EndsAt)
	require.Equal(t, StatusUpcoming, first.Status)
	require.Equal(t, 1, first.Number)
}

func TestGenerateWithoutCalendarIsNoop(t *testing.T) {
	svc, repo, _ := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	tenant := uuid.New()

	res, err := svc.Generate(context.Background(), tenant, GenerateInput{Count: 3})
	require.NoError(t, err)
	require.Equal(t, ReasonNoSettings, res.Reason)
	require.Empty(t, res.IDs)

	list, err := repo.ListCycles(context.Background(), tenant)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestGenerateValidatesCount(t *testing.T) {
	svc, _, _ := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	_, err := svc.Generate(context.Background(), uuid.New(), GenerateInput{Count: 0})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Generate(context.Background(), uuid.New(), GenerateInput{Count: 53})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestGenerateTwiceProducesDistinctCycles(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))

	first, err := svc.Generate(ctx, tenant, GenerateInput{Count: 2})
	require.NoError(t, err)
	second, err := svc.Generate(ctx, tenant, GenerateInput{Count: 2})
	require.NoError(t, err)

	require.NotEqual(t, first.IDs[0], second.IDs[0])
	list, err := svc.ListCycles(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i, c := range list {
		require.Equal(t, i+1, c.Number)
	}
}

func TestGeneratePastWindowsAreCompleted(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))

	from := time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC)
	res, err := svc.Generate(ctx, tenant, GenerateInput{Count: 3, StartFrom: &from})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Cycles[0].Status)
	require.Equal(t, StatusActive, res.Cycles[1].Status)
	require.Equal(t, StatusUpcoming, res.Cycles[2].Status)
}

func TestEnsureUpcomingFromEmpty(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))

	res, err := svc.EnsureUpcoming(ctx, tenant, 2)
	require.NoError(t, err)
	require.Equal(t, ReasonGenerated, res.Reason)
	require.Equal(t, 2, res.Generated)

	list, err := svc.ListCycles(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, 1, list[0].Number)
	require.Equal(t, 2, list[1].Number)
	require.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), list[0].StartsAt)
	require.Equal(t, list[0].EndsAt.Add(time.Millisecond), list[1].StartsAt)
	require.Equal(t, 7*calendar.Day-time.Millisecond, list[1].EndsAt.Sub(list[1].StartsAt))
	requireNoOverlap(t, list)

	again, err := svc.EnsureUpcoming(ctx, tenant, 2)
	require.NoError(t, err)
	require.Equal(t, ReasonSufficient, again.Reason)
	require.Zero(t, again.Generated)
}

func TestEnsureUpcomingWithoutCalendar(t *testing.T) {
	svc, _, _ := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	res, err := svc.EnsureUpcoming(context.Background(), uuid.New(), 1)
	require.NoError(t, err)
	require.Equal(t, ReasonNoSettings, res.Reason)
}

func TestEnsureUpcomingNeverOverlaps(t *testing.T) {
	ctx := context.Background()
	svc, repo, clock := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))

	for round := 0; round < 8; round++ {
		_, err := svc.UpdateStatuses(ctx, tenant)
		require.NoError(t, err)
		_, err = svc.EnsureUpcoming(ctx, tenant, 2)
		require.NoError(t, err)
		clock.Advance(5 * calendar.Day)
	}

	list, err := svc.ListCycles(ctx, tenant)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	requireNoOverlap(t, list)
	for i := 1; i < len(list); i++ {
		require.Equal(t, list[i-1].EndsAt.Add(time.Millisecond), list[i].StartsAt)
	}
}

func TestEnsureUpcomingSkipsStaleChain(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	repo.addCycle(Cycle{
		ID: uuid.New(), TenantID: tenant, Number: 1,
		StartsAt: start, EndsAt: calendar.WindowEnd(start, 7), Status: StatusCompleted,
	})

	res, err := svc.EnsureUpcoming(ctx, tenant, 1)
	require.NoError(t, err)
	require.Equal(t, 2, res.Generated)

	list, err := svc.ListCycles(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), list[1].StartsAt)
	require.Equal(t, StatusActive, list[1].Status)
	require.Equal(t, StatusUpcoming, list[2].Status)
	require.Equal(t, 3, list[2].Number)
	requireNoOverlap(t, list)
}

func TestUpdateStatusesIsMonotonic(t *testing.T) {
	ctx := context.Background()
	svc, repo, clock := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))
	_, err := svc.Generate(ctx, tenant, GenerateInput{Count: 3})
	require.NoError(t, err)

	clock.Advance(10 * calendar.Day)
	changed, err := svc.UpdateStatuses(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, 2, changed)
	writes := repo.statusWrites()

	changed, err = svc.UpdateStatuses(ctx, tenant)
	require.NoError(t, err)
	require.Zero(t, changed)
	require.Equal(t, writes, repo.statusWrites())

	// A clock that jumps backwards must not reopen anything.
	clock.Advance(-60 * calendar.Day)
	changed, err = svc.UpdateStatuses(ctx, tenant)
	require.NoError(t, err)
	require.Zero(t, changed)

	list, err := svc.ListCycles(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, list[0].Status)
	require.Equal(t, StatusActive, list[1].Status)
	require.Equal(t, StatusUpcoming, list[2].Status)
}

func TestUpdateCalendarConfigValidates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	tenant := uuid.New()

	cfg := weeklyCalendar(uuid.Nil)
	cfg.IterationLengthDays = 10
	_, err := svc.UpdateCalendarConfig(ctx, tenant, cfg)
	require.ErrorIs(t, err, shared.ErrValidation)

	cfg = weeklyCalendar(uuid.Nil)
	cfg.StartDay = "Sunday"
	saved, err := svc.UpdateCalendarConfig(ctx, tenant, cfg)
	require.NoError(t, err)
	require.Equal(t, calendar.Sunday, saved.StartDay)
	require.Equal(t, tenant, saved.TenantID)

	loaded, found, err := svc.CalendarConfig(ctx, tenant)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, calendar.Sunday, loaded.StartDay)
}

func TestLinkIssueRecountsBothCycles(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))
	res, err := svc.Generate(ctx, tenant, GenerateInput{Count: 2})
	require.NoError(t, err)
	a, b := res.IDs[0], res.IDs[1]

	issue := repo.addIssue(tenant, &a, IssueInProgress, now, nil)
	repo.addIssue(tenant, &a, IssueDone, now, &now)

	linked, err := svc.LinkIssue(ctx, tenant, issue, &b)
	require.NoError(t, err)
	require.Equal(t, b, *linked.CycleID)
	require.Equal(t, Counts{Scope: 1, Completed: 1}, repo.cycle(a).Counts)
	require.Equal(t, Counts{Scope: 1, Started: 1}, repo.cycle(b).Counts)

	_, err = svc.LinkIssue(ctx, tenant, issue, nil)
	require.NoError(t, err)
	require.Nil(t, repo.issue(issue).CycleID)
	require.Equal(t, Counts{}, repo.cycle(b).Counts)
}

func TestLinkIssueGuards(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))
	res, err := svc.Generate(ctx, tenant, GenerateInput{Count: 1})
	require.NoError(t, err)
	target := res.IDs[0]

	issue := repo.addIssue(tenant, nil, IssueTodo, now, nil)
	foreign := repo.addIssue(uuid.New(), nil, IssueTodo, now, nil)

	_, err = svc.LinkIssue(ctx, tenant, foreign, &target)
	require.ErrorIs(t, err, ErrIssueNotFound)

	other := uuid.New()
	_, err = svc.LinkIssue(ctx, other, issue, &target)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.Close(ctx, tenant, target, CloseInput{})
	require.NoError(t, err)
	_, err = svc.LinkIssue(ctx, tenant, issue, &target)
	require.ErrorIs(t, err, ErrCycleCompleted)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.Nil(t, repo.issue(issue).CycleID)
}

func TestDeleteCycleUnlinksIssues(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	repo := newMemoryRepo()
	audit := &stubAudit{}
	svc := NewService(repo, audit, nil, nil)
	svc.WithNow(func() time.Time { return now })
	tenant := uuid.New()
	repo.setCalendar(weeklyCalendar(tenant))
	from := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	res, err := svc.Generate(ctx, tenant, GenerateInput{Count: 1, StartFrom: &from})
	require.NoError(t, err)
	id := res.IDs[0]
	issue := repo.addIssue(tenant, &id, IssueTodo, now, nil)
	_, err = svc.RecordSnapshot(ctx, tenant, id)
	require.NoError(t, err)

	require.ErrorIs(t, svc.DeleteCycle(ctx, uuid.New(), id), ErrCycleNotFound)
	require.NoError(t, svc.DeleteCycle(ctx, tenant, id))

	require.Nil(t, repo.issue(issue).CycleID)
	require.Zero(t, repo.snapshotCount(id))
	_, err = svc.GetCycle(ctx, tenant, id)
	require.ErrorIs(t, err, ErrCycleNotFound)
	require.Equal(t, []string{"cycle.deleted:" + id.String()}, audit.entries)
}
