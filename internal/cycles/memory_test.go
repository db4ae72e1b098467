package cycles

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/shared"
)

type memoryState struct {
	settings     map[uuid.UUID]CalendarConfig
	sequences    map[uuid.UUID]int
	cycles       map[uuid.UUID]Cycle
	issues       map[uuid.UUID]Issue
	snapshots    map[string]Snapshot
	statusWrites int
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		settings:     make(map[uuid.UUID]CalendarConfig, len(s.settings)),
		sequences:    make(map[uuid.UUID]int, len(s.sequences)),
		cycles:       make(map[uuid.UUID]Cycle, len(s.cycles)),
		issues:       make(map[uuid.UUID]Issue, len(s.issues)),
		snapshots:    make(map[string]Snapshot, len(s.snapshots)),
		statusWrites: s.statusWrites,
	}
	for k, v := range s.settings {
		out.settings[k] = v
	}
	for k, v := range s.sequences {
		out.sequences[k] = v
	}
	for k, v := range s.cycles {
		out.cycles[k] = v
	}
	for k, v := range s.issues {
		out.issues[k] = v
	}
	for k, v := range s.snapshots {
		out.snapshots[k] = v
	}
	return out
}

// memoryRepo commits a copy of the state only when the callback succeeds.
type memoryRepo struct {
	mu            sync.Mutex
	state         *memoryState
	forceComplete map[uuid.UUID]error
	snapshotErr   map[uuid.UUID]error
}

type memoryTx struct {
	repo  *memoryRepo
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: &memoryState{
			settings:  make(map[uuid.UUID]CalendarConfig),
			sequences: make(map[uuid.UUID]int),
			cycles:    make(map[uuid.UUID]Cycle),
			issues:    make(map[uuid.UUID]Issue),
			snapshots: make(map[string]Snapshot),
		},
		forceComplete: make(map[uuid.UUID]error),
		snapshotErr:   make(map[uuid.UUID]error),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) CalendarConfig(ctx context.Context, tenantID uuid.UUID) (CalendarConfig, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.state.settings[tenantID]
	return cfg, ok, nil
}

func (r *memoryRepo) UpsertCalendarConfig(ctx context.Context, cfg CalendarConfig) (CalendarConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	r.state.settings[cfg.TenantID] = cfg
	return cfg, nil
}

func (r *memoryRepo) ListCycles(ctx context.Context, tenantID uuid.UUID) ([]Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedCycles(r.state, tenantID), nil
}

func (r *memoryRepo) GetCycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lookupCycle(r.state, tenantID, id)
}

func (r *memoryRepo) ListSnapshots(ctx context.Context, cycleID uuid.UUID) ([]Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, snap := range r.state.snapshots {
		if snap.CycleID == cycleID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (r *memoryRepo) TenantsWithCalendar(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id := range r.state.settings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (tx *memoryTx) CalendarConfig(ctx context.Context, tenantID uuid.UUID) (CalendarConfig, bool, error) {
	cfg, ok := tx.state.settings[tenantID]
	return cfg, ok, nil
}

func (tx *memoryTx) ReserveCycleNumbers(ctx context.Context, tenantID uuid.UUID, n int) (int, error) {
	if _, ok := tx.state.settings[tenantID]; !ok {
		return 0, ErrSettingsMissing
	}
	next := tx.state.sequences[tenantID]
	for _, c := range tx.state.cycles {
		if c.TenantID == tenantID && c.Number+1 > next {
			next = c.Number + 1
		}
	}
	if next < 1 {
		next = 1
	}
	tx.state.sequences[tenantID] = next + n
	return next, nil
}

func (tx *memoryTx) ListCycles(ctx context.Context, tenantID uuid.UUID) ([]Cycle, error) {
	return sortedCycles(tx.state, tenantID), nil
}

func (tx *memoryTx) Cycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error) {
	return lookupCycle(tx.state, tenantID, id)
}

func (tx *memoryTx) LockCycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error) {
	return lookupCycle(tx.state, tenantID, id)
}

func (tx *memoryTx) InsertCycle(ctx context.Context, c Cycle) error {
	for _, existing := range tx.state.cycles {
		if existing.TenantID == c.TenantID && existing.Number == c.Number {
			return ErrConcurrentUpdate
		}
	}
	tx.state.cycles[c.ID] = c
	return nil
}

func (tx *memoryTx) DeleteCycle(ctx context.Context, id uuid.UUID) error {
	delete(tx.state.cycles, id)
	return nil
}

func (tx *memoryTx) AdvanceStatus(ctx context.Context, id uuid.UUID, to Status) (bool, error) {
	c, ok := tx.state.cycles[id]
	if !ok || !c.Status.Before(to) {
		return false, nil
	}
	c.Status = to
	tx.state.cycles[id] = c
	tx.state.statusWrites++
	return true, nil
}

func (tx *memoryTx) ForceComplete(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if err := tx.repo.forceComplete[id]; err != nil {
		return false, err
	}
	c, ok := tx.state.cycles[id]
	if !ok || c.Status == StatusCompleted {
		return false, nil
	}
	c.Status = StatusCompleted
	c.ClosedAt = &at
	tx.state.cycles[id] = c
	tx.state.statusWrites++
	return true, nil
}

func (tx *memoryTx) SetCounts(ctx context.Context, id uuid.UUID, counts Counts) error {
	c, ok := tx.state.cycles[id]
	if !ok {
		return ErrCycleNotFound
	}
	c.Counts = counts
	tx.state.cycles[id] = c
	return nil
}

func (tx *memoryTx) CountIssues(ctx context.Context, cycleID uuid.UUID) (Counts, error) {
	return Tally(linkedIssues(tx.state, cycleID)), nil
}

func (tx *memoryTx) ListCycleIssues(ctx context.Context, cycleID uuid.UUID) ([]Issue, error) {
	return linkedIssues(tx.state, cycleID), nil
}

func (tx *memoryTx) LockIssue(ctx context.Context, tenantID, id uuid.UUID) (Issue, error) {
	is, ok := tx.state.issues[id]
	if !ok || is.TenantID != tenantID {
		return Issue{}, ErrIssueNotFound
	}
	return is, nil
}

func (tx *memoryTx) RelinkIssues(ctx context.Context, ids []uuid.UUID, cycleID *uuid.UUID) error {
	for _, id := range ids {
		is := tx.state.issues[id]
		if cycleID != nil {
			target := *cycleID
			is.CycleID = &target
		} else {
			is.CycleID = nil
		}
		tx.state.issues[id] = is
	}
	return nil
}

func (tx *memoryTx) UnlinkCycleIssues(ctx context.Context, cycleID uuid.UUID) (int, error) {
	n := 0
	for id, is := range tx.state.issues {
		if is.CycleID != nil && *is.CycleID == cycleID {
			is.CycleID = nil
			tx.state.issues[id] = is
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) UpsertSnapshot(ctx context.Context, s Snapshot) (Snapshot, error) {
	if err := tx.repo.snapshotErr[s.CycleID]; err != nil {
		return Snapshot{}, err
	}
	key := s.CycleID.String() + "|" + dayKey(s.Day)
	if existing, ok := tx.state.snapshots[key]; ok {
		s.ID = existing.ID
	}
	tx.state.snapshots[key] = s
	return s, nil
}

func (tx *memoryTx) SnapshotDays(ctx context.Context, cycleID uuid.UUID) ([]time.Time, error) {
	var days []time.Time
	for _, snap := range tx.state.snapshots {
		if snap.CycleID == cycleID {
			days = append(days, snap.Day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (tx *memoryTx) DeleteSnapshots(ctx context.Context, cycleID uuid.UUID) error {
	for key, snap := range tx.state.snapshots {
		if snap.CycleID == cycleID {
			delete(tx.state.snapshots, key)
		}
	}
	return nil
}

func sortedCycles(state *memoryState, tenantID uuid.UUID) []Cycle {
	var out []Cycle
	for _, c := range state.cycles {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func lookupCycle(state *memoryState, tenantID, id uuid.UUID) (Cycle, error) {
	c, ok := state.cycles[id]
	if !ok || c.TenantID != tenantID {
		return Cycle{}, ErrCycleNotFound
	}
	return c, nil
}

func linkedIssues(state *memoryState, cycleID uuid.UUID) []Issue {
	var out []Issue
	for _, is := range state.issues {
		if is.CycleID != nil && *is.CycleID == cycleID {
			out = append(out, is)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Test helpers

func (r *memoryRepo) setCalendar(cfg CalendarConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.settings[cfg.TenantID] = cfg
}

func (r *memoryRepo) addCycle(c Cycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.cycles[c.ID] = c
}

func (r *memoryRepo) addIssue(tenantID uuid.UUID, cycleID *uuid.UUID, status IssueStatus, createdAt time.Time, completedAt *time.Time) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	is := Issue{ID: uuid.New(), TenantID: tenantID, CycleID: cycleID, Status: status, CreatedAt: createdAt, CompletedAt: completedAt}
	r.state.issues[is.ID] = is
	return is.ID
}

func (r *memoryRepo) issue(id uuid.UUID) Issue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.issues[id]
}

func (r *memoryRepo) cycle(id uuid.UUID) Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.cycles[id]
}

func (r *memoryRepo) linkedCount(cycleID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(linkedIssues(r.state, cycleID))
}

func (r *memoryRepo) snapshotCount(cycleID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, snap := range r.state.snapshots {
		if snap.CycleID == cycleID {
			n++
		}
	}
	return n
}

func (r *memoryRepo) statusWrites() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.statusWrites
}

type stubAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log.Action+":"+log.EntityID)
	return nil
}
