package cycles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadencehq/cadence/internal/calendar"
	"github.com/cadencehq/cadence/internal/platform/db"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CalendarConfig(ctx context.Context, tenantID uuid.UUID) (CalendarConfig, bool, error)
	UpsertCalendarConfig(ctx context.Context, cfg CalendarConfig) (CalendarConfig, error)
	ListCycles(ctx context.Context, tenantID uuid.UUID) ([]Cycle, error)
	GetCycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error)
	ListSnapshots(ctx context.Context, cycleID uuid.UUID) ([]Snapshot, error)
	TenantsWithCalendar(ctx context.Context) ([]uuid.UUID, error)
}

// TxRepository exposes the operations available inside one transaction.
// Cycle status can only be moved forward or forced to completed.
type TxRepository interface {
	CalendarConfig(ctx context.Context, tenantID uuid.UUID) (CalendarConfig, bool, error)
	ReserveCycleNumbers(ctx context.Context, tenantID uuid.UUID, n int) (int, error)
	ListCycles(ctx context.Context, tenantID uuid.UUID) ([]Cycle, error)
	Cycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error)
	LockCycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error)
	InsertCycle(ctx context.Context, c Cycle) error
	DeleteCycle(ctx context.Context, id uuid.UUID) error
	AdvanceStatus(ctx context.Context, id uuid.UUID, to Status) (bool, error)
	ForceComplete(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	SetCounts(ctx context.Context, id uuid.UUID, counts Counts) error
	CountIssues(ctx context.Context, cycleID uuid.UUID) (Counts, error)
	ListCycleIssues(ctx context.Context, cycleID uuid.UUID) ([]Issue, error)
	LockIssue(ctx context.Context, tenantID, id uuid.UUID) (Issue, error)
	RelinkIssues(ctx context.Context, ids []uuid.UUID, cycleID *uuid.UUID) error
	UnlinkCycleIssues(ctx context.Context, cycleID uuid.UUID) (int, error)
	UpsertSnapshot(ctx context.Context, s Snapshot) (Snapshot, error)
	SnapshotDays(ctx context.Context, cycleID uuid.UUID) ([]time.Time, error)
	DeleteSnapshots(ctx context.Context, cycleID uuid.UUID) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists cycles, their snapshots and calendar settings in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	q querier
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("cycles: repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
	if db.IsSerializationFailure(err) {
		return ErrConcurrentUpdate
	}
	return err
}

// CalendarConfig loads the tenant's settings; found is false when none exist.
func (r *Repository) CalendarConfig(ctx context.Context, tenantID uuid.UUID) (CalendarConfig, bool, error) {
	return loadCalendarConfig(ctx, r.pool, tenantID)
}

// UpsertCalendarConfig stores settings without touching existing cycles.
func (r *Repository) UpsertCalendarConfig(ctx context.Context, cfg CalendarConfig) (CalendarConfig, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO cycle_settings (tenant_id, iteration_length_days, start_day, default_iterations_to_create, timezone_offset_minutes, auto_rollover_incomplete, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (tenant_id) DO UPDATE SET
	iteration_length_days = EXCLUDED.iteration_length_days,
	start_day = EXCLUDED.start_day,
	default_iterations_to_create = EXCLUDED.default_iterations_to_create,
	timezone_offset_minutes = EXCLUDED.timezone_offset_minutes,
	auto_rollover_incomplete = EXCLUDED.auto_rollover_incomplete,
	updated_at = NOW()
RETURNING `+settingsColumns,
		cfg.TenantID, cfg.IterationLengthDays, string(cfg.StartDay), cfg.DefaultIterationsToCreate, cfg.TimezoneOffsetMinutes, cfg.AutoRolloverIncomplete)
	return scanCalendarConfig(row)
}

// ListCycles returns every cycle of a tenant ordered by number.
func (r *Repository) ListCycles(ctx context.Context, tenantID uuid.UUID) ([]Cycle, error) {
	return listCycles(ctx, r.pool, tenantID)
}

// GetCycle loads a tenant's cycle by id.
func (r *Repository) GetCycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error) {
	return getCycle(ctx, r.pool, tenantID, id, false)
}

// ListSnapshots returns the series for a cycle ordered by day.
func (r *Repository) ListSnapshots(ctx context.Context, cycleID uuid.UUID) ([]Snapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+snapshotColumns+` FROM cycle_snapshots WHERE cycle_id = $1 ORDER BY day`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// TenantsWithCalendar lists active tenants that opted into scheduling.
func (r *Repository) TenantsWithCalendar(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT s.tenant_id FROM cycle_settings s JOIN tenants t ON t.id = s.tenant_id WHERE t.disabled_at IS NULL ORDER BY s.tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepo) CalendarConfig(ctx context.Context, tenantID uuid.UUID) (CalendarConfig, bool, error) {
	return loadCalendarConfig(ctx, r.q, tenantID)
}

// ReserveCycleNumbers claims n consecutive numbers from the tenant sequence and
// returns the first. The sequence never falls behind existing numbers.
func (r *txRepo) ReserveCycleNumbers(ctx context.Context, tenantID uuid.UUID, n int) (int, error) {
	var first int
	err := r.q.QueryRow(ctx, `UPDATE cycle_settings
SET next_cycle_number = GREATEST(next_cycle_number, COALESCE((SELECT MAX(number) FROM cycles WHERE tenant_id = $1), 0) + 1) + $2,
	updated_at = NOW()
WHERE tenant_id = $1
RETURNING next_cycle_number - $2`, tenantID, n).Scan(&first)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrSettingsMissing
		}
		return 0, err
	}
	return first, nil
}

func (r *txRepo) ListCycles(ctx context.Context, tenantID uuid.UUID) ([]Cycle, error) {
	return listCycles(ctx, r.q, tenantID)
}

func (r *txRepo) Cycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error) {
	return getCycle(ctx, r.q, tenantID, id, false)
}

func (r *txRepo) LockCycle(ctx context.Context, tenantID, id uuid.UUID) (Cycle, error) {
	return getCycle(ctx, r.q, tenantID, id, true)
}

func (r *txRepo) InsertCycle(ctx context.Context, c Cycle) error {
	retro, err := marshalRetrospective(c.Retrospective)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `INSERT INTO cycles (id, tenant_id, number, starts_at, ends_at, status, scope_count, started_count, completed_count, project_id, goals, retrospective, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		c.ID, c.TenantID, c.Number, c.StartsAt, c.EndsAt, string(c.Status),
		c.Scope, c.Started, c.Completed, uuidToPg(c.ProjectID), c.Goals, retro, c.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrConcurrentUpdate
	}
	return err
}

func (r *txRepo) DeleteCycle(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM cycles WHERE id = $1`, id)
	return err
}

// AdvanceStatus applies forward-only transitions; it reports false when the
// stored status is already at or past the target.
func (r *txRepo) AdvanceStatus(ctx context.Context, id uuid.UUID, to Status) (bool, error) {
	tag, err := r.q.Exec(ctx, `UPDATE cycles SET status = $2, updated_at = NOW()
WHERE id = $1 AND `+statusRankSQL("status")+` < `+statusRankSQL("$2::text"), id, string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepo) ForceComplete(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `UPDATE cycles SET status = 'completed', closed_at = $2, updated_at = NOW() WHERE id = $1 AND status <> 'completed'`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepo) SetCounts(ctx context.Context, id uuid.UUID, counts Counts) error {
	_, err := r.q.Exec(ctx, `UPDATE cycles SET scope_count = $2, started_count = $3, completed_count = $4, updated_at = NOW() WHERE id = $1`,
		id, counts.Scope, counts.Started, counts.Completed)
	return err
}

func (r *txRepo) CountIssues(ctx context.Context, cycleID uuid.UUID) (Counts, error) {
	var c Counts
	err := r.q.QueryRow(ctx, `SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status IN ('in_progress', 'in_review')),
	COUNT(*) FILTER (WHERE status = 'done')
FROM issues WHERE cycle_id = $1`, cycleID).Scan(&c.Scope, &c.Started, &c.Completed)
	return c, err
}

func (r *txRepo) ListCycleIssues(ctx context.Context, cycleID uuid.UUID) ([]Issue, error) {
	rows, err := r.q.Query(ctx, `SELECT `+issueColumns+` FROM issues WHERE cycle_id = $1 ORDER BY created_at, id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

func (r *txRepo) LockIssue(ctx context.Context, tenantID, id uuid.UUID) (Issue, error) {
	row := r.q.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID)
	is, err := scanIssue(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Issue{}, ErrIssueNotFound
	}
	return is, err
}

func (r *txRepo) RelinkIssues(ctx context.Context, ids []uuid.UUID, cycleID *uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := r.q.Exec(ctx, `UPDATE issues SET cycle_id = $2, updated_at = NOW() WHERE id = ANY($1::uuid[])`, raw, uuidToPg(cycleID))
	return err
}

func (r *txRepo) UnlinkCycleIssues(ctx context.Context, cycleID uuid.UUID) (int, error) {
	tag, err := r.q.Exec(ctx, `UPDATE issues SET cycle_id = NULL, updated_at = NOW() WHERE cycle_id = $1`, cycleID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *txRepo) UpsertSnapshot(ctx context.Context, s Snapshot) (Snapshot, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO cycle_snapshots (id, tenant_id, cycle_id, day, scope_count, started_count, completed_count, reconstructed, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (cycle_id, day) DO UPDATE SET
	scope_count = EXCLUDED.scope_count,
	started_count = EXCLUDED.started_count,
	completed_count = EXCLUDED.completed_count,
	reconstructed = EXCLUDED.reconstructed,
	recorded_at = EXCLUDED.recorded_at
RETURNING `+snapshotColumns,
		s.ID, s.TenantID, s.CycleID, pgtype.Date{Time: s.Day, Valid: true}, s.Scope, s.Started, s.Completed, s.Reconstructed, s.RecordedAt)
	return scanSnapshot(row)
}

func (r *txRepo) SnapshotDays(ctx context.Context, cycleID uuid.UUID) ([]time.Time, error) {
	rows, err := r.q.Query(ctx, `SELECT day FROM cycle_snapshots WHERE cycle_id = $1 ORDER BY day`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var days []time.Time
	for rows.Next() {
		var d pgtype.Date
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		days = append(days, d.Time.UTC())
	}
	return days, rows.Err()
}

func (r *txRepo) DeleteSnapshots(ctx context.Context, cycleID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM cycle_snapshots WHERE cycle_id = $1`, cycleID)
	return err
}

const (
	settingsColumns = `tenant_id, iteration_length_days, start_day, default_iterations_to_create, timezone_offset_minutes, auto_rollover_incomplete, updated_at`
	cycleColumns    = `id, tenant_id, number, starts_at, ends_at, status, scope_count, started_count, completed_count, project_id, goals, retrospective, closed_at, created_at, updated_at`
	issueColumns    = `id, tenant_id, cycle_id, status, created_at, completed_at`
	snapshotColumns = `id, tenant_id, cycle_id, day, scope_count, started_count, completed_count, reconstructed, recorded_at`
)

func statusRankSQL(expr string) string {
	return `(CASE ` + expr + ` WHEN 'upcoming' THEN 0 WHEN 'active' THEN 1 WHEN 'completed' THEN 2 ELSE -1 END)`
}

func loadCalendarConfig(ctx context.Context, q querier, tenantID uuid.UUID) (CalendarConfig, bool, error) {
	cfg, err := scanCalendarConfig(q.QueryRow(ctx, `SELECT `+settingsColumns+` FROM cycle_settings WHERE tenant_id = $1`, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CalendarConfig{}, false, nil
		}
		return CalendarConfig{}, false, err
	}
	return cfg, true, nil
}

func listCycles(ctx context.Context, q querier, tenantID uuid.UUID) ([]Cycle, error) {
	rows, err := q.Query(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE tenant_id = $1 ORDER BY number`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func getCycle(ctx context.Context, q querier, tenantID, id uuid.UUID, forUpdate bool) (Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE id = $1 AND tenant_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCycle(q.QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Cycle{}, ErrCycleNotFound
	}
	return c, err
}

func scanCalendarConfig(row pgx.Row) (CalendarConfig, error) {
	var cfg CalendarConfig
	var startDay string
	err := row.Scan(&cfg.TenantID, &cfg.IterationLengthDays, &startDay, &cfg.DefaultIterationsToCreate,
		&cfg.TimezoneOffsetMinutes, &cfg.AutoRolloverIncomplete, &cfg.UpdatedAt)
	if err != nil {
		return CalendarConfig{}, err
	}
	cfg.StartDay = calendar.StartDay(startDay)
	return cfg, nil
}

func scanCycle(row pgx.Row) (Cycle, error) {
	var (
		c         Cycle
		status    string
		projectID pgtype.UUID
		retro     []byte
		closedAt  pgtype.Timestamptz
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Number, &c.StartsAt, &c.EndsAt, &status,
		&c.Scope, &c.Started, &c.Completed, &projectID, &c.Goals, &retro, &closedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Cycle{}, err
	}
	c.Status = Status(status)
	c.ProjectID = uuidFromPg(projectID)
	c.ClosedAt = timeToPointer(closedAt)
	if len(retro) > 0 {
		_ = json.Unmarshal(retro, &c.Retrospective)
	}
	return c, nil
}

func scanIssue(row pgx.Row) (Issue, error) {
	var (
		is          Issue
		status      string
		cycleID     pgtype.UUID
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&is.ID, &is.TenantID, &cycleID, &status, &is.CreatedAt, &completedAt); err != nil {
		return Issue{}, err
	}
	is.Status = IssueStatus(status)
	is.CycleID = uuidFromPg(cycleID)
	is.CompletedAt = timeToPointer(completedAt)
	return is, nil
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var (
		s   Snapshot
		day pgtype.Date
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.CycleID, &day, &s.Scope, &s.Started, &s.Completed, &s.Reconstructed, &s.RecordedAt)
	if err != nil {
		return Snapshot{}, err
	}
	s.Day = day.Time.UTC()
	return s, nil
}

// Helpers

func marshalRetrospective(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func uuidToPg(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func uuidFromPg(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := uuid.UUID(id.Bytes)
	return &v
}

func timeToPointer(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
