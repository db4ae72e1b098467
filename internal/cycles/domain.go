package cycles

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/calendar"
	"github.com/cadencehq/cadence/internal/shared"
)

// Status enumerates the cycle lifecycle. Values only ever move forward.
type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

func (s Status) rank() int {
	switch s {
	case StatusUpcoming:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// Before reports whether s precedes other in the lifecycle.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

// StatusAt derives the status a window should have at now.
func StatusAt(now time.Time, w calendar.Window) Status {
	switch {
	case now.After(w.End):
		return StatusCompleted
	case now.Before(w.Start):
		return StatusUpcoming
	default:
		return StatusActive
	}
}

// IssueStatus is the work item status as written by the issue tracker.
type IssueStatus string

const (
	IssueBacklog    IssueStatus = "backlog"
	IssueTodo       IssueStatus = "todo"
	IssueInProgress IssueStatus = "in_progress"
	IssueInReview   IssueStatus = "in_review"
	IssueDone       IssueStatus = "done"
	IssueCancelled  IssueStatus = "cancelled"
)

// Terminal reports whether the item is excluded from rollover.
func (s IssueStatus) Terminal() bool {
	return s == IssueDone || s == IssueCancelled
}

// Started reports whether the item is being worked on.
func (s IssueStatus) Started() bool {
	return s == IssueInProgress || s == IssueInReview
}

// CalendarConfig is the per-tenant scheduling policy.
type CalendarConfig struct {
	TenantID                  uuid.UUID         `json:"-"`
	IterationLengthDays       int               `json:"iterationLengthDays" validate:"oneof=7 14"`
	StartDay                  calendar.StartDay `json:"startDay" validate:"oneof=sunday monday"`
	DefaultIterationsToCreate int               `json:"defaultIterationsToCreate" validate:"min=1,max=26"`
	TimezoneOffsetMinutes     int               `json:"timezoneOffsetMinutes" validate:"min=-720,max=840"`
	AutoRolloverIncomplete    bool              `json:"autoRolloverIncomplete"`
	UpdatedAt                 time.Time         `json:"updatedAt"`
}

var validate = validator.New()

// Validate ensures the calendar settings are usable for generation.
func (c CalendarConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

// Counts mirrors the item tallies of a cycle.
type Counts struct {
	Scope     int `json:"scopeCount"`
	Started   int `json:"startedCount"`
	Completed int `json:"completedCount"`
}

// Tally aggregates counts over the given items.
func Tally(issues []Issue) Counts {
	var c Counts
	for _, is := range issues {
		c.Scope++
		switch {
		case is.Status == IssueDone:
			c.Completed++
		case is.Status.Started():
			c.Started++
		}
	}
	return c
}

// Cycle is one fixed-length iteration owned by a tenant.
type Cycle struct {
	ID            uuid.UUID      `json:"id"`
	TenantID      uuid.UUID      `json:"-"`
	Number        int            `json:"number"`
	StartsAt      time.Time      `json:"startsAt"`
	EndsAt        time.Time      `json:"endsAt"`
	Status        Status         `json:"status"`
	Counts                       // denormalised; recomputed after every structural change
	ProjectID     *uuid.UUID     `json:"projectId,omitempty"`
	Goals         string         `json:"goals,omitempty"`
	Retrospective map[string]any `json:"retrospective,omitempty"`
	ClosedAt      *time.Time     `json:"closedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Window returns the cycle's absolute time range.
func (c Cycle) Window() calendar.Window {
	return calendar.Window{Start: c.StartsAt, End: c.EndsAt}
}

// Issue is the subset of a work item the scheduler reads.
type Issue struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    uuid.UUID   `json:"-"`
	CycleID     *uuid.UUID  `json:"cycleId"`
	Status      IssueStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// Snapshot is one day of burn-up data for a cycle.
type Snapshot struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"-"`
	CycleID    uuid.UUID `json:"cycleId"`
	Day        time.Time `json:"day"`
	Counts
	// Reconstructed marks a backfilled day whose started count is approximate.
	Reconstructed bool      `json:"reconstructed"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// Reason explains the outcome of a generation request.
type Reason string

const (
	ReasonNoSettings Reason = "no_settings"
	ReasonSufficient Reason = "sufficient"
	ReasonGenerated  Reason = "generated"
)

// GenerateInput configures an explicit generation request.
type GenerateInput struct {
	Count     int        `json:"count" validate:"min=1,max=52"`
	StartFrom *time.Time `json:"startFrom,omitempty"`
}

// Validate checks the requested count.
func (in GenerateInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

// GenerateResult lists the cycles created by a generation request.
type GenerateResult struct {
	IDs    []uuid.UUID `json:"ids"`
	Cycles []Cycle     `json:"cycles"`
	Reason Reason      `json:"reason"`
}

// EnsureResult reports what ensureUpcoming did.
type EnsureResult struct {
	Generated int         `json:"generated"`
	IDs       []uuid.UUID `json:"ids,omitempty"`
	Reason    Reason      `json:"reason"`
}

// CloseInput overrides the tenant's rollover policy when Rollover is set.
type CloseInput struct {
	Rollover *bool `json:"rollover,omitempty"`
}

// CloseResult describes a completed closure.
type CloseResult struct {
	CycleID     uuid.UUID  `json:"cycleId"`
	RolledOver  int        `json:"rolledOver"`
	SuccessorID *uuid.UUID `json:"successorId"`
}

// CloseOutcome is one entry of a batch closure.
type CloseOutcome struct {
	CycleID uuid.UUID    `json:"cycleId"`
	Number  int          `json:"number"`
	Result  *CloseResult `json:"result,omitempty"`
	Err     error        `json:"-"`
	Error   string       `json:"error,omitempty"`
}

// BackfillResult summarises a historical reconstruction.
type BackfillResult struct {
	Created int `json:"created"`
	Days    int `json:"days"`
}

// Stats pairs stored counters with a live recount.
type Stats struct {
	Cycle Cycle  `json:"cycle"`
	Live  Counts `json:"live"`
	Drift bool   `json:"drift"`
}

var (
	// ErrCycleNotFound covers both missing cycles and cycles of other tenants.
	ErrCycleNotFound = fmt.Errorf("cycles: cycle not found: %w", shared.ErrNotFound)
	// ErrIssueNotFound covers both missing issues and issues of other tenants.
	ErrIssueNotFound = fmt.Errorf("cycles: issue not found: %w", shared.ErrNotFound)
	// ErrCycleAlreadyCompleted is returned when closing a completed cycle.
	ErrCycleAlreadyCompleted = fmt.Errorf("cycles: cycle already completed: %w", shared.ErrInvalidTransition)
	// ErrCycleCompleted is returned when linking work into a completed cycle.
	ErrCycleCompleted = fmt.Errorf("cycles: cycle is completed: %w", shared.ErrInvalidTransition)
	// ErrConcurrentUpdate indicates the transaction lost a race and was rolled back.
	ErrConcurrentUpdate = fmt.Errorf("cycles: concurrent update: %w", shared.ErrConflict)
	// ErrSettingsMissing is returned by writes that need calendar settings.
	ErrSettingsMissing = errors.New("cycles: calendar settings missing")
)
