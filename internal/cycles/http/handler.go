package cycleshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/cycles"
	"github.com/cadencehq/cadence/internal/platform/httpx"
	"github.com/cadencehq/cadence/internal/shared"
)

// IdempotencyHeader carries the client supplied replay key on generation requests.
const IdempotencyHeader = "Idempotency-Key"

const generateModule = "cycles.generate"

type cycleService interface {
	CalendarConfig(ctx context.Context, tenantID uuid.UUID) (cycles.CalendarConfig, bool, error)
	UpdateCalendarConfig(ctx context.Context, tenantID uuid.UUID, cfg cycles.CalendarConfig) (cycles.CalendarConfig, error)
	ListCycles(ctx context.Context, tenantID uuid.UUID) ([]cycles.Cycle, error)
	GetCycle(ctx context.Context, tenantID, id uuid.UUID) (cycles.Cycle, error)
	Generate(ctx context.Context, tenantID uuid.UUID, in cycles.GenerateInput) (cycles.GenerateResult, error)
	EnsureUpcoming(ctx context.Context, tenantID uuid.UUID, minUpcoming int) (cycles.EnsureResult, error)
	UpdateStatuses(ctx context.Context, tenantID uuid.UUID) (int, error)
	DeleteCycle(ctx context.Context, tenantID, id uuid.UUID) error
	Close(ctx context.Context, tenantID, id uuid.UUID, in cycles.CloseInput) (cycles.CloseResult, error)
	RecordSnapshot(ctx context.Context, tenantID, id uuid.UUID) (cycles.Snapshot, error)
	BackfillSnapshots(ctx context.Context, tenantID, id uuid.UUID) (cycles.BackfillResult, error)
	GetSnapshots(ctx context.Context, tenantID, id uuid.UUID) ([]cycles.Snapshot, error)
	GetStats(ctx context.Context, tenantID, id uuid.UUID) (cycles.Stats, error)
	LinkIssue(ctx context.Context, tenantID, issueID uuid.UUID, cycleID *uuid.UUID) (cycles.Issue, error)
}

type idempotencyStore interface {
	CheckAndInsert(ctx context.Context, tenantID, key, module string) error
	Delete(ctx context.Context, tenantID, key string) error
}

// Handler exposes the cycle scheduler over JSON.
type Handler struct {
	logger      *slog.Logger
	service     cycleService
	idempotency idempotencyStore
	mutations   func(http.Handler) http.Handler
	minUpcoming int
}

// Options tunes the handler. Zero values disable the feature.
type Options struct {
	Idempotency           idempotencyStore
	MutationsPerMinute    int
	DefaultEnsureUpcoming int
}

type ensureRequest struct {
	MinUpcoming *int `json:"minUpcoming" validate:"omitempty,min=0,max=52"`
}

type linkRequest struct {
	CycleID *uuid.UUID `json:"cycleId"`
}

var validate = validator.New()

// NewHandler constructs the cycles HTTP handler.
func NewHandler(logger *slog.Logger, service cycleService, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger, service: service, idempotency: opts.Idempotency, minUpcoming: opts.DefaultEnsureUpcoming}
	if h.minUpcoming <= 0 {
		h.minUpcoming = 1
	}
	h.mutations = func(next http.Handler) http.Handler { return next }
	if opts.MutationsPerMinute > 0 {
		h.mutations = httprate.Limit(opts.MutationsPerMinute, time.Minute, httprate.WithKeyFuncs(tenantKey))
	}
	return h
}

// MountRoutes registers the routes under the /api prefix supplied by the caller.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/settings/calendar", h.getCalendar)
	r.Route("/cycles", func(r chi.Router) {
		r.Get("/", h.listCycles)
		r.Get("/{id}", h.getCycle)
		r.Get("/{id}/snapshots", h.getSnapshots)
		r.Get("/{id}/stats", h.getStats)
		r.Group(func(r chi.Router) {
			r.Use(h.mutations)
			r.Post("/generate", h.generate)
			r.Post("/ensure-upcoming", h.ensureUpcoming)
			r.Post("/update-statuses", h.updateStatuses)
			r.Delete("/{id}", h.deleteCycle)
			r.Post("/{id}/close", h.closeCycle)
			r.Post("/{id}/snapshots", h.recordSnapshot)
			r.Post("/{id}/snapshots/backfill", h.backfill)
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mutations)
		r.Put("/settings/calendar", h.putCalendar)
		r.Put("/issues/{id}/cycle", h.linkIssue)
	})
}

func (h *Handler) getCalendar(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	cfg, found, err := h.service.CalendarConfig(r.Context(), tenantID)
	if err != nil {
		h.fail(w, "load calendar", err)
		return
	}
	if !found {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "calendar settings not configured")
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) putCalendar(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var cfg cycles.CalendarConfig
	if err := httpx.DecodeJSON(r, &cfg); err != nil {
		httpx.RespondError(w, err)
		return
	}
	saved, err := h.service.UpdateCalendarConfig(r.Context(), tenantID, cfg)
	if err != nil {
		h.fail(w, "update calendar", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	list, err := h.service.ListCycles(r.Context(), tenantID)
	if err != nil {
		h.fail(w, "list cycles", err)
		return
	}
	if list == nil {
		list = []cycles.Cycle{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"cycles": list})
}

func (h *Handler) getCycle(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	c, err := h.service.GetCycle(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, "get cycle", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var in cycles.GenerateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := in.Validate(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), tenantID.String(), key, generateModule); err != nil {
			h.fail(w, "generate idempotency", err)
			return
		}
	}
	res, err := h.service.Generate(r.Context(), tenantID, in)
	if err != nil {
		if key != "" && h.idempotency != nil {
			_ = h.idempotency.Delete(r.Context(), tenantID.String(), key)
		}
		h.fail(w, "generate cycles", err)
		return
	}
	status := http.StatusCreated
	if res.Reason != cycles.ReasonGenerated {
		status = http.StatusOK
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) ensureUpcoming(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req ensureRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrValidation, err))
		return
	}
	minUpcoming := h.minUpcoming
	if req.MinUpcoming != nil {
		minUpcoming = *req.MinUpcoming
	}
	res, err := h.service.EnsureUpcoming(r.Context(), tenantID, minUpcoming)
	if err != nil {
		h.fail(w, "ensure upcoming", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) updateStatuses(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	changed, err := h.service.UpdateStatuses(r.Context(), tenantID)
	if err != nil {
		h.fail(w, "update statuses", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"updated": changed})
}

func (h *Handler) deleteCycle(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteCycle(r.Context(), tenantID, id); err != nil {
		h.fail(w, "delete cycle", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) closeCycle(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	var in cycles.CloseInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Close(r.Context(), tenantID, id, in)
	if err != nil {
		h.fail(w, "close cycle", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) recordSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	snap, err := h.service.RecordSnapshot(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, "record snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, snap)
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	res, err := h.service.BackfillSnapshots(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, "backfill snapshots", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) getSnapshots(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	series, err := h.service.GetSnapshots(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, "get snapshots", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"snapshots": series})
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	stats, err := h.service.GetStats(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, "get stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) linkIssue(w http.ResponseWriter, r *http.Request) {
	tenantID, issueID, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	var req linkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	issue, err := h.service.LinkIssue(r.Context(), tenantID, issueID, req.CycleID)
	if err != nil {
		h.fail(w, "link issue", err)
		return
	}
	httpx.JSON(w, http.StatusOK, issue)
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return uuid.Nil, false
	}
	return tenantID, true
}

func (h *Handler) tenantAndID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, id, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInvalidTransition), errors.Is(err, shared.ErrConflict):
		h.logger.Info(msg+" rejected", slog.Any("error", err))
	default:
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func tenantKey(r *http.Request) (string, error) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		return httprate.KeyByIP(r)
	}
	return "tenant:" + tenantID.String(), nil
}
