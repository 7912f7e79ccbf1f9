/*
handlers.go - HTTP API handlers for the profile allocation engine

PURPOSE:
  Exposes subscriptions, profile bindings, capacity and lifecycle operations
  over REST. Handlers parse the request, call one engine operation and map
  the result or error to JSON.

ENDPOINTS:
  Subscriptions:
    POST   /api/subscriptions                   Create (PENDING)
    GET    /api/subscriptions/{id}              Get one
    DELETE /api/subscriptions/{id}              Delete, releasing its slots
    GET    /api/subscriptions/{id}/profiles     Bindings, oldest first
    POST   /api/subscriptions/{id}/profiles     Assign a batch of slots
    GET    /api/subscriptions/{id}/capacity     Capacity report

  Profiles:
    DELETE /api/profiles/{id}                   Unassign (idempotent)

  Catalog:
    GET    /api/platforms/{id}/assignable-accounts
    POST   /api/catalog/import                  YAML catalog body

  Operations:
    POST   /api/lifecycle/sweep                 Run a sweep now
    GET    /api/lifecycle/runs?limit=N          Recent sweeps
    GET    /api/rates                           Stored currency rates
    POST   /api/jobs/{name}/run                 Run a scheduled job now

ERROR HANDLING:
  - 400: Malformed body, failed validation, invalid selection
  - 404: Unknown subscription, platform, account or slot
  - 409: Slot already assigned (or selected twice), job already running
  - 422: Capacity exceeded, platform unsupported or not offered,
         account unavailable, subscription expired
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. The API is meant for internal callers.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/warp/profile-engine/allocation"
	"github.com/warp/profile-engine/capacity"
	"github.com/warp/profile-engine/lifecycle"
	"github.com/warp/profile-engine/model"
	"github.com/warp/profile-engine/scheduler"
	"github.com/warp/profile-engine/seed"
	"github.com/warp/profile-engine/subscription"
)

var validate = validator.New()

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// JobRunner runs a named background job on demand.
type JobRunner interface {
	RunNow(name string) error
}

// Deps are the components the handlers delegate to. Jobs may be nil, in
// which case the job endpoint answers 503.
type Deps struct {
	Subscriptions *subscription.Service
	Allocation    *allocation.Engine
	Capacity      *capacity.Model
	Lifecycle     *lifecycle.Manager
	Importer      *seed.Importer
	Runs          model.RunStore
	Rates         model.RateStore
	Jobs          JobRunner
	Logger        zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	subscriptions *subscription.Service
	allocation    *allocation.Engine
	capacity      *capacity.Model
	lifecycle     *lifecycle.Manager
	importer      *seed.Importer
	runs          model.RunStore
	rates         model.RateStore
	jobs          JobRunner
	logger        zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		subscriptions: d.Subscriptions,
		allocation:    d.Allocation,
		capacity:      d.Capacity,
		lifecycle:     d.Lifecycle,
		importer:      d.Importer,
		runs:          d.Runs,
		rates:         d.Rates,
		jobs:          d.Jobs,
		logger:        d.Logger.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// SUBSCRIPTION ENDPOINTS
// =============================================================================

// CreateSubscription stores a new PENDING subscription.
// POST /api/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sub, err := h.subscriptions.CreateSubscription(r.Context(), subscription.CreateRequest{
		UserID:          model.UserID(req.UserID),
		OfferID:         model.OfferID(req.OfferID),
		PlatformOfferID: model.PlatformOfferID(req.PlatformOfferID),
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		AutoRenew:       req.AutoRenew,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionDTO(*sub))
}

// GetSubscription returns one subscription.
// GET /api/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id := model.SubscriptionID(chi.URLParam(r, "id"))
	sub, err := h.subscriptions.GetSubscription(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(*sub))
}

// DeleteSubscription removes a subscription and frees its slots.
// DELETE /api/subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := model.SubscriptionID(chi.URLParam(r, "id"))
	if err := h.subscriptions.DeleteSubscription(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to delete subscription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSubscriptionProfiles lists a subscription's bindings.
// GET /api/subscriptions/{id}/profiles
func (h *Handler) GetSubscriptionProfiles(w http.ResponseWriter, r *http.Request) {
	id := model.SubscriptionID(chi.URLParam(r, "id"))
	profiles, err := h.subscriptions.GetSubscriptionProfiles(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get profiles", err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTOs(profiles))
}

// AssignProfiles binds a batch of slots, all or nothing.
// POST /api/subscriptions/{id}/profiles
func (h *Handler) AssignProfiles(w http.ResponseWriter, r *http.Request) {
	id := model.SubscriptionID(chi.URLParam(r, "id"))

	var req AssignProfilesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	selections := make([]allocation.SlotSelection, 0, len(req.Selections))
	for _, s := range req.Selections {
		selections = append(selections, allocation.SlotSelection{
			AccountID:        model.AccountID(s.AccountID),
			AccountProfileID: model.AccountProfileID(s.AccountProfileID),
			ProfileSlot:      s.ProfileSlot,
		})
	}

	created, err := h.allocation.AssignProfiles(r.Context(), id, selections)
	if err != nil {
		h.writeDomainError(w, "Failed to assign profiles", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProfileDTOs(created))
}

// GetCapacity reports how many more bindings the subscription may take.
// GET /api/subscriptions/{id}/capacity
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	id := model.SubscriptionID(chi.URLParam(r, "id"))
	report, err := h.capacity.SubscriptionCapacity(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get capacity", err)
		return
	}
	writeJSON(w, http.StatusOK, toCapacityDTO(report))
}

// =============================================================================
// PROFILE ENDPOINTS
// =============================================================================

// UnassignProfile releases a binding. Unknown ids succeed.
// DELETE /api/profiles/{id}
func (h *Handler) UnassignProfile(w http.ResponseWriter, r *http.Request) {
	id := model.ProfileID(chi.URLParam(r, "id"))
	if err := h.allocation.UnassignProfile(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to unassign profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// ListAssignableAccounts lists accounts with free slots on a platform.
// GET /api/platforms/{id}/assignable-accounts
func (h *Handler) ListAssignableAccounts(w http.ResponseWriter, r *http.Request) {
	id := model.PlatformID(chi.URLParam(r, "id"))
	accounts, err := h.allocation.ListAssignableAccounts(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list assignable accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignableDTOs(accounts))
}

// ImportCatalog upserts a YAML catalog document.
// POST /api/catalog/import
func (h *Handler) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := seed.Parse(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid catalog", err)
		return
	}
	sum, err := h.importer.Import(r.Context(), cat)
	if err != nil {
		h.writeDomainError(w, "Failed to import catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// =============================================================================
// OPERATIONS ENDPOINTS
// =============================================================================

// TriggerSweep runs one lifecycle sweep synchronously.
// POST /api/lifecycle/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	run, err := h.lifecycle.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Lifecycle sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// ListLifecycleRuns returns recent sweeps, newest first.
// GET /api/lifecycle/runs
func (h *Handler) ListLifecycleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	runs, err := h.runs.ListLifecycleRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get lifecycle runs", err)
		return
	}
	dtos := make([]LifecycleRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunJob runs a scheduled job synchronously, through the same guard as its
// scheduled ticks.
// POST /api/jobs/{name}/run
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "Job scheduler not available", nil)
		return
	}
	name := chi.URLParam(r, "name")
	err := h.jobs.RunNow(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, JobRunDTO{Job: name, Status: "completed"})
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "Job not found", err)
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, http.StatusConflict, "Job already running", err)
	default:
		h.logger.Error().Err(err).Str("job", name).Msg("failed to run job")
		writeError(w, http.StatusInternalServerError, "Failed to run job", err)
	}
}

// ListRates returns the stored currency rates.
// GET /api/rates
func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.rates.ListRates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rates", err)
		return
	}
	dtos := make([]CurrencyRateDTO, 0, len(rates))
	for _, rate := range rates {
		dtos = append(dtos, CurrencyRateDTO{
			Code:      rate.Code,
			Base:      rate.Base,
			Rate:      rate.Rate.String(),
			FetchedAt: rate.FetchedAt,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body and runs struct validation.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidSelection), errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case model.IsClientError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg(message)
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}
	var capErr *model.CapacityError
	if errors.As(err, &capErr) {
		remaining := capErr.Remaining()
		resp.Remaining = &remaining
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
