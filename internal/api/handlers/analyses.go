// Package handlers contains the HTTP handler implementations for the PropSight API.
//
// Each handler is responsible for:
//   - Decoding and validating HTTP requests
//   - Delegating to service-layer logic
//   - Encoding responses and managing HTTP-specific concerns (headers, cookies)
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"propsight/internal/billing"
	"propsight/internal/core"
	"propsight/internal/types"
)

// --- Service Interfaces ---
//
// These interfaces are defined locally so the handler depends on abstractions
// rather than concrete implementations, enabling test mocking.

// AnalysisAuthorizer decides whether a user may create one more analysis,
// consuming one unit of quota when allowed. Implemented by billing.Gate.
type AnalysisAuthorizer interface {
	AuthorizeAnalysisCreation(ctx context.Context, userID string) (*billing.Decision, error)
}

// AnalysisStore is the subset of the analysis repository the handler needs.
type AnalysisStore interface {
	Create(ctx context.Context, analysis *types.Analysis) error
	GetByID(ctx context.Context, id string, userID string) (*types.Analysis, error)
	List(ctx context.Context, params types.ListAnalysesParams) ([]*types.Analysis, types.PageInfo, error)
}

// --- Request/Response Models ---

// CreateAnalysisRequest is the request body for POST /v1/analyses.
//
// The user identity is never part of the payload; it is always taken from the
// authenticated Actor resolved by the auth middleware.
type CreateAnalysisRequest struct {
	Address    string                   `json:"address" validate:"required,max=500"`
	Type       types.AnalysisType       `json:"type" validate:"required,oneof=rental flip comparable"`
	Parameters types.AnalysisParameters `json:"parameters"`
}

// --- Handler ---

// AnalysisHandler handles the analysis CRUD surface. Creation is the only
// quota-gated operation on the platform: every request passes through the
// authorizer before any record is written.
type AnalysisHandler struct {
	gate      AnalysisAuthorizer
	store     AnalysisStore
	validator *core.Validator
	logger    *slog.Logger
}

// NewAnalysisHandler creates a new AnalysisHandler with the provided dependencies.
func NewAnalysisHandler(
	gate AnalysisAuthorizer,
	store AnalysisStore,
	v *core.Validator,
	l *slog.Logger,
) *AnalysisHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AnalysisHandler{
		gate:      gate,
		store:     store,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the analysis endpoints. The parent router has already
// applied the auth middleware, so every request carries an Actor.
func (h *AnalysisHandler) RegisterRoutes(r chi.Router) {
	r.Route("/analyses", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{analysisID}", h.Get)
	})
}

// --- Handler Methods ---

// Create handles POST /v1/analyses.
//
// Flow:
//  1. Decode and validate the CreateAnalysisRequest.
//  2. Authorize against the quota gate. A denied decision returns 403 with
//     the QUOTA_EXCEEDED reason; a gate error (storage down) fails closed.
//  3. Persist the analysis, stamping PlanAtTime from the decision.
//  4. Return 201 with the created record.
//
// If persistence fails after the authorization consumed a quota unit, the
// unit is not refunded. The counter over-reports by at most the number of
// such failures, which only ever under-admits.
func (h *AnalysisHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return
	}

	var req CreateAnalysisRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	decision, err := h.gate.AuthorizeAnalysisCreation(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if !decision.Allowed {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeLimitAnalyses,
			decision.Message,
			nil,
			map[string]any{
				"reason":       string(decision.Reason),
				"plan":         string(decision.PlanAtTime),
				"used":         decision.Count,
				"period_start": decision.Period.Start,
				"period_end":   decision.Period.End,
			},
		))
		return
	}

	now := time.Now().UTC()
	analysis := &types.Analysis{
		ID:         "an_" + uuid.New().String(),
		UserID:     actor.ID,
		Address:    req.Address,
		Type:       req.Type,
		Parameters: req.Parameters,
		Status:     types.AnalysisStatusPending,
		PlanAtTime: decision.PlanAtTime,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.store.Create(r.Context(), analysis); err != nil {
		h.logger.ErrorContext(r.Context(), "analysis insert failed after authorization",
			"user_id", actor.ID,
			"analysis_id", analysis.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: analysis})
}

// Get handles GET /v1/analyses/{analysisID}.
//
// The lookup is scoped to the authenticated user; another user's analysis ID
// returns 404 rather than 403 so that IDs are not enumerable.
func (h *AnalysisHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return
	}

	analysisID := chi.URLParam(r, "analysisID")
	if analysisID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"analysis ID is required",
			nil,
		))
		return
	}

	analysis, err := h.store.GetByID(r.Context(), analysisID, actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: analysis})
}

// List handles GET /v1/analyses.
//
// Supports cursor pagination plus optional status and type filters. Listing
// never touches the quota gate; only creation consumes quota.
func (h *AnalysisHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return
	}

	params := types.ListAnalysesParams{
		UserID: actor.ID,
		Limit:  20,
		Cursor: r.URL.Query().Get("cursor"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > 100 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"limit must be a number between 1 and 100",
				nil,
			))
			return
		}
		params.Limit = limit
	}

	if status := r.URL.Query().Get("status"); status != "" {
		switch types.AnalysisStatus(status) {
		case types.AnalysisStatusPending, types.AnalysisStatusRunning,
			types.AnalysisStatusCompleted, types.AnalysisStatusFailed:
			params.Status = types.AnalysisStatus(status)
		default:
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"status must be one of: pending, running, completed, failed",
				nil,
			))
			return
		}
	}

	if analysisType := r.URL.Query().Get("type"); analysisType != "" {
		switch types.AnalysisType(analysisType) {
		case types.AnalysisRental, types.AnalysisFlip, types.AnalysisComparable:
			params.Type = types.AnalysisType(analysisType)
		default:
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"type must be one of: rental, flip, comparable",
				nil,
			))
			return
		}
	}

	analyses, pageInfo, err := h.store.List(r.Context(), params)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: types.ListResponse[*types.Analysis]{
			Data:     analyses,
			PageInfo: pageInfo,
		},
	})
}
