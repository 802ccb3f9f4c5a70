/*
handlers.go - HTTP API handlers for the reporting-date visibility engine

PURPOSE:
  Exposes the precomputed index via REST. Handles HTTP request/response,
  JSON serialization, and delegates to the resolver, generation manager,
  and query engine.

ENDPOINTS:
  Read path:
    GET  /api/users/{userID}/reporting-dates  Dates visible to the user

  Operations:
    GET  /api/status                     Generation + rebuild health
    POST /api/admin/rebuild              Manual rebuild trigger
    POST /api/entitlements/invalidate    Entitlement-change push hook

REQUEST FLOW (read path):
  1. Resolve the user's entitled securities (cached)
  2. Pin the current generation
  3. Union the entitled securities' bitmaps
  4. Release the generation, emit the sorted dates

ERROR HANDLING:
  - Unknown user / empty entitlements: 200 with [] (valid empty result)
  - Malformed input: 400
  - Entitlement source down, no usable cache: 503
  - Rebuild already running: 409; rebuild failed: 502; trigger flood: 429
  A stale (but within ceiling) entitlement set is served normally with the
  X-Entitlements-Stale: true header so callers can tell.

SEE ALSO:
  - dto.go: Wire types
  - scheduler.go: Rebuilder used by the admin trigger
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/warp/date-engine/dateindex"
	"github.com/warp/date-engine/entitlement"
)

// maxUserIDLen bounds the path parameter; anything longer is malformed.
const maxUserIDLen = 128

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Resolver  *entitlement.Resolver
	Manager   *dateindex.Manager
	Rebuilder *Rebuilder

	// Scheduler is optional; only used to report the next run in /api/status.
	Scheduler *RebuildScheduler

	// rebuildLimiter throttles the manual trigger; a misbehaving script
	// must not be able to keep the store scan pinned.
	rebuildLimiter *rate.Limiter
}

// NewHandler creates a handler with the given collaborators.
func NewHandler(resolver *entitlement.Resolver, manager *dateindex.Manager, rebuilder *Rebuilder) *Handler {
	return &Handler{
		Resolver:       resolver,
		Manager:        manager,
		Rebuilder:      rebuilder,
		rebuildLimiter: rate.NewLimiter(rate.Every(10*time.Second), 2),
	}
}

// =============================================================================
// READ PATH
// =============================================================================

// GetReportingDates returns the reporting dates visible to a user.
// GET /api/users/{userID}/reporting-dates
func (h *Handler) GetReportingDates(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" || len(userID) > maxUserIDLen {
		writeError(w, http.StatusBadRequest, "Invalid user id", nil)
		return
	}

	set, err := h.Resolver.Resolve(r.Context(), userID)
	if err != nil {
		if entitlement.IsUnavailable(err) {
			writeError(w, http.StatusServiceUnavailable, "Entitlements unavailable", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to resolve entitlements", err)
		return
	}
	if set.Stale {
		w.Header().Set("X-Entitlements-Stale", "true")
	}

	handle := h.Manager.AcquireCurrent()
	if handle == nil {
		// No generation published yet: nothing is visible, which is a
		// valid empty result, not a failure.
		writeJSON(w, http.StatusOK, []ReportingDateDTO{})
		return
	}
	defer handle.Release()

	dates, err := dateindex.VisibleDates(r.Context(), handle.Generation(), set.Keys)
	if err != nil {
		if r.Context().Err() != nil {
			// Caller went away mid-union; nothing to write. The deferred
			// Release still runs, so no handle leaks.
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to compute visible dates", err)
		return
	}

	writeJSON(w, http.StatusOK, toReportingDateDTOs(dates))
}

// =============================================================================
// OPERATIONS
// =============================================================================

// TriggerRebuild runs a rebuild immediately.
// POST /api/admin/rebuild
func (h *Handler) TriggerRebuild(w http.ResponseWriter, r *http.Request) {
	if !h.rebuildLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "Rebuild trigger rate limited", nil)
		return
	}

	gen, err := h.Rebuilder.Run(r.Context())
	if err != nil {
		if errors.Is(err, dateindex.ErrRebuildInProgress) {
			writeError(w, http.StatusConflict, "Rebuild already in progress", nil)
			return
		}
		writeError(w, http.StatusBadGateway, "Rebuild failed; previous generation retained", err)
		return
	}

	writeJSON(w, http.StatusOK, RebuildResultDTO{
		GenerationVersion: gen.Version,
		Securities:        gen.Securities(),
		RegistryDates:     gen.Registry.Size(),
	})
}

// InvalidateEntitlements drops a user's cached entitlement set. Called by
// the entitlement source when a user's access changes.
// POST /api/entitlements/invalidate
func (h *Handler) InvalidateEntitlements(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	h.Resolver.Invalidate(req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus reports the current generation and rebuild health.
// GET /api/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	dto := StatusDTO{CachedUsers: h.Resolver.Len()}

	if gen := h.Manager.Current(); gen != nil {
		dto.GenerationVersion = gen.Version
		dto.GenerationBuiltAt = gen.BuiltAt.Format(time.RFC3339)
		dto.RegistryDates = gen.Registry.Size()
		dto.Securities = gen.Securities()
	}

	st := h.Rebuilder.Status()
	dto.RebuildRuns = st.Runs
	dto.RebuildFailures = st.Failures
	if !st.LastSuccess.IsZero() {
		dto.LastRebuildOK = st.LastSuccess.Format(time.RFC3339)
	}
	dto.LastRebuildError = st.LastError

	if h.Scheduler != nil {
		dto.NextScheduledRun = h.Scheduler.NextRunTime().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

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
