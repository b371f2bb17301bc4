package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/service"
)

// FullSyncRequest optionally narrows a full population run
type FullSyncRequest struct {
	Jurisdictions []string   `json:"jurisdictions,omitempty" validate:"omitempty,dive,required,max=32"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
}

// IncrementalSyncRequest selects what an incremental run re-reads
type IncrementalSyncRequest struct {
	Since         *time.Time `json:"since,omitempty"`
	Jurisdictions []string   `json:"jurisdictions,omitempty" validate:"omitempty,dive,required,max=32"`
}

// GapFillRequest selects which open gaps to retry. Empty means the oldest open gaps.
type GapFillRequest struct {
	GapIDs []string `json:"gapIds,omitempty" validate:"omitempty,dive,required"`
	Limit  int      `json:"limit,omitempty" validate:"gte=0,lte=10000"`
}

// RunAccepted is the response to a started run
type RunAccepted struct {
	RunID string `json:"runId"`
}

// handleSyncFull handles POST /sync/full
func (s *Server) handleSyncFull(w http.ResponseWriter, r *http.Request) {
	var req FullSyncRequest
	if !s.decode(w, r, &req) {
		return
	}

	domain := models.Domain{Jurisdictions: normalizeCodes(req.Jurisdictions)}
	if req.From != nil {
		domain.From = req.From.UTC()
	}
	if req.To != nil {
		domain.To = req.To.UTC()
	}
	if req.From != nil && req.To != nil && !domain.To.After(domain.From) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "to must be after from", nil)
		return
	}

	runID, err := s.deps.Runs.StartFullPopulation(r.Context(), domain)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	s.accepted(w, runID)
}

// handleSyncIncremental handles POST /sync/incremental
func (s *Server) handleSyncIncremental(w http.ResponseWriter, r *http.Request) {
	var req IncrementalSyncRequest
	if !s.decode(w, r, &req) {
		return
	}

	var since *time.Time
	if req.Since != nil {
		t := req.Since.UTC()
		if t.After(time.Now()) {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "since must not be in the future", nil)
			return
		}
		since = &t
	}

	runID, err := s.deps.Runs.StartIncrementalDelta(r.Context(), since, normalizeCodes(req.Jurisdictions)...)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	s.accepted(w, runID)
}

// handleSyncGapFill handles POST /sync/gapfill
func (s *Server) handleSyncGapFill(w http.ResponseWriter, r *http.Request) {
	var req GapFillRequest
	if !s.decode(w, r, &req) {
		return
	}

	var gaps []models.Gap
	if len(req.GapIDs) > 0 || req.Limit > 0 {
		if s.deps.Gaps == nil {
			respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "gap selection is not available", nil)
			return
		}
		limit := req.Limit
		if len(req.GapIDs) > 0 {
			limit = 0
		}
		open, err := s.deps.Gaps.ListOpenGaps(r.Context(), limit)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		gaps = open
		if len(req.GapIDs) > 0 {
			var missing []string
			gaps, missing = selectGaps(open, req.GapIDs)
			if len(missing) > 0 {
				respondError(w, http.StatusNotFound, ErrCodeNotFound, "no open gap with the given id", map[string]interface{}{
					"gapIds": missing,
				})
				return
			}
		}
	}

	runID, err := s.deps.Runs.StartGapFill(r.Context(), gaps)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	s.accepted(w, runID)
}

// handleSyncStatus handles GET /sync/status/{id}
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(mux.Vars(r)["id"])
	if runID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "run id is required", nil)
		return
	}

	run, err := s.deps.Runs.Status(r.Context(), runID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// decode parses and validates a request body, answering 400 when it is unusable
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := parseJSONBody(r, v); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("body", err.Error()))
		return false
	}
	return true
}

func (s *Server) accepted(w http.ResponseWriter, runID string) {
	w.Header().Set("Location", "/sync/status/"+runID)
	respondJSON(w, http.StatusAccepted, RunAccepted{RunID: runID})
}

func normalizeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, service.NormalizeCode(c))
	}
	return out
}

// selectGaps picks the open gaps with the given IDs and reports the IDs that matched none
func selectGaps(open []models.Gap, ids []string) ([]models.Gap, []string) {
	byID := make(map[string]models.Gap, len(open))
	for _, g := range open {
		byID[g.ID] = g
	}
	var (
		selected []models.Gap
		missing  []string
	)
	for _, id := range ids {
		g, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		selected = append(selected, g)
	}
	return selected, missing
}
