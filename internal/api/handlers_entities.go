package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/service"
)

// EntitiesResponse is the entity list of one jurisdiction
type EntitiesResponse struct {
	*service.JurisdictionView
	Stale bool `json:"stale"`
}

// MovementsResponse lists the active movement alerts of one jurisdiction
type MovementsResponse struct {
	Jurisdiction string                 `json:"jurisdiction"`
	Alerts       []models.MovementAlert `json:"alerts"`
	Stale        bool                   `json:"stale"`
}

// handleGetEntities handles GET /entities/{jurisdiction}
func (s *Server) handleGetEntities(w http.ResponseWriter, r *http.Request) {
	view, stale, ok := s.jurisdictionView(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, EntitiesResponse{JurisdictionView: view, Stale: stale})
}

// handleGetMovements handles GET /entities/{jurisdiction}/movements
func (s *Server) handleGetMovements(w http.ResponseWriter, r *http.Request) {
	view, stale, ok := s.jurisdictionView(w, r)
	if !ok {
		return
	}

	// the cached view is shared, sort a copy
	alerts := make([]models.MovementAlert, len(view.Alerts))
	copy(alerts, view.Alerts)
	service.SortAlerts(alerts)

	respondJSON(w, http.StatusOK, MovementsResponse{
		Jurisdiction: view.Jurisdiction,
		Alerts:       alerts,
		Stale:        stale,
	})
}

// handleGetHistory handles GET /entities/{jurisdiction}/{entityId}/history
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jurisdiction := service.NormalizeCode(vars["jurisdiction"])
	entityID := vars["entityId"]
	if jurisdiction == "" || entityID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "jurisdiction and entity id are required", nil)
		return
	}

	history, err := s.deps.Views.LoadEntityHistory(r.Context(), entityID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	// an entity belongs to every jurisdiction it was ever registered in
	if !everIn(history.Addresses, jurisdiction) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "entity has no address in this jurisdiction", map[string]interface{}{
			"entityId":     entityID,
			"jurisdiction": jurisdiction,
		})
		return
	}

	respondJSON(w, http.StatusOK, history)
}

// jurisdictionView serves the cached view and falls back to storage on a cold miss.
// The cache schedules its own refresh in both cases.
func (s *Server) jurisdictionView(w http.ResponseWriter, r *http.Request) (*service.JurisdictionView, bool, bool) {
	jurisdiction := service.NormalizeCode(mux.Vars(r)["jurisdiction"])
	if jurisdiction == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "jurisdiction is required", nil)
		return nil, false, false
	}

	var (
		view  *service.JurisdictionView
		stale = true
	)
	if s.deps.Cache != nil {
		view, stale = s.deps.Cache.Get(jurisdiction)
	}
	if view == nil {
		loaded, err := s.deps.Views.LoadJurisdiction(r.Context(), jurisdiction)
		if err != nil {
			respondServiceError(w, r, err)
			return nil, false, false
		}
		logging.FromContext(r.Context()).WithField("jurisdiction", jurisdiction).Debug("Served jurisdiction from storage")
		view = loaded
	}

	w.Header().Set("X-Cache-Stale", strconv.FormatBool(stale))
	return view, stale, true
}

func everIn(addresses []models.AddressRecord, jurisdiction string) bool {
	for _, a := range addresses {
		if service.NormalizeCode(a.JurisdictionID) == jurisdiction {
			return true
		}
	}
	return false
}
