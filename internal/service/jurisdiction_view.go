package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/storage"
)

// JurisdictionView is the cached read model of one jurisdiction
type JurisdictionView struct {
	Jurisdiction string                 `json:"jurisdiction"`
	Entities     []models.Entity        `json:"entities"`
	Alerts       []models.MovementAlert `json:"alerts"`
	LoadedAt     time.Time              `json:"loadedAt"`
}

// EntityHistory is the full timeline and alert set of one entity
type EntityHistory struct {
	Entity    models.Entity          `json:"entity"`
	Addresses []models.AddressRecord `json:"addresses"`
	Alerts    []models.MovementAlert `json:"alerts"`
}

// ViewService builds read models from the repository
type ViewService struct {
	repo storage.Repository
}

// NewViewService creates a new view service
func NewViewService(repo storage.Repository) *ViewService {
	return &ViewService{repo: repo}
}

// LoadJurisdiction reads the current entities and active alerts of a jurisdiction
func (s *ViewService) LoadJurisdiction(ctx context.Context, jurisdiction string) (*JurisdictionView, error) {
	jurisdiction = NormalizeCode(jurisdiction)

	entities, err := s.repo.ListEntitiesByJurisdiction(ctx, jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	alerts, err := s.repo.ListAlertsByJurisdiction(ctx, jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	SortAlerts(alerts)

	return &JurisdictionView{
		Jurisdiction: jurisdiction,
		Entities:     entities,
		Alerts:       alerts,
		LoadedAt:     time.Now().UTC(),
	}, nil
}

// LoadEntityHistory reads one entity with its complete address timeline and alerts
func (s *ViewService) LoadEntityHistory(ctx context.Context, entityID string) (*EntityHistory, error) {
	entity, err := s.repo.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	addresses, err := s.repo.GetAddressHistory(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load address history: %w", err)
	}
	alerts, err := s.repo.ListAlertsForEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}
	SortAlerts(alerts)

	return &EntityHistory{Entity: *entity, Addresses: addresses, Alerts: alerts}, nil
}

// SortAlerts orders alerts by risk, then confidence, both descending, then newest transition first
func SortAlerts(alerts []models.MovementAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.RiskLevel.Rank() != b.RiskLevel.Rank() {
			return a.RiskLevel.Rank() > b.RiskLevel.Rank()
		}
		if a.Confidence.Rank() != b.Confidence.Rank() {
			return a.Confidence.Rank() > b.Confidence.Rank()
		}
		return a.TransitionDate.After(b.TransitionDate)
	})
}
