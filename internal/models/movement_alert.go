package models

import (
	"fmt"
	"time"

	"github.com/registry-scanner/internal/types"
)

// MovementAlert records a detected jurisdiction transition for an entity
type MovementAlert struct {
	ID               int64             `json:"id" db:"id"`
	EntityID         string            `json:"entityId" db:"entity_id"`
	Kind             types.AddressKind `json:"kind" db:"kind"`
	FromJurisdiction string            `json:"fromJurisdiction" db:"from_jurisdiction"`
	ToJurisdiction   string            `json:"toJurisdiction" db:"to_jurisdiction"`
	TransitionDate   time.Time         `json:"transitionDate" db:"transition_date"`
	Confidence       types.Confidence  `json:"confidence" db:"confidence"`
	RiskLevel        types.RiskLevel   `json:"riskLevel" db:"risk_level"`
	Evidence         []string          `json:"evidence" db:"evidence"`
	IsActive         bool              `json:"isActive" db:"is_active"`
	DetectedAt       time.Time         `json:"detectedAt" db:"detected_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}

// AlertKey is the upsert key of a movement alert
type AlertKey struct {
	EntityID         string
	FromJurisdiction string
	ToJurisdiction   string
	TransitionDate   time.Time
}

// Key returns the alert's upsert key
func (a MovementAlert) Key() AlertKey {
	return AlertKey{
		EntityID:         a.EntityID,
		FromJurisdiction: a.FromJurisdiction,
		ToJurisdiction:   a.ToJurisdiction,
		TransitionDate:   a.TransitionDate.UTC().Truncate(time.Second),
	}
}

func (k AlertKey) String() string {
	return fmt.Sprintf("%s:%s->%s@%s", k.EntityID, k.FromJurisdiction, k.ToJurisdiction, k.TransitionDate.Format(time.RFC3339))
}
