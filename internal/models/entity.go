// Package models holds the persistent domain records of the registry scanner.
package models

import (
	"time"

	"github.com/registry-scanner/internal/types"
)

// Entity represents a registered business entity
type Entity struct {
	EntityID         string             `json:"entityId" db:"entity_id"`
	Name             string             `json:"name" db:"name"`
	LegalForm        string             `json:"legalForm" db:"legal_form"`
	Status           types.EntityStatus `json:"status" db:"status"`
	StatusChangedAt  *time.Time         `json:"statusChangedAt,omitempty" db:"status_changed_at"`
	// BankruptcyDate is kept once known, also after the entity is later dissolved
	BankruptcyDate   *time.Time         `json:"bankruptcyDate,omitempty" db:"bankruptcy_date"`
	RegistrationDate *time.Time         `json:"registrationDate,omitempty" db:"registration_date"`
	IndustryCode     string             `json:"industryCode,omitempty" db:"industry_code"`
	FirstSeenAt      time.Time          `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt       time.Time          `json:"lastSeenAt" db:"last_seen_at"`
	UpdatedAt        time.Time          `json:"updatedAt" db:"updated_at"`
	// DetectionPending is set when a merge changed the timeline and cleared once alerts are rebuilt
	DetectionPending bool               `json:"-" db:"detection_pending"`
}

// SameAttributes reports whether the tracked attributes of two snapshots match.
// Bookkeeping timestamps are ignored.
func (e Entity) SameAttributes(o Entity) bool {
	return e.EntityID == o.EntityID &&
		e.Name == o.Name &&
		e.LegalForm == o.LegalForm &&
		e.Status == o.Status &&
		sameDay(e.BankruptcyDate, o.BankruptcyDate) &&
		e.IndustryCode == o.IndustryCode &&
		sameDay(e.RegistrationDate, o.RegistrationDate)
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UTC().Format(time.DateOnly) == b.UTC().Format(time.DateOnly)
}
