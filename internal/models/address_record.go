package models

import (
	"strings"
	"time"

	"github.com/registry-scanner/internal/types"
)

// AddressRecord is one interval of an entity's address timeline.
// Intervals are half-open: [ValidFrom, ValidTo). ValidTo is nil while the record is current.
type AddressRecord struct {
	ID              int64             `json:"id" db:"id"`
	EntityID        string            `json:"entityId" db:"entity_id"`
	Kind            types.AddressKind `json:"kind" db:"kind"`
	JurisdictionID  string            `json:"jurisdictionId,omitempty" db:"jurisdiction_id"`
	FreeformAddress string            `json:"freeformAddress,omitempty" db:"freeform_address"`
	PostalCode      string            `json:"postalCode,omitempty" db:"postal_code"`
	ValidFrom       time.Time         `json:"validFrom" db:"valid_from"`
	ValidTo         *time.Time        `json:"validTo,omitempty" db:"valid_to"`
	IsCurrent       bool              `json:"isCurrent" db:"is_current"`
}

// SameLocation compares the structured location of two records, ignoring validity.
func (r AddressRecord) SameLocation(o AddressRecord) bool {
	return r.Kind == o.Kind &&
		normalizeToken(r.JurisdictionID) == normalizeToken(o.JurisdictionID) &&
		normalizeToken(r.PostalCode) == normalizeToken(o.PostalCode) &&
		normalizeToken(r.FreeformAddress) == normalizeToken(o.FreeformAddress)
}

// Covers reports whether t falls inside the record's validity interval
func (r AddressRecord) Covers(t time.Time) bool {
	if t.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || t.Before(*r.ValidTo)
}

func normalizeToken(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
