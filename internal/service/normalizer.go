package service

import (
	"strings"
	"time"

	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/types"
	"github.com/registry-scanner/internal/upstream"
)

// Normalize maps a raw registry record to the canonical entity and its current addresses.
// It performs no I/O. Only a missing id is an error; every other field falls back to empty.
func Normalize(raw upstream.RawRecord) (models.Entity, []models.AddressRecord, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return models.Entity{}, nil, apperrors.NewNormalizationError(raw.Name, "id", "is missing")
	}

	entity := models.Entity{
		EntityID:         id,
		Name:             strings.TrimSpace(raw.Name),
		LegalForm:        NormalizeCode(raw.LegalForm),
		IndustryCode:     strings.TrimSpace(raw.IndustryCode),
		RegistrationDate: parseOptionalDate(raw.RegistrationDate),
	}
	entity.Status, entity.StatusChangedAt = normalizeStatus(raw)
	// a dissolved entity can still report the bankruptcy that preceded it
	entity.BankruptcyDate = parseOptionalDate(raw.BankruptcyDate)

	addresses := make([]models.AddressRecord, 0, 2)
	if rec, ok := normalizeAddress(id, types.AddressBusiness, raw.BusinessAddress); ok {
		addresses = append(addresses, rec)
	}
	if rec, ok := normalizeAddress(id, types.AddressPostal, raw.PostalAddress); ok {
		addresses = append(addresses, rec)
	}

	return entity, addresses, nil
}

// NormalizeCode trims, collapses inner whitespace and upper-cases a code or free-text value
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// normalizeStatus resolves the entity status. An explicit status wins, then the bankruptcy
// flag, then deletion. The returned time is the upstream date of the terminal event, if known.
func normalizeStatus(raw upstream.RawRecord) (types.EntityStatus, *time.Time) {
	status := types.EntityStatus(strings.ToLower(strings.TrimSpace(raw.Status)))
	switch status {
	case "under_bankruptcy", "bankruptcy":
		status = types.StatusBankrupt
	case "deleted", "removed":
		status = types.StatusDissolved
	}
	if !status.IsValid() {
		switch {
		case raw.Bankrupt:
			status = types.StatusBankrupt
		case raw.Deleted || raw.DissolvedDate != "":
			status = types.StatusDissolved
		default:
			status = types.StatusActive
		}
	}

	switch status {
	case types.StatusBankrupt:
		return status, parseOptionalDate(raw.BankruptcyDate)
	case types.StatusDissolved:
		return status, parseOptionalDate(raw.DissolvedDate)
	}
	return status, nil
}

func normalizeAddress(entityID string, kind types.AddressKind, raw *upstream.RawAddress) (models.AddressRecord, bool) {
	if raw == nil {
		return models.AddressRecord{}, false
	}

	parts := make([]string, 0, len(raw.Lines)+2)
	for _, line := range raw.Lines {
		if line = NormalizeCode(line); line != "" {
			parts = append(parts, line)
		}
	}
	postal := NormalizeCode(raw.PostalCode)
	if place := NormalizeCode(postal + " " + raw.City); place != "" {
		parts = append(parts, place)
	}

	jurisdiction := NormalizeCode(raw.JurisdictionID)
	if jurisdiction == "" {
		// keep the name so the detector can still infer the jurisdiction from text
		if name := NormalizeCode(raw.Jurisdiction); name != "" {
			parts = append(parts, name)
		}
	}

	freeform := strings.Join(parts, ", ")
	if jurisdiction == "" && postal == "" && freeform == "" {
		return models.AddressRecord{}, false
	}

	return models.AddressRecord{
		EntityID:        entityID,
		Kind:            kind,
		JurisdictionID:  jurisdiction,
		FreeformAddress: freeform,
		PostalCode:      postal,
		IsCurrent:       true,
	}, true
}

func parseOptionalDate(s string) *time.Time {
	t, err := upstream.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return t
}
