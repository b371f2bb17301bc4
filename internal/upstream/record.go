// Package upstream is the HTTP client for the paginated business registry API.
package upstream

import (
	"time"
)

// RawRecord is an entity as returned by the registry, before normalization
type RawRecord struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	LegalForm        string      `json:"legalForm"`
	Status           string      `json:"status"`
	Bankrupt         bool        `json:"bankrupt"`
	BankruptcyDate   string      `json:"bankruptcyDate"`
	Deleted          bool        `json:"deleted"`
	DissolvedDate    string      `json:"dissolvedDate"`
	RegistrationDate string      `json:"registrationDate"`
	IndustryCode     string      `json:"industryCode"`
	ModifiedAt       string      `json:"modifiedAt"`
	BusinessAddress  *RawAddress `json:"businessAddress,omitempty"`
	PostalAddress    *RawAddress `json:"postalAddress,omitempty"`
}

// RawAddress is an address block of a raw record
type RawAddress struct {
	Lines          []string `json:"lines"`
	PostalCode     string   `json:"postalCode"`
	City           string   `json:"city"`
	JurisdictionID string   `json:"jurisdictionId"`
	Jurisdiction   string   `json:"jurisdiction"`
}

// ParseDate accepts YYYY-MM-DD or RFC3339 timestamps. Empty input returns nil.
func ParseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// ModifiedTime returns the record's modification time, if it carries a valid one
func (r RawRecord) ModifiedTime() (time.Time, bool) {
	t, err := ParseDate(r.ModifiedAt)
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// RegisteredOn returns the record's registration date, if it carries a valid one
func (r RawRecord) RegisteredOn() (time.Time, bool) {
	t, err := ParseDate(r.RegistrationDate)
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// Response is the envelope of one page of results
type Response struct {
	Records []RawRecord `json:"records"`
	Page    PageInfo    `json:"page"`
}

// PageInfo is the pagination block of a response
type PageInfo struct {
	Number        int `json:"number"`
	Size          int `json:"size"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
}
