package models

import (
	"fmt"
	"time"
)

// Domain is the slice of the registry a run covers: jurisdictions x registration dates
type Domain struct {
	Jurisdictions []string   `json:"jurisdictions,omitempty"`
	From          time.Time  `json:"from"`
	To            time.Time  `json:"to"`
	ModifiedSince *time.Time `json:"modifiedSince,omitempty"`
}

// Partition is one query against the upstream registry whose result set stays below the cap.
// The registration date range is half-open: [From, To).
type Partition struct {
	Jurisdiction  string     `json:"jurisdiction,omitempty"`
	From          time.Time  `json:"from"`
	To            time.Time  `json:"to"`
	ModifiedSince *time.Time `json:"modifiedSince,omitempty"`
	Estimated     int        `json:"estimated"`
}

// Key returns a stable identifier used for watermarks and leases.
// The modified-since filter is not part of the key so incremental runs share watermarks with full runs.
func (p Partition) Key() string {
	j := p.Jurisdiction
	if j == "" {
		j = "*"
	}
	return fmt.Sprintf("%s|%s|%s", j, p.From.UTC().Format(time.DateOnly), p.To.UTC().Format(time.DateOnly))
}

// Span returns the width of the registration date range
func (p Partition) Span() time.Duration {
	return p.To.Sub(p.From)
}

// Contains reports whether a registration date falls within the partition
func (p Partition) Contains(t time.Time) bool {
	return !t.Before(p.From) && t.Before(p.To)
}

// Gap is a slice of the domain that could not be fully fetched
type Gap struct {
	ID               string    `json:"id" db:"id"`
	RunID            string    `json:"runId" db:"run_id"`
	Partition        Partition `json:"partition"`
	Reason           string    `json:"reason" db:"reason"`
	Cursor           int       `json:"cursor" db:"cursor"`
	EstimatedRecords int       `json:"estimatedRecords" db:"estimated_records"`
	DetectedAt       time.Time `json:"detectedAt" db:"detected_at"`
	Attempts         int       `json:"attempts" db:"attempts"`
	Resolved         bool      `json:"resolved" db:"resolved"`
}

// Gap reasons
const (
	GapReasonMinGranularity  = "min_granularity"
	GapReasonCapReached      = "cap_reached"
	GapReasonPageCeiling     = "page_ceiling"
	GapReasonFetchFailed     = "fetch_failed"
	GapReasonPlanFailed      = "plan_failed"
	GapReasonPartitionFailed = "partition_failed"
)
