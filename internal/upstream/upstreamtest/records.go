package upstreamtest

import (
	"fmt"
	"time"

	"github.com/registry-scanner/internal/upstream"
)

// GenerateRecords builds n records spread evenly over [from, to) and round-robin over jurisdictions
func GenerateRecords(n int, jurisdictions []string, from, to time.Time) []upstream.RawRecord {
	if len(jurisdictions) == 0 {
		jurisdictions = []string{"0301"}
	}
	days := int(to.Sub(from).Hours() / 24)
	if days < 1 {
		days = 1
	}

	out := make([]upstream.RawRecord, 0, n)
	for i := 0; i < n; i++ {
		j := jurisdictions[i%len(jurisdictions)]
		reg := from.AddDate(0, 0, (i*days)/max(n, 1))
		out = append(out, Record(fmt.Sprintf("%09d", 900000000+i), j, reg))
	}
	return out
}

// Record builds an active record registered in jurisdiction on reg
func Record(id, jurisdiction string, reg time.Time) upstream.RawRecord {
	return upstream.RawRecord{
		ID:               id,
		Name:             "Entity " + id,
		LegalForm:        "AS",
		Status:           "active",
		RegistrationDate: reg.Format(time.DateOnly),
		IndustryCode:     "62.010",
		ModifiedAt:       reg.Format(time.RFC3339),
		BusinessAddress: &upstream.RawAddress{
			Lines:          []string{"Storgata 1"},
			PostalCode:     "0150",
			City:           "Oslo",
			JurisdictionID: jurisdiction,
		},
	}
}
