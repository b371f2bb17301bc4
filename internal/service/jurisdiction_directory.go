package service

import (
	"strings"
	"unicode"

	"github.com/registry-scanner/internal/config"
	"github.com/registry-scanner/internal/models"
)

// JurisdictionDirectory resolves jurisdictions from postal codes and place names
type JurisdictionDirectory struct {
	names  map[string]string
	postal map[string]string
}

// NewJurisdictionDirectory builds a directory from the detection policy
func NewJurisdictionDirectory(policy *config.DetectionPolicy) *JurisdictionDirectory {
	d := &JurisdictionDirectory{
		names:  make(map[string]string),
		postal: make(map[string]string),
	}
	if policy == nil {
		return d
	}
	for _, j := range policy.Jurisdictions {
		id := NormalizeCode(j.ID)
		d.names[nameKey(j.Name)] = id
		for _, alias := range j.Aliases {
			d.names[nameKey(alias)] = id
		}
	}
	for code, id := range policy.PostalCodes {
		d.postal[NormalizeCode(code)] = NormalizeCode(id)
	}
	return d
}

// Effective returns the record's jurisdiction. When the structured field is empty the
// jurisdiction is inferred from place names in the free-text address and inferred is true.
func (d *JurisdictionDirectory) Effective(rec models.AddressRecord) (id string, inferred bool) {
	if rec.JurisdictionID != "" {
		return rec.JurisdictionID, false
	}
	if id := d.Infer(rec.FreeformAddress); id != "" {
		return id, true
	}
	return "", false
}

// Infer finds the longest known place name in text, matched on whole words
func (d *JurisdictionDirectory) Infer(text string) string {
	haystack := " " + nameKey(text) + " "
	best, bestLen := "", 0
	for name, id := range d.names {
		if name == "" || len(name) <= bestLen {
			continue
		}
		if strings.Contains(haystack, " "+name+" ") {
			best, bestLen = id, len(name)
		}
	}
	return best
}

// PostalJurisdiction looks up the jurisdiction a postal code belongs to
func (d *JurisdictionDirectory) PostalJurisdiction(postalCode string) (string, bool) {
	if postalCode == "" {
		return "", false
	}
	id, ok := d.postal[NormalizeCode(postalCode)]
	return id, ok
}

// nameKey reduces text to upper-case words separated by single spaces
func nameKey(s string) string {
	words := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}
