package service

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/registry-scanner/internal/config"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/types"
)

// Transition is a change of effective jurisdiction between two adjacent records of one kind
type Transition struct {
	Kind             types.AddressKind
	From             models.AddressRecord
	To               models.AddressRecord
	FromJurisdiction string
	ToJurisdiction   string
	Date             time.Time
	Confidence       types.Confidence
	Evidence         []string
}

// CrossJurisdiction reports whether the transition changed jurisdiction
func (t Transition) CrossJurisdiction() bool {
	return t.FromJurisdiction != t.ToJurisdiction
}

// History is what rules evaluate: the entity, its timeline and the transitions found in it
type History struct {
	Entity      models.Entity
	Records     []models.AddressRecord
	Transitions []Transition
}

// Rule turns a history into movement alerts. Alerts from different rules with the same
// key are merged by the detector.
type Rule interface {
	Name() string
	Evaluate(h *History) []models.MovementAlert
}

// DefaultRules returns the rule set configured by the detection policy
func DefaultRules(policy *config.DetectionPolicy) []Rule {
	rules := []Rule{
		JurisdictionMoveRule{},
		BankruptcyProximityRule{Window: policy.BankruptcyWindow()},
	}
	if age := policy.RecentRegistration(); age > 0 {
		rules = append(rules, RegistrationAgeRule{MaxAge: age})
	}
	if len(policy.HighRiskIndustries) > 0 {
		rules = append(rules, IndustryRiskRule{Prefixes: policy.HighRiskIndustries})
	}
	return rules
}

func alertFor(h *History, t Transition, risk types.RiskLevel, evidence ...string) models.MovementAlert {
	return models.MovementAlert{
		EntityID:         h.Entity.EntityID,
		Kind:             t.Kind,
		FromJurisdiction: t.FromJurisdiction,
		ToJurisdiction:   t.ToJurisdiction,
		TransitionDate:   t.Date,
		Confidence:       t.Confidence,
		RiskLevel:        risk,
		Evidence:         evidence,
		IsActive:         risk.Rank() >= types.RiskMedium.Rank(),
	}
}

// JurisdictionMoveRule records every transition. Cross-jurisdiction moves are Medium risk;
// address changes within a jurisdiction are kept as inactive Low records.
type JurisdictionMoveRule struct{}

func (JurisdictionMoveRule) Name() string { return "jurisdiction_move" }

func (JurisdictionMoveRule) Evaluate(h *History) []models.MovementAlert {
	out := make([]models.MovementAlert, 0, len(h.Transitions))
	for _, t := range h.Transitions {
		date := t.Date.Format(time.DateOnly)
		if !t.CrossJurisdiction() {
			out = append(out, alertFor(h, t, types.RiskLow,
				fmt.Sprintf("%s address changed within %s on %s", t.Kind, t.ToJurisdiction, date)))
			continue
		}
		evidence := append([]string{
			fmt.Sprintf("%s address moved from %s to %s on %s", t.Kind, t.FromJurisdiction, t.ToJurisdiction, date),
		}, t.Evidence...)
		out = append(out, alertFor(h, t, types.RiskMedium, evidence...))
	}
	return out
}

// BankruptcyProximityRule escalates Medium or High confidence moves of entities that are or
// were bankrupt. A currently bankrupt entity is always Critical. An entity that went bankrupt
// within Window after the move stays Critical after it is dissolved; an earlier or later
// bankruptcy outside the window is High.
type BankruptcyProximityRule struct {
	Window time.Duration
}

func (BankruptcyProximityRule) Name() string { return "bankruptcy_proximity" }

func (r BankruptcyProximityRule) Evaluate(h *History) []models.MovementAlert {
	bankrupt := h.Entity.Status == types.StatusBankrupt
	bankruptAt := h.Entity.BankruptcyDate
	if bankruptAt == nil && bankrupt {
		bankruptAt = h.Entity.StatusChangedAt
	}
	if !bankrupt && bankruptAt == nil {
		return nil
	}

	var out []models.MovementAlert
	for _, t := range h.Transitions {
		if !t.CrossJurisdiction() || !corroborated(t) {
			continue
		}

		if bankruptAt == nil {
			out = append(out, alertFor(h, t, types.RiskCritical, "entity is bankrupt, bankruptcy date unknown"))
			continue
		}

		date := bankruptAt.Format(time.DateOnly)
		after := bankruptAt.Sub(t.Date)
		inWindow := after >= 0 && after <= r.Window
		switch {
		case inWindow:
			out = append(out, alertFor(h, t, types.RiskCritical,
				fmt.Sprintf("bankruptcy on %s, %d days after the move", date, days(after))))
		case bankrupt:
			out = append(out, alertFor(h, t, types.RiskCritical,
				fmt.Sprintf("entity is bankrupt since %s, outside the %d day window", date, days(r.Window))))
		default:
			out = append(out, alertFor(h, t, types.RiskHigh,
				fmt.Sprintf("earlier bankruptcy on %s, outside the %d day window", date, days(r.Window))))
		}
	}
	return out
}

// RegistrationAgeRule escalates Medium or High confidence moves made shortly after registration
type RegistrationAgeRule struct {
	MaxAge time.Duration
}

func (RegistrationAgeRule) Name() string { return "registration_age" }

func (r RegistrationAgeRule) Evaluate(h *History) []models.MovementAlert {
	registered := h.Entity.RegistrationDate
	if registered == nil {
		return nil
	}

	var out []models.MovementAlert
	for _, t := range h.Transitions {
		if !t.CrossJurisdiction() || !corroborated(t) {
			continue
		}
		if age := t.Date.Sub(*registered); age >= 0 && age < r.MaxAge {
			out = append(out, alertFor(h, t, types.RiskHigh,
				fmt.Sprintf("moved %d days after registration", days(age))))
		}
	}
	return out
}

// IndustryRiskRule escalates Medium or High confidence moves of entities in listed industries.
// Prefixes match industry codes by prefix, so "68" covers "68.100".
type IndustryRiskRule struct {
	Prefixes []string
}

func (IndustryRiskRule) Name() string { return "industry_risk" }

func (r IndustryRiskRule) Evaluate(h *History) []models.MovementAlert {
	code := strings.TrimSpace(h.Entity.IndustryCode)
	if code == "" || !slices.ContainsFunc(r.Prefixes, func(p string) bool { return strings.HasPrefix(code, p) }) {
		return nil
	}

	var out []models.MovementAlert
	for _, t := range h.Transitions {
		if t.CrossJurisdiction() && corroborated(t) {
			out = append(out, alertFor(h, t, types.RiskHigh, fmt.Sprintf("industry %s is high risk", code)))
		}
	}
	return out
}

// corroborated reports whether a transition is trusted enough to escalate
func corroborated(t Transition) bool {
	return t.Confidence.Rank() >= types.ConfidenceMedium.Rank()
}

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}
