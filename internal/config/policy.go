package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DetectionPolicy holds the tunable thresholds of the movement detector
type DetectionPolicy struct {
	BankruptcyWindowDays   int                `koanf:"bankruptcy_window_days" validate:"gte=1"`
	RecentRegistrationDays int                `koanf:"recent_registration_days" validate:"gte=0"`
	HighRiskIndustries     []string           `koanf:"high_risk_industries"`
	Jurisdictions          []JurisdictionName `koanf:"jurisdictions" validate:"dive"`
	PostalCodes            map[string]string  `koanf:"postal_codes"`
}

// JurisdictionName maps free-text place names to a jurisdiction code
type JurisdictionName struct {
	ID      string   `koanf:"id" validate:"required"`
	Name    string   `koanf:"name" validate:"required"`
	Aliases []string `koanf:"aliases"`
}

// BankruptcyWindow returns the look-ahead window after a move
func (p *DetectionPolicy) BankruptcyWindow() time.Duration {
	return time.Duration(p.BankruptcyWindowDays) * 24 * time.Hour
}

// RecentRegistration returns the age below which a moving entity is considered young.
// Zero disables the check.
func (p *DetectionPolicy) RecentRegistration() time.Duration {
	return time.Duration(p.RecentRegistrationDays) * 24 * time.Hour
}

// DefaultDetectionPolicy returns the built-in policy
func DefaultDetectionPolicy() DetectionPolicy {
	return DetectionPolicy{
		BankruptcyWindowDays:   365,
		RecentRegistrationDays: 180,
		HighRiskIndustries:     []string{},
		Jurisdictions:          []JurisdictionName{},
		PostalCodes:            map[string]string{},
	}
}

var policySliceKeys = []string{"high_risk_industries"}

// LoadDetectionPolicy loads the policy in layers: defaults, then the YAML file at path
// (skipped when path is empty), then DETECTION_* environment variables.
func LoadDetectionPolicy(path string) (*DetectionPolicy, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultDetectionPolicy(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load policy defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load policy file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("DETECTION_", ".", policyEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load policy environment: %w", err)
	}

	for _, key := range policySliceKeys {
		if s, ok := k.Get(key).(string); ok {
			if err := k.Set(key, splitList(s)); err != nil {
				return nil, fmt.Errorf("failed to set %s: %w", key, err)
			}
		}
	}

	policy := &DetectionPolicy{}
	if err := k.Unmarshal("", policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
	}

	if err := validator.New().Struct(policy); err != nil {
		return nil, fmt.Errorf("invalid detection policy: %w", err)
	}

	normalizePolicy(policy)
	return policy, nil
}

// policyEnvKey maps DETECTION_BANKRUPTCY_WINDOW_DAYS to bankruptcy_window_days.
// DETECTION_POLICY_PATH names the file itself and is skipped.
func policyEnvKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "DETECTION_"))
	if key == "policy_path" {
		return ""
	}
	return key
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizePolicy(p *DetectionPolicy) {
	codes := make(map[string]string, len(p.PostalCodes))
	for postal, jurisdiction := range p.PostalCodes {
		codes[strings.ToUpper(strings.TrimSpace(postal))] = strings.ToUpper(strings.TrimSpace(jurisdiction))
	}
	p.PostalCodes = codes

	for i := range p.Jurisdictions {
		p.Jurisdictions[i].ID = strings.ToUpper(strings.TrimSpace(p.Jurisdictions[i].ID))
	}
}
