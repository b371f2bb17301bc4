// Package types provides common type definitions for the registry scanner system.
package types

// EntityStatus represents the lifecycle status of a registered entity
type EntityStatus string

const (
	// StatusActive represents an entity in normal operation
	StatusActive EntityStatus = "active"
	// StatusBankrupt represents an entity under bankruptcy proceedings
	StatusBankrupt EntityStatus = "bankrupt"
	// StatusDissolved represents an entity removed from the registry
	StatusDissolved EntityStatus = "dissolved"
)

// IsValid reports whether s is a known entity status
func (s EntityStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusBankrupt, StatusDissolved:
		return true
	}
	return false
}

// AddressKind distinguishes the business address from the postal address
type AddressKind string

const (
	// AddressBusiness is the registered business (visiting) address
	AddressBusiness AddressKind = "business"
	// AddressPostal is the postal address
	AddressPostal AddressKind = "postal"
)

// AddressKinds lists every tracked address kind in a stable order
var AddressKinds = []AddressKind{AddressBusiness, AddressPostal}

// IsValid reports whether k is a known address kind
func (k AddressKind) IsValid() bool {
	return k == AddressBusiness || k == AddressPostal
}

// Confidence represents how well a jurisdiction transition is corroborated
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidence levels, higher is stronger
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// RiskLevel represents the assessed risk of a movement
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels, higher is riskier
func (r RiskLevel) Rank() int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

// MaxRisk returns the riskier of two levels
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RunKind identifies the type of a sync run
type RunKind string

const (
	RunFull        RunKind = "full"
	RunIncremental RunKind = "incremental"
	RunGapFill     RunKind = "gapfill"
)

// RunStatus represents the status of a sync run
type RunStatus string

const (
	// RunStatusRunning represents a run that is still processing partitions
	RunStatusRunning RunStatus = "running"
	// RunStatusSucceeded represents a run where every partition completed
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusPartial represents a run with failed partitions or gaps
	RunStatusPartial RunStatus = "partial"
	// RunStatusFailed represents a run aborted before completion
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled represents a run stopped by its caller
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning && s != ""
}

// RunPhase represents the stage a running sync is in
type RunPhase string

const (
	PhasePlanning  RunPhase = "planning"
	PhaseSyncing   RunPhase = "syncing"
	PhaseCompleted RunPhase = "completed"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
