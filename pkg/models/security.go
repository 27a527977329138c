package models

import "time"

type Severity string

const (
	LowSeverity      Severity = "LOW"
	MediumSeverity   Severity = "MEDIUM"
	HighSeverity     Severity = "HIGH"
	CriticalSeverity Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank below Low.
func (s Severity) Rank() int {
	switch s {
	case LowSeverity:
		return 1
	case MediumSeverity:
		return 2
	case HighSeverity:
		return 3
	case CriticalSeverity:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

type ViolationType string

const (
	SubsearchViolation               ViolationType = "SUBSEARCH"
	ForbiddenCommandViolation        ViolationType = "FORBIDDEN_COMMAND"
	ProtectedResourceAccessViolation ViolationType = "PROTECTED_RESOURCE_ACCESS"
	ComplexityExceededViolation      ViolationType = "COMPLEXITY_EXCEEDED"
	SuspiciousPatternViolation       ViolationType = "SUSPICIOUS_PATTERN"
)

// SecurityViolation is an append-only finding produced by query validation.
type SecurityViolation struct {
	Type     ViolationType `json:"violation_type" db:"violation_type"`
	Message  string        `json:"message" db:"message"`
	Severity Severity      `json:"severity" db:"severity"`
	Pattern  string        `json:"pattern,omitempty" db:"pattern"` // Heuristic name for SUSPICIOUS_PATTERN
	TaskID   string        `json:"task_id,omitempty" db:"task_id"` // Set when recorded during a run
	Query    string        `json:"query,omitempty" db:"query"`     // Set when recorded during a run
}

// Blocking reports whether the violation rejects the query on its own.
func (v SecurityViolation) Blocking() bool {
	return v.Type != SuspiciousPatternViolation
}

type ThreatType string

const (
	RateLimitExceededThreat       ThreatType = "RATE_LIMIT_EXCEEDED"
	AnomalousQueryLengthThreat    ThreatType = "ANOMALOUS_QUERY_LENGTH"
	AnomalousResourceAccessThreat ThreatType = "ANOMALOUS_RESOURCE_ACCESS"
	InjectionAttemptThreat        ThreatType = "INJECTION_ATTEMPT"
	ExfiltrationIndicatorThreat   ThreatType = "EXFILTRATION_INDICATOR"
)

// ThreatEvent is an append-only record emitted by the runtime monitor.
type ThreatEvent struct {
	ID        string         `json:"id" db:"id"`
	CallerID  string         `json:"caller_id" db:"caller_id"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	Type      ThreatType     `json:"threat_type" db:"threat_type"`
	Severity  Severity       `json:"severity" db:"severity"`
	Details   map[string]any `json:"details,omitempty" db:"-"`
	TaskID    string         `json:"task_id,omitempty" db:"task_id"`
}

// CallerBaseline holds rolling statistics for one caller. It is a cache and is
// never persisted.
type CallerBaseline struct {
	CallerID       string
	RequestTimes   []time.Time // Accepted requests inside the active window, oldest first
	AverageLength  float64     // Exponentially weighted query length
	Samples        int         // Queries folded into AverageLength
	KnownResources map[string]struct{}
	LastSeen       time.Time
}

// NewCallerBaseline returns an empty baseline for callerID.
func NewCallerBaseline(callerID string) *CallerBaseline {
	return &CallerBaseline{
		CallerID:       callerID,
		KnownResources: make(map[string]struct{}),
	}
}
