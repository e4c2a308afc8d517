package abuse

import (
	"time"

	"github.com/google/uuid"
)

// Outcome represents the result of a sensitive-action attempt
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Severity represents the severity level of a detection or alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric ordering of a severity, 0 for unknown values.
func (s Severity) Rank() int {
	return severityRank[s]
}

// WorstSeverity returns the highest-ranked severity in the set.
// Defaults to low when the set is empty.
func WorstSeverity(severities []Severity) Severity {
	worst := SeverityLow
	for _, s := range severities {
		if s.Rank() > worst.Rank() {
			worst = s
		}
	}
	return worst
}

// BehavioralFlags carries the client-side behavioral signals attached to an
// attempt. Absent signals are a bot indicator, not proof by themselves.
type BehavioralFlags struct {
	HasMouseMovement     bool   `json:"has_mouse_movement"`
	HasKeyboardVariation bool   `json:"has_keyboard_variation"`
	PasswordLength       int    `json:"password_length"`
	UsernamePattern      string `json:"username_pattern,omitempty"`
}

// AttemptRecord is an immutable record of a single registration or login
// attempt. It is retained in memory for a bounded recent window and
// indefinitely in durable storage for audit.
type AttemptRecord struct {
	ID          uuid.UUID       `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	SourceIP    string          `json:"source_ip"`
	EmailHash   string          `json:"email_hash"`
	Email       string          `json:"email,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	Action      string          `json:"action"`
	Outcome     Outcome         `json:"outcome"`
	Behavioral  BehavioralFlags `json:"behavioral"`
}

// BlockScope distinguishes exact-IP blocks from subnet blocks
type BlockScope string

const (
	BlockScopeIP     BlockScope = "ip"
	BlockScopeSubnet BlockScope = "subnet"
)

// BlockEntry describes an active block. Permanent entries (ExpiresAt == nil)
// live in durable storage and are only removable by explicit administrative
// action; temporary entries live in the ephemeral store under a TTL.
type BlockEntry struct {
	Scope     BlockScope `json:"scope"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Permanent reports whether the entry never expires.
func (b *BlockEntry) Permanent() bool {
	return b.ExpiresAt == nil
}

// BlockStatus is the answer to a block-status query
type BlockStatus struct {
	Blocked bool       `json:"blocked"`
	Reason  string     `json:"reason,omitempty"`
	Scope   BlockScope `json:"scope,omitempty"`
}

// ReputationScore is a fresh composite of live inputs plus cached external
// lookups; it is never persisted as a source of truth.
type ReputationScore struct {
	IP             string    `json:"ip"`
	ExternalScore  float64   `json:"external_score"`  // 0-100 abuse confidence, higher is worse
	Listed         bool      `json:"listed"`          // present on an external block list
	InternalScore  float64   `json:"internal_score"`  // 0-100 local failure score, higher is worse
	CompositeScore float64   `json:"composite_score"` // 0-100 trust score, higher is better
	SourcesUsed    []string  `json:"sources_used"`
	ComputedAt     time.Time `json:"computed_at"`
}

// PatternVerdict is the result of evaluating one detection pattern against
// the recent attempt window. Ephemeral, never persisted beyond alerting.
type PatternVerdict struct {
	Pattern  string                 `json:"pattern"`
	Detected bool                   `json:"detected"`
	Severity Severity               `json:"severity"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
}

// AlertEvent is produced by the response orchestrator and forwarded to the
// notification sink. Append-only.
type AlertEvent struct {
	ID             uuid.UUID `json:"id"`
	Severity       Severity  `json:"severity"`
	Type           string    `json:"type"`
	SourceIP       string    `json:"source_ip"`
	Patterns       []string  `json:"patterns"`
	Recommendation string    `json:"recommendation"`
	Timestamp      time.Time `json:"timestamp"`
}
