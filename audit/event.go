package audit

import (
	"sort"
	"strconv"
	"strings"
)

// Severity classifies an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event types recorded by the trust subsystem.
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventSessionCreated     = "session_created"
	EventSessionExpired     = "session_expired"
	EventSessionDeleted     = "session_deleted"
	EventAccessGranted      = "access_granted"
	EventAccessDenied       = "access_denied"
	EventPermissionDenied   = "permission_denied"
	EventRateLimited        = "rate_limited"
	EventChallengeIssued    = "challenge_issued"
	EventChallengeFailed    = "challenge_failed"
	EventMFAEnabled         = "mfa_enabled"
	EventMFADisabled        = "mfa_disabled"
	EventMFAFailure         = "mfa_failure"
	EventDeviceTrusted      = "device_trusted"
	EventDeviceSuspicious   = "device_suspicious"
	EventSuspiciousActivity = "suspicious_activity"
	EventIntegrityViolation = "integrity_violation"
)

// severityFor maps an event type to its severity. Unknown types default to
// info.
var severityFor = map[string]Severity{
	EventLoginSuccess:       SeverityInfo,
	EventLoginFailure:       SeverityWarning,
	EventSessionCreated:     SeverityInfo,
	EventSessionExpired:     SeverityInfo,
	EventSessionDeleted:     SeverityInfo,
	EventAccessGranted:      SeverityInfo,
	EventAccessDenied:       SeverityWarning,
	EventPermissionDenied:   SeverityWarning,
	EventRateLimited:        SeverityWarning,
	EventChallengeIssued:    SeverityInfo,
	EventChallengeFailed:    SeverityWarning,
	EventMFAEnabled:         SeverityInfo,
	EventMFADisabled:        SeverityWarning,
	EventMFAFailure:         SeverityWarning,
	EventDeviceTrusted:      SeverityInfo,
	EventDeviceSuspicious:   SeverityError,
	EventSuspiciousActivity: SeverityCritical,
	EventIntegrityViolation: SeverityCritical,
}

// Event is one append-only security audit record. All fields except the
// derived ones (ID, Severity, Timestamp, IntegrityHash) are supplied by the
// caller; none are ever mutated after the record is written.
type Event struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Severity      Severity          `json:"severity"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Timestamp     int64             `json:"timestamp"`
	IntegrityHash string            `json:"integrity_hash"`
}

// canonical serializes the immutable fields in a fixed order for integrity
// hashing. Details keys are sorted so the representation is deterministic.
func (e *Event) canonical() string {
	var b strings.Builder
	b.WriteString(e.ID)
	b.WriteByte('|')
	b.WriteString(e.Type)
	b.WriteByte('|')
	b.WriteString(e.UserID)
	b.WriteByte('|')
	b.WriteString(e.SessionID)
	b.WriteByte('|')
	b.WriteString(e.IPAddress)
	b.WriteByte('|')
	b.WriteString(e.UserAgent)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))

	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(e.Details[k])
	}

	return b.String()
}

// Filter narrows a [Log.Query]. Zero values match everything.
type Filter struct {
	Types     []string
	Severity  Severity
	UserID    string
	SessionID string
	IPAddress string
	Since     int64
	Until     int64
	Limit     int
}

func (f Filter) matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.IPAddress != "" && e.IPAddress != f.IPAddress {
		return false
	}
	return true
}

// SourceCount pairs an IP address with its event count.
type SourceCount struct {
	IPAddress string `json:"ip_address"`
	Count     int    `json:"count"`
}

// Summary aggregates events over a time range.
type Summary struct {
	Total            int              `json:"total"`
	ByType           map[string]int   `json:"by_type"`
	BySeverity       map[Severity]int `json:"by_severity"`
	TopSources       []SourceCount    `json:"top_sources"`
	FailedLogins     int              `json:"failed_logins"`
	SuccessfulLogins int              `json:"successful_logins"`
	SuspiciousCount  int              `json:"suspicious_count"`
}

// Anomaly kinds reported by [Log.DetectAnomalies].
const (
	AnomalyBruteForce          = "brute_force"
	AnomalySessionFlood        = "session_flood"
	AnomalyPrivilegeEscalation = "privilege_escalation"
)

// Anomaly is one heuristic finding over the recent event window.
type Anomaly struct {
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Subject  string   `json:"subject"`
	Count    int      `json:"count"`
}
