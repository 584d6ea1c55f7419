package audit

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Anonymous is the actor id recorded when no subject is known.
const Anonymous = "anonymous"

// Event is one immutable audit record. Field names are part of the wire
// format consumed by downstream collectors.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	Severity     Severity       `json:"severity"`
	Outcome      Outcome        `json:"outcome"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Category is the action prefix before the first dot ("auth" for "auth.login").
func (e Event) Category() string {
	if i := strings.IndexByte(e.Action, '.'); i > 0 {
		return e.Action[:i]
	}
	return "general"
}

const redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"code":          true,
	"otp":           true,
	"code_hash":     true,
	"password":      true,
	"password_hash": true,
	"new_password":  true,
	"token":         true,
	"access_token":  true,
	"secret":        true,
}

// Redact returns a copy of details with sensitive values replaced. Nested
// maps and slices are copied and redacted too; the input is never modified.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			if sensitiveKeys[strings.ToLower(k)] {
				s = redacted
			}
			out[k] = s
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, m := range t {
			out[i] = Redact(m)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	}
	return v
}
