package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/diagnosis/labbooking/pkg/ids"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/metrics"
)

// Sink receives finished events. Errors are counted and logged by Logger;
// they never reach the code being audited.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// Logger is the append-only audit emitter. A nil *Logger discards events.
type Logger struct {
	sink  Sink
	now   func() time.Time
	newID func() string
}

type Option func(*Logger)

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func New(sink Sink, opts ...Option) *Logger {
	l := &Logger{sink: sink, now: time.Now, newID: ids.New}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log stamps id, time and request metadata onto e, redacts its details and
// hands it to the sink. It never panics and never reports failure.
func (l *Logger) Log(ctx context.Context, e Event) {
	if l == nil || l.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.AuditDropped.Inc()
			logger.ErrorContext(ctx, "Audit sink panic", "action", e.Action, "panic", fmt.Sprint(r))
		}
	}()

	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.ActorID == "" {
		e.ActorID = Anonymous
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	meta := requestFrom(ctx)
	if e.IPAddress == "" {
		e.IPAddress = meta.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = meta.UserAgent
	}
	e.Details = Redact(e.Details)

	if err := l.sink.Write(ctx, e); err != nil {
		metrics.AuditDropped.Inc()
		logger.WarnContext(ctx, "Audit sink write failed", "action", e.Action, "error", err)
	}
}

// LogAuth records an authentication decision. Failures are high severity.
func (l *Logger) LogAuth(ctx context.Context, actorID, action string, outcome Outcome, details map[string]any) {
	sev := SeverityLow
	if outcome == OutcomeFailure {
		sev = SeverityHigh
	}
	l.Log(ctx, Event{
		ActorID:  actorID,
		Action:   "auth." + action,
		Severity: sev,
		Outcome:  outcome,
		Details:  details,
	})
}

// LogDataAccess records a read or write of a protected resource.
func (l *Logger) LogDataAccess(ctx context.Context, actorID, action, resourceType, resourceID string, outcome Outcome, details map[string]any) {
	sev := SeverityLow
	if outcome == OutcomeFailure {
		sev = SeverityMedium
	}
	l.Log(ctx, Event{
		ActorID:      actorID,
		Action:       "data." + action,
		Severity:     sev,
		Outcome:      outcome,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	})
}

// LogSecurity records a security event. Severity below high is raised to high.
func (l *Logger) LogSecurity(ctx context.Context, actorID, action string, severity Severity, details map[string]any) {
	if severity != SeverityCritical {
		severity = SeverityHigh
	}
	l.Log(ctx, Event{
		ActorID:  actorID,
		Action:   "security." + action,
		Severity: severity,
		Outcome:  OutcomeFailure,
		Details:  details,
	})
}

// LogOTP records a one-time code lifecycle event. Code and hash fields are
// replaced before the generic redaction runs. An empty severity defaults to
// low for success and medium for failure.
func (l *Logger) LogOTP(ctx context.Context, actorID, action, purpose, reference string, outcome Outcome, severity Severity, details map[string]any) {
	d := make(map[string]any, len(details)+1)
	for k, v := range details {
		d[k] = v
	}
	for _, k := range []string{"code", "otp", "code_hash"} {
		if _, ok := d[k]; ok {
			d[k] = redacted
		}
	}
	d["purpose"] = purpose

	if severity == "" {
		severity = SeverityLow
		if outcome == OutcomeFailure {
			severity = SeverityMedium
		}
	}

	l.Log(ctx, Event{
		ActorID:      actorID,
		Action:       "otp." + action,
		Severity:     severity,
		Outcome:      outcome,
		ResourceType: "verification_code",
		ResourceID:   reference,
		Details:      d,
	})
}
