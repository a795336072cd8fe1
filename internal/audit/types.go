package audit

import (
	"time"

	"github.com/google/uuid"
)

// Category separates security forensics from data-protection compliance records.
type Category string

const (
	CategorySecurity   Category = "SECURITY_AUDIT"
	CategoryCompliance Category = "COMPLIANCE_AUDIT"
)

// EventType names what happened. Violation and anomaly names are used verbatim.
type EventType string

const (
	EventAuthenticationSuccess EventType = "AUTHENTICATION_SUCCESS"
	EventAuthenticationFailure EventType = "AUTHENTICATION_FAILURE"
	EventDataAccess            EventType = "DATA_ACCESS"
	EventSecurityViolation     EventType = "SECURITY_VIOLATION"
	EventRateLimitExceeded     EventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousUserAgent   EventType = "SUSPICIOUS_USER_AGENT"
	EventSQLInjectionAttempt   EventType = "SQL_INJECTION_ATTEMPT"
	EventRequestException      EventType = "REQUEST_EXCEPTION"
	EventAnomalyDetected       EventType = "ANOMALY_DETECTED"
	EventInvalidToken          EventType = "INVALID_TOKEN"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
	ResultFlagged Result = "flagged"
)

// Event is a single audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	EventType EventType `json:"event_type"`
	Result    Result    `json:"result"`

	Actor     string `json:"actor,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// DataSubject is the person whose data a compliance event concerns.
	DataSubject string `json:"data_subject,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Action      string `json:"action,omitempty"`
	Details     string `json:"details,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(category Category, eventType EventType) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Category:  category,
		EventType: eventType,
		Result:    ResultSuccess,
		Metadata:  make(map[string]interface{}),
	}
}

func (e *Event) WithActor(actor string) *Event {
	e.Actor = actor
	return e
}

func (e *Event) WithSource(ip, userAgent string) *Event {
	e.SourceIP = ip
	e.UserAgent = userAgent
	return e
}

func (e *Event) WithResource(resource, action string) *Event {
	e.Resource = resource
	e.Action = action
	return e
}

func (e *Event) WithDataSubject(subject string) *Event {
	e.DataSubject = subject
	return e
}

func (e *Event) WithDetails(details string) *Event {
	e.Details = details
	return e
}

func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}
