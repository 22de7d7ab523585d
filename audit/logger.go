package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Type     ConfigType             `json:"type"`    // "file", "syslog", "database", "memory"
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType     ConfigType = "file"
	SyslogAuditType   ConfigType = "syslog"
	DatabaseAuditType ConfigType = "database"
	MemoryAuditType   ConfigType = "memory"
	NoOp              ConfigType = ""
)

// Action names what a vault operation did.
type Action string

const (
	ActionCredentialStored   Action = "credential.stored"
	ActionCredentialAccessed Action = "credential.accessed"
	ActionCredentialDeleted  Action = "credential.deleted"
	ActionCredentialListed   Action = "credential.listed"
	ActionCredentialRotated  Action = "credential.rotated"
	ActionHandshakeIssued    Action = "handshake.issued"
	ActionHandshakeCompleted Action = "handshake.completed"
	ActionHandshakeRejected  Action = "handshake.rejected"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	// Record appends one event. Events are never updated or removed afterwards.
	Record(ctx context.Context, event Event) error
	Query(ctx context.Context, options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event. It never carries key material or
// credential payloads.
type Event struct {
	ID            string                 `json:"id"`
	RequestID     string                 `json:"request_id"`
	Action        Action                 `json:"action"`
	TenantID      string                 `json:"tenant_id"`
	IntegrationID *string                `json:"integration_id"`
	ActorUserID   string                 `json:"actor_user_id"`
	Outcome       Outcome                `json:"outcome"`
	Timestamp     time.Time              `json:"timestamp"`
	Details       map[string]interface{} `json:"details"`
	PrevHash      string                 `json:"prev_hash,omitempty"`
}

// NewEvent returns an event with a fresh ID and the current UTC time.
func NewEvent(action Action, tenantID, actorUserID string) Event {
	return Event{
		ID:          uuid.NewString(),
		Action:      action,
		TenantID:    tenantID,
		ActorUserID: actorUserID,
		Outcome:     OutcomeSuccess,
		Timestamp:   time.Now().UTC(),
		Details:     map[string]interface{}{},
	}
}

// WithIntegration sets the integration the event refers to.
func (e Event) WithIntegration(integrationID string) Event {
	e.IntegrationID = &integrationID
	return e
}

// Succeeded reports whether the event outcome is success.
func (e Event) Succeeded() bool {
	return e.Outcome == OutcomeSuccess
}

// integration returns the integration ID or "" when the event has none.
func (e Event) integration() string {
	if e.IntegrationID == nil {
		return ""
	}
	return *e.IntegrationID
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	TenantID      string
	IntegrationID string
	ActorUserID   string
	RequestID     string
	Action        Action
	Outcome       Outcome
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case DatabaseAuditType:
		return NewDatabaseLogger(config)
	case MemoryAuditType:
		return NewMemoryLogger(), nil
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// normalize fills the fields a sink needs before persisting an event
func normalize(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}
	if event.Details == nil {
		event.Details = map[string]interface{}{}
	}
	return event
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.TenantID != "" && event.TenantID != options.TenantID {
		return false
	}
	if options.IntegrationID != "" && event.integration() != options.IntegrationID {
		return false
	}
	if options.ActorUserID != "" && event.ActorUserID != options.ActorUserID {
		return false
	}
	if options.RequestID != "" && event.RequestID != options.RequestID {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Outcome != "" && event.Outcome != options.Outcome {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	return true
}

// paginate applies offset and limit to events already sorted newest first
func paginate(events []Event, total int, options QueryOptions) QueryResult {
	start := options.Offset
	if start > len(events) {
		start = len(events)
	}

	end := len(events)
	if options.Limit > 0 {
		end = start + options.Limit
		if end > len(events) {
			end = len(events)
		}
	}

	return QueryResult{
		Events:     events[start:end],
		TotalCount: total,
		Filtered:   len(events),
		HasMore:    end < len(events),
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
