package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit event kinds emitted by the filter core. Per-operation records
// never appear here — they travel only through the control-port batch
// protocol.
const (
	AuditAgentConnected    = "agent_connected"
	AuditAgentDisconnected = "agent_disconnected"
	AuditRootAdded         = "root_added"
	AuditRootRemoved       = "root_removed"
	AuditProcessRecorded   = "process_recorded"
	AuditProcessRemoved    = "process_removed"
	AuditGroupTerminated   = "group_terminated"
	AuditFilterStopped     = "filter_stopped"
)

// AuditEvent is a control-plane or lifecycle transition published to the
// audit bus.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Kind      string                 `json:"kind"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewAuditEvent creates an AuditEvent with a generated ID and current
// timestamp.
func NewAuditEvent(kind string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    "owlyfilter",
		Kind:      kind,
		Details:   make(map[string]interface{}),
	}
}

// With adds a detail field and returns the event for chaining.
func (e *AuditEvent) With(key string, value interface{}) *AuditEvent {
	e.Details[key] = value
	return e
}

// Marshal serializes the event to JSON.
func (e *AuditEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalAuditEvent deserializes an AuditEvent from JSON.
func UnmarshalAuditEvent(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Publisher is the sink the filter core hands audit events to. A nil
// Publisher is valid and means auditing is off.
type Publisher interface {
	PublishAudit(event *AuditEvent) error
}
