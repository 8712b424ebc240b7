package audit

import (
	"encoding/json"
	"math"
	"time"
)

// SchemaVersion identifies the payload shape of an audit event
type SchemaVersion string

const (
	SchemaV1 SchemaVersion = "v1"
	SchemaV2 SchemaVersion = "v2"
)

// Action represents the kind of change an audit event records
type Action string

const (
	// V1 entity actions
	ActionEntityCreate       Action = "ENTITY_CREATE"
	ActionEntityUpdate       Action = "ENTITY_UPDATE"
	ActionEntityDelete       Action = "ENTITY_DELETE"
	ActionEntityImportCreate Action = "ENTITY_IMPORT_CREATE"
	ActionEntityImportUpdate Action = "ENTITY_IMPORT_UPDATE"
	ActionEntityImportDelete Action = "ENTITY_IMPORT_DELETE"

	// V1 tag actions
	ActionTagAdd              Action = "TAG_ADD"
	ActionTagDelete           Action = "TAG_DELETE"
	ActionTagUpdate           Action = "TAG_UPDATE"
	ActionPropagatedTagAdd    Action = "PROPAGATED_TAG_ADD"
	ActionPropagatedTagDelete Action = "PROPAGATED_TAG_DELETE"
	ActionPropagatedTagUpdate Action = "PROPAGATED_TAG_UPDATE"

	// Labels and glossary terms
	ActionLabelAdd    Action = "LABEL_ADD"
	ActionLabelDelete Action = "LABEL_DELETE"
	ActionTermAdd     Action = "TERM_ADD"
	ActionTermDelete  Action = "TERM_DELETE"

	// V2 classification actions
	ActionClassificationAdd              Action = "CLASSIFICATION_ADD"
	ActionClassificationDelete           Action = "CLASSIFICATION_DELETE"
	ActionClassificationUpdate           Action = "CLASSIFICATION_UPDATE"
	ActionPropagatedClassificationAdd    Action = "PROPAGATED_CLASSIFICATION_ADD"
	ActionPropagatedClassificationDelete Action = "PROPAGATED_CLASSIFICATION_DELETE"
	ActionPropagatedClassificationUpdate Action = "PROPAGATED_CLASSIFICATION_UPDATE"

	// V2 attribute actions
	ActionBusinessAttributeUpdate Action = "BUSINESS_ATTRIBUTE_UPDATE"
	ActionCustomAttributeUpdate   Action = "CUSTOM_ATTRIBUTE_UPDATE"
	ActionEntityPurge             Action = "ENTITY_PURGE"
)

var tagChangeActions = map[Action]struct{}{
	ActionTagAdd:                         {},
	ActionTagDelete:                      {},
	ActionTagUpdate:                      {},
	ActionPropagatedTagAdd:               {},
	ActionPropagatedTagDelete:            {},
	ActionPropagatedTagUpdate:            {},
	ActionClassificationAdd:              {},
	ActionClassificationDelete:           {},
	ActionClassificationUpdate:           {},
	ActionPropagatedClassificationAdd:    {},
	ActionPropagatedClassificationDelete: {},
	ActionPropagatedClassificationUpdate: {},
}

// IsTagChange reports whether the action adds, removes or updates a tag or classification
func (a Action) IsTagChange() bool {
	_, ok := tagChangeActions[a]
	return ok
}

const (
	// MaxListCount is the largest page ListEvents will return; larger requests are clamped
	MaxListCount = math.MaxInt16

	// Unbounded is the RepositoryMaxSize value of a backend with no quota
	Unbounded int64 = -1
)

// EntityAuditEvent is a single immutable change record for a governed entity
type EntityAuditEvent struct {
	EntityID   string        `json:"entity_id"`
	EntityType string        `json:"entity_type,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	User       string        `json:"user,omitempty"`
	Action     Action        `json:"action"`
	Details    string        `json:"details,omitempty"`
	Version    SchemaVersion `json:"version"`

	// Assigned by the repository when the event is recorded
	EventKey string `json:"event_key,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`

	// BatchID lets a caller retry RecordEvents without duplicating a batch
	BatchID string `json:"batch_id,omitempty"`
}

// NewEventV1 builds a V1 event whose details are a free-form change description
func NewEventV1(entityID string, action Action, user, details string) *EntityAuditEvent {
	return &EntityAuditEvent{
		EntityID:  entityID,
		Timestamp: time.Now().UTC(),
		User:      user,
		Action:    action,
		Details:   details,
		Version:   SchemaV1,
	}
}

// NewEventV2 builds a V2 event whose details are the JSON form of the entity attributes
func NewEventV2(entityID, entityType string, action Action, user string, attributes map[string]interface{}) (*EntityAuditEvent, error) {
	var details string
	if attributes != nil {
		data, err := json.Marshal(attributes)
		if err != nil {
			return nil, err
		}
		details = string(data)
	}

	return &EntityAuditEvent{
		EntityID:   entityID,
		EntityType: entityType,
		Timestamp:  time.Now().UTC(),
		User:       user,
		Action:     action,
		Details:    details,
		Version:    SchemaV2,
	}, nil
}

// Clone returns a copy of the event
func (e *EntityAuditEvent) Clone() *EntityAuditEvent {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// ToJSON converts the audit event to JSON
func (e *EntityAuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*EntityAuditEvent, error) {
	var event EntityAuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}

// ExportFormat represents the format for exporting audit events
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// cloneEvents copies a slice of events so callers never share stored values
func cloneEvents(events []*EntityAuditEvent) []*EntityAuditEvent {
	out := make([]*EntityAuditEvent, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}
