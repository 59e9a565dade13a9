package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Catalog events
	EventTypePermissionRegister EventType = "catalog.permission_register"

	// Tenant role events
	EventTypeTenantRoleCreate EventType = "role.tenant_create"
	EventTypeTenantRoleDelete EventType = "role.tenant_delete"

	// Assignment events
	EventTypeGlobalRoleAssign EventType = "assignment.global_assign"
	EventTypeGlobalRoleRevoke EventType = "assignment.global_revoke"
	EventTypeTenantRoleAssign EventType = "assignment.tenant_assign"
	EventTypeTenantRoleRemove EventType = "assignment.tenant_remove"

	// Override events
	EventTypeRoleOverrideSet   EventType = "override.role_set"
	EventTypeRoleOverrideClear EventType = "override.role_clear"
	EventTypeUserGrantSet      EventType = "override.grant_set"
	EventTypeUserGrantClear    EventType = "override.grant_clear"
	EventTypeUserDenySet       EventType = "override.deny_set"
	EventTypeUserDenyClear     EventType = "override.deny_clear"
	EventTypeExpiredPurge      EventType = "override.expired_purge"

	// Session events
	EventTypeSessionIssue   EventType = "session.issue"
	EventTypeSessionRefresh EventType = "session.refresh"

	// Authorization events
	EventTypeAccessDenied EventType = "authz.access_denied"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
	// EventStatusNoop marks a mutation that found nothing to change
	EventStatusNoop EventStatus = "noop"
)

// ResourceType represents the type of resource being changed
type ResourceType string

const (
	ResourceTypePermission   ResourceType = "permission"
	ResourceTypeTenantRole   ResourceType = "tenant_role"
	ResourceTypeAssignment   ResourceType = "assignment"
	ResourceTypeRoleOverride ResourceType = "role_override"
	ResourceTypeUserGrant    ResourceType = "user_grant"
	ResourceTypeUserDeny     ResourceType = "user_deny"
	ResourceTypeSession      ResourceType = "session"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	ActorID  string `json:"actor_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID  string
	TenantID string

	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string

	Limit  int
	Offset int
}
