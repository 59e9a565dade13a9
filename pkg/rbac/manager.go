package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/rolegate/pkg/audit"
	"github.com/platinummonkey/rolegate/pkg/contextkeys"
	"github.com/platinummonkey/rolegate/pkg/observability"
)

// Manager is the administrative surface over the catalogs and the store.
// Every call captures the current time once and uses it throughout.
type Manager struct {
	permissions *PermissionCatalog
	roles       *RoleCatalog
	store       *Store
	source      SnapshotSource
	resolver    *Resolver

	audit   audit.Logger
	metrics *observability.Metrics
	logger  *observability.Logger
	clock   func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithAuditLogger sets the audit sink for mutations
func WithAuditLogger(logger audit.Logger) Option {
	return func(m *Manager) { m.audit = logger }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the structured logger
func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a manager over the given catalogs and store
func NewManager(roles *RoleCatalog, store *Store, opts ...Option) *Manager {
	m := &Manager{
		permissions: roles.Permissions(),
		roles:       roles,
		store:       store,
		source:      store,
		resolver:    NewResolver(roles),
		audit:       audit.NopLogger{},
		logger:      observability.NopLogger(),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Permissions returns the permission catalog
func (m *Manager) Permissions() *PermissionCatalog {
	return m.permissions
}

// Roles returns the role catalog
func (m *Manager) Roles() *RoleCatalog {
	return m.roles
}

// Store returns the backing store
func (m *Manager) Store() *Store {
	return m.store
}

// Now returns the manager clock's current time
func (m *Manager) Now() time.Time {
	return m.clock()
}

// RegisterPermission adds a code to the catalog. Re-registering is a no-op.
func (m *Manager) RegisterPermission(ctx context.Context, code, description string) (Permission, error) {
	before := m.permissions.Len()
	p, err := m.permissions.RegisterPermission(code, description)
	if err != nil {
		m.recordMutation("register_permission", err)
		return Permission{}, err
	}

	status := audit.EventStatusSuccess
	if m.permissions.Len() == before {
		status = audit.EventStatusNoop
	}
	m.emit(ctx, &audit.AuditEvent{
		EventType:    audit.EventTypePermissionRegister,
		Status:       status,
		ActorID:      contextkeys.GetUserID(ctx),
		ResourceType: audit.ResourceTypePermission,
		ResourceID:   string(p.Code),
		Message:      "permission registered",
	})
	m.recordMutation("register_permission", nil)
	return p, nil
}

// ListPermissions lists catalog entries under an area prefix
func (m *Manager) ListPermissions(areaPrefix string) []Permission {
	return m.permissions.ListByArea(areaPrefix)
}

// CreateTenantRole defines a tenant role inheriting base
func (m *Manager) CreateTenantRole(ctx context.Context, tenantID, name string, base GlobalRole, description, createdBy string) (*TenantRole, error) {
	if err := requireIDs(tenantID); err != nil {
		return nil, err
	}
	role := &TenantRole{
		TenantID:    tenantID,
		Name:        name,
		BaseRole:    base,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   m.clock(),
	}
	if err := m.store.CreateTenantRole(ctx, role); err != nil {
		m.recordMutation("create_tenant_role", err)
		return nil, err
	}

	m.emit(ctx, &audit.AuditEvent{
		Timestamp:    role.CreatedAt,
		EventType:    audit.EventTypeTenantRoleCreate,
		ActorID:      createdBy,
		TenantID:     tenantID,
		ResourceType: audit.ResourceTypeTenantRole,
		ResourceID:   name,
		Message:      "tenant role created",
		Metadata:     map[string]interface{}{"base_role": string(base)},
	})
	m.recordMutation("create_tenant_role", nil)
	return role, nil
}

// DeleteTenantRole removes a tenant role with its assignments and overrides.
// Deleting a missing role is a no-op that returns false.
func (m *Manager) DeleteTenantRole(ctx context.Context, tenantID, name, actor string) (bool, error) {
	now := m.clock()
	removed, err := m.store.DeleteTenantRole(ctx, tenantID, name)
	if err != nil {
		m.recordMutation("delete_tenant_role", err)
		return false, err
	}
	m.emitChange(ctx, now, audit.EventTypeTenantRoleDelete, removed, actor, tenantID,
		audit.ResourceTypeTenantRole, name, "tenant role deleted")
	m.recordNoop("delete_tenant_role", removed)
	return removed, nil
}

// ListRoles returns the global roles followed by the tenant's own roles
func (m *Manager) ListRoles(ctx context.Context, tenantID string) ([]RoleSummary, error) {
	tenantRoles, err := m.store.ListTenantRoles(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := make([]RoleSummary, 0, len(GlobalRoles())+len(tenantRoles))
	for _, r := range GlobalRoles() {
		out = append(out, RoleSummary{Name: string(r), BaseRole: r, IsGlobal: true})
	}
	for _, r := range tenantRoles {
		out = append(out, RoleSummary{Name: r.Name, BaseRole: r.BaseRole})
	}
	return out, nil
}

// AssignGlobalRole grants a system-wide role. Re-assigning is a no-op.
func (m *Manager) AssignGlobalRole(ctx context.Context, userID string, role GlobalRole, grantedBy string) (bool, error) {
	if err := requireIDs(userID); err != nil {
		return false, err
	}
	now := m.clock()
	added, err := m.store.AssignGlobalRole(ctx, userID, role, grantedBy, now)
	if err != nil {
		m.recordMutation("assign_global_role", err)
		return false, err
	}
	m.emitChange(ctx, now, audit.EventTypeGlobalRoleAssign, added, grantedBy, "",
		audit.ResourceTypeAssignment, userID+"/"+string(role), "global role assigned")
	m.recordNoop("assign_global_role", added)
	return added, nil
}

// RevokeGlobalRole removes a system-wide role. Revoking an absent role is a no-op.
func (m *Manager) RevokeGlobalRole(ctx context.Context, userID string, role GlobalRole, actor string) (bool, error) {
	now := m.clock()
	removed, err := m.store.RevokeGlobalRole(ctx, userID, role)
	if err != nil {
		m.recordMutation("revoke_global_role", err)
		return false, err
	}
	m.emitChange(ctx, now, audit.EventTypeGlobalRoleRevoke, removed, actor, "",
		audit.ResourceTypeAssignment, userID+"/"+string(role), "global role revoked")
	m.recordNoop("revoke_global_role", removed)
	return removed, nil
}

// AssignTenantRole binds roleName to userID within tenantID. The role must be
// a global role or defined by the tenant, otherwise ErrRoleUnknownInTenant.
// admin cannot be bound within a tenant (ErrSystemOnlyRole).
func (m *Manager) AssignTenantRole(ctx context.Context, userID, tenantID, roleName, grantedBy string) (bool, error) {
	if err := requireIDs(userID, tenantID); err != nil {
		return false, err
	}
	now := m.clock()
	added, err := m.store.AssignTenantRole(ctx, userID, tenantID, roleName, grantedBy, now)
	if err != nil {
		m.recordMutation("assign_tenant_role", err)
		return false, err
	}
	m.emitChange(ctx, now, audit.EventTypeTenantRoleAssign, added, grantedBy, tenantID,
		audit.ResourceTypeAssignment, userID+"/"+roleName, "tenant role assigned")
	m.recordNoop("assign_tenant_role", added)
	return added, nil
}

// RemoveTenantRole unbinds roleName. Removing an absent assignment is a no-op.
func (m *Manager) RemoveTenantRole(ctx context.Context, userID, tenantID, roleName, actor string) (bool, error) {
	now := m.clock()
	removed, err := m.store.RemoveTenantRole(ctx, userID, tenantID, roleName)
	if err != nil {
		m.recordMutation("remove_tenant_role", err)
		return false, err
	}
	m.emitChange(ctx, now, audit.EventTypeTenantRoleRemove, removed, actor, tenantID,
		audit.ResourceTypeAssignment, userID+"/"+roleName, "tenant role removed")
	m.recordNoop("remove_tenant_role", removed)
	return removed, nil
}

// RolesOf returns the global and tenant role names held by userID in tenantID
func (m *Manager) RolesOf(ctx context.Context, userID, tenantID string) ([]string, error) {
	return m.store.RolesOf(ctx, userID, tenantID)
}

// SetRoleOverride grants or removes a code for a role within a tenant
func (m *Manager) SetRoleOverride(ctx context.Context, in RoleOverrideInput) (*RoleOverride, error) {
	if err := requireIDs(in.TenantID); err != nil {
		return nil, err
	}
	code, err := m.permissions.ParseKnown(string(in.Code))
	if err != nil {
		m.recordMutation("set_role_override", err)
		return nil, err
	}
	in.Code = code
	if err := m.requireRoleInTenant(ctx, in.TenantID, in.RoleName); err != nil {
		m.recordMutation("set_role_override", err)
		return nil, err
	}

	now := m.clock()
	override, err := m.store.SetRoleOverride(ctx, in, now)
	if err != nil {
		m.recordMutation("set_role_override", err)
		return nil, err
	}

	m.emit(ctx, &audit.AuditEvent{
		Timestamp:    now,
		EventType:    audit.EventTypeRoleOverrideSet,
		ActorID:      in.GrantedBy,
		TenantID:     in.TenantID,
		ResourceType: audit.ResourceTypeRoleOverride,
		ResourceID:   in.RoleName + "/" + string(in.Code),
		Message:      "role override set",
		Metadata: map[string]interface{}{
			"granted": in.Granted,
			"version": override.Version,
		},
	})
	m.recordMutation("set_role_override", nil)
	return override, nil
}

// ClearRoleOverride reverts a role to its baseline for code. Clearing an
// absent override is a no-op.
func (m *Manager) ClearRoleOverride(ctx context.Context, tenantID, roleName string, code PermissionCode, actor string) (bool, error) {
	now := m.clock()
	removed, err := m.store.ClearRoleOverride(ctx, tenantID, roleName, code)
	if err != nil {
		m.recordMutation("clear_role_override", err)
		return false, err
	}
	m.emitChange(ctx, now, audit.EventTypeRoleOverrideClear, removed, actor, tenantID,
		audit.ResourceTypeRoleOverride, roleName+"/"+string(code), "role override cleared")
	m.recordNoop("clear_role_override", removed)
	return removed, nil
}

// SetUserGrant upserts a user-level grant
func (m *Manager) SetUserGrant(ctx context.Context, in UserPermissionInput) (*UserPermission, error) {
	return m.setUserPermission(ctx, KindGrant, in)
}

// SetUserDeny upserts a user-level deny
func (m *Manager) SetUserDeny(ctx context.Context, in UserPermissionInput) (*UserPermission, error) {
	return m.setUserPermission(ctx, KindDeny, in)
}

func (m *Manager) setUserPermission(ctx context.Context, kind UserPermissionKind, in UserPermissionInput) (*UserPermission, error) {
	op := "set_user_" + string(kind)
	if err := requireIDs(in.UserID, in.TenantID); err != nil {
		return nil, err
	}
	code, err := m.permissions.ParseKnown(string(in.Code))
	if err != nil {
		m.recordMutation(op, err)
		return nil, err
	}
	in.Code = code

	now := m.clock()
	row, err := m.store.SetUserPermission(ctx, kind, in, now)
	if err != nil {
		m.recordMutation(op, err)
		return nil, err
	}

	eventType, resourceType := audit.EventTypeUserGrantSet, audit.ResourceTypeUserGrant
	if kind == KindDeny {
		eventType, resourceType = audit.EventTypeUserDenySet, audit.ResourceTypeUserDeny
	}
	metadata := map[string]interface{}{"version": row.Version}
	if row.ExpiresAt != nil {
		metadata["expires_at"] = row.ExpiresAt.Format(time.RFC3339)
	}
	if in.Reason != "" {
		metadata["reason"] = in.Reason
	}
	m.emit(ctx, &audit.AuditEvent{
		Timestamp:    now,
		EventType:    eventType,
		ActorID:      in.GrantedBy,
		TenantID:     in.TenantID,
		ResourceType: resourceType,
		ResourceID:   in.UserID + "/" + string(in.Code),
		Message:      "user " + string(kind) + " set",
		Metadata:     metadata,
	})
	m.recordMutation(op, nil)
	return row, nil
}

// ClearUserGrant deletes a grant. Clearing an absent grant is a no-op.
func (m *Manager) ClearUserGrant(ctx context.Context, userID, tenantID string, code PermissionCode, actor string) (bool, error) {
	return m.clearUserPermission(ctx, KindGrant, userID, tenantID, code, actor)
}

// ClearUserDeny deletes a deny. Clearing an absent deny is a no-op.
func (m *Manager) ClearUserDeny(ctx context.Context, userID, tenantID string, code PermissionCode, actor string) (bool, error) {
	return m.clearUserPermission(ctx, KindDeny, userID, tenantID, code, actor)
}

func (m *Manager) clearUserPermission(ctx context.Context, kind UserPermissionKind, userID, tenantID string, code PermissionCode, actor string) (bool, error) {
	op := "clear_user_" + string(kind)
	now := m.clock()
	removed, err := m.store.ClearUserPermission(ctx, kind, userID, tenantID, code)
	if err != nil {
		m.recordMutation(op, err)
		return false, err
	}

	eventType, resourceType := audit.EventTypeUserGrantClear, audit.ResourceTypeUserGrant
	if kind == KindDeny {
		eventType, resourceType = audit.EventTypeUserDenyClear, audit.ResourceTypeUserDeny
	}
	m.emitChange(ctx, now, eventType, removed, actor, tenantID,
		resourceType, userID+"/"+string(code), "user "+string(kind)+" cleared")
	m.recordNoop(op, removed)
	return removed, nil
}

// ActiveGrants returns the user's grants that are live at now
func (m *Manager) ActiveGrants(ctx context.Context, userID, tenantID string, now time.Time) ([]PermissionCode, error) {
	return m.store.ActiveGrants(ctx, userID, tenantID, now)
}

// ActiveDenies returns the user's denies that are live at now
func (m *Manager) ActiveDenies(ctx context.Context, userID, tenantID string, now time.Time) ([]PermissionCode, error) {
	return m.store.ActiveDenies(ctx, userID, tenantID, now)
}

// Resolve loads a snapshot and computes the effective permissions at now
func (m *Manager) Resolve(ctx context.Context, userID, tenantID string, now time.Time) (*Resolution, error) {
	ctx, span := observability.Tracer().Start(ctx, "rbac.Resolve",
		trace.WithAttributes(
			attribute.String("rolegate.user_id", userID),
			attribute.String("rolegate.tenant_id", tenantID),
		))
	defer span.End()

	start := time.Now()
	snap, err := m.source.LoadSnapshot(ctx, userID, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "snapshot load failed")
		if m.metrics != nil {
			m.metrics.ResolutionsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	res := m.resolver.Resolve(snap, now)

	span.SetAttributes(attribute.Int("rolegate.permissions", res.Permissions.Len()))
	if m.metrics != nil {
		m.metrics.ResolutionsTotal.WithLabelValues("success").Inc()
		m.metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
		m.metrics.EffectivePermCount.Observe(float64(res.Permissions.Len()))
	}
	return res, nil
}

// EffectivePermissions resolves the user's permission set at the current time
func (m *Manager) EffectivePermissions(ctx context.Context, userID, tenantID string) (PermissionSet, error) {
	res, err := m.Resolve(ctx, userID, tenantID, m.clock())
	if err != nil {
		return PermissionSet{}, err
	}
	return res.Permissions, nil
}

// PurgeExpired deletes grant and deny rows that have lapsed
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	now := m.clock()
	purged, err := m.store.PurgeExpired(ctx, now)
	if err != nil {
		m.recordMutation("purge_expired", err)
		return purged, err
	}

	if m.metrics != nil {
		m.metrics.ExpiredPurgedTotal.Add(float64(purged))
	}
	if purged > 0 {
		m.emit(ctx, &audit.AuditEvent{
			Timestamp: now,
			EventType: audit.EventTypeExpiredPurge,
			Message:   "expired grants and denies purged",
			Metadata:  map[string]interface{}{"purged": purged},
		})
	}
	m.recordMutation("purge_expired", nil)
	return purged, nil
}

func (m *Manager) requireRoleInTenant(ctx context.Context, tenantID, roleName string) error {
	if IsGlobalRole(roleName) {
		return nil
	}
	if _, err := m.store.GetTenantRole(ctx, tenantID, roleName); err != nil {
		if errors.Is(err, ErrTenantRoleNotFound) {
			return fmt.Errorf("%w: %s in %s", ErrRoleUnknownInTenant, roleName, tenantID)
		}
		return err
	}
	return nil
}

func (m *Manager) emitChange(ctx context.Context, now time.Time, eventType audit.EventType, changed bool, actor, tenantID string, resourceType audit.ResourceType, resourceID, message string) {
	status := audit.EventStatusSuccess
	if !changed {
		status = audit.EventStatusNoop
	}
	m.emit(ctx, &audit.AuditEvent{
		Timestamp:    now,
		EventType:    eventType,
		Status:       status,
		ActorID:      actor,
		TenantID:     tenantID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Message:      message,
	})
}

// emit records an audit event. Audit failures are logged and never fail the
// mutation that has already been committed.
func (m *Manager) emit(ctx context.Context, event *audit.AuditEvent) {
	if err := m.audit.Log(ctx, event); err != nil {
		m.logger.WithError(err).
			WithField("event_type", string(event.EventType)).
			Warn("failed to write audit event")
	}
}

func (m *Manager) recordMutation(op string, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrVersionConflict):
		status = "conflict"
		m.metrics.VersionConflictsTotal.WithLabelValues(op).Inc()
	case IsValidationError(err) || errors.Is(err, ErrUnknownPermissionCode) ||
		errors.Is(err, ErrRoleUnknownInTenant) || errors.Is(err, ErrTenantRoleExists):
		status = "rejected"
	default:
		status = "error"
	}
	m.metrics.MutationsTotal.WithLabelValues(op, status).Inc()
}

func (m *Manager) recordNoop(op string, changed bool) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if !changed {
		status = "noop"
	}
	m.metrics.MutationsTotal.WithLabelValues(op, status).Inc()
}

func requireIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return ErrEmptyIdentifier
		}
	}
	return nil
}
