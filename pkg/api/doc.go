// Package api serves credential issuance and the role administration
// operations over HTTP.
//
// POST /v1/sessions is called by the upstream authentication service with
// the X-Issue-Key header. Every other route requires a bearer credential and
// is guarded by a named policy decision:
//
//	POST   /v1/sessions/refresh
//	GET    /v1/sessions/me
//	GET    /v1/permissions?area=base
//	POST   /v1/permissions                                     can_manage_global_roles
//	PUT    /v1/users/{user}/global-roles/{role}                can_manage_global_roles
//	GET    /v1/tenants/{tenant}/roles                          can_manage_tenant_roles
//	POST   /v1/tenants/{tenant}/roles                          can_manage_tenant_roles
//	PUT    /v1/tenants/{tenant}/roles/{role}/overrides/{code}  can_manage_tenant_roles
//	PUT    /v1/tenants/{tenant}/users/{user}/roles/{role}      can_manage_tenant_roles
//	PUT    /v1/tenants/{tenant}/users/{user}/grants/{code}     can_manage_user_permissions
//	PUT    /v1/tenants/{tenant}/users/{user}/denies/{code}     can_manage_user_permissions
//	GET    /v1/tenants/{tenant}/users/{user}/permissions       can_view_effective_permissions
//
// PUT routes have DELETE counterparts. Removing something that is not there
// answers 200 with {"changed": false}.
//
// Override, grant and deny upserts accept "expected_version": 0 to create
// only, n to update version n, or omit it to write unconditionally. A failed
// precondition answers 409 with the stored version in details.
package api
