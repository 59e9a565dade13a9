package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/middleware"
	"github.com/platinummonkey/rolegate/pkg/rbac"
)

type registerPermissionRequest struct {
	Code        string `json:"code" validate:"required,max=255"`
	Description string `json:"description" validate:"max=1000"`
}

type createTenantRoleRequest struct {
	Name        string `json:"name" validate:"required,max=63"`
	BaseRole    string `json:"base_role" validate:"required"`
	Description string `json:"description" validate:"max=1000"`
}

type roleOverrideRequest struct {
	Granted         *bool  `json:"granted" validate:"required"`
	ExpectedVersion *int64 `json:"expected_version" validate:"omitempty,gte=0"`
}

type userPermissionRequest struct {
	ExpiresAt       *time.Time `json:"expires_at"`
	Reason          string     `json:"reason" validate:"max=500"`
	ExpectedVersion *int64     `json:"expected_version" validate:"omitempty,gte=0"`
}

// changeResponse reports whether an idempotent mutation changed anything
type changeResponse struct {
	Changed bool `json:"changed"`
}

func actor(r *http.Request) string {
	if p := middleware.GetPrincipal(r); p != nil {
		return p.UserID()
	}
	return ""
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := httputil.ParseJSON(r, dest); err != nil {
		writeError(w, r, err)
		return false
	}
	if err := s.validateStruct(dest); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

func (s *Server) writeChange(w http.ResponseWriter, r *http.Request, changed bool, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, changeResponse{Changed: changed})
}

// listPermissions handles GET /v1/permissions?area=
func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms := s.manager.ListPermissions(r.URL.Query().Get("area"))
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"permissions": perms})
}

// registerPermission handles POST /v1/permissions
func (s *Server) registerPermission(w http.ResponseWriter, r *http.Request) {
	var req registerPermissionRequest
	if !s.decode(w, r, &req) {
		return
	}
	perm, err := s.manager.RegisterPermission(r.Context(), req.Code, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, perm)
}

func (s *Server) assignGlobalRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, err := rbac.ParseGlobalRole(vars["role"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	changed, err := s.manager.AssignGlobalRole(r.Context(), vars["user"], role, actor(r))
	s.writeChange(w, r, changed, err)
}

func (s *Server) revokeGlobalRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, err := rbac.ParseGlobalRole(vars["role"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	changed, err := s.manager.RevokeGlobalRole(r.Context(), vars["user"], role, actor(r))
	s.writeChange(w, r, changed, err)
}

// listRoles handles GET /v1/tenants/{tenant}/roles
func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.manager.ListRoles(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"roles": roles})
}

// createTenantRole handles POST /v1/tenants/{tenant}/roles
func (s *Server) createTenantRole(w http.ResponseWriter, r *http.Request) {
	var req createTenantRoleRequest
	if !s.decode(w, r, &req) {
		return
	}
	base, err := rbac.ParseGlobalRole(req.BaseRole)
	if err != nil {
		writeError(w, r, err)
		return
	}

	role, err := s.manager.CreateTenantRole(r.Context(), mux.Vars(r)["tenant"], req.Name, base, req.Description, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, role)
}

// deleteTenantRole handles DELETE /v1/tenants/{tenant}/roles/{role}
func (s *Server) deleteTenantRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	removed, err := s.manager.DeleteTenantRole(r.Context(), vars["tenant"], vars["role"], actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !removed {
		httputil.WriteError(w, http.StatusNotFound, "role_not_found", "tenant role not found")
		return
	}
	httputil.WriteNoContent(w)
}

// setRoleOverride handles PUT /v1/tenants/{tenant}/roles/{role}/overrides/{code}
func (s *Server) setRoleOverride(w http.ResponseWriter, r *http.Request) {
	var req roleOverrideRequest
	if !s.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	override, err := s.manager.SetRoleOverride(r.Context(), rbac.RoleOverrideInput{
		TenantID:        vars["tenant"],
		RoleName:        vars["role"],
		Code:            rbac.PermissionCode(vars["code"]),
		Granted:         *req.Granted,
		GrantedBy:       actor(r),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, override)
}

func (s *Server) clearRoleOverride(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	changed, err := s.manager.ClearRoleOverride(r.Context(), vars["tenant"], vars["role"], rbac.PermissionCode(vars["code"]), actor(r))
	s.writeChange(w, r, changed, err)
}

func (s *Server) assignTenantRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	changed, err := s.manager.AssignTenantRole(r.Context(), vars["user"], vars["tenant"], vars["role"], actor(r))
	s.writeChange(w, r, changed, err)
}

func (s *Server) removeTenantRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	changed, err := s.manager.RemoveTenantRole(r.Context(), vars["user"], vars["tenant"], vars["role"], actor(r))
	s.writeChange(w, r, changed, err)
}

func (s *Server) setUserGrant(w http.ResponseWriter, r *http.Request) {
	s.setUserPermission(w, r, rbac.KindGrant)
}

func (s *Server) setUserDeny(w http.ResponseWriter, r *http.Request) {
	s.setUserPermission(w, r, rbac.KindDeny)
}

// setUserPermission handles PUT .../grants/{code} and .../denies/{code}
func (s *Server) setUserPermission(w http.ResponseWriter, r *http.Request, kind rbac.UserPermissionKind) {
	var req userPermissionRequest
	if !s.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	in := rbac.UserPermissionInput{
		UserID:          vars["user"],
		TenantID:        vars["tenant"],
		Code:            rbac.PermissionCode(vars["code"]),
		ExpiresAt:       req.ExpiresAt,
		Reason:          req.Reason,
		GrantedBy:       actor(r),
		ExpectedVersion: req.ExpectedVersion,
	}

	var row *rbac.UserPermission
	var err error
	if kind == rbac.KindDeny {
		row, err = s.manager.SetUserDeny(r.Context(), in)
	} else {
		row, err = s.manager.SetUserGrant(r.Context(), in)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, row)
}

func (s *Server) clearUserGrant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	changed, err := s.manager.ClearUserGrant(r.Context(), vars["user"], vars["tenant"], rbac.PermissionCode(vars["code"]), actor(r))
	s.writeChange(w, r, changed, err)
}

func (s *Server) clearUserDeny(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	changed, err := s.manager.ClearUserDeny(r.Context(), vars["user"], vars["tenant"], rbac.PermissionCode(vars["code"]), actor(r))
	s.writeChange(w, r, changed, err)
}

// effectivePermissions handles GET /v1/tenants/{tenant}/users/{user}/permissions
func (s *Server) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.manager.Resolve(r.Context(), vars["user"], vars["tenant"], s.clock())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
