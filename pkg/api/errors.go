package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/policy"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/session"
)

// errorStatus maps an error to its HTTP status and machine-readable code
func errorStatus(err error) (int, string) {
	var verr *session.VerificationError
	var vfail *ValidationError

	switch {
	case errors.As(err, &vfail):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, httputil.ErrInvalidBody):
		return http.StatusBadRequest, "invalid_body"
	case rbac.IsValidationError(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &verr):
		return http.StatusUnauthorized, verr.Reason()
	case errors.Is(err, policy.ErrUnauthorizedPrincipal):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, rbac.ErrTenantRoleNotFound):
		return http.StatusNotFound, "role_not_found"
	case errors.Is(err, rbac.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, rbac.ErrTenantRoleExists):
		return http.StatusConflict, "role_exists"
	case errors.Is(err, rbac.ErrUnknownPermissionCode):
		return http.StatusUnprocessableEntity, "unknown_permission"
	case errors.Is(err, rbac.ErrRoleUnknownInTenant):
		return http.StatusUnprocessableEntity, "role_unknown_in_tenant"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError writes err with the status errorStatus assigns. Internal
// errors are logged and replaced by a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)

	if status == http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteError(w, status, code, "internal server error")
		return
	}

	var vfail *ValidationError
	if errors.As(err, &vfail) {
		httputil.WriteDetailedError(w, status, code, vfail.Message, vfail.Fields)
		return
	}

	var conflict *rbac.ConflictError
	if errors.As(err, &conflict) {
		httputil.WriteDetailedError(w, status, code, err.Error(), map[string]string{
			"expected_version": strconv.FormatInt(conflict.Expected, 10),
			"actual_version":   strconv.FormatInt(conflict.Actual, 10),
		})
		return
	}

	if status == http.StatusUnauthorized {
		httputil.WriteError(w, status, code, "invalid credential")
		return
	}
	httputil.WriteError(w, status, code, err.Error())
}
