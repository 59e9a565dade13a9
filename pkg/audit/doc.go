// Package audit records who changed which role, override, grant or deny, and
// which sessions were issued.
//
// # Overview
//
// Every administrative mutation performed through rbac.Manager and every
// session issued by the session package produces an AuditEvent. Events are
// written to one or more sinks:
//
//   - DBLogger: the audit_events table (PostgreSQL or SQLite)
//   - SlogLogger: structured JSON lines through observability.Logger
//   - MultiLogger: fan-out to several sinks
//
// # Usage Example
//
//	dbLogger, err := audit.NewDBLogger(db)
//	logger := audit.NewMultiLogger(dbLogger, audit.NewSlogLogger(obsLogger))
//
//	logger.Log(ctx, &audit.AuditEvent{
//		EventType:    audit.EventTypeUserGrantSet,
//		Status:       audit.EventStatusSuccess,
//		ActorID:      "u-admin",
//		TenantID:     "t-1",
//		ResourceType: audit.ResourceTypeUserGrant,
//		ResourceID:   "u-7/billing.invoice.view",
//	})
//
// Search recent events for a tenant:
//
//	events, err := dbLogger.Search(ctx, audit.SearchFilter{
//		TenantID: "t-1",
//		Limit:    50,
//	})
//
// # Related Packages
//
//   - pkg/rbac: administrative mutations
//   - pkg/session: session issuance
package audit
