// Package httputil holds the JSON response helpers, request parsing and
// request-scoped middleware shared by the API and its middleware.
//
// Errors are always written as
//
//	{"error": "message", "code": "version_conflict"}
//
// so clients can branch on code without parsing messages.
package httputil
