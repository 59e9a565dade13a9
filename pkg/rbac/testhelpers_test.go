package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegate/pkg/observability"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// setupTestDB opens an in-memory SQLite database with the rbac schema applied.
// A single connection keeps every query on the same in-memory database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(context.Background(), db, observability.NopLogger()))
	return db
}

func defaultCatalogs(t *testing.T) (*PermissionCatalog, *RoleCatalog) {
	t.Helper()

	seed, err := DefaultSeed()
	require.NoError(t, err)
	perms, roles, err := NewCatalogs(seed)
	require.NoError(t, err)
	return perms, roles
}

func codes(raw ...string) []PermissionCode {
	out := make([]PermissionCode, len(raw))
	for i, r := range raw {
		out[i] = PermissionCode(r)
	}
	return out
}

func int64Ptr(v int64) *int64 {
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
