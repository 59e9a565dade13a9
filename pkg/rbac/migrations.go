package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/rolegate/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all RBAC migrations. The statements stay within the
// SQL subset shared by PostgreSQL and SQLite.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenant_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_roles (
					tenant_id VARCHAR(255) NOT NULL,
					name VARCHAR(63) NOT NULL,
					base_role VARCHAR(63) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_by VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (tenant_id, name)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create role assignment tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_global_roles (
					user_id VARCHAR(255) NOT NULL,
					role VARCHAR(63) NOT NULL,
					granted_by VARCHAR(255) NOT NULL DEFAULT '',
					granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (user_id, role)
				);

				CREATE TABLE IF NOT EXISTS user_tenant_roles (
					user_id VARCHAR(255) NOT NULL,
					tenant_id VARCHAR(255) NOT NULL,
					role_name VARCHAR(63) NOT NULL,
					granted_by VARCHAR(255) NOT NULL DEFAULT '',
					granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (user_id, tenant_id, role_name)
				);

				CREATE INDEX IF NOT EXISTS idx_user_tenant_roles_tenant_role ON user_tenant_roles(tenant_id, role_name);
			`,
		},
		{
			Version:     3,
			Description: "Create tenant_role_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_role_overrides (
					tenant_id VARCHAR(255) NOT NULL,
					role_name VARCHAR(63) NOT NULL,
					code VARCHAR(255) NOT NULL,
					granted BOOLEAN NOT NULL,
					granted_at TIMESTAMP NOT NULL,
					granted_by VARCHAR(255) NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (tenant_id, role_name, code)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create user grant and deny tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_tenant_grants (
					user_id VARCHAR(255) NOT NULL,
					tenant_id VARCHAR(255) NOT NULL,
					code VARCHAR(255) NOT NULL,
					expires_at TIMESTAMP,
					granted_at TIMESTAMP NOT NULL,
					granted_by VARCHAR(255) NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, tenant_id, code)
				);

				CREATE TABLE IF NOT EXISTS user_tenant_denies (
					user_id VARCHAR(255) NOT NULL,
					tenant_id VARCHAR(255) NOT NULL,
					code VARCHAR(255) NOT NULL,
					expires_at TIMESTAMP,
					granted_at TIMESTAMP NOT NULL,
					granted_by VARCHAR(255) NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, tenant_id, code)
				);

				CREATE INDEX IF NOT EXISTS idx_user_tenant_grants_expires_at ON user_tenant_grants(expires_at);
				CREATE INDEX IF NOT EXISTS idx_user_tenant_denies_expires_at ON user_tenant_denies(expires_at);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		logger.Infof("Running migration %d: %s", migration.Version, migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
