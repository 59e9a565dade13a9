package rbac

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SnapshotSource loads the point-in-time data the resolver needs
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, userID, tenantID string) (*Snapshot, error)
}

// LoadSnapshot reads assignments, tenant role definitions, overrides, grants
// and denies for one user in one tenant. The reads are independent and run
// concurrently outside a shared transaction, so a concurrent mutation may be
// seen by some reads and missed by others.
func (s *Store) LoadSnapshot(ctx context.Context, userID, tenantID string) (*Snapshot, error) {
	snap := &Snapshot{
		UserID:   userID,
		TenantID: tenantID,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		roles, err := s.GlobalRolesOf(gctx, userID)
		snap.GlobalRoles = roles
		return err
	})
	g.Go(func() error {
		roles, err := s.TenantRolesOf(gctx, userID, tenantID)
		snap.TenantRoles = roles
		return err
	})
	g.Go(func() error {
		bases, err := s.roleBases(gctx, tenantID)
		snap.RoleBases = bases
		return err
	})
	g.Go(func() error {
		overrides, err := s.RoleOverridesForTenant(gctx, tenantID)
		snap.RoleOverrides = overrides
		return err
	})
	g.Go(func() error {
		grants, err := s.UserPermissions(gctx, KindGrant, userID, tenantID)
		snap.Grants = grants
		return err
	})
	g.Go(func() error {
		denies, err := s.UserPermissions(gctx, KindDeny, userID, tenantID)
		snap.Denies = denies
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s in %s: %w", userID, tenantID, err)
	}
	return snap, nil
}
