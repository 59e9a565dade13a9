package rbac

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_seed.yaml
var defaultSeed []byte

// Seed is the YAML document that populates the permission and role catalogs
type Seed struct {
	Permissions []SeedPermission    `yaml:"permissions"`
	Roles       map[string][]string `yaml:"roles"`
}

// SeedPermission is one catalog entry in a seed document
type SeedPermission struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

// LoadSeed decodes a seed document. Unknown fields are rejected.
func LoadSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	return &seed, nil
}

// LoadSeedFile decodes a seed document from path
func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	return LoadSeed(f)
}

// DefaultSeed returns the built-in seed document
func DefaultSeed() (*Seed, error) {
	return LoadSeed(bytes.NewReader(defaultSeed))
}

// Apply registers every permission and then sets each role's base permissions.
// Role names and codes are validated before anything is written to roles.
func (s *Seed) Apply(permissions *PermissionCatalog, roles *RoleCatalog) error {
	for _, p := range s.Permissions {
		if _, err := permissions.RegisterPermission(p.Code, p.Description); err != nil {
			return fmt.Errorf("seed permission %q: %w", p.Code, err)
		}
	}

	names := make([]string, 0, len(s.Roles))
	for name := range s.Roles {
		names = append(names, name)
	}
	sort.Strings(names)

	base := make(map[GlobalRole][]PermissionCode, len(names))
	for _, name := range names {
		role, err := ParseGlobalRole(name)
		if err != nil {
			return fmt.Errorf("seed role: %w", err)
		}
		codes := make([]PermissionCode, 0, len(s.Roles[name]))
		for _, raw := range s.Roles[name] {
			code, err := permissions.ParseKnown(raw)
			if err != nil {
				return fmt.Errorf("seed role %s: %w", name, err)
			}
			codes = append(codes, code)
		}
		base[role] = codes
	}

	for _, name := range names {
		role := GlobalRole(name)
		if err := roles.SetBasePermissions(role, base[role]); err != nil {
			return err
		}
	}

	return nil
}

// NewCatalogs builds permission and role catalogs from seed
func NewCatalogs(seed *Seed) (*PermissionCatalog, *RoleCatalog, error) {
	permissions := NewPermissionCatalog()
	roles := NewRoleCatalog(permissions)
	if err := seed.Apply(permissions, roles); err != nil {
		return nil, nil, err
	}
	return permissions, roles, nil
}
