// Package quota enforces per-user daily credit caps.
//
// Information Hiding:
// - Role policy table (the only place monetary policy lives) hidden behind Table
// - SQL dialect differences between SQLite and Postgres hidden behind Ledger
// - Idempotency per (user, kind, resource, day) hidden behind CheckAndRecord

package quota

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Role is a billing role.
type Role string

const (
	RoleFree  Role = "free"
	RolePro   Role = "pro"
	RoleAdmin Role = "admin"
)

// Resource kinds charged through the ledger.
const (
	KindAnalysis = "analysis"
)

// ParseRole validates s as a known role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleFree, RolePro, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Policy is the allowance of one role.
// A zero or missing per-kind cap means only DailyCredits applies.
type Policy struct {
	DailyCredits int            `yaml:"daily_credits"`
	PerKindCaps  map[string]int `yaml:"per_kind_caps,omitempty"`
	Unmetered    bool           `yaml:"unmetered,omitempty"`
}

// KindCap returns the cap for kind, or 0 when none is set.
func (p Policy) KindCap(kind string) int {
	return p.PerKindCaps[kind]
}

// Table maps roles to policies.
type Table map[Role]Policy

// DefaultTable is used when no policy file is configured.
func DefaultTable() Table {
	return Table{
		RoleFree:  {DailyCredits: 10},
		RolePro:   {DailyCredits: 200},
		RoleAdmin: {Unmetered: true},
	}
}

// Policy returns the policy for role.
func (t Table) Policy(role Role) (Policy, error) {
	p, ok := t[role]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return p, nil
}

// Roles returns the configured roles in sorted order.
func (t Table) Roles() []Role {
	out := make([]Role, 0, len(t))
	for r := range t {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type tableFile struct {
	Roles map[string]Policy `yaml:"roles"`
}

// ParseTable decodes a YAML policy document:
//
//	roles:
//	  free:
//	    daily_credits: 10
//	    per_kind_caps: {analysis: 10}
//	  admin:
//	    unmetered: true
//
// Roles absent from the document keep their defaults. admin is always unmetered.
func ParseTable(data []byte) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse quota policy: %w", err)
	}
	table := DefaultTable()
	for name, p := range f.Roles {
		role, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		if p.DailyCredits < 0 {
			return nil, fmt.Errorf("invalid daily_credits %d for role %s", p.DailyCredits, role)
		}
		for kind, c := range p.PerKindCaps {
			if c < 0 {
				return nil, fmt.Errorf("invalid cap %d for %s/%s", c, role, kind)
			}
		}
		table[role] = p
	}
	admin := table[RoleAdmin]
	admin.Unmetered = true
	table[RoleAdmin] = admin
	return table, nil
}

// LoadTable reads a YAML policy file. An empty path yields DefaultTable.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota policy: %w", err)
	}
	return ParseTable(data)
}
