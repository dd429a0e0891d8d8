// Package rbac resolves roles to effective permission sets with inheritance
// and evaluates AND/OR permission checks. Role definitions are static
// configuration: the authority is built once at startup and then immutable.
package rbac

import (
	"errors"
	"fmt"
	"sort"
)

// ErrRoleCycle is returned when role inheritance forms a cycle.
var ErrRoleCycle = errors.New("role inheritance cycle")

// ErrUnknownRole is returned when a definition inherits from an undeclared role.
var ErrUnknownRole = errors.New("unknown role")

// RoleDef declares one role: its direct permissions, the roles it inherits
// from, and its rank in the privilege order.
type RoleDef struct {
	Permissions []string
	Inherits    []string
	Rank        int
}

// Authority answers permission questions for a fixed role table. Effective
// permission sets are resolved eagerly at construction, so lookups are
// map reads with no locking.
type Authority struct {
	effective map[string]map[string]struct{}
	ranks     map[string]int
	rootRole  string
}

// New builds an [Authority] from the role table. Inheritance is transitive;
// cycles and references to undeclared roles are construction errors.
// rootRole names the distinguished role that bypasses all checks; it may be
// empty when no such role exists.
func New(roles map[string]RoleDef, rootRole string) (*Authority, error) {
	if rootRole != "" {
		if _, ok := roles[rootRole]; !ok {
			return nil, fmt.Errorf("%w: root role %q not declared", ErrUnknownRole, rootRole)
		}
	}

	a := &Authority{
		effective: make(map[string]map[string]struct{}, len(roles)),
		ranks:     make(map[string]int, len(roles)),
		rootRole:  rootRole,
	}

	for name, def := range roles {
		a.ranks[name] = def.Rank
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(roles))

	var resolve func(name string) (map[string]struct{}, error)
	resolve = func(name string) (map[string]struct{}, error) {
		if set, ok := a.effective[name]; ok {
			return set, nil
		}

		def, ok := roles[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, name)
		}

		switch state[name] {
		case visiting:
			return nil, fmt.Errorf("%w: via %q", ErrRoleCycle, name)
		case done:
			return a.effective[name], nil
		}
		state[name] = visiting

		set := make(map[string]struct{}, len(def.Permissions))
		for _, p := range def.Permissions {
			set[p] = struct{}{}
		}
		for _, parent := range def.Inherits {
			inherited, err := resolve(parent)
			if err != nil {
				return nil, err
			}
			for p := range inherited {
				set[p] = struct{}{}
			}
		}

		state[name] = done
		a.effective[name] = set
		return set, nil
	}

	for name := range roles {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// EffectivePermissions returns the declared plus transitively inherited
// permissions of the role, sorted. Unknown roles yield an empty set.
func (a *Authority) EffectivePermissions(role string) []string {
	set, ok := a.effective[role]
	if !ok {
		return nil
	}

	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// HasPermission reports whether the role holds the permission. The root role
// passes unconditionally. Denial is a false return, never an error.
func (a *Authority) HasPermission(role, permission string) bool {
	if a.isRoot(role) {
		return true
	}
	set, ok := a.effective[role]
	if !ok {
		return false
	}
	_, ok = set[permission]
	return ok
}

// CheckAll reports whether the role holds every listed permission.
func (a *Authority) CheckAll(role string, permissions []string) bool {
	if a.isRoot(role) {
		return true
	}
	for _, p := range permissions {
		if !a.HasPermission(role, p) {
			return false
		}
	}
	return true
}

// CheckAny reports whether the role holds at least one listed permission.
func (a *Authority) CheckAny(role string, permissions []string) bool {
	if a.isRoot(role) {
		return true
	}
	for _, p := range permissions {
		if a.HasPermission(role, p) {
			return true
		}
	}
	return false
}

// RankOf returns the role's position in the strict privilege order. The
// order is independent of the inheritance graph. Unknown roles rank lowest.
func (a *Authority) RankOf(role string) int {
	return a.ranks[role]
}

// AtLeast reports whether role is at least as privileged as other.
func (a *Authority) AtLeast(role, other string) bool {
	return a.RankOf(role) >= a.RankOf(other)
}

// KnownRole reports whether the role was declared at construction.
func (a *Authority) KnownRole(role string) bool {
	_, ok := a.effective[role]
	return ok
}

func (a *Authority) isRoot(role string) bool {
	return a.rootRole != "" && role == a.rootRole
}
