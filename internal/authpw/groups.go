package authpw

import (
	"fmt"
	"os"

	"eos/api/internal/rbac"
	"gopkg.in/yaml.v3"
)

// GroupGrant is one role granted to members of an upstream group. Division is
// a division full slug ("org.division"). Only PARENT_ADMIN may omit it.
type GroupGrant struct {
	Role     rbac.Role `yaml:"role"`
	Division string    `yaml:"division,omitempty"`
}

// GroupRoleMap maps upstream group names to grants. Unmapped groups grant
// nothing.
type GroupRoleMap map[string][]GroupGrant

type groupFile struct {
	Groups GroupRoleMap `yaml:"groups"`
}

// ParseGroupRoleMap reads a document of the form
//
//	groups:
//	  eos-admins:
//	    - role: PARENT_ADMIN
//	  north-team:
//	    - role: USER_RW
//	      division: acme.north
func ParseGroupRoleMap(data []byte) (GroupRoleMap, error) {
	var file groupFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse group map: %w", err)
	}
	for group, grants := range file.Groups {
		for i, g := range grants {
			role := rbac.Normalize(string(g.Role))
			if role == "" {
				return nil, fmt.Errorf("group %q grant %d: unknown role %q", group, i, g.Role)
			}
			if g.Division == "" && role != rbac.RoleParentAdmin {
				return nil, fmt.Errorf("group %q grant %d: role %s needs a division", group, i, role)
			}
		}
	}
	if file.Groups == nil {
		file.Groups = GroupRoleMap{}
	}
	return file.Groups, nil
}

// LoadGroupRoleMap reads the map from path. An empty path yields an empty map.
func LoadGroupRoleMap(path string) (GroupRoleMap, error) {
	if path == "" {
		return GroupRoleMap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read group map: %w", err)
	}
	return ParseGroupRoleMap(data)
}

// Grants returns the grants for groups, in group order, without duplicates.
func (m GroupRoleMap) Grants(groups []string) []GroupGrant {
	seen := make(map[GroupGrant]bool)
	var out []GroupGrant
	for _, group := range groups {
		for _, g := range m[group] {
			if seen[g] {
				continue
			}
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}
