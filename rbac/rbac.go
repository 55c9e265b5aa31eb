// Package rbac answers one question: may this role call this tool. Roles
// map to tool allowlists; "*" grants everything.
package rbac

// Policy maps a role to the tool names it may invoke.
type Policy map[string][]string

// DefaultPolicy grants admin everything and nothing to anyone else.
func DefaultPolicy() Policy {
	return Policy{"admin": {"*"}}
}

// Checker evaluates a fixed policy. Unknown roles have no permissions.
type Checker struct {
	policy Policy
}

// New creates a checker; a nil policy falls back to DefaultPolicy.
func New(policy Policy) *Checker {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Checker{policy: policy}
}

// Allow reports whether role may invoke tool.
func (c *Checker) Allow(role, tool string) bool {
	for _, allowed := range c.policy[role] {
		if allowed == "*" || allowed == tool {
			return true
		}
	}
	return false
}
