// Package featureflags parses the ELECTRIC_FEATURES environment variable
// into a process-wide flag map and hands out immutable snapshots to
// sessions.
package featureflags

import "strings"

// Known flag names. A flag absent from ELECTRIC_FEATURES defaults to
// enabled: the variable is an override list, not an allowlist.
const (
	DDLXGrant             = "proxy_ddlx_grant"
	DDLXRevoke            = "proxy_ddlx_revoke"
	DDLXAssign            = "proxy_ddlx_assign"
	DDLXUnassign          = "proxy_ddlx_unassign"
	DDLXSqlite            = "proxy_ddlx_sqlite"
	GrantWritePermissions = "proxy_grant_write_permissions"
)

// Set is the process-wide flag map, built once at startup from
// ELECTRIC_FEATURES.
type Set struct {
	values map[string]bool
}

// Parse reads a colon-separated list of `flag=bool` pairs, e.g.
// "proxy_ddlx_sqlite=false:proxy_ddlx_grant=true". Unrecognized flag names
// are kept verbatim rather than rejected, so a newer proxy binary can
// tolerate a flag introduced by a newer control plane.
func Parse(env string) Set {
	values := make(map[string]bool)
	for _, pair := range strings.Split(env, ":") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}

		values[strings.TrimSpace(name)] = strings.EqualFold(strings.TrimSpace(raw), "true")
	}
	return Set{values: values}
}

// Snapshot takes a copy-on-write snapshot of the flag set for one session.
// Because Set is never mutated after Parse returns, the "copy" is just a
// shared reference; the method exists so callers express the session
// boundary explicitly and so a future mutable Set doesn't change their call
// sites.
func (s Set) Snapshot() Snapshot {
	return Snapshot{values: s.values}
}

// Snapshot is the per-session, read-only view of the feature flags.
type Snapshot struct {
	values map[string]bool
}

// Enabled reports whether the named flag is on. Unknown flags default to
// enabled.
func (s Snapshot) Enabled(flag string) bool {
	v, ok := s.values[flag]
	if !ok {
		return true
	}
	return v
}
