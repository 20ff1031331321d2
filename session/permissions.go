package session

import (
	"encoding/json"

	"brokerhub/hierarchy"
)

// FullAccess is how full permissions render on the wire.
const FullAccess = "FULL_ACCESS"

// Permissions is the grant a session was opened with. It is either Full or
// Scoped; callers switch on the concrete type.
type Permissions interface {
	isPermissions()
}

// Full is granted to brokerage owners.
type Full struct{}

// Scoped is granted to agents. The agent's permissions are looked up on every
// read, so edits by the parent company apply to open sessions.
type Scoped struct {
	AgentID string
}

func (Full) isPermissions()   {}
func (Scoped) isPermissions() {}

// Resolved is a grant with the agent permissions filled in.
type Resolved struct {
	full  bool
	agent hierarchy.AgentPermissions
}

// ResolvedFull returns the resolution of a Full grant.
func ResolvedFull() Resolved {
	return Resolved{full: true}
}

// ResolvedAgent returns the resolution of a Scoped grant.
func ResolvedAgent(p hierarchy.AgentPermissions) Resolved {
	return Resolved{agent: p.Clone()}
}

// AllowsAll reports whether the session has full access.
func (r Resolved) AllowsAll() bool {
	return r.full
}

// Agent returns the agent permissions, or false for full access.
func (r Resolved) Agent() (hierarchy.AgentPermissions, bool) {
	if r.full {
		return hierarchy.AgentPermissions{}, false
	}
	return r.agent.Clone(), true
}

func (r Resolved) MarshalJSON() ([]byte, error) {
	if r.full {
		return json.Marshal(FullAccess)
	}
	return json.Marshal(r.agent)
}
