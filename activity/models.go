package activity

import "time"

// Type names a business event in the brokerage directory.
type Type string

const (
	TypeBrokerageRegistered    Type = "brokerage.registered"
	TypeBrokerageStatusChanged Type = "brokerage.status_changed"
	TypeAgentRegistered        Type = "agent.registered"
	TypeAgentPermissions       Type = "agent.permissions_updated"
	TypeAgentStatusToggled     Type = "agent.status_toggled"
	TypeAgentLoadRecorded      Type = "agent.load_recorded"
	TypeSessionLogin           Type = "session.login"
	TypeSessionLogout          Type = "session.logout"
)

// Event is an immutable entry in the activity log. CompanyID is set for
// every event tied to a brokerage; AgentID only for agent-scoped events.
type Event struct {
	ID          string         `json:"id"`
	CompanyID   string         `json:"companyId,omitempty"`
	AgentID     string         `json:"agentId,omitempty"`
	ActorID     string         `json:"actorId,omitempty"`
	Type        Type           `json:"type"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}
