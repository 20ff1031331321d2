package hierarchy

import "slices"

// AgentPermissions gates what an agent may do in the portal. Only the
// agent's parent company may change them.
type AgentPermissions struct {
	CanCreateLoads         bool     `json:"canCreateLoads"`
	CanModifyRates         bool     `json:"canModifyRates"`
	CanAccessFinancials    bool     `json:"canAccessFinancials"`
	CanViewAllCompanyLoads bool     `json:"canViewAllCompanyLoads"`
	CanManageCarriers      bool     `json:"canManageCarriers"`
	CanGenerateReports     bool     `json:"canGenerateReports"`
	MaxContractValue       float64  `json:"maxContractValue"`
	RequiresApprovalOver   float64  `json:"requiresApprovalOver"`
	Territories            []string `json:"territories"`
	LoadTypes              []string `json:"loadTypes"`
}

// DefaultAgentPermissions is what a newly registered agent starts with.
func DefaultAgentPermissions() AgentPermissions {
	return AgentPermissions{
		CanCreateLoads:       true,
		CanManageCarriers:    true,
		MaxContractValue:     25000,
		RequiresApprovalOver: 10000,
		Territories:          []string{},
		LoadTypes:            []string{"Dry Van"},
	}
}

// Clone returns a copy that shares no slices with p.
func (p AgentPermissions) Clone() AgentPermissions {
	out := p
	out.Territories = slices.Clone(p.Territories)
	out.LoadTypes = slices.Clone(p.LoadTypes)
	return out
}

// PermissionsPatch is a partial permissions update. Nil fields are left
// untouched; non-nil slices replace the existing slice wholesale.
type PermissionsPatch struct {
	CanCreateLoads         *bool     `json:"canCreateLoads,omitempty"`
	CanModifyRates         *bool     `json:"canModifyRates,omitempty"`
	CanAccessFinancials    *bool     `json:"canAccessFinancials,omitempty"`
	CanViewAllCompanyLoads *bool     `json:"canViewAllCompanyLoads,omitempty"`
	CanManageCarriers      *bool     `json:"canManageCarriers,omitempty"`
	CanGenerateReports     *bool     `json:"canGenerateReports,omitempty"`
	MaxContractValue       *float64  `json:"maxContractValue,omitempty"`
	RequiresApprovalOver   *float64  `json:"requiresApprovalOver,omitempty"`
	Territories            *[]string `json:"territories,omitempty"`
	LoadTypes              *[]string `json:"loadTypes,omitempty"`
}

// Apply merges the patch into p and returns the result.
func (patch PermissionsPatch) Apply(p AgentPermissions) AgentPermissions {
	out := p.Clone()
	setBool(&out.CanCreateLoads, patch.CanCreateLoads)
	setBool(&out.CanModifyRates, patch.CanModifyRates)
	setBool(&out.CanAccessFinancials, patch.CanAccessFinancials)
	setBool(&out.CanViewAllCompanyLoads, patch.CanViewAllCompanyLoads)
	setBool(&out.CanManageCarriers, patch.CanManageCarriers)
	setBool(&out.CanGenerateReports, patch.CanGenerateReports)
	if patch.MaxContractValue != nil {
		out.MaxContractValue = *patch.MaxContractValue
	}
	if patch.RequiresApprovalOver != nil {
		out.RequiresApprovalOver = *patch.RequiresApprovalOver
	}
	if patch.Territories != nil {
		out.Territories = slices.Clone(*patch.Territories)
	}
	if patch.LoadTypes != nil {
		out.LoadTypes = slices.Clone(*patch.LoadTypes)
	}
	return out
}

// Empty reports whether the patch changes nothing.
func (patch PermissionsPatch) Empty() bool {
	return patch == PermissionsPatch{}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// ContractDecision is the outcome of checking a contract value against an
// agent's limits.
type ContractDecision string

const (
	ContractAllowed       ContractDecision = "allowed"
	ContractNeedsApproval ContractDecision = "needs_approval"
	ContractDenied        ContractDecision = "denied"
)

// CheckContract classifies a contract value against the agent's limits.
func (p AgentPermissions) CheckContract(value float64) ContractDecision {
	switch {
	case value > p.MaxContractValue:
		return ContractDenied
	case value > p.RequiresApprovalOver:
		return ContractNeedsApproval
	default:
		return ContractAllowed
	}
}

// Covers reports whether the agent may book the given load type in the given
// territory. An empty territory list means the agent is not restricted by
// territory.
func (p AgentPermissions) Covers(loadType, territory string) bool {
	if !slices.Contains(p.LoadTypes, loadType) {
		return false
	}
	if len(p.Territories) == 0 {
		return true
	}
	return slices.Contains(p.Territories, territory)
}
