package hierarchy

import (
	"strings"
	"time"
)

// Role labels accepted at registration. The long forms are what the portal
// forms submit; the short codes are what identifiers and sessions carry.
const (
	RoleBrokerageLabel = "Freight Brokerage"
	RoleAgentLabel     = "Broker Agent"
	RoleBrokerageCode  = "FBB"
	RoleAgentCode      = "BB"
)

// BrokerageCompany is one freight-brokerage business. Its agents are stored
// separately and reference it through ParentBrokerageID.
type BrokerageCompany struct {
	ID               string                      `json:"id"`
	CompanyName      string                      `json:"companyName"`
	OwnerName        string                      `json:"ownerName"`
	Email            string                      `json:"email"`
	Phone            string                      `json:"phone"`
	Address          string                      `json:"address"`
	MCNumber         string                      `json:"mcNumber"`
	DOTNumber        string                      `json:"dotNumber"`
	PasswordHash     string                      `json:"-"`
	IsActive         bool                        `json:"isActive"`
	RegistrationDate time.Time                   `json:"registrationDate"`
	Performance      BrokeragePerformanceMetrics `json:"performanceMetrics"`
	Version          int                         `json:"version"`
}

// BrokeragePerformanceMetrics is derived from the company's agents.
type BrokeragePerformanceMetrics struct {
	TotalAgents   int     `json:"totalAgents"`
	ActiveAgents  int     `json:"activeAgents"`
	TotalLoads    int     `json:"totalLoads"`
	TotalRevenue  float64 `json:"totalRevenue"`
	AverageMargin float64 `json:"averageMargin"`
}

// BrokerAgent is an individual broker working under one company.
type BrokerAgent struct {
	ID                string                  `json:"id"`
	FirstName         string                  `json:"firstName"`
	LastName          string                  `json:"lastName"`
	Email             string                  `json:"email"`
	Phone             string                  `json:"phone"`
	Department        string                  `json:"department"`
	Position          string                  `json:"position"`
	ParentBrokerageID string                  `json:"parentBrokerageId"`
	PasswordHash      string                  `json:"-"`
	IsActive          bool                    `json:"isActive"`
	HiredDate         time.Time               `json:"hiredDate"`
	Permissions       AgentPermissions        `json:"permissions"`
	Performance       AgentPerformanceMetrics `json:"performanceMetrics"`
	Version           int                     `json:"version"`
}

// FullName joins the agent's first and last name.
func (a BrokerAgent) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// AgentPerformanceMetrics tracks an agent's running totals plus a snapshot of
// the previous month.
type AgentPerformanceMetrics struct {
	LoadsHandled        int             `json:"loadsHandled"`
	Revenue             float64         `json:"revenue"`
	Margin              float64         `json:"margin"`
	CustomerRating      float64         `json:"customerRating"`
	OnTimeRate          float64         `json:"onTimeRate"`
	AvgResponseMinutes  float64         `json:"avgResponseMinutes"`
	CurrentMonthLoads   int             `json:"currentMonthLoads"`
	CurrentMonthRevenue float64         `json:"currentMonthRevenue"`
	LastMonth           MonthlySnapshot `json:"lastMonth"`
}

// MonthlySnapshot freezes one month of agent activity.
type MonthlySnapshot struct {
	Loads   int     `json:"loads"`
	Revenue float64 `json:"revenue"`
	Margin  float64 `json:"margin"`
}

// BrokerageRegistration is the input to RegisterBrokerage.
type BrokerageRegistration struct {
	Role        string `json:"role"`
	CompanyName string `json:"companyName"`
	OwnerName   string `json:"ownerName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	MCNumber    string `json:"mcNumber"`
	DOTNumber   string `json:"dotNumber"`
}

// AgentRegistration is the input to RegisterAgent.
type AgentRegistration struct {
	Role              string    `json:"role"`
	FirstName         string    `json:"firstName"`
	LastName          string    `json:"lastName"`
	Email             string    `json:"email"`
	Password          string    `json:"password"`
	Phone             string    `json:"phone"`
	Department        string    `json:"department"`
	Position          string    `json:"position"`
	ParentBrokerageID string    `json:"parentBrokerageId"`
	HiredDate         time.Time `json:"hiredDate"`
}

// LoadOutcome describes one completed load credited to an agent.
type LoadOutcome struct {
	Revenue         float64 `json:"revenue"`
	Margin          float64 `json:"margin"`
	OnTime          bool    `json:"onTime"`
	ResponseMinutes float64 `json:"responseMinutes"`
	CustomerRating  float64 `json:"customerRating"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isBrokerageRole(role string) bool {
	switch strings.TrimSpace(role) {
	case RoleBrokerageLabel, RoleBrokerageCode:
		return true
	}
	return false
}

func isAgentRole(role string) bool {
	switch strings.TrimSpace(role) {
	case RoleAgentLabel, RoleAgentCode:
		return true
	}
	return false
}
