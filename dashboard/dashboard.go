// Package dashboard joins directory records and the activity log into the
// view models the brokerage and agent portals render.
package dashboard

import (
	"context"
	"fmt"

	"brokerhub/activity"
	"brokerhub/hierarchy"
)

const (
	DefaultMonthlyLoadTarget = 15
	DefaultActivityLimit     = 10
)

// Directory is the read side of the hierarchy service.
type Directory interface {
	GetBrokerageByID(ctx context.Context, id string) (hierarchy.BrokerageCompany, bool, error)
	GetAgentByID(ctx context.Context, id string) (hierarchy.BrokerAgent, bool, error)
	GetAgentsByBrokerageID(ctx context.Context, companyID string) ([]hierarchy.BrokerAgent, error)
}

// BrokerageView is the brokerage owner's dashboard.
type BrokerageView struct {
	Company        hierarchy.BrokerageCompany `json:"company"`
	ActiveAgents   []hierarchy.BrokerAgent    `json:"activeAgents"`
	InactiveAgents int                        `json:"inactiveAgents"`
	TotalLoads     int                        `json:"totalLoads"`
	TotalRevenue   float64                    `json:"totalRevenue"`
	AverageMargin  float64                    `json:"averageMargin"`
	TopPerformer   *hierarchy.BrokerAgent     `json:"topPerformer"`
	RecentActivity []activity.Event           `json:"recentActivity"`
}

// AgentView is an agent's own dashboard.
type AgentView struct {
	Agent          hierarchy.BrokerAgent      `json:"agent"`
	Company        hierarchy.BrokerageCompany `json:"company"`
	MonthlyTarget  int                        `json:"monthlyTarget"`
	Progress       float64                    `json:"progress"`
	RecentActivity []activity.Event           `json:"recentActivity"`
}

type Service struct {
	dir           Directory
	events        activity.Log
	monthlyTarget int
	activityLimit int
}

// NewService builds the aggregators. events may be nil, in which case
// recent activity is always empty.
func NewService(dir Directory, events activity.Log) *Service {
	return &Service{
		dir:           dir,
		events:        events,
		monthlyTarget: DefaultMonthlyLoadTarget,
		activityLimit: DefaultActivityLimit,
	}
}

// WithMonthlyTarget sets the monthly load target; non-positive values keep
// the default.
func (s *Service) WithMonthlyTarget(target int) *Service {
	if target > 0 {
		s.monthlyTarget = target
	}
	return s
}

func (s *Service) WithActivityLimit(limit int) *Service {
	if limit > 0 {
		s.activityLimit = limit
	}
	return s
}

// BrokerageDashboard aggregates a company's active agents.
func (s *Service) BrokerageDashboard(ctx context.Context, companyID string) (BrokerageView, bool, error) {
	company, found, err := s.dir.GetBrokerageByID(ctx, companyID)
	if err != nil || !found {
		return BrokerageView{}, found, err
	}

	agents, err := s.dir.GetAgentsByBrokerageID(ctx, companyID)
	if err != nil {
		return BrokerageView{}, false, err
	}

	view := BrokerageView{
		Company:      company,
		ActiveAgents: make([]hierarchy.BrokerAgent, 0, len(agents)),
	}
	var marginSum float64
	for _, a := range agents {
		if !a.IsActive {
			view.InactiveAgents++
			continue
		}
		view.ActiveAgents = append(view.ActiveAgents, a)
		view.TotalLoads += a.Performance.LoadsHandled
		view.TotalRevenue += a.Performance.Revenue
		marginSum += a.Performance.Margin
	}
	if n := len(view.ActiveAgents); n > 0 {
		view.AverageMargin = marginSum / float64(n)
	}
	view.TopPerformer = TopPerformer(view.ActiveAgents)

	view.RecentActivity, err = s.recent(func(l activity.Log, limit int) ([]activity.Event, error) {
		return l.ListByCompany(ctx, companyID, limit)
	})
	if err != nil {
		return BrokerageView{}, false, err
	}
	return view, true, nil
}

// AgentDashboard joins an agent with its company and monthly progress.
func (s *Service) AgentDashboard(ctx context.Context, agentID string) (AgentView, bool, error) {
	agent, found, err := s.dir.GetAgentByID(ctx, agentID)
	if err != nil || !found {
		return AgentView{}, found, err
	}

	company, found, err := s.dir.GetBrokerageByID(ctx, agent.ParentBrokerageID)
	if err != nil {
		return AgentView{}, false, err
	}
	if !found {
		return AgentView{}, false, fmt.Errorf("dashboard: agent %s has no parent %s", agent.ID, agent.ParentBrokerageID)
	}

	view := AgentView{
		Agent:         agent,
		Company:       company,
		MonthlyTarget: s.monthlyTarget,
		Progress:      Progress(agent.Performance.CurrentMonthLoads, s.monthlyTarget),
	}
	view.RecentActivity, err = s.recent(func(l activity.Log, limit int) ([]activity.Event, error) {
		return l.ListByAgent(ctx, agentID, limit)
	})
	if err != nil {
		return AgentView{}, false, err
	}
	return view, true, nil
}

func (s *Service) recent(list func(activity.Log, int) ([]activity.Event, error)) ([]activity.Event, error) {
	if s.events == nil {
		return []activity.Event{}, nil
	}
	events, err := list(s.events, s.activityLimit)
	if err != nil {
		return nil, fmt.Errorf("dashboard: recent activity: %w", err)
	}
	return events, nil
}

// TopPerformer returns the first agent with the strictly greatest revenue,
// or nil when no agent has positive revenue.
func TopPerformer(agents []hierarchy.BrokerAgent) *hierarchy.BrokerAgent {
	var (
		top  *hierarchy.BrokerAgent
		best float64
	)
	for i := range agents {
		if agents[i].Performance.Revenue > best {
			best = agents[i].Performance.Revenue
			top = &agents[i]
		}
	}
	if top == nil {
		return nil
	}
	out := *top
	return &out
}

// Progress is loads as a percentage of target. It is not capped at 100.
func Progress(loads, target int) float64 {
	if target <= 0 {
		return 0
	}
	return float64(loads) / float64(target) * 100
}
