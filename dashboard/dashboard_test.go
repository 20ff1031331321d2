package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"brokerhub/activity"
	"brokerhub/hierarchy"
)

type world struct {
	dir     *hierarchy.Service
	events  *activity.MemoryLog
	dash    *Service
	company hierarchy.BrokerageCompany
}

func newWorld(t *testing.T) *world {
	t.Helper()
	events := activity.NewMemoryLog()
	dir := hierarchy.NewService(hierarchy.NewMemoryRepository(), activity.NewRecorder(events, nil)).
		WithClock(func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }).
		WithBcryptCost(bcrypt.MinCost)

	company, err := dir.RegisterBrokerage(context.Background(), hierarchy.BrokerageRegistration{
		Role:        hierarchy.RoleBrokerageLabel,
		CompanyName: "Acme Freight",
		OwnerName:   "Ada Owens",
		Email:       "owner@acme.com",
		Password:    "owner-password",
	})
	require.NoError(t, err)

	return &world{dir: dir, events: events, dash: NewService(dir, events), company: company}
}

func (w *world) agent(t *testing.T, first, email string, loads ...hierarchy.LoadOutcome) hierarchy.BrokerAgent {
	t.Helper()
	ctx := context.Background()
	agent, err := w.dir.RegisterAgent(ctx, hierarchy.AgentRegistration{
		Role:              hierarchy.RoleAgentLabel,
		FirstName:         first,
		LastName:          "Tester",
		Email:             email,
		Password:          "agent-password",
		ParentBrokerageID: w.company.ID,
	})
	require.NoError(t, err)
	for _, load := range loads {
		agent, err = w.dir.RecordLoad(ctx, agent.ID, load)
		require.NoError(t, err)
	}
	return agent
}

func TestBrokerageDashboardAggregatesActiveAgents(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	ann := w.agent(t, "Ann", "ann@acme.com", hierarchy.LoadOutcome{Revenue: 1000, Margin: 10})
	ben := w.agent(t, "Ben", "ben@acme.com",
		hierarchy.LoadOutcome{Revenue: 3000, Margin: 20},
		hierarchy.LoadOutcome{Revenue: 1000, Margin: 20},
	)
	cat := w.agent(t, "Cat", "cat@acme.com", hierarchy.LoadOutcome{Revenue: 9000, Margin: 40})
	_, err := w.dir.ToggleAgentStatus(ctx, cat.ID, w.company.ID)
	require.NoError(t, err)

	view, found, err := w.dash.BrokerageDashboard(ctx, w.company.ID)
	require.NoError(t, err)
	require.True(t, found)

	require.Equal(t, w.company.ID, view.Company.ID)
	require.Len(t, view.ActiveAgents, 2)
	require.Equal(t, ann.ID, view.ActiveAgents[0].ID)
	require.Equal(t, ben.ID, view.ActiveAgents[1].ID)
	require.Equal(t, 1, view.InactiveAgents)
	require.Equal(t, 3, view.TotalLoads)
	require.InDelta(t, 5000, view.TotalRevenue, 1e-9)
	require.InDelta(t, 15, view.AverageMargin, 1e-9)
	require.NotNil(t, view.TopPerformer)
	require.Equal(t, ben.ID, view.TopPerformer.ID)
	require.NotEmpty(t, view.RecentActivity)
	require.Equal(t, activity.TypeAgentStatusToggled, view.RecentActivity[0].Type)
}

func TestBrokerageDashboardWithoutActiveAgents(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	view, found, err := w.dash.BrokerageDashboard(ctx, w.company.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, view.ActiveAgents)
	require.Zero(t, view.AverageMargin)
	require.Nil(t, view.TopPerformer)
}

func TestBrokerageDashboardUnknownCompany(t *testing.T) {
	w := newWorld(t)
	_, found, err := w.dash.BrokerageDashboard(context.Background(), "ZZ-FBB-2024999")
	require.NoError(t, err)
	require.False(t, found)
}

func TestTopPerformerTiesGoToFirstSeen(t *testing.T) {
	agents := []hierarchy.BrokerAgent{
		{ID: "a", Performance: hierarchy.AgentPerformanceMetrics{Revenue: 500}},
		{ID: "b", Performance: hierarchy.AgentPerformanceMetrics{Revenue: 700}},
		{ID: "c", Performance: hierarchy.AgentPerformanceMetrics{Revenue: 700}},
	}
	top := TopPerformer(agents)
	require.NotNil(t, top)
	require.Equal(t, "b", top.ID)

	top.ID = "mutated"
	require.Equal(t, "b", agents[1].ID)

	require.Nil(t, TopPerformer([]hierarchy.BrokerAgent{{ID: "zero"}}))
	require.Nil(t, TopPerformer(nil))
}

func TestAgentDashboardProgress(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	loads := make([]hierarchy.LoadOutcome, 6)
	for i := range loads {
		loads[i] = hierarchy.LoadOutcome{Revenue: 100, Margin: 12}
	}
	agent := w.agent(t, "Ann", "ann@acme.com", loads...)

	view, found, err := w.dash.AgentDashboard(ctx, agent.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, agent.ID, view.Agent.ID)
	require.Equal(t, w.company.ID, view.Company.ID)
	require.Equal(t, DefaultMonthlyLoadTarget, view.MonthlyTarget)
	require.InDelta(t, 40, view.Progress, 1e-9)
	require.Len(t, view.RecentActivity, 7)
	require.Equal(t, activity.TypeAgentLoadRecorded, view.RecentActivity[0].Type)

	view, _, err = w.dash.WithMonthlyTarget(4).AgentDashboard(ctx, agent.ID)
	require.NoError(t, err)
	require.InDelta(t, 150, view.Progress, 1e-9)
}

func TestAgentDashboardUnknownAgent(t *testing.T) {
	w := newWorld(t)
	_, found, err := w.dash.AgentDashboard(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRecentActivityRespectsLimit(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.agent(t, "Ann", "ann@acme.com")
	w.agent(t, "Ben", "ben@acme.com")

	view, _, err := w.dash.WithActivityLimit(2).BrokerageDashboard(ctx, w.company.ID)
	require.NoError(t, err)
	require.Len(t, view.RecentActivity, 2)
	require.Equal(t, activity.TypeAgentRegistered, view.RecentActivity[0].Type)
}

func TestProgress(t *testing.T) {
	require.InDelta(t, 0, Progress(0, 15), 1e-9)
	require.InDelta(t, 100, Progress(15, 15), 1e-9)
	require.InDelta(t, 200, Progress(30, 15), 1e-9)
	require.Zero(t, Progress(5, 0))
}

func TestNilEventLogYieldsEmptyActivity(t *testing.T) {
	w := newWorld(t)
	view, found, err := NewService(w.dir, nil).BrokerageDashboard(context.Background(), w.company.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, view.RecentActivity)
	require.Empty(t, view.RecentActivity)
}
