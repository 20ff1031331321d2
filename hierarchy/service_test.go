package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"

	"brokerhub/activity"
)

var fixedNow = time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MemoryRepository, *activity.MemoryLog) {
	t.Helper()
	repo := NewMemoryRepository()
	events := activity.NewMemoryLog()
	svc := NewService(repo, activity.NewRecorder(events, nil)).
		WithClock(func() time.Time { return fixedNow }).
		WithBcryptCost(bcrypt.MinCost)
	return svc, repo, events
}

func mustCompany(t *testing.T, svc *Service, email string) BrokerageCompany {
	t.Helper()
	company, err := svc.RegisterBrokerage(context.Background(), BrokerageRegistration{
		Role:        RoleBrokerageLabel,
		CompanyName: "Acme Logistics",
		OwnerName:   "Ada Owens",
		Email:       email,
		Password:    "correct-horse",
	})
	if err != nil {
		t.Fatalf("register brokerage %s: %v", email, err)
	}
	return company
}

func mustAgent(t *testing.T, svc *Service, parentID, email string) BrokerAgent {
	t.Helper()
	agent, err := svc.RegisterAgent(context.Background(), AgentRegistration{
		Role:              RoleAgentLabel,
		FirstName:         "Bea",
		LastName:          "Baker",
		Email:             email,
		Password:          "battery-staple",
		ParentBrokerageID: parentID,
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", email, err)
	}
	return agent
}

func TestAcmeScenario(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	company, err := svc.RegisterBrokerage(ctx, BrokerageRegistration{
		Role:        "Freight Brokerage",
		CompanyName: "Acme",
		Email:       "a@x.com",
		Password:    "password1",
	})
	if err != nil {
		t.Fatalf("register company: %v", err)
	}
	if !strings.Contains(company.ID, "-FBB-2024") {
		t.Fatalf("unexpected company id %q", company.ID)
	}

	agent, err := svc.RegisterAgent(ctx, AgentRegistration{
		Role:              "Broker Agent",
		FirstName:         "Bob",
		LastName:          "Xu",
		Email:             "b@x.com",
		Password:          "password2",
		ParentBrokerageID: company.ID,
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	agents, err := svc.GetAgentsByBrokerageID(ctx, company.ID)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != agent.ID {
		t.Fatalf("expected exactly the new agent, got %+v", agents)
	}
	if diff := cmp.Diff(DefaultAgentPermissions(), agents[0].Permissions); diff != "" {
		t.Fatalf("default permissions mismatch (-want +got):\n%s", diff)
	}
	if agents[0].Permissions.CanModifyRates || agents[0].Permissions.MaxContractValue != 25000 {
		t.Fatalf("unexpected defaults %+v", agents[0].Permissions)
	}

	enable := true
	if _, err := svc.UpdateAgentPermissions(ctx, agent.ID, PermissionsPatch{CanModifyRates: &enable}, company.ID); err != nil {
		t.Fatalf("update permissions: %v", err)
	}

	got, found, err := svc.GetAgentByID(ctx, agent.ID)
	if err != nil || !found {
		t.Fatalf("get agent: found=%v err=%v", found, err)
	}
	if !got.Permissions.CanModifyRates {
		t.Fatalf("expected canModifyRates=true")
	}
	if got.Permissions.MaxContractValue != 25000 {
		t.Fatalf("maxContractValue changed to %v", got.Permissions.MaxContractValue)
	}
}

func TestRegisterBrokerageCreatesActiveCompany(t *testing.T) {
	svc, _, events := newTestService(t)

	company := mustCompany(t, svc, "Owner@Acme.com ")
	if company.ID != "AO-FBB-2024001" {
		t.Fatalf("unexpected id %q", company.ID)
	}
	if !company.IsActive || !company.RegistrationDate.Equal(fixedNow) {
		t.Fatalf("unexpected state %+v", company)
	}
	if company.Email != "owner@acme.com" {
		t.Fatalf("email not normalized: %q", company.Email)
	}
	if diff := cmp.Diff(BrokeragePerformanceMetrics{}, company.Performance); diff != "" {
		t.Fatalf("metrics not zeroed (-want +got):\n%s", diff)
	}
	if bcrypt.CompareHashAndPassword([]byte(company.PasswordHash), []byte("correct-horse")) != nil {
		t.Fatalf("password hash does not verify")
	}

	logged, _ := events.ListByCompany(context.Background(), company.ID, 5)
	if len(logged) != 1 || logged[0].Type != activity.TypeBrokerageRegistered {
		t.Fatalf("expected registration event, got %+v", logged)
	}
}

func TestRegisterBrokerageValidation(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	mustCompany(t, svc, "taken@acme.com")

	cases := []struct {
		name string
		reg  BrokerageRegistration
		want error
	}{
		{
			name: "agent role",
			reg:  BrokerageRegistration{Role: RoleAgentLabel, CompanyName: "X", Email: "x@x.com", Password: "longenough"},
			want: ErrInvalidRole,
		},
		{
			name: "duplicate email",
			reg:  BrokerageRegistration{Role: RoleBrokerageCode, CompanyName: "X", Email: "TAKEN@acme.com", Password: "longenough"},
			want: ErrDuplicateEmail,
		},
		{
			name: "short password",
			reg:  BrokerageRegistration{Role: RoleBrokerageLabel, CompanyName: "X", Email: "y@x.com", Password: "short"},
			want: ErrWeakPassword,
		},
		{
			name: "missing name",
			reg:  BrokerageRegistration{Role: RoleBrokerageLabel, Email: "z@x.com", Password: "longenough"},
			want: ErrMissingField,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.RegisterBrokerage(ctx, tc.reg); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	companies, _ := repo.ListCompanies(ctx)
	if len(companies) != 1 {
		t.Fatalf("failed registrations must not write, got %d companies", len(companies))
	}
}

func TestRegisterAgentUpdatesParentCounters(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")

	agent := mustAgent(t, svc, company.ID, "bea@acme.com")
	if agent.ID != "BB-BB-2024001" {
		t.Fatalf("unexpected agent id %q", agent.ID)
	}
	mustAgent(t, svc, company.ID, "bea2@acme.com")

	parent, found, err := svc.GetBrokerageByID(ctx, company.ID)
	if err != nil || !found {
		t.Fatalf("get parent: found=%v err=%v", found, err)
	}
	if parent.Performance.ActiveAgents != 2 || parent.Performance.TotalAgents != 2 {
		t.Fatalf("unexpected counters %+v", parent.Performance)
	}
}

func TestRegisterAgentParentNotFoundDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	svc, repo, events := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	before, _ := repo.GetCompany(ctx, company.ID)

	_, err := svc.RegisterAgent(ctx, AgentRegistration{
		Role:              RoleAgentLabel,
		FirstName:         "Bea",
		Email:             "bea@acme.com",
		Password:          "battery-staple",
		ParentBrokerageID: "ZZ-FBB-2024999",
	})
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}

	after, _ := repo.GetCompany(ctx, company.ID)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("company mutated (-before +after):\n%s", diff)
	}
	if taken, _ := repo.EmailTaken(ctx, "bea@acme.com"); taken {
		t.Fatalf("email registered despite failure")
	}
	agents, _ := repo.ListAgentsByCompany(ctx, "ZZ-FBB-2024999")
	if len(agents) != 0 {
		t.Fatalf("unexpected agents %+v", agents)
	}
	if logged, _ := events.ListByCompany(ctx, company.ID, 5); len(logged) != 1 {
		t.Fatalf("expected only the registration event, got %+v", logged)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	mustAgent(t, svc, company.ID, "bea@acme.com")

	cases := []struct {
		name string
		reg  AgentRegistration
		want error
	}{
		{
			name: "company role",
			reg:  AgentRegistration{Role: RoleBrokerageLabel, FirstName: "C", Email: "c@acme.com", Password: "longenough", ParentBrokerageID: company.ID},
			want: ErrInvalidRole,
		},
		{
			name: "no parent",
			reg:  AgentRegistration{Role: RoleAgentLabel, FirstName: "C", Email: "c@acme.com", Password: "longenough"},
			want: ErrMissingParent,
		},
		{
			name: "agent email reused",
			reg:  AgentRegistration{Role: RoleAgentCode, FirstName: "C", Email: "bea@acme.com", Password: "longenough", ParentBrokerageID: company.ID},
			want: ErrDuplicateEmail,
		},
		{
			name: "company email reused",
			reg:  AgentRegistration{Role: RoleAgentLabel, FirstName: "C", Email: "owner@acme.com", Password: "longenough", ParentBrokerageID: company.ID},
			want: ErrDuplicateEmail,
		},
		{
			name: "weak password",
			reg:  AgentRegistration{Role: RoleAgentLabel, FirstName: "C", Email: "c@acme.com", Password: "1234", ParentBrokerageID: company.ID},
			want: ErrWeakPassword,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.RegisterAgent(ctx, tc.reg); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	agents, _ := repo.ListAgentsByCompany(ctx, company.ID)
	if len(agents) != 1 {
		t.Fatalf("failed registrations must not write, got %d agents", len(agents))
	}
	parent, _ := repo.GetCompany(ctx, company.ID)
	if parent.Performance.ActiveAgents != 1 {
		t.Fatalf("counters changed: %+v", parent.Performance)
	}
}

func TestCompanyEmailCannotReuseAgentEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	mustAgent(t, svc, company.ID, "bea@acme.com")

	_, err := svc.RegisterBrokerage(context.Background(), BrokerageRegistration{
		Role:        RoleBrokerageLabel,
		CompanyName: "Other",
		Email:       "bea@acme.com",
		Password:    "longenough",
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestGeneratedIDsUniqueAcrossNamespace(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	seen := make(map[string]bool)
	var companyID string
	for i := 0; i < 5; i++ {
		c := mustCompany(t, svc, fmt.Sprintf("owner%d@acme.com", i))
		if seen[c.ID] {
			t.Fatalf("duplicate id %s", c.ID)
		}
		seen[c.ID] = true
		companyID = c.ID
	}
	for i := 0; i < 5; i++ {
		a := mustAgent(t, svc, companyID, fmt.Sprintf("agent%d@acme.com", i))
		if seen[a.ID] {
			t.Fatalf("duplicate id %s", a.ID)
		}
		seen[a.ID] = true
		if taken, _ := repo.IDTaken(ctx, a.ID); !taken {
			t.Fatalf("id %s not stored", a.ID)
		}
	}
}

func TestGetByIDReportsAbsence(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	if _, found, err := svc.GetBrokerageByID(ctx, "nope"); err != nil || found {
		t.Fatalf("expected not found without error, got found=%v err=%v", found, err)
	}
	if _, found, err := svc.GetAgentByID(ctx, "nope"); err != nil || found {
		t.Fatalf("expected not found without error, got found=%v err=%v", found, err)
	}
}

func TestGetAgentsByBrokerageIDIncludesInactive(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	acme := mustCompany(t, svc, "owner@acme.com")
	other := mustCompany(t, svc, "owner@other.com")

	a1 := mustAgent(t, svc, acme.ID, "a1@acme.com")
	a2 := mustAgent(t, svc, acme.ID, "a2@acme.com")
	mustAgent(t, svc, other.ID, "o1@other.com")

	if _, err := svc.ToggleAgentStatus(ctx, a2.ID, acme.ID); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	agents, err := svc.GetAgentsByBrokerageID(ctx, acme.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	if diff := cmp.Diff([]string{a1.ID, a2.ID}, ids); diff != "" {
		t.Fatalf("agent ids mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateAgentPermissionsShallowMerge(t *testing.T) {
	ctx := context.Background()
	svc, _, events := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	agent := mustAgent(t, svc, company.ID, "bea@acme.com")

	financials := true
	maxValue := 50000.0
	territories := []string{"TX", "OK"}
	got, err := svc.UpdateAgentPermissions(ctx, agent.ID, PermissionsPatch{
		CanAccessFinancials: &financials,
		MaxContractValue:    &maxValue,
		Territories:         &territories,
	}, company.ID)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	want := DefaultAgentPermissions()
	want.CanAccessFinancials = true
	want.MaxContractValue = 50000
	want.Territories = []string{"TX", "OK"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merged permissions mismatch (-want +got):\n%s", diff)
	}

	// Mutating the caller's slice must not leak into the stored record.
	territories[0] = "CA"
	stored, _, _ := svc.GetAgentByID(ctx, agent.ID)
	if diff := cmp.Diff(want, stored.Permissions); diff != "" {
		t.Fatalf("stored permissions mismatch (-want +got):\n%s", diff)
	}

	loadTypes := []string{"Reefer"}
	got, err = svc.UpdateAgentPermissions(ctx, agent.ID, PermissionsPatch{LoadTypes: &loadTypes}, company.ID)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if diff := cmp.Diff([]string{"Reefer"}, got.LoadTypes); diff != "" {
		t.Fatalf("load types should be replaced wholesale (-want +got):\n%s", diff)
	}

	logged, _ := events.ListByAgent(ctx, agent.ID, 10)
	permissionEvents := 0
	for _, e := range logged {
		if e.Type == activity.TypeAgentPermissions {
			permissionEvents++
		}
	}
	if permissionEvents != 2 {
		t.Fatalf("expected 2 permission events, got %d", permissionEvents)
	}
}

func TestUpdateAgentPermissionsAuthorization(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	acme := mustCompany(t, svc, "owner@acme.com")
	other := mustCompany(t, svc, "owner@other.com")
	agent := mustAgent(t, svc, acme.ID, "bea@acme.com")

	enable := true
	patch := PermissionsPatch{CanGenerateReports: &enable}

	if _, err := svc.UpdateAgentPermissions(ctx, agent.ID, patch, other.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.UpdateAgentPermissions(ctx, agent.ID, patch, agent.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("agent editing itself: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.UpdateAgentPermissions(ctx, agent.ID, patch, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("empty requester: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.UpdateAgentPermissions(ctx, "missing", patch, acme.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}

	stored, _, _ := svc.GetAgentByID(ctx, agent.ID)
	if stored.Permissions.CanGenerateReports {
		t.Fatalf("unauthorized update was applied")
	}
}

func TestToggleAgentStatusIsItsOwnInverse(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	agent := mustAgent(t, svc, company.ID, "bea@acme.com")
	mustAgent(t, svc, company.ID, "cal@acme.com")

	before, _, _ := svc.GetBrokerageByID(ctx, company.ID)

	toggled, err := svc.ToggleAgentStatus(ctx, agent.ID, company.ID)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if toggled.IsActive {
		t.Fatalf("expected agent inactive after first toggle")
	}
	mid, _, _ := svc.GetBrokerageByID(ctx, company.ID)
	if mid.Performance.ActiveAgents != before.Performance.ActiveAgents-1 {
		t.Fatalf("expected active count %d, got %d", before.Performance.ActiveAgents-1, mid.Performance.ActiveAgents)
	}

	toggled, err = svc.ToggleAgentStatus(ctx, agent.ID, company.ID)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if !toggled.IsActive {
		t.Fatalf("expected agent active after second toggle")
	}
	after, _, _ := svc.GetBrokerageByID(ctx, company.ID)
	if after.Performance.ActiveAgents != before.Performance.ActiveAgents {
		t.Fatalf("active count drifted: before %d after %d", before.Performance.ActiveAgents, after.Performance.ActiveAgents)
	}
}

func TestToggleAgentStatusAuthorization(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	acme := mustCompany(t, svc, "owner@acme.com")
	other := mustCompany(t, svc, "owner@other.com")
	agent := mustAgent(t, svc, acme.ID, "bea@acme.com")

	if _, err := svc.ToggleAgentStatus(ctx, agent.ID, other.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.ToggleAgentStatus(ctx, agent.ID, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("empty requester: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.ToggleAgentStatus(ctx, "missing", acme.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	stored, _, _ := svc.GetAgentByID(ctx, agent.ID)
	if !stored.IsActive {
		t.Fatalf("unauthorized toggle was applied")
	}
}

func TestRecordLoadUpdatesAgentAndCompanyMetrics(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	bea := mustAgent(t, svc, company.ID, "bea@acme.com")
	cal := mustAgent(t, svc, company.ID, "cal@acme.com")

	if _, err := svc.RecordLoad(ctx, bea.ID, LoadOutcome{Revenue: 2000, Margin: 10, OnTime: true, ResponseMinutes: 20, CustomerRating: 5}); err != nil {
		t.Fatalf("record load: %v", err)
	}
	got, err := svc.RecordLoad(ctx, bea.ID, LoadOutcome{Revenue: 1000, Margin: 20, OnTime: false, ResponseMinutes: 40, CustomerRating: 4})
	if err != nil {
		t.Fatalf("record load: %v", err)
	}
	if _, err := svc.RecordLoad(ctx, cal.ID, LoadOutcome{Revenue: 500, Margin: 30, OnTime: true}); err != nil {
		t.Fatalf("record load: %v", err)
	}

	want := AgentPerformanceMetrics{
		LoadsHandled:        2,
		Revenue:             3000,
		Margin:              15,
		CustomerRating:      4.5,
		OnTimeRate:          50,
		AvgResponseMinutes:  30,
		CurrentMonthLoads:   2,
		CurrentMonthRevenue: 3000,
	}
	if diff := cmp.Diff(want, got.Performance); diff != "" {
		t.Fatalf("agent metrics mismatch (-want +got):\n%s", diff)
	}

	parent, _, _ := svc.GetBrokerageByID(ctx, company.ID)
	wantCompany := BrokeragePerformanceMetrics{
		TotalAgents:   2,
		ActiveAgents:  2,
		TotalLoads:    3,
		TotalRevenue:  3500,
		AverageMargin: 22.5,
	}
	if diff := cmp.Diff(wantCompany, parent.Performance); diff != "" {
		t.Fatalf("company metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordLoadRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	agent := mustAgent(t, svc, company.ID, "bea@acme.com")

	if _, err := svc.RecordLoad(ctx, agent.ID, LoadOutcome{Revenue: -1}); !errors.Is(err, ErrInvalidLoad) {
		t.Fatalf("expected error for negative revenue")
	}
	if _, err := svc.RecordLoad(ctx, agent.ID, LoadOutcome{CustomerRating: 6}); !errors.Is(err, ErrInvalidLoad) {
		t.Fatalf("expected error for rating above 5")
	}
	if _, err := svc.RecordLoad(ctx, "missing", LoadOutcome{Revenue: 1}); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestSetCompanyStatus(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")

	updated, err := svc.SetCompanyStatus(ctx, company.ID, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if updated.IsActive {
		t.Fatalf("expected inactive company")
	}
	if _, found, _ := svc.GetBrokerageByID(ctx, company.ID); !found {
		t.Fatalf("deactivated company must remain readable")
	}
	if _, err := svc.SetCompanyStatus(ctx, "missing", true); !errors.Is(err, ErrCompanyNotFound) {
		t.Fatalf("expected ErrCompanyNotFound, got %v", err)
	}
}

func TestFindAccountByEmail(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	agent := mustAgent(t, svc, company.ID, "bea@acme.com")

	c, a, found, err := svc.FindAccountByEmail(ctx, "OWNER@acme.com")
	if err != nil || !found || c == nil || a != nil || c.ID != company.ID {
		t.Fatalf("company lookup: c=%v a=%v found=%v err=%v", c, a, found, err)
	}
	c, a, found, err = svc.FindAccountByEmail(ctx, "bea@acme.com")
	if err != nil || !found || c != nil || a == nil || a.ID != agent.ID {
		t.Fatalf("agent lookup: c=%v a=%v found=%v err=%v", c, a, found, err)
	}
	if _, _, found, err = svc.FindAccountByEmail(ctx, "nobody@acme.com"); err != nil || found {
		t.Fatalf("unknown email: found=%v err=%v", found, err)
	}
}

// conflictOnceRepo fails the first agent update with a version conflict.
type conflictOnceRepo struct {
	*MemoryRepository
	conflicts int
}

func (r *conflictOnceRepo) UpdateAgent(ctx context.Context, agent BrokerAgent) (BrokerAgent, error) {
	if r.conflicts > 0 {
		r.conflicts--
		return BrokerAgent{}, ErrVersionConflict
	}
	return r.MemoryRepository.UpdateAgent(ctx, agent)
}

func TestMutationsRetryOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := &conflictOnceRepo{MemoryRepository: NewMemoryRepository()}
	svc := NewService(repo, nil).WithClock(func() time.Time { return fixedNow }).WithBcryptCost(bcrypt.MinCost)
	company := mustCompany(t, svc, "owner@acme.com")
	agent := mustAgent(t, svc, company.ID, "bea@acme.com")

	repo.conflicts = 2
	if _, err := svc.ToggleAgentStatus(ctx, agent.ID, company.ID); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	repo.conflicts = maxUpdateAttempts
	if _, err := svc.ToggleAgentStatus(ctx, agent.ID, company.ID); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict after exhausting retries, got %v", err)
	}
}

// brokenCompanyRepo fails every company update once failing is set.
type brokenCompanyRepo struct {
	*MemoryRepository
	failing bool
}

func (r *brokenCompanyRepo) UpdateCompany(ctx context.Context, company BrokerageCompany) (BrokerageCompany, error) {
	if r.failing {
		return BrokerageCompany{}, errors.New("connection reset")
	}
	return r.MemoryRepository.UpdateCompany(ctx, company)
}

func TestCommittedAgentWritesSurviveRecountFailure(t *testing.T) {
	ctx := context.Background()
	repo := &brokenCompanyRepo{MemoryRepository: NewMemoryRepository()}
	svc := NewService(repo, nil).WithClock(func() time.Time { return fixedNow }).WithBcryptCost(bcrypt.MinCost)
	company := mustCompany(t, svc, "owner@acme.com")

	repo.failing = true
	agent := mustAgent(t, svc, company.ID, "bea@acme.com")
	if _, found, _ := svc.GetAgentByID(ctx, agent.ID); !found {
		t.Fatalf("registered agent not stored")
	}

	toggled, err := svc.ToggleAgentStatus(ctx, agent.ID, company.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if toggled.IsActive {
		t.Fatalf("expected agent inactive")
	}
	if _, err := svc.RecordLoad(ctx, agent.ID, LoadOutcome{Revenue: 800}); err != nil {
		t.Fatalf("record load: %v", err)
	}

	stale, _, _ := svc.GetBrokerageByID(ctx, company.ID)
	if stale.Performance.TotalAgents != 0 {
		t.Fatalf("counters changed while updates failed: %+v", stale.Performance)
	}

	repo.failing = false
	if _, err := svc.ToggleAgentStatus(ctx, agent.ID, company.ID); err != nil {
		t.Fatalf("toggle back: %v", err)
	}
	repaired, _, _ := svc.GetBrokerageByID(ctx, company.ID)
	if repaired.Performance.TotalAgents != 1 || repaired.Performance.ActiveAgents != 1 {
		t.Fatalf("next recount did not repair counters: %+v", repaired.Performance)
	}
}

func TestMemoryRepositoryRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	company := mustCompany(t, svc, "owner@acme.com")
	agent := mustAgent(t, svc, company.ID, "bea@acme.com")

	stale := agent
	agent.Position = "Senior Broker"
	if _, err := repo.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("fresh update: %v", err)
	}
	stale.Position = "Junior Broker"
	if _, err := repo.UpdateAgent(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}
