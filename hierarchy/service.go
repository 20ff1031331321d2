package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"brokerhub/activity"
	"brokerhub/identity"
)

var (
	// ErrInvalidRole signals the registration role does not match the operation.
	ErrInvalidRole = errors.New("hierarchy: invalid role")
	// ErrMissingParent signals an agent registration without a parent brokerage id.
	ErrMissingParent = errors.New("hierarchy: parent brokerage id required")
	// ErrParentNotFound signals the parent brokerage does not exist.
	ErrParentNotFound = errors.New("hierarchy: parent brokerage not found")
	// ErrWeakPassword signals the password is shorter than MinPasswordLength.
	ErrWeakPassword = errors.New("hierarchy: password must be at least 8 characters")
	// ErrMissingField signals a required registration field is empty.
	ErrMissingField = errors.New("hierarchy: required field missing")
	// ErrRegistrationFailed wraps unexpected failures while registering a brokerage.
	ErrRegistrationFailed = errors.New("hierarchy: brokerage registration failed")
	// ErrAgentRegistrationFailed wraps unexpected failures while registering an agent.
	ErrAgentRegistrationFailed = errors.New("hierarchy: agent registration failed")
	// ErrAgentNotFound signals a mutation targeted an unknown agent.
	ErrAgentNotFound = errors.New("hierarchy: agent not found")
	// ErrCompanyNotFound signals a mutation targeted an unknown brokerage.
	ErrCompanyNotFound = errors.New("hierarchy: brokerage not found")
	// ErrNotAuthorized signals the requesting company is not the agent's parent.
	ErrNotAuthorized = errors.New("hierarchy: not authorized")
	// ErrInvalidLoad signals a load outcome with out-of-range values.
	ErrInvalidLoad = errors.New("hierarchy: invalid load outcome")
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

const maxUpdateAttempts = 3

// EventRecorder receives directory events. *activity.Recorder satisfies it.
type EventRecorder interface {
	Record(ctx context.Context, event activity.Event) error
}

// Service implements the brokerage directory on top of a Repository.
type Service struct {
	repo       Repository
	ids        *identity.Generator
	events     EventRecorder
	now        func() time.Time
	bcryptCost int
}

// NewService wires a directory service. events may be nil.
func NewService(repo Repository, events EventRecorder) *Service {
	return &Service{
		repo:       repo,
		ids:        identity.NewGenerator(repo.IDTaken),
		events:     events,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithBcryptCost overrides the hashing cost; tests use bcrypt.MinCost.
func (s *Service) WithBcryptCost(cost int) *Service {
	s.bcryptCost = cost
	return s
}

// RegisterBrokerage creates an active company with zeroed metrics.
func (s *Service) RegisterBrokerage(ctx context.Context, reg BrokerageRegistration) (BrokerageCompany, error) {
	if !isBrokerageRole(reg.Role) {
		return BrokerageCompany{}, fmt.Errorf("%w: %q", ErrInvalidRole, reg.Role)
	}
	email := normalizeEmail(reg.Email)
	if strings.TrimSpace(reg.CompanyName) == "" || email == "" {
		return BrokerageCompany{}, fmt.Errorf("%w: company name and email", ErrMissingField)
	}
	if len(reg.Password) < MinPasswordLength {
		return BrokerageCompany{}, ErrWeakPassword
	}

	taken, err := s.repo.EmailTaken(ctx, email)
	if err != nil {
		return BrokerageCompany{}, fmt.Errorf("%w: check email: %w", ErrRegistrationFailed, err)
	}
	if taken {
		return BrokerageCompany{}, ErrDuplicateEmail
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), s.bcryptCost)
	if err != nil {
		return BrokerageCompany{}, fmt.Errorf("%w: hash password: %w", ErrRegistrationFailed, err)
	}

	now := s.now().UTC()
	first, last := identity.SplitName(reg.OwnerName)
	if first == "" {
		first, last = identity.SplitName(reg.CompanyName)
	}
	company := BrokerageCompany{
		CompanyName:      strings.TrimSpace(reg.CompanyName),
		OwnerName:        strings.TrimSpace(reg.OwnerName),
		Email:            email,
		Phone:            reg.Phone,
		Address:          reg.Address,
		MCNumber:         reg.MCNumber,
		DOTNumber:        reg.DOTNumber,
		PasswordHash:     string(hash),
		IsActive:         true,
		RegistrationDate: now,
	}
	// A concurrent registration may claim the same sequence number between
	// generation and insert; draw a fresh id when that happens.
	for attempt := 1; ; attempt++ {
		company.ID, err = s.ids.Generate(ctx, identity.Request{
			FirstName: first,
			LastName:  last,
			Role:      identity.RoleBrokerage,
			Date:      now,
		})
		if err != nil {
			return BrokerageCompany{}, fmt.Errorf("%w: generate id: %w", ErrRegistrationFailed, err)
		}
		err = s.repo.InsertCompany(ctx, company)
		if err == nil {
			break
		}
		if errors.Is(err, ErrDuplicateEmail) {
			return BrokerageCompany{}, ErrDuplicateEmail
		}
		if !errors.Is(err, ErrDuplicateID) || attempt == maxUpdateAttempts {
			return BrokerageCompany{}, fmt.Errorf("%w: insert: %w", ErrRegistrationFailed, err)
		}
	}
	company.Version = 1

	s.record(ctx, activity.Event{
		CompanyID:   company.ID,
		ActorID:     company.ID,
		Type:        activity.TypeBrokerageRegistered,
		Description: fmt.Sprintf("%s registered", company.CompanyName),
	})
	return company, nil
}

// RegisterAgent creates an active agent with default permissions under an
// existing brokerage and bumps the brokerage's agent counters.
func (s *Service) RegisterAgent(ctx context.Context, reg AgentRegistration) (BrokerAgent, error) {
	if !isAgentRole(reg.Role) {
		return BrokerAgent{}, fmt.Errorf("%w: %q", ErrInvalidRole, reg.Role)
	}
	parentID := strings.TrimSpace(reg.ParentBrokerageID)
	if parentID == "" {
		return BrokerAgent{}, ErrMissingParent
	}
	if _, err := s.repo.GetCompany(ctx, parentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return BrokerAgent{}, ErrParentNotFound
		}
		return BrokerAgent{}, fmt.Errorf("%w: load parent: %w", ErrAgentRegistrationFailed, err)
	}

	email := normalizeEmail(reg.Email)
	if email == "" {
		return BrokerAgent{}, fmt.Errorf("%w: email", ErrMissingField)
	}
	taken, err := s.repo.EmailTaken(ctx, email)
	if err != nil {
		return BrokerAgent{}, fmt.Errorf("%w: check email: %w", ErrAgentRegistrationFailed, err)
	}
	if taken {
		return BrokerAgent{}, ErrDuplicateEmail
	}
	if len(reg.Password) < MinPasswordLength {
		return BrokerAgent{}, ErrWeakPassword
	}
	if strings.TrimSpace(reg.FirstName) == "" {
		return BrokerAgent{}, fmt.Errorf("%w: first name", ErrMissingField)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), s.bcryptCost)
	if err != nil {
		return BrokerAgent{}, fmt.Errorf("%w: hash password: %w", ErrAgentRegistrationFailed, err)
	}

	hired := reg.HiredDate
	if hired.IsZero() {
		hired = s.now()
	}
	hired = hired.UTC()
	agent := BrokerAgent{
		FirstName:         strings.TrimSpace(reg.FirstName),
		LastName:          strings.TrimSpace(reg.LastName),
		Email:             email,
		Phone:             reg.Phone,
		Department:        reg.Department,
		Position:          reg.Position,
		ParentBrokerageID: parentID,
		PasswordHash:      string(hash),
		IsActive:          true,
		HiredDate:         hired,
		Permissions:       DefaultAgentPermissions(),
	}
	for attempt := 1; ; attempt++ {
		agent.ID, err = s.ids.Generate(ctx, identity.Request{
			FirstName:  reg.FirstName,
			LastName:   reg.LastName,
			Role:       identity.RoleAgent,
			Department: reg.Department,
			Date:       hired,
			ParentID:   parentID,
		})
		if err != nil {
			return BrokerAgent{}, fmt.Errorf("%w: generate id: %w", ErrAgentRegistrationFailed, err)
		}
		err = s.repo.InsertAgent(ctx, agent)
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, ErrDuplicateEmail):
			return BrokerAgent{}, ErrDuplicateEmail
		case errors.Is(err, ErrNotFound):
			return BrokerAgent{}, ErrParentNotFound
		case !errors.Is(err, ErrDuplicateID) || attempt == maxUpdateAttempts:
			return BrokerAgent{}, fmt.Errorf("%w: insert: %w", ErrAgentRegistrationFailed, err)
		}
	}
	agent.Version = 1

	// The agent is committed at this point; a later recount repairs the
	// parent's counters if this one fails.
	if err := s.recountActiveAgents(ctx, parentID); err != nil {
		log.Warn().Err(err).Str("company_id", parentID).Str("agent_id", agent.ID).Msg("hierarchy: recount after registration")
	}

	s.record(ctx, activity.Event{
		CompanyID:   parentID,
		AgentID:     agent.ID,
		ActorID:     parentID,
		Type:        activity.TypeAgentRegistered,
		Description: fmt.Sprintf("%s joined as %s", agent.FullName(), displayPosition(agent.Position)),
	})
	return agent, nil
}

// GetBrokerageByID returns the company, or found=false when it does not exist.
func (s *Service) GetBrokerageByID(ctx context.Context, id string) (BrokerageCompany, bool, error) {
	company, err := s.repo.GetCompany(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return BrokerageCompany{}, false, nil
		}
		return BrokerageCompany{}, false, fmt.Errorf("hierarchy: get brokerage: %w", err)
	}
	return company, true, nil
}

// GetAgentByID returns the agent, or found=false when it does not exist.
func (s *Service) GetAgentByID(ctx context.Context, id string) (BrokerAgent, bool, error) {
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return BrokerAgent{}, false, nil
		}
		return BrokerAgent{}, false, fmt.Errorf("hierarchy: get agent: %w", err)
	}
	return agent, true, nil
}

// FindAccountByEmail looks the email up among companies first, then agents.
// Exactly one of the returned pointers is non-nil when found is true.
func (s *Service) FindAccountByEmail(ctx context.Context, email string) (*BrokerageCompany, *BrokerAgent, bool, error) {
	company, err := s.repo.GetCompanyByEmail(ctx, email)
	if err == nil {
		return &company, nil, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, false, fmt.Errorf("hierarchy: find company by email: %w", err)
	}

	agent, err := s.repo.GetAgentByEmail(ctx, email)
	if err == nil {
		return nil, &agent, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, false, fmt.Errorf("hierarchy: find agent by email: %w", err)
	}
	return nil, nil, false, nil
}

func (s *Service) ListCompanies(ctx context.Context) ([]BrokerageCompany, error) {
	companies, err := s.repo.ListCompanies(ctx)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: list companies: %w", err)
	}
	return companies, nil
}

// GetAgentsByBrokerageID returns every agent of the company, active or not.
func (s *Service) GetAgentsByBrokerageID(ctx context.Context, companyID string) ([]BrokerAgent, error) {
	agents, err := s.repo.ListAgentsByCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: list agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentPermissions merges patch into the agent's permissions. Only the
// agent's parent company may do this.
func (s *Service) UpdateAgentPermissions(ctx context.Context, agentID string, patch PermissionsPatch, requestingCompanyID string) (AgentPermissions, error) {
	agent, err := s.updateAgent(ctx, agentID, requestingCompanyID, func(a *BrokerAgent) {
		a.Permissions = patch.Apply(a.Permissions)
	})
	if err != nil {
		return AgentPermissions{}, err
	}

	s.record(ctx, activity.Event{
		CompanyID:   agent.ParentBrokerageID,
		AgentID:     agent.ID,
		ActorID:     requestingCompanyID,
		Type:        activity.TypeAgentPermissions,
		Description: fmt.Sprintf("Permissions updated for %s", agent.FullName()),
	})
	return agent.Permissions, nil
}

// ToggleAgentStatus flips the agent's active flag and recounts the parent's
// active agents from its full agent list.
func (s *Service) ToggleAgentStatus(ctx context.Context, agentID, requestingCompanyID string) (BrokerAgent, error) {
	agent, err := s.updateAgent(ctx, agentID, requestingCompanyID, func(a *BrokerAgent) {
		a.IsActive = !a.IsActive
	})
	if err != nil {
		return BrokerAgent{}, err
	}

	if err := s.recountActiveAgents(ctx, agent.ParentBrokerageID); err != nil {
		log.Warn().Err(err).Str("company_id", agent.ParentBrokerageID).Str("agent_id", agent.ID).Msg("hierarchy: recount after toggle")
	}

	state := "deactivated"
	if agent.IsActive {
		state = "activated"
	}
	s.record(ctx, activity.Event{
		CompanyID:   agent.ParentBrokerageID,
		AgentID:     agent.ID,
		ActorID:     requestingCompanyID,
		Type:        activity.TypeAgentStatusToggled,
		Description: fmt.Sprintf("%s %s", agent.FullName(), state),
		Payload:     map[string]any{"is_active": agent.IsActive},
	})
	return agent, nil
}

// RecordLoad credits a completed load to the agent and recomputes the
// parent's performance metrics from all of its agents.
func (s *Service) RecordLoad(ctx context.Context, agentID string, load LoadOutcome) (BrokerAgent, error) {
	if load.Revenue < 0 {
		return BrokerAgent{}, fmt.Errorf("%w: revenue must not be negative", ErrInvalidLoad)
	}
	if load.CustomerRating < 0 || load.CustomerRating > 5 {
		return BrokerAgent{}, fmt.Errorf("%w: customer rating must be between 0 and 5", ErrInvalidLoad)
	}

	agent, err := s.modifyAgent(ctx, agentID, nil, func(a *BrokerAgent) {
		a.Performance = a.Performance.withLoad(load)
	})
	if err != nil {
		return BrokerAgent{}, err
	}

	if err := s.recomputeCompanyMetrics(ctx, agent.ParentBrokerageID); err != nil {
		log.Warn().Err(err).Str("company_id", agent.ParentBrokerageID).Str("agent_id", agent.ID).Msg("hierarchy: recompute after load")
	}

	s.record(ctx, activity.Event{
		CompanyID:   agent.ParentBrokerageID,
		AgentID:     agent.ID,
		ActorID:     agent.ID,
		Type:        activity.TypeAgentLoadRecorded,
		Description: fmt.Sprintf("Load completed for $%.2f", load.Revenue),
		Payload: map[string]any{
			"revenue": load.Revenue,
			"margin":  load.Margin,
			"on_time": load.OnTime,
		},
	})
	return agent, nil
}

// SetCompanyStatus activates or deactivates a brokerage. Companies are never
// deleted.
func (s *Service) SetCompanyStatus(ctx context.Context, companyID string, active bool) (BrokerageCompany, error) {
	company, err := s.updateCompany(ctx, companyID, func(c *BrokerageCompany) {
		c.IsActive = active
	})
	if err != nil {
		return BrokerageCompany{}, err
	}

	s.record(ctx, activity.Event{
		CompanyID:   company.ID,
		ActorID:     company.ID,
		Type:        activity.TypeBrokerageStatusChanged,
		Description: fmt.Sprintf("%s active=%t", company.CompanyName, active),
		Payload:     map[string]any{"is_active": active},
	})
	return company, nil
}

func (s *Service) recountActiveAgents(ctx context.Context, companyID string) error {
	return s.syncCompany(ctx, companyID, func(c *BrokerageCompany, m BrokeragePerformanceMetrics) {
		c.Performance.TotalAgents = m.TotalAgents
		c.Performance.ActiveAgents = m.ActiveAgents
	})
}

func (s *Service) recomputeCompanyMetrics(ctx context.Context, companyID string) error {
	return s.syncCompany(ctx, companyID, func(c *BrokerageCompany, m BrokeragePerformanceMetrics) {
		c.Performance = m
	})
}

// syncCompany writes metrics derived from the company's agents and repeats
// until a fresh read of the agents yields the metrics last written. An agent
// change that lands between the read and the write is folded in on the next
// pass.
func (s *Service) syncCompany(ctx context.Context, companyID string, apply func(*BrokerageCompany, BrokeragePerformanceMetrics)) error {
	agents, err := s.repo.ListAgentsByCompany(ctx, companyID)
	if err != nil {
		return fmt.Errorf("hierarchy: list agents for metrics: %w", err)
	}
	for {
		metrics := CompanyMetrics(agents)
		_, err := s.updateCompany(ctx, companyID, func(c *BrokerageCompany) {
			apply(c, metrics)
		})
		if err != nil && !errors.Is(err, ErrVersionConflict) {
			return err
		}

		agents, err = s.repo.ListAgentsByCompany(ctx, companyID)
		if err != nil {
			return fmt.Errorf("hierarchy: list agents for metrics: %w", err)
		}
		if CompanyMetrics(agents) == metrics {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// CompanyMetrics aggregates a company's performance from its agents. Margin
// is averaged over agents that have handled at least one load.
func CompanyMetrics(agents []BrokerAgent) BrokeragePerformanceMetrics {
	var (
		m         BrokeragePerformanceMetrics
		marginSum float64
		withLoads int
	)
	m.TotalAgents = len(agents)
	for _, a := range agents {
		if a.IsActive {
			m.ActiveAgents++
		}
		m.TotalLoads += a.Performance.LoadsHandled
		m.TotalRevenue += a.Performance.Revenue
		if a.Performance.LoadsHandled > 0 {
			marginSum += a.Performance.Margin
			withLoads++
		}
	}
	if withLoads > 0 {
		m.AverageMargin = marginSum / float64(withLoads)
	}
	return m
}

// withLoad folds one load into the running metrics. Averages are weighted by
// the number of loads handled so far.
func (m AgentPerformanceMetrics) withLoad(load LoadOutcome) AgentPerformanceMetrics {
	n := float64(m.LoadsHandled)
	next := n + 1

	onTime := 0.0
	if load.OnTime {
		onTime = 100
	}

	m.Margin = (m.Margin*n + load.Margin) / next
	m.OnTimeRate = (m.OnTimeRate*n + onTime) / next
	m.AvgResponseMinutes = (m.AvgResponseMinutes*n + load.ResponseMinutes) / next
	if load.CustomerRating > 0 {
		m.CustomerRating = (m.CustomerRating*n + load.CustomerRating) / next
	}
	m.LoadsHandled++
	m.Revenue += load.Revenue
	m.CurrentMonthLoads++
	m.CurrentMonthRevenue += load.Revenue
	return m
}

// updateAgent applies mutate on behalf of the agent's parent company. Any
// other requester, including an empty one, gets ErrNotAuthorized.
func (s *Service) updateAgent(ctx context.Context, agentID, requestingCompanyID string, mutate func(*BrokerAgent)) (BrokerAgent, error) {
	return s.modifyAgent(ctx, agentID, func(a BrokerAgent) error {
		if requestingCompanyID == "" || a.ParentBrokerageID != requestingCompanyID {
			return ErrNotAuthorized
		}
		return nil
	}, mutate)
}

// modifyAgent applies mutate to a fresh copy of the agent and retries on
// version conflicts. authorize, when set, sees every copy before mutate does.
func (s *Service) modifyAgent(ctx context.Context, agentID string, authorize func(BrokerAgent) error, mutate func(*BrokerAgent)) (BrokerAgent, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		agent, err := s.repo.GetAgent(ctx, agentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return BrokerAgent{}, ErrAgentNotFound
			}
			return BrokerAgent{}, fmt.Errorf("hierarchy: load agent: %w", err)
		}
		if authorize != nil {
			if err := authorize(agent); err != nil {
				return BrokerAgent{}, err
			}
		}

		mutate(&agent)
		updated, err := s.repo.UpdateAgent(ctx, agent)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			if errors.Is(err, ErrNotFound) {
				return BrokerAgent{}, ErrAgentNotFound
			}
			return BrokerAgent{}, fmt.Errorf("hierarchy: update agent: %w", err)
		}
		lastErr = err
	}
	return BrokerAgent{}, lastErr
}

func (s *Service) updateCompany(ctx context.Context, companyID string, mutate func(*BrokerageCompany)) (BrokerageCompany, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		company, err := s.repo.GetCompany(ctx, companyID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return BrokerageCompany{}, ErrCompanyNotFound
			}
			return BrokerageCompany{}, fmt.Errorf("hierarchy: load company: %w", err)
		}

		mutate(&company)
		updated, err := s.repo.UpdateCompany(ctx, company)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return BrokerageCompany{}, fmt.Errorf("hierarchy: update company: %w", err)
		}
		lastErr = err
	}
	return BrokerageCompany{}, lastErr
}

func (s *Service) record(ctx context.Context, event activity.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, event); err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Msg("hierarchy: record activity")
	}
}

func displayPosition(position string) string {
	if strings.TrimSpace(position) == "" {
		return "agent"
	}
	return position
}
