package hierarchy

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound signals the requested record does not exist.
	ErrNotFound = errors.New("hierarchy: not found")
	// ErrDuplicateEmail signals the email is already registered to a company or agent.
	ErrDuplicateEmail = errors.New("hierarchy: email already exists")
	// ErrDuplicateID signals the identifier is already in use.
	ErrDuplicateID = errors.New("hierarchy: id already exists")
	// ErrVersionConflict signals the record changed since it was read.
	ErrVersionConflict = errors.New("hierarchy: version conflict")
)

// Repository is the storage capability the directory service needs.
// Update methods persist the record only if its Version still matches the
// stored one, and bump it on success.
type Repository interface {
	InsertCompany(ctx context.Context, company BrokerageCompany) error
	InsertAgent(ctx context.Context, agent BrokerAgent) error
	GetCompany(ctx context.Context, id string) (BrokerageCompany, error)
	GetAgent(ctx context.Context, id string) (BrokerAgent, error)
	GetCompanyByEmail(ctx context.Context, email string) (BrokerageCompany, error)
	GetAgentByEmail(ctx context.Context, email string) (BrokerAgent, error)
	ListCompanies(ctx context.Context) ([]BrokerageCompany, error)
	ListAgentsByCompany(ctx context.Context, companyID string) ([]BrokerAgent, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	IDTaken(ctx context.Context, id string) (bool, error)
	UpdateCompany(ctx context.Context, company BrokerageCompany) (BrokerageCompany, error)
	UpdateAgent(ctx context.Context, agent BrokerAgent) (BrokerAgent, error)
}

// MemoryRepository keeps companies and agents in process memory. Listing
// preserves insertion order.
type MemoryRepository struct {
	mu         sync.RWMutex
	companies  map[string]BrokerageCompany
	agents     map[string]BrokerAgent
	emails     map[string]string
	companyIDs []string
	agentIDs   []string
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		companies: make(map[string]BrokerageCompany),
		agents:    make(map[string]BrokerAgent),
		emails:    make(map[string]string),
	}
}

func (r *MemoryRepository) InsertCompany(_ context.Context, company BrokerageCompany) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := normalizeEmail(company.Email)
	if _, ok := r.emails[email]; ok {
		return ErrDuplicateEmail
	}
	if r.idTakenLocked(company.ID) {
		return ErrDuplicateID
	}
	company.Version = 1
	r.companies[company.ID] = company
	r.emails[email] = company.ID
	r.companyIDs = append(r.companyIDs, company.ID)
	return nil
}

func (r *MemoryRepository) InsertAgent(_ context.Context, agent BrokerAgent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.companies[agent.ParentBrokerageID]; !ok {
		return ErrNotFound
	}
	email := normalizeEmail(agent.Email)
	if _, ok := r.emails[email]; ok {
		return ErrDuplicateEmail
	}
	if r.idTakenLocked(agent.ID) {
		return ErrDuplicateID
	}
	agent.Version = 1
	agent.Permissions = agent.Permissions.Clone()
	r.agents[agent.ID] = agent
	r.emails[email] = agent.ID
	r.agentIDs = append(r.agentIDs, agent.ID)
	return nil
}

func (r *MemoryRepository) GetCompany(_ context.Context, id string) (BrokerageCompany, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	company, ok := r.companies[id]
	if !ok {
		return BrokerageCompany{}, ErrNotFound
	}
	return company, nil
}

func (r *MemoryRepository) GetAgent(_ context.Context, id string) (BrokerAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return BrokerAgent{}, ErrNotFound
	}
	agent.Permissions = agent.Permissions.Clone()
	return agent, nil
}

func (r *MemoryRepository) GetCompanyByEmail(_ context.Context, email string) (BrokerageCompany, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	company, ok := r.companies[r.emails[normalizeEmail(email)]]
	if !ok {
		return BrokerageCompany{}, ErrNotFound
	}
	return company, nil
}

func (r *MemoryRepository) GetAgentByEmail(_ context.Context, email string) (BrokerAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[r.emails[normalizeEmail(email)]]
	if !ok {
		return BrokerAgent{}, ErrNotFound
	}
	agent.Permissions = agent.Permissions.Clone()
	return agent, nil
}

func (r *MemoryRepository) ListCompanies(_ context.Context) ([]BrokerageCompany, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BrokerageCompany, 0, len(r.companyIDs))
	for _, id := range r.companyIDs {
		out = append(out, r.companies[id])
	}
	return out, nil
}

func (r *MemoryRepository) ListAgentsByCompany(_ context.Context, companyID string) ([]BrokerAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BrokerAgent, 0, 8)
	for _, id := range r.agentIDs {
		agent := r.agents[id]
		if agent.ParentBrokerageID != companyID {
			continue
		}
		agent.Permissions = agent.Permissions.Clone()
		out = append(out, agent)
	}
	return out, nil
}

func (r *MemoryRepository) EmailTaken(_ context.Context, email string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.emails[normalizeEmail(email)]
	return ok, nil
}

func (r *MemoryRepository) IDTaken(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.idTakenLocked(id), nil
}

func (r *MemoryRepository) UpdateCompany(_ context.Context, company BrokerageCompany) (BrokerageCompany, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.companies[company.ID]
	if !ok {
		return BrokerageCompany{}, ErrNotFound
	}
	if current.Version != company.Version {
		return BrokerageCompany{}, ErrVersionConflict
	}
	// Identity fields are immutable.
	company.Email = current.Email
	company.RegistrationDate = current.RegistrationDate
	company.Version++
	r.companies[company.ID] = company
	return company, nil
}

func (r *MemoryRepository) UpdateAgent(_ context.Context, agent BrokerAgent) (BrokerAgent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.agents[agent.ID]
	if !ok {
		return BrokerAgent{}, ErrNotFound
	}
	if current.Version != agent.Version {
		return BrokerAgent{}, ErrVersionConflict
	}
	agent.Email = current.Email
	agent.ParentBrokerageID = current.ParentBrokerageID
	agent.Version++
	agent.Permissions = agent.Permissions.Clone()
	r.agents[agent.ID] = agent
	return agent, nil
}

func (r *MemoryRepository) idTakenLocked(id string) bool {
	if _, ok := r.companies[id]; ok {
		return true
	}
	_, ok := r.agents[id]
	return ok
}

var _ Repository = (*MemoryRepository)(nil)
