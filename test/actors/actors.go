package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"brokerhub/hierarchy"
	"brokerhub/session"
)

// AgentPassword is the password every stress agent registers with.
const AgentPassword = "stress-password"

// Roster collects the agents registered so far so other actors can target them.
type Roster struct {
	mu     sync.RWMutex
	agents []hierarchy.BrokerAgent
}

func (r *Roster) Add(a hierarchy.BrokerAgent) {
	r.mu.Lock()
	r.agents = append(r.agents, a)
	r.mu.Unlock()
}

// Pick returns a random registered agent, or false before the first one.
func (r *Roster) Pick() (hierarchy.BrokerAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.agents) == 0 {
		return hierarchy.BrokerAgent{}, false
	}
	return r.agents[rand.Intn(len(r.agents))], true
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

var firstNames = []string{"Ann", "Amos", "Ben", "Bea"}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Registrar registers agents under companyID from a small pool of emails and
// names, so replicas race on both email uniqueness and id sequences.
func Registrar(ctx context.Context, dir *hierarchy.Service, companyID string, emailPool int, roster *Roster, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		agent, err := dir.RegisterAgent(ctx, hierarchy.AgentRegistration{
			Role:              hierarchy.RoleAgentLabel,
			FirstName:         firstNames[rand.Intn(len(firstNames))],
			LastName:          "Stress",
			Email:             fmt.Sprintf("agent%04d@%s.stress", rand.Intn(emailPool), companyID),
			Password:          AgentPassword,
			ParentBrokerageID: companyID,
		})
		switch {
		case err == nil:
			roster.Add(agent)
		case errors.Is(err, hierarchy.ErrDuplicateEmail), errors.Is(err, hierarchy.ErrDuplicateID):
			// expected under contention
		default:
			return fmt.Errorf("registrar: %w", err)
		}
		pause(10, 20)
	}
}

// Toggler flips random agents of companyID on behalf of that company.
func Toggler(ctx context.Context, dir *hierarchy.Service, companyID string, roster *Roster, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if agent, ok := roster.Pick(); ok {
			_, err := dir.ToggleAgentStatus(ctx, agent.ID, companyID)
			if err != nil && !errors.Is(err, hierarchy.ErrVersionConflict) {
				return fmt.Errorf("toggler %s: %w", agent.ID, err)
			}
		}
		pause(5, 15)
	}
}

// PermissionEditor applies random single-field patches to random agents.
func PermissionEditor(ctx context.Context, dir *hierarchy.Service, companyID string, roster *Roster, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if agent, ok := roster.Pick(); ok {
			flag := rand.Intn(2) == 0
			limit := float64(5000 * (1 + rand.Intn(10)))
			patch := hierarchy.PermissionsPatch{CanViewAllCompanyLoads: &flag}
			if rand.Intn(2) == 0 {
				patch = hierarchy.PermissionsPatch{MaxContractValue: &limit}
			}
			_, err := dir.UpdateAgentPermissions(ctx, agent.ID, patch, companyID)
			if err != nil && !errors.Is(err, hierarchy.ErrVersionConflict) {
				return fmt.Errorf("permission editor %s: %w", agent.ID, err)
			}
		}
		pause(10, 20)
	}
}

// LoadRecorder credits random loads to random agents.
func LoadRecorder(ctx context.Context, dir *hierarchy.Service, roster *Roster, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if agent, ok := roster.Pick(); ok {
			_, err := dir.RecordLoad(ctx, agent.ID, hierarchy.LoadOutcome{
				Revenue:         float64(500 + rand.Intn(5000)),
				Margin:          float64(5 + rand.Intn(25)),
				OnTime:          rand.Intn(4) != 0,
				ResponseMinutes: float64(rand.Intn(60)),
				CustomerRating:  float64(1 + rand.Intn(5)),
			})
			if err != nil && !errors.Is(err, hierarchy.ErrVersionConflict) {
				return fmt.Errorf("load recorder %s: %w", agent.ID, err)
			}
		}
		pause(10, 30)
	}
}

// Intruder tries to toggle another company's agents and fails the run if the
// directory ever lets it.
func Intruder(ctx context.Context, dir *hierarchy.Service, foreignCompanyID string, roster *Roster, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if agent, ok := roster.Pick(); ok {
			_, err := dir.ToggleAgentStatus(ctx, agent.ID, foreignCompanyID)
			if !errors.Is(err, hierarchy.ErrNotAuthorized) {
				return fmt.Errorf("intruder toggled %s: got %v, want ErrNotAuthorized", agent.ID, err)
			}
		}
		pause(20, 40)
	}
}

// LoginChurn logs random agents in and out. Inactive agents must be refused.
func LoginChurn(ctx context.Context, sessions *session.Service, roster *Roster, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if agent, ok := roster.Pick(); ok {
			sess, _, err := sessions.Authenticate(ctx, session.Credentials{Email: agent.Email, Password: AgentPassword})
			switch {
			case err == nil:
				if _, err := sessions.Logout(ctx, sess.ID); err != nil {
					return fmt.Errorf("login churn logout: %w", err)
				}
			case errors.Is(err, session.ErrAccountDisabled):
				// agent is currently toggled off
			default:
				return fmt.Errorf("login churn %s: %w", agent.Email, err)
			}
		}
		pause(15, 30)
	}
}
