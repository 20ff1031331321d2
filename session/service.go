package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"brokerhub/activity"
	"brokerhub/hierarchy"
)

var (
	// ErrInvalidCredentials signals an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	// ErrAccountDisabled signals the account exists but is deactivated.
	ErrAccountDisabled = errors.New("session: account disabled")
)

// Role is the kind of account a session belongs to.
type Role string

const (
	RoleBrokerage Role = hierarchy.RoleBrokerageCode
	RoleAgent     Role = hierarchy.RoleAgentCode
)

// Session is one login. Grant is fixed at login; Permissions is filled from
// the grant whenever the session is read through the Service.
type Session struct {
	ID           string      `json:"sessionId"`
	UserID       string      `json:"userId"`
	Email        string      `json:"email"`
	Role         Role        `json:"role"`
	CompanyID    string      `json:"companyId"`
	Grant        Permissions `json:"-"`
	Permissions  Resolved    `json:"permissions"`
	LoginTime    time.Time   `json:"loginTime"`
	LastActivity time.Time   `json:"lastActivity"`
}

// Credentials is the login input.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Directory is the account lookup the registry authenticates against.
type Directory interface {
	FindAccountByEmail(ctx context.Context, email string) (*hierarchy.BrokerageCompany, *hierarchy.BrokerAgent, bool, error)
	GetBrokerageByID(ctx context.Context, id string) (hierarchy.BrokerageCompany, bool, error)
	GetAgentByID(ctx context.Context, id string) (hierarchy.BrokerAgent, bool, error)
}

// EventRecorder receives login and logout events.
type EventRecorder interface {
	Record(ctx context.Context, event activity.Event) error
}

// Service maps credentials to sessions.
type Service struct {
	dir     Directory
	store   Store
	tokens  *TokenIssuer
	events  EventRecorder
	idleTTL time.Duration
	now     func() time.Time
	newID   func() string
}

// NewService builds a session registry. idleTTL <= 0 disables idle expiry.
// events may be nil.
func NewService(dir Directory, store Store, tokens *TokenIssuer, idleTTL time.Duration, events EventRecorder) *Service {
	return &Service{
		dir:     dir,
		store:   store,
		tokens:  tokens,
		events:  events,
		idleTTL: idleTTL,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.tokens.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	return s
}

// Authenticate verifies credentials and opens a session. Companies are
// matched before agents.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (Session, string, error) {
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if email == "" || creds.Password == "" {
		return Session{}, "", ErrInvalidCredentials
	}

	company, agent, found, err := s.dir.FindAccountByEmail(ctx, email)
	if err != nil {
		return Session{}, "", fmt.Errorf("session: lookup account: %w", err)
	}
	if !found {
		return Session{}, "", ErrInvalidCredentials
	}

	now := s.now().UTC()
	sess := Session{
		ID:           s.newID(),
		Email:        email,
		LoginTime:    now,
		LastActivity: now,
	}

	var hash string
	var active bool
	switch {
	case company != nil:
		hash, active = company.PasswordHash, company.IsActive
		sess.UserID = company.ID
		sess.CompanyID = company.ID
		sess.Role = RoleBrokerage
		sess.Grant = Full{}
	case agent != nil:
		hash, active = agent.PasswordHash, agent.IsActive
		sess.UserID = agent.ID
		sess.CompanyID = agent.ParentBrokerageID
		sess.Role = RoleAgent
		sess.Grant = Scoped{AgentID: agent.ID}
	default:
		return Session{}, "", ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)) != nil {
		return Session{}, "", ErrInvalidCredentials
	}
	if !active {
		return Session{}, "", ErrAccountDisabled
	}

	resolved, ok, err := s.resolve(ctx, sess)
	if err != nil {
		return Session{}, "", err
	}
	if !ok {
		return Session{}, "", ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(resolved)
	if err != nil {
		return Session{}, "", err
	}
	if err := s.store.Put(ctx, sess); err != nil {
		return Session{}, "", fmt.Errorf("session: store: %w", err)
	}

	s.record(ctx, sess, activity.TypeSessionLogin, "Signed in")
	return resolved, token, nil
}

// GetSession returns the session with its permissions resolved against the
// directory. Expired sessions and sessions whose company or agent no longer
// exists or was deactivated are removed and reported as absent.
func (s *Service) GetSession(ctx context.Context, id string) (Session, bool, error) {
	sess, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, false, fmt.Errorf("session: get: %w", err)
	}
	if !ok {
		return Session{}, false, nil
	}
	if s.expired(sess, s.now()) {
		if _, err := s.store.Delete(ctx, id); err != nil {
			return Session{}, false, fmt.Errorf("session: drop expired: %w", err)
		}
		return Session{}, false, nil
	}

	resolved, ok, err := s.resolve(ctx, sess)
	if err != nil {
		return Session{}, false, err
	}
	if !ok {
		if _, err := s.store.Delete(ctx, id); err != nil {
			return Session{}, false, fmt.Errorf("session: drop revoked: %w", err)
		}
		return Session{}, false, nil
	}
	return resolved, true, nil
}

// UpdateSessionActivity marks the session as used now. Unknown ids are
// ignored.
func (s *Service) UpdateSessionActivity(ctx context.Context, id string) error {
	if _, err := s.store.Touch(ctx, id, s.now().UTC()); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// Logout removes the session and reports whether one existed.
func (s *Service) Logout(ctx context.Context, id string) (bool, error) {
	sess, found, err := s.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("session: get: %w", err)
	}
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("session: delete: %w", err)
	}
	if removed && found {
		s.record(ctx, sess, activity.TypeSessionLogout, "Signed out")
	}
	return removed, nil
}

// VerifyToken checks a bearer token and returns the session id it names.
func (s *Service) VerifyToken(token string) (string, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.SessionID, nil
}

// Sweep removes sessions idle since before now minus the idle TTL.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s.idleTTL <= 0 {
		return 0, nil
	}
	removed, err := s.store.DeleteIdleSince(ctx, now.Add(-s.idleTTL))
	if err != nil {
		return 0, fmt.Errorf("session: sweep: %w", err)
	}
	return removed, nil
}

// RunSweeper sweeps on every tick until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.Sweep(ctx, s.now())
			if err != nil {
				log.Error().Err(err).Msg("session sweep failed")
				continue
			}
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("idle sessions swept")
			}
		}
	}
}

func (s *Service) expired(sess Session, now time.Time) bool {
	return s.idleTTL > 0 && now.Sub(sess.LastActivity) > s.idleTTL
}

func (s *Service) resolve(ctx context.Context, sess Session) (Session, bool, error) {
	switch g := sess.Grant.(type) {
	case Full:
		company, found, err := s.dir.GetBrokerageByID(ctx, sess.CompanyID)
		if err != nil {
			return Session{}, false, fmt.Errorf("session: resolve company: %w", err)
		}
		if !found || !company.IsActive {
			return Session{}, false, nil
		}
		sess.Permissions = ResolvedFull()
		return sess, true, nil
	case Scoped:
		agent, found, err := s.dir.GetAgentByID(ctx, g.AgentID)
		if err != nil {
			return Session{}, false, fmt.Errorf("session: resolve agent: %w", err)
		}
		if !found || !agent.IsActive {
			return Session{}, false, nil
		}
		sess.Permissions = ResolvedAgent(agent.Permissions)
		return sess, true, nil
	default:
		return Session{}, false, fmt.Errorf("session: unknown grant %T", sess.Grant)
	}
}

func (s *Service) record(ctx context.Context, sess Session, typ activity.Type, desc string) {
	if s.events == nil {
		return
	}
	event := activity.Event{
		CompanyID:   sess.CompanyID,
		ActorID:     sess.UserID,
		Type:        typ,
		Description: desc,
		Payload:     map[string]any{"session_id": sess.ID},
	}
	if sess.Role == RoleAgent {
		event.AgentID = sess.UserID
	}
	if err := s.events.Record(ctx, event); err != nil {
		log.Warn().Err(err).Str("type", string(typ)).Msg("session: record activity")
	}
}
