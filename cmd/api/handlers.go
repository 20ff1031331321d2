package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"brokerhub/hierarchy"
	"brokerhub/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type loginResponse struct {
	Token   string          `json:"token"`
	Session session.Session `json:"session"`
}

type logoutResponse struct {
	LoggedOut bool `json:"loggedOut"`
}

type contractCheckRequest struct {
	Value     float64 `json:"value"`
	LoadType  string  `json:"loadType"`
	Territory string  `json:"territory"`
}

type contractCheckResponse struct {
	Decision hierarchy.ContractDecision `json:"decision"`
	Covered  bool                       `json:"covered"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds session.Credentials
	if !decodeBody(w, r, &creds) {
		return
	}

	sess, token, err := s.sessions.Authenticate(r.Context(), creds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Session: sess})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sessions.Logout(r.Context(), sessionIDFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logoutResponse{LoggedOut: removed})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRegisterBrokerage(w http.ResponseWriter, r *http.Request) {
	var reg hierarchy.BrokerageRegistration
	if !decodeBody(w, r, &reg) {
		return
	}

	company, err := s.directory.RegisterBrokerage(r.Context(), reg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, company)
}

// handleRegisterAgent lets a brokerage session register agents under itself.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r.Context()) != session.RoleBrokerage {
		writeError(w, http.StatusForbidden, "only a brokerage may register agents")
		return
	}

	var reg hierarchy.AgentRegistration
	if !decodeBody(w, r, &reg) {
		return
	}
	if parent := strings.TrimSpace(reg.ParentBrokerageID); parent != "" && parent != userIDFrom(r.Context()) {
		writeError(w, http.StatusForbidden, "agents may only be registered under the caller's brokerage")
		return
	}

	agent, err := s.directory.RegisterAgent(r.Context(), reg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListBrokerages(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r.Context()) != session.RoleBrokerage {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	companies, err := s.directory.ListCompanies(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[hierarchy.BrokerageCompany]{Items: companies, Total: len(companies)})
}

// handleGetBrokerage serves the company to itself and to its own agents.
func (s *Server) handleGetBrokerage(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	if companyIDFrom(r.Context()) != companyID {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	company, found, err := s.directory.GetBrokerageByID(r.Context(), companyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "brokerage not found")
		return
	}
	writeJSON(w, http.StatusOK, company)
}

// handleBrokerageAgents lists a company's agents for the company itself or
// for its agents who may view company-wide data.
func (s *Server) handleBrokerageAgents(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	if !s.canViewCompany(r, companyID) {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	agents, err := s.directory.GetAgentsByBrokerageID(r.Context(), companyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[hierarchy.BrokerAgent]{Items: agents, Total: len(agents)})
}

func (s *Server) handleBrokerageDashboard(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	if roleFrom(r.Context()) != session.RoleBrokerage || userIDFrom(r.Context()) != companyID {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	view, found, err := s.dashboards.BrokerageDashboard(r.Context(), companyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "brokerage not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadVisibleAgent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentDashboard(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadVisibleAgent(w, r)
	if !ok {
		return
	}

	view, found, err := s.dashboards.AgentDashboard(r.Context(), agent.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r.Context()) != session.RoleBrokerage {
		writeError(w, http.StatusForbidden, "only the brokerage may change permissions")
		return
	}

	var patch hierarchy.PermissionsPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "no permission fields supplied")
		return
	}

	perms, err := s.directory.UpdateAgentPermissions(r.Context(), chi.URLParam(r, "id"), patch, userIDFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (s *Server) handleToggleStatus(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r.Context()) != session.RoleBrokerage {
		writeError(w, http.StatusForbidden, "only the brokerage may change agent status")
		return
	}

	agent, err := s.directory.ToggleAgentStatus(r.Context(), chi.URLParam(r, "id"), userIDFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleRecordLoad credits a completed load. Agents need canCreateLoads to
// record their own loads; the parent brokerage may always record.
func (s *Server) handleRecordLoad(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadVisibleAgent(w, r)
	if !ok {
		return
	}
	if roleFrom(r.Context()) == session.RoleAgent {
		if sess, _ := sessionFrom(r.Context()); !agentMay(sess, func(p hierarchy.AgentPermissions) bool { return p.CanCreateLoads }) {
			writeError(w, http.StatusForbidden, "agent may not create loads")
			return
		}
	}

	var load hierarchy.LoadOutcome
	if !decodeBody(w, r, &load) {
		return
	}

	updated, err := s.directory.RecordLoad(r.Context(), agent.ID, load)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleContractCheck(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.loadVisibleAgent(w, r)
	if !ok {
		return
	}

	var req contractCheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Value < 0 {
		writeError(w, http.StatusBadRequest, "value must not be negative")
		return
	}

	resp := contractCheckResponse{Decision: agent.Permissions.CheckContract(req.Value)}
	if req.LoadType != "" {
		resp.Covered = agent.Permissions.Covers(req.LoadType, req.Territory)
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadVisibleAgent fetches the agent named in the path when the caller is
// the agent itself or its parent brokerage.
func (s *Server) loadVisibleAgent(w http.ResponseWriter, r *http.Request) (hierarchy.BrokerAgent, bool) {
	agent, found, err := s.directory.GetAgentByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return hierarchy.BrokerAgent{}, false
	}
	if !found {
		writeError(w, http.StatusNotFound, "agent not found")
		return hierarchy.BrokerAgent{}, false
	}

	userID := userIDFrom(r.Context())
	switch roleFrom(r.Context()) {
	case session.RoleBrokerage:
		if agent.ParentBrokerageID == userID {
			return agent, true
		}
	case session.RoleAgent:
		if agent.ID == userID {
			return agent, true
		}
	}
	writeError(w, http.StatusForbidden, "not authorized")
	return hierarchy.BrokerAgent{}, false
}

func (s *Server) canViewCompany(r *http.Request, companyID string) bool {
	switch roleFrom(r.Context()) {
	case session.RoleBrokerage:
		return userIDFrom(r.Context()) == companyID
	case session.RoleAgent:
		if companyIDFrom(r.Context()) != companyID {
			return false
		}
		sess, _ := sessionFrom(r.Context())
		return agentMay(sess, func(p hierarchy.AgentPermissions) bool { return p.CanViewAllCompanyLoads })
	}
	return false
}

func agentMay(sess session.Session, check func(hierarchy.AgentPermissions) bool) bool {
	if sess.Permissions.AllowsAll() {
		return true
	}
	perms, ok := sess.Permissions.Agent()
	return ok && check(perms)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
