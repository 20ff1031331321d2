package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"brokerhub/dashboard"
	"brokerhub/hierarchy"
	"brokerhub/session"
)

type ctxKey string

const (
	ctxKeyUserID    ctxKey = "user_id"
	ctxKeyRole      ctxKey = "role"
	ctxKeySessionID ctxKey = "session_id"
	ctxKeyCompanyID ctxKey = "company_id"
	ctxKeySession   ctxKey = "session"
)

// Server exposes the directory, session registry and dashboards over HTTP.
type Server struct {
	directory      *hierarchy.Service
	sessions       *session.Service
	dashboards     *dashboard.Service
	allowedOrigins []string
}

func NewServer(directory *hierarchy.Service, sessions *session.Service, dashboards *dashboard.Service, allowedOrigins []string) *Server {
	return &Server{
		directory:      directory,
		sessions:       sessions,
		dashboards:     dashboards,
		allowedOrigins: allowedOrigins,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/brokerages", s.handleRegisterBrokerage)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/session", s.handleSession)

			r.Get("/brokerages", s.handleListBrokerages)
			r.Get("/brokerages/{id}", s.handleGetBrokerage)
			r.Get("/brokerages/{id}/agents", s.handleBrokerageAgents)
			r.Get("/brokerages/{id}/dashboard", s.handleBrokerageDashboard)

			r.Post("/agents", s.handleRegisterAgent)
			r.Get("/agents/{id}", s.handleGetAgent)
			r.Get("/agents/{id}/dashboard", s.handleAgentDashboard)
			r.Patch("/agents/{id}/permissions", s.handleUpdatePermissions)
			r.Post("/agents/{id}/toggle-status", s.handleToggleStatus)
			r.Post("/agents/{id}/loads", s.handleRecordLoad)
			r.Post("/agents/{id}/contract-check", s.handleContractCheck)
		})
	})

	return r
}

// authenticate resolves the bearer token to a live session, touches its
// activity and stores the caller in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		sid, err := s.sessions.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		sess, found, err := s.sessions.GetSession(r.Context(), sid)
		if err != nil {
			log.Error().Err(err).Str("session_id", sid).Msg("load session")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !found {
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}
		if err := s.sessions.UpdateSessionActivity(r.Context(), sid); err != nil {
			log.Warn().Err(err).Str("session_id", sid).Msg("touch session")
		}

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
	})
}

func withSession(ctx context.Context, sess session.Session) context.Context {
	ctx = context.WithValue(ctx, ctxKeyUserID, sess.UserID)
	ctx = context.WithValue(ctx, ctxKeyRole, sess.Role)
	ctx = context.WithValue(ctx, ctxKeySessionID, sess.ID)
	ctx = context.WithValue(ctx, ctxKeyCompanyID, sess.CompanyID)
	return context.WithValue(ctx, ctxKeySession, sess)
}

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

func roleFrom(ctx context.Context) session.Role {
	v, _ := ctx.Value(ctxKeyRole).(session.Role)
	return v
}

func sessionIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySessionID).(string)
	return v
}

func companyIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyCompanyID).(string)
	return v
}

func sessionFrom(ctx context.Context) (session.Session, bool) {
	v, ok := ctx.Value(ctxKeySession).(session.Session)
	return v, ok
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, hierarchy.ErrDuplicateEmail),
		errors.Is(err, hierarchy.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, hierarchy.ErrInvalidRole),
		errors.Is(err, hierarchy.ErrMissingParent),
		errors.Is(err, hierarchy.ErrWeakPassword),
		errors.Is(err, hierarchy.ErrMissingField),
		errors.Is(err, hierarchy.ErrInvalidLoad):
		return http.StatusBadRequest
	case errors.Is(err, hierarchy.ErrParentNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, hierarchy.ErrAgentNotFound),
		errors.Is(err, hierarchy.ErrCompanyNotFound),
		errors.Is(err, hierarchy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, hierarchy.ErrNotAuthorized),
		errors.Is(err, session.ErrAccountDisabled):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
