package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"medconsult/internal/ratelimit"
	"medconsult/internal/usertoken"
	"medconsult/internal/util"
	"medconsult/pkg/domain"
	"medconsult/services/consultation/internal/app"
)

const maxBodyBytes = 1 << 20

// TokenVerifier validates patient and doctor bearer tokens.
type TokenVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// Limiter is a per-key request quota. A nil Limiter allows everything.
type Limiter interface {
	Take(ctx context.Context, key string) ratelimit.Decision
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Tokens         TokenVerifier
	ChatLimiter    Limiter
	BookingLimiter Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
}

// Server exposes the consultation HTTP API.
type Server struct {
	app            *app.App
	tokens         TokenVerifier
	chatLimiter    Limiter
	bookingLimiter Limiter
	trusted        *util.TrustedProxies
	corsOrigins    []string
	router         chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:            cfg.App,
		tokens:         cfg.Tokens,
		chatLimiter:    cfg.ChatLimiter,
		bookingLimiter: cfg.BookingLimiter,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		router:         chi.NewRouter(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("consultation", s.trusted,
			util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.router))))
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticated)

		r.Get("/appointments/unavailable", s.handleUnavailableSlots)

		r.Route("/patient", func(r chi.Router) {
			r.Use(requireRole(domain.RolePatient))
			r.Post("/consultations", s.handleCreateConsultation)
			r.Get("/consultations", s.handleListConsultations)
			r.Get("/consultations/{id}", s.handleGetConsultation)
			r.Get("/consultations/{id}/messages", s.handleChatHistory)
			r.With(s.rateLimited(s.chatLimiter, "chat", "too many messages")).
				Post("/consultations/{id}/messages", s.handleSendMessage)
			r.Post("/consultations/{id}/finish", s.handleFinishChat)
			r.With(s.rateLimited(s.bookingLimiter, "booking", "too many booking attempts")).
				Post("/consultations/{id}/appointments", s.handleCreateAppointment)
			r.Get("/consultations/{id}/appointments", s.handleListAppointments)
			r.Get("/consultations/{id}/integrity", s.handleIntegrity)
			r.Get("/consultations/{id}/report", s.handleReportLink)
			r.Patch("/appointments/{id}", s.handleRescheduleAppointment)
			r.Post("/appointments/{id}/cancel", s.handleCancelAppointment)
		})

		r.Route("/doctor", func(r chi.Router) {
			r.Use(requireRole(domain.RoleDoctor))
			r.Get("/consultations", s.handleListConsultations)
			r.Get("/consultations/{id}", s.handleConsultationDetail)
			r.Post("/consultations/{id}/validate", s.handleReview(domain.StateValidated))
			r.Post("/consultations/{id}/followup", s.handleReview(domain.StateNeedsFollowUp))
			r.Get("/consultations/{id}/integrity", s.handleIntegrity)
			r.Get("/consultations/{id}/report", s.handleReportLink)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type actorContextKey struct{}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := r.Context().Value(actorContextKey{}).(domain.Actor)
	return actor
}

// authenticated resolves the bearer token to an actor. Subjects must be
// numeric user ids.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "consultation.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity, err := s.tokens.Verify(token)
		if err != nil {
			s.audit(r, "consultation.authorize", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := strconv.ParseInt(identity.Subject, 10, 64)
		if err != nil || userID <= 0 {
			s.audit(r, "consultation.authorize", "fail", "reason", "invalid_subject")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		actor := domain.Actor{UserID: userID, Role: domain.UserRole(identity.Role)}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", userID, "role", identity.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role domain.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actorFrom(r).Role != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) rateLimited(limiter Limiter, name, msg string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil {
				key := name + "|" + strconv.FormatInt(actorFrom(r).UserID, 10)
				d := limiter.Take(r.Context(), key)
				if !d.Allowed {
					s.audit(r, "consultation."+name, "rate_limited")
					w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
					writeError(w, http.StatusTooManyRequests, msg)
					return
				}
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// patient handlers

func (s *Server) handleCreateConsultation(w http.ResponseWriter, r *http.Request) {
	var req app.CreateConsultationInput
	if !decodeJSON(w, r, &req, true) {
		return
	}
	c, err := s.app.CreateConsultation(r.Context(), actorFrom(r), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListConsultations(w http.ResponseWriter, r *http.Request) {
	var state domain.ConsultationState
	if raw := r.URL.Query().Get("state"); raw != "" {
		parsed, err := domain.ParseConsultationState(raw)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		state = parsed
	}
	list, err := s.app.ListConsultations(r.Context(), actorFrom(r), state)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultations": list, "count": len(list)})
}

func (s *Server) handleGetConsultation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.app.GetConsultation(r.Context(), actorFrom(r), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	history, err := s.app.ChatHistory(r.Context(), actorFrom(r), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	reply, err := s.app.SendMessage(r.Context(), actorFrom(r), id, req.Message)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app.HistoryEntry{
		ID:        reply.ID,
		Role:      reply.Sender.Role(),
		Content:   reply.Content,
		CreatedAt: reply.CreatedAt.UTC(),
	})
}

func (s *Server) handleFinishChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.app.FinishChat(r.Context(), actorFrom(r), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type appointmentRequest struct {
	StartsAt time.Time `json:"startsAt"`
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req appointmentRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	ap, err := s.app.CreateAppointment(r.Context(), actorFrom(r), id, req.StartsAt)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ap)
}

func (s *Server) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := s.app.ListAppointments(r.Context(), actorFrom(r), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": list})
}

func (s *Server) handleRescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req appointmentRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	ap, err := s.app.RescheduleAppointment(r.Context(), actorFrom(r), id, req.StartsAt)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

func (s *Server) handleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ap, err := s.app.CancelAppointment(r.Context(), actorFrom(r), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

func (s *Server) handleUnavailableSlots(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	var doctorID int64
	if rawDoctor := r.URL.Query().Get("doctorId"); rawDoctor != "" {
		doctorID, err = strconv.ParseInt(rawDoctor, 10, 64)
		if err != nil || doctorID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid doctorId")
			return
		}
	}
	slots, err := s.app.UnavailableSlots(r.Context(), doctorID, day)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": day.Format(time.DateOnly), "slots": slots})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.app.VerifyIntegrity(r.Context(), actorFrom(r), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReportLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}
	link, err := s.app.ReportLink(r.Context(), actorFrom(r), id, ttl)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// doctor handlers

func (s *Server) handleConsultationDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := s.app.ConsultationDetail(r.Context(), actorFrom(r), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type reviewRequest struct {
	DoctorNote string `json:"doctorNote"`
}

func (s *Server) handleReview(target domain.ConsultationState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req reviewRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}
		review := s.app.Validate
		if target == domain.StateNeedsFollowUp {
			review = s.app.RequestFollowUp
		}
		c, err := review(r.Context(), actorFrom(r), id, req.DoctorNote)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

// helpers

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// decodeJSON reads a bounded JSON body into dst. With allowEmpty an absent
// body leaves dst at its zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInferenceFailure), errors.Is(err, domain.ErrLedgerFailure):
		util.LoggerFromContext(r.Context()).Warn("upstream failure", "err", err)
		writeError(w, http.StatusBadGateway, "upstream service unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	util.LoggerFromContext(r.Context()).Warn("security_event", logAttrs...)
}
