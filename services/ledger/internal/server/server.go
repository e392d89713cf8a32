package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"medconsult/internal/servicetoken"
	"medconsult/internal/util"
	"medconsult/pkg/domain"
	"medconsult/pkg/ledger"
	"medconsult/services/ledger/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Verifier       *servicetoken.Verifier
	TrustedProxies *util.TrustedProxies
}

// Server exposes the ledger's internal API. Every route except /healthz
// requires a service token minted for the ledger audience.
type Server struct {
	app     *app.App
	auth    *servicetoken.Verifier
	trusted *util.TrustedProxies
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("ledger app required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("service token verifier required")
	}
	s := &Server{
		app:     cfg.App,
		auth:    cfg.Verifier,
		trusted: cfg.TrustedProxies,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("ledger", s.trusted, util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /internal/ledger/records", s.internal(s.handleAppend))
	s.mux.Handle("GET /internal/ledger/records/{id}", s.internal(s.handleRead))
	s.mux.Handle("POST /internal/ledger/records/{id}/documents", s.internal(s.handleAnchor))
	s.mux.Handle("GET /internal/ledger/records/{id}/documents", s.internal(s.handleListDocuments))
	s.mux.Handle("GET /internal/ledger/verify", s.internal(s.handleVerifyChain))
}

func (s *Server) internal(next http.HandlerFunc) http.Handler {
	return servicetoken.Require(s.auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := util.LoggerFromContext(r.Context()).With("caller", servicetoken.CallerFromContext(r.Context()))
		next(w, r.WithContext(util.ContextWithLogger(r.Context(), logger)))
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var rec domain.DiagnosisRecord
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	receipt, err := s.app.Append(r.Context(), rec)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.app.Read(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var doc ledger.Document
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if doc.ConsultationID != 0 && doc.ConsultationID != id {
		writeError(w, http.StatusBadRequest, "consultationId does not match path")
		return
	}
	doc.ConsultationID = id
	added, err := s.app.AnchorDocument(r.Context(), doc)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"anchored": added})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	docs, err := s.app.ListDocuments(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if docs == nil {
		docs = []ledger.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.VerifyChain(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid consultation id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("ledger request failed", slog.String("path", r.URL.Path), "err", err)
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
