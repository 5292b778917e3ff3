// Copyright 2024-2026 Aiku AI

// Package httpapi exposes the instance registry over HTTP: create, status,
// send, and delete, protected by an API key.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/wagate/pkg/authcode"
	"github.com/aiku/wagate/pkg/instance"
	"github.com/aiku/wagate/pkg/registry"
)

// maxRequestBodySize bounds JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// Server routes HTTP requests to registry operations.
type Server struct {
	registry        *registry.Registry
	apiKey          string
	initialDeadline time.Duration
	log             zerolog.Logger
	router          *mux.Router
}

// NewServer builds the router. apiKey must be non-empty; initialDeadline
// zero means the default creation deadline.
func NewServer(reg *registry.Registry, apiKey string, initialDeadline time.Duration, log zerolog.Logger) *Server {
	if initialDeadline <= 0 {
		initialDeadline = instance.DefaultInitialDeadline
	}
	s := &Server{
		registry:        reg,
		apiKey:          apiKey,
		initialDeadline: initialDeadline,
		log:             log.With().Str("component", "httpapi").Logger(),
		router:          mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logMiddleware, s.authMiddleware)
	s.router.HandleFunc("/instances", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{name:[A-Za-z0-9._-]+}", s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/instances/{name:[A-Za-z0-9._-]+}", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{name:[A-Za-z0-9._-]+}", s.handleDelete).Methods(http.MethodDelete)
	s.router.HandleFunc("/instances/{name:[A-Za-z0-9._-]+}/send", s.handleSend).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instanceResponse is the JSON view of a state snapshot.
type instanceResponse struct {
	Name      string             `json:"name"`
	Lifecycle string             `json:"lifecycle"`
	CreatedAt jsontime.UnixMilli `json:"createdAt"`
	LastError string             `json:"lastError,omitempty"`
	Auth      *authResponse      `json:"auth,omitempty"`
}

type authResponse struct {
	Code     string             `json:"code"`
	Image    []byte             `json:"image,omitempty"`
	IssuedAt jsontime.UnixMilli `json:"issuedAt"`
}

func stateResponse(name string, state instance.State) instanceResponse {
	resp := instanceResponse{
		Name:      name,
		Lifecycle: state.Lifecycle.String(),
		CreatedAt: jsontime.UM(state.CreatedAt),
		LastError: state.LastError,
	}
	if state.Artifact != nil {
		resp.Auth = artifactResponse(state.Artifact)
	}
	return resp
}

func artifactResponse(a *authcode.Artifact) *authResponse {
	return &authResponse{
		Code:     a.Code,
		Image:    a.PNG,
		IssuedAt: jsontime.UM(a.IssuedAt),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	sess, err := s.registry.Create(r.Context(), name)
	if errors.Is(err, registry.ErrAlreadyExists) {
		// Idempotent: report the in-flight state instead of starting a
		// second underlying session.
		s.writeJSON(w, http.StatusOK, stateResponse(name, sess.Snapshot()))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.initialDeadline)
	defer cancel()
	state, err := sess.WaitInitial(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for connection")
	case errors.Is(err, instance.ErrClosed):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSON(w, http.StatusCreated, stateResponse(name, state))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	state, err := s.registry.Get(name)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse(name, state))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.List()
	resp := make([]instanceResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, stateResponse(e.Name, e.State))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// sendRequest is the body of POST /instances/{name}/send.
type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	err := s.registry.Send(r.Context(), name, req.To, req.Text)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, instance.ErrNotConnected):
		s.writeError(w, http.StatusConflict, "instance is not connected")
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	// Removal is idempotent and never fails outward.
	s.registry.Remove(r.Context(), name)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
