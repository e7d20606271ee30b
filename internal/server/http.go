package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/eventfeed/internal/auth"
	"github.com/rickgao/eventfeed/internal/loader"
	"github.com/rickgao/eventfeed/internal/service"
	"github.com/rickgao/eventfeed/internal/store"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

type attendRequest struct {
	Status string `json:"status"`
}

// withScope gives each request its own loader scope.
func (s *Server) withScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Loaders == nil {
			next.ServeHTTP(w, r)
			return
		}
		scope := s.deps.Loaders.NewScope(r.Context())
		defer scope.Close()
		next.ServeHTTP(w, r.WithContext(loader.WithScope(r.Context(), scope)))
	})
}

// identify verifies the bearer token. Anonymous requests are allowed when
// required is false.
func (s *Server) identify(r *http.Request, required bool) (uuid.UUID, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if required {
			return uuid.Nil, auth.ErrMissingToken
		}
		return uuid.Nil, nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return uuid.Nil, auth.ErrInvalidToken
	}
	id, err := s.deps.Verifier.Verify(token)
	if err != nil {
		return uuid.Nil, err
	}
	return id.UserID, nil
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.identify(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ids is required"})
		return
	}
	ids := strings.Split(raw, ",")

	views, err := s.deps.Service.ResolveEvents(r.Context(), viewer, ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	actor, err := s.identify(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event id"})
		return
	}

	var patch store.EventPatch
	if err := decodeBody(r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	e, err := s.deps.Service.UpdateEvent(r.Context(), actor, id, patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAttend(w http.ResponseWriter, r *http.Request) {
	actor, err := s.identify(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event id"})
		return
	}

	var req attendRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	a, err := s.deps.Service.SetAttendance(r.Context(), actor, id, req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Components: make(map[string]any),
	}

	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components[name] = map[string]string{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		health.Components[name] = "up"
	}
	health.Components["subscriptions"] = map[string]int{
		"sessions": s.Sessions(),
	}

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// writeError maps service errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		code = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrEmptyPatch),
		errors.Is(err, service.ErrTooManyKeys),
		errors.Is(err, store.ErrInvalidStatus),
		errors.Is(err, store.ErrInvalidKey):
		code = http.StatusBadRequest
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
