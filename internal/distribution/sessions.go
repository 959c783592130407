package distribution

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/zsiec/tsmon/internal/ingest"
	"github.com/zsiec/tsmon/internal/session"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.config.Sessions.List()
	resp := make([]session.Info, 0, len(list))
	for _, sess := range list {
		resp = append(resp, sess.Info())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if s.config.Start == nil {
		writeError(w, http.StatusNotImplemented, "session start not configured")
		return
	}

	var req StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Transport == "" {
		req.Transport = string(ingest.KindUDP)
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !session.ValidKey(req.Key) {
		writeError(w, http.StatusBadRequest, "key must be 1-64 letters, digits, '.', '_' or '-'")
		return
	}

	sess, err := s.config.Start(r.Context(), req)
	var bindErr *ingest.BindError
	switch {
	case err == nil:
		s.log.Info("session started via API", "key", req.Key, "session", sess.ID)
		writeJSON(w, http.StatusCreated, sess.Info())
	case errors.Is(err, session.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &bindErr):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("session start failed", "key", req.Key, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	key := chi.URLParam(r, "key")
	sess, ok := s.config.Sessions.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, sess.Info())
	}
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Stop()
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleSessionDebug(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, sess.Debug())
	}
}
