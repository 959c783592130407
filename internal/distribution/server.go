// Package distribution serves the control API: session management, live
// statistics over WebSocket, Prometheus metrics and the certificate hash.
// The same handler is served over HTTPS and HTTP/3 on one port.
package distribution

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsmon/internal/certs"
	"github.com/zsiec/tsmon/internal/session"
)

// StartRequest is the body of POST /api/sessions.
type StartRequest struct {
	Key       string `json:"key" validate:"required"`
	Transport string `json:"transport" validate:"omitempty,oneof=udp srt"`
	Address   string `json:"address" validate:"required"`
	Port      int    `json:"port" validate:"required,min=1,max=65535"`
	Interface string `json:"interface,omitempty"`
	StreamID  string `json:"streamId,omitempty"`
}

// StartFunc opens a session for req. It owns composing the transport and
// sinks; the API only validates and routes.
type StartFunc func(ctx context.Context, req StartRequest) (*session.Session, error)

// ServerConfig holds the configuration for the API Server.
type ServerConfig struct {
	Addr           string
	Cert           *certs.CertInfo
	Sessions       *session.Manager
	Start          StartFunc
	AllowedOrigins []string
	Log            *slog.Logger
}

// Server is the HTTPS and HTTP/3 control API server.
type Server struct {
	config   ServerConfig
	log      *slog.Logger
	h3       *http3.Server
	upgrader websocket.Upgrader
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.Sessions == nil {
		return nil, errors.New("distribution: Sessions is required")
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config: config,
		log:    log.With("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	return s, nil
}

// APIHandler returns the routed handler with middleware applied.
func (s *Server) APIHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.altSvc)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/cert-hash", s.handleCertHash)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleStartSession)
		r.Route("/sessions/{key}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleStopSession)
			r.Get("/debug", s.handleSessionDebug)
			r.Get("/ws", s.handleSessionWS)
		})
	})
	return r
}

// altSvc advertises the HTTP/3 endpoint on responses served over TCP.
func (s *Server) altSvc(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil && r.ProtoMajor < 3 {
			_ = s.h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"proto", r.Proto,
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves the API over HTTPS (TCP) and HTTP/3 (UDP) on the configured
// address and blocks until ctx is cancelled or either listener fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.APIHandler()
	tlsConfig := s.config.Cert.TLSConfig()

	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   handler,
		TLSConfig: tlsConfig.Clone(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	hs := &http.Server{
		Addr:              s.config.Addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
		_ = s.h3.Close()
	})
	defer stop()

	g.Go(func() error {
		s.log.Info("HTTPS API listening", "addr", s.config.Addr)
		if err := hs.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTP/3 API listening", "addr", s.config.Addr)
		err := s.h3.ListenAndServe()
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type certHashResponse struct {
	Hash       string    `json:"hash"`
	Hex        string    `json:"hex"`
	Addr       string    `json:"addr"`
	NotAfter   time.Time `json:"notAfter"`
	SelfSigned bool      `json:"selfSigned"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	c := s.config.Cert
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:       c.FingerprintBase64(),
		Hex:        c.FingerprintHex(),
		Addr:       s.config.Addr,
		NotAfter:   c.NotAfter,
		SelfSigned: c.SelfSigned,
	})
}
