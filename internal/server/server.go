// Package server provides the HTTP server for the AS4 receiver.
//
// The server exposes the following surfaces:
//
// # AS4 Endpoint
//
// POST {server.path} - Receives inbound AS4 messages. The request is handed
// to the message service handler, which answers synchronously with a
// receipt, an error or a reply, or with an empty 204 when the response is
// delivered asynchronously.
//
// # Archive API (optional, bearer token)
//
//   - GET /api/messages                               - List received messages
//   - GET /api/messages/{messageID}                   - Get message details
//   - GET /api/messages/{messageID}/payloads/{payloadID} - Download a payload
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe (store and registered checks)
//   - GET /metrics - Prometheus metrics (if enabled)
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phax/phase4-sub000/internal/config"
	"github.com/phax/phase4-sub000/internal/storage"
	"github.com/phax/phase4-sub000/pkg/security"
	"github.com/phax/phase4-sub000/pkg/transport"
)

// Handler is the AS4 endpoint. Wait blocks until background response
// deliveries have finished.
type Handler interface {
	http.Handler
	Wait()
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Server is the AS4 receiver HTTP server
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	httpSrv *http.Server
	mux     *http.ServeMux
	handler Handler
	store   storage.Store
	checks  map[string]ReadinessCheck
}

// New creates a new server. store may be nil when archiving is disabled.
func New(cfg *config.Config, handler Handler, store storage.Store, logger *slog.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("AS4 handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		handler: handler,
		store:   store,
		checks:  make(map[string]ReadinessCheck),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes(s.mux)

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.TLS.Enabled {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			return nil, err
		}
		s.httpSrv.TLSConfig = tlsCfg
	}

	return s, nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	httpsCfg := transport.DefaultHTTPSConfig()
	if caFile := s.config.Server.TLS.ClientCAFile; caFile != "" {
		pool, err := security.LoadCertPool(caFile)
		if err != nil {
			return nil, fmt.Errorf("loading client CA: %w", err)
		}
		httpsCfg.ClientCAs = pool
		httpsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return httpsCfg.ServerTLSConfig(), nil
}

// AddReadinessCheck registers a check evaluated by GET /ready.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checks[name] = check
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins listening on the configured address
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.httpSrv.Addr,
		"path", s.config.Server.Path,
		"tls", s.config.Server.TLS.Enabled,
	)
	if s.config.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server. It stops accepting requests, waits
// for pending asynchronous responses and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.handler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("asynchronous responses still pending at shutdown")
	}

	if s.store != nil {
		return s.store.Close(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// The handler answers non-POST requests itself.
	mux.Handle(s.config.Server.Path, s.handler)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.config.Observability.Metrics.Enabled {
		mux.Handle("GET "+s.config.Observability.Metrics.Path, promhttp.Handler())
	}

	if s.config.Server.API.Enabled && s.store != nil {
		mux.HandleFunc("GET /api/messages", s.withToken(s.handleListMessages))
		mux.HandleFunc("GET /api/messages/{messageID}", s.withToken(s.handleGetMessage))
		mux.HandleFunc("GET /api/messages/{messageID}/payloads/{payloadID}", s.withToken(s.handleGetPayload))
	}
}

// withToken enforces the configured bearer token
func (s *Server) withToken(next http.HandlerFunc) http.HandlerFunc {
	token := s.config.Server.API.Token
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				s.jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Warn("store not ready", "error", err)
			s.jsonError(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("dependency not ready", "check", name, "error", err)
			s.jsonError(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Archive handlers

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &storage.MessageFilter{
		Kind:    q.Get("kind"),
		Status:  storage.Status(q.Get("status")),
		Service: q.Get("service"),
		Action:  q.Get("action"),
		PModeID: q.Get("pmodeId"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset > 0 {
			filter.Offset = offset
		}
	}

	messages, err := s.store.ListMessages(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	total, _ := s.store.CountMessages(r.Context(), filter)

	s.jsonResponse(w, map[string]any{
		"messages": messages,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	}, http.StatusOK)
}

// lookupMessage accepts either the store id or the AS4 message id
func (s *Server) lookupMessage(ctx context.Context, id string) (*storage.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.GetMessageByAS4ID(ctx, id)
	}
	return msg, err
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.lookupMessage(r.Context(), r.PathValue("messageID"))
	if errors.Is(err, storage.ErrNotFound) {
		s.jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to get message", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.jsonResponse(w, msg, http.StatusOK)
}

func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	msg, err := s.lookupMessage(r.Context(), r.PathValue("messageID"))
	if errors.Is(err, storage.ErrNotFound) {
		s.jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to get message", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	payloadID := r.PathValue("payloadID")
	var ref *storage.PayloadRef
	for i := range msg.Payloads {
		if msg.Payloads[i].ID == payloadID || msg.Payloads[i].ContentID == payloadID {
			ref = &msg.Payloads[i]
			break
		}
	}
	if ref == nil {
		s.jsonError(w, "payload not found", http.StatusNotFound)
		return
	}

	payload, err := s.store.GetPayload(r.Context(), ref.ID)
	if err != nil {
		s.logger.Error("failed to get payload", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	mimeType := payload.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, payload.ContentID))
	w.Write(payload.Data)
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
