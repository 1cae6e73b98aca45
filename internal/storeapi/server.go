// Package storeapi exposes the store over HTTPS: an mTLS internal API for
// the broker's own components (ingress proxies and delivery workers), a
// JWT-protected operator API for the portal and admin tooling, and the
// public CRL, health, and metrics endpoints. It also provides the component
// HTTP client the other processes use to reach the internal API.
package storeapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/herald-mq/herald/internal/auth"
	"github.com/herald-mq/herald/internal/ca"
	"github.com/herald-mq/herald/internal/events"
	"github.com/herald-mq/herald/internal/logging"
	"github.com/herald-mq/herald/internal/metrics"
	"github.com/herald-mq/herald/internal/seal"
	"github.com/herald-mq/herald/internal/store"
	"github.com/herald-mq/herald/internal/trust"
)

// Dependencies defines what the store API server needs from the rest of the
// broker.
type Dependencies struct {
	Store  *store.Store
	Auth   *auth.Service
	CA     *ca.Authority
	Sealer *seal.Sealer
	Bus    *events.Bus
	Log    *logging.Logger

	CertValidity time.Duration // default validity for issued certificates
}

// Server is the store API HTTPS server.
type Server struct {
	deps   Dependencies
	log    *logging.Logger
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a store API server with all routes registered.
func NewServer(deps Dependencies) *Server {
	if deps.CertValidity <= 0 {
		deps.CertValidity = 365 * 24 * time.Hour
	}
	s := &Server{
		deps: deps,
		log:  deps.Log,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.Handle("GET /health", s.instrument("public", http.HandlerFunc(s.handleHealth)))
	s.mux.Handle("GET /crl", s.instrument("public", http.HandlerFunc(s.handleCRL)))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Component API. Only the broker's own certificates get in; sender
	// client certificates stop at the ingress.
	internal := func(h http.HandlerFunc) http.Handler {
		return s.instrument("internal", s.requireComponent(h))
	}
	s.mux.Handle("POST /internal/messages/register", internal(s.handleRegister))
	s.mux.Handle("GET /internal/messages/{id}", internal(s.handleGetMessage))
	s.mux.Handle("POST /internal/messages/deliver", internal(s.handleDeliver))
	s.mux.Handle("PUT /internal/messages/{id}/status", internal(s.handleUpdateStatus))
	s.mux.Handle("GET /internal/clients/{cn}", internal(s.handleClientLookup))
	s.mux.Handle("POST /internal/messages/reconcile", internal(s.handleReconcile))

	// Operator API. The auth endpoints are anonymous; everything else
	// requires a bearer token, with role checks on top.
	s.mux.Handle("POST /portal/auth/login", s.instrument("portal", http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("POST /portal/auth/refresh", s.instrument("portal", http.HandlerFunc(s.handleRefresh)))
	s.mux.Handle("POST /portal/auth/forgot-password", s.instrument("portal", http.HandlerFunc(s.handleForgotPassword)))
	s.mux.Handle("POST /portal/auth/reset-password", s.instrument("portal", http.HandlerFunc(s.handleResetPassword)))

	authed := auth.Middleware(s.deps.Auth)
	portal := func(h http.HandlerFunc) http.Handler {
		return s.instrument("portal", authed(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return s.instrument("admin", authed(auth.RequireAdmin(h)))
	}
	managers := func(h http.HandlerFunc) http.Handler {
		return s.instrument("admin", authed(auth.RequireUserManager(h)))
	}

	s.mux.Handle("GET /portal/messages", portal(s.handlePortalMessages))
	s.mux.Handle("GET /portal/profile", portal(s.handleProfile))

	s.mux.Handle("GET /admin/stats", admin(s.handleStats))
	s.mux.Handle("POST /admin/users", admin(s.handleCreateUser))
	s.mux.Handle("GET /admin/users", admin(s.handleListUsers))
	s.mux.Handle("DELETE /admin/users/{id}", admin(s.handleDeleteUser))
	s.mux.Handle("PUT /admin/users/{id}/status", managers(s.handleUserStatus))
	s.mux.Handle("PUT /admin/users/{id}/password", managers(s.handleUserPassword))
	s.mux.Handle("POST /admin/certificates/generate", admin(s.handleGenerateCert))
	s.mux.Handle("POST /admin/certificates/revoke", admin(s.handleRevokeCert))
	s.mux.Handle("GET /admin/certificates", admin(s.handleListCerts))
	s.mux.Handle("GET /admin/certificates/expiring", admin(s.handleExpiringCerts))
	s.mux.Handle("POST /admin/messages/{id}/cancel", admin(s.handleCancelMessage))
}

// ListenAndServe starts the HTTPS listener. tlsCfg should request but not
// require client certificates (trust.ServerConfig with VerifyClientCertIfGiven):
// components present theirs, operators and scrapers connect without one.
func (s *Server) ListenAndServe(addr string, tlsCfg *tls.Config) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		TLSConfig:    tlsCfg,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("store api listening", "addr", addr)
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// statusRecorder remembers the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts every request on StoreRequests, labelled with the route
// class and the status code actually written.
func (s *Server) instrument(api string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.StoreRequests.WithLabelValues(api, strconv.Itoa(rec.status)).Inc()
	})
}

// Component certificate CN prefixes accepted on /internal routes.
var componentPrefixes = []string{"proxy-", "worker-"}

// requireComponent restricts a handler to callers holding a broker component
// certificate, identified by CN prefix.
func (s *Server) requireComponent(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cn, err := trust.PeerCN(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "component certificate required")
			return
		}
		if !componentCN(cn) {
			s.log.Warn("internal api refused", "cn", cn, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "Forbidden", "not a broker component certificate")
			return
		}
		next(w, r)
	})
}

func componentCN(cn string) bool {
	for _, p := range componentPrefixes {
		if strings.HasPrefix(cn, p) {
			return true
		}
	}
	return false
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Store: "ok"}
	status := http.StatusOK
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Store = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleCRL serves the current revocation list as PEM so clients can verify
// without filesystem access to the CA directory.
func (s *Server) handleCRL(w http.ResponseWriter, r *http.Request) {
	pem, err := s.deps.CA.CRLPEM(r.Context())
	if err != nil {
		s.log.Error("crl build failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal", "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pem)
}

// errorStatus maps known store, auth, and CA failures onto response codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ca.ErrUnknownSerial):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, store.ErrIllegalTransition):
		return http.StatusConflict, "IllegalTransition"
	case errors.Is(err, store.ErrConflict), errors.Is(err, ca.ErrDuplicateCN),
		errors.Is(err, ca.ErrAlreadyRevoked):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests, "RateLimited"
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, auth.ErrAccountDisabled):
		return http.StatusForbidden, "AccountDisabled"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

// fail writes the mapped error response. Unexpected failures are logged with
// msg and answered with a generic body; mapped ones carry their own text.
func (s *Server) fail(w http.ResponseWriter, err error, msg string) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error(msg, "error", err)
		writeError(w, status, code, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// audit appends an entry, logging on failure rather than failing the request.
func (s *Server) audit(ctx context.Context, e store.AuditEntry) {
	if err := s.deps.Store.Audit(ctx, e); err != nil {
		s.log.Error("audit write failed", "kind", e.Kind, "error", err)
	}
}

// decodeJSON decodes the request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "malformed JSON body")
		return false
	}
	return true
}

func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with a machine-readable code.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
