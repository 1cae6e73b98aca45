// Package ingress implements the broker's client-facing submission edge: an
// mTLS HTTPS server that authenticates senders by certificate, validates and
// seals message payloads, registers them with the store, and enqueues them
// for delivery.
package ingress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/herald-mq/herald/internal/logging"
	"github.com/herald-mq/herald/internal/metrics"
	"github.com/herald-mq/herald/internal/seal"
	"github.com/herald-mq/herald/internal/store"
	"github.com/herald-mq/herald/internal/trust"
)

const (
	// maxRequestBytes caps the request body before JSON decoding.
	maxRequestBytes = 16 << 10

	// dependencyAttempts bounds register and enqueue retries on transient
	// failures. Register retries reuse the same sealed row, so the store's
	// idempotency check makes repeats safe.
	dependencyAttempts = 3
	retryPause         = 250 * time.Millisecond

	// retryAfterSeconds is the Retry-After hint on 503 responses.
	retryAfterSeconds = 30
)

// StoreClient is the slice of the store's internal API the ingress uses.
type StoreClient interface {
	Register(ctx context.Context, m store.Message) (store.Message, error)
	MarkFailed(ctx context.Context, messageID, reason string) error
	ClientByCN(ctx context.Context, cn string) (store.Client, error)
	Ping(ctx context.Context) error
}

// Queue is the slice of the message queue the ingress uses.
type Queue interface {
	Enqueue(ctx context.Context, messageID string) error
	Length(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Dependencies defines what the ingress server needs from the rest of the
// broker.
type Dependencies struct {
	Store       StoreClient
	Queue       Queue
	Sealer      *seal.Sealer
	Fingerprint *seal.Fingerprinter
	Log         *logging.Logger

	RateLimit      int   // per-client submissions per minute
	MaxConcurrent  int64 // parallel submission handlers
	QueueSoftLimit int64 // queue length at which submissions shed, 0 = unlimited
}

// Server is the ingress HTTPS server.
type Server struct {
	deps     Dependencies
	log      *logging.Logger
	mux      *http.ServeMux
	sem      *semaphore.Weighted
	limiters *clientLimiters
	server   *http.Server
}

// NewServer creates an ingress server with all routes registered.
func NewServer(deps Dependencies) *Server {
	if deps.RateLimit <= 0 {
		deps.RateLimit = 100
	}
	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = 256
	}
	s := &Server{
		deps:     deps,
		log:      deps.Log,
		mux:      http.NewServeMux(),
		sem:      semaphore.NewWeighted(deps.MaxConcurrent),
		limiters: newClientLimiters(deps.RateLimit),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/messages", s.handleSubmit)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// VerifyPeer wraps the trust verifier for use as a VerifyPeerCertificate
// callback, counting every handshake outcome.
func VerifyPeer(v *trust.Verifier) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, chains [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			metrics.CertValidations.WithLabelValues(metrics.ResultMissing).Inc()
			return errors.New("client certificate required")
		}
		err := v.VerifyPeer(rawCerts, chains)
		switch {
		case err == nil:
			metrics.CertValidations.WithLabelValues(metrics.ResultValid).Inc()
		case errors.Is(err, trust.ErrRevoked):
			metrics.CertValidations.WithLabelValues(metrics.ResultRevoked).Inc()
		case errors.Is(err, trust.ErrExpired):
			metrics.CertValidations.WithLabelValues(metrics.ResultExpired).Inc()
		default:
			metrics.CertValidations.WithLabelValues(metrics.ResultInvalid).Inc()
		}
		return err
	}
}

// ListenAndServe starts the HTTPS listener. tlsCfg must require and verify
// client certificates; build it with trust.ServerConfig and VerifyPeer.
func (s *Server) ListenAndServe(addr string, tlsCfg *tls.Config) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		TLSConfig:    tlsCfg,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("ingress listening", "addr", addr)
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// CleanupLimiters drops idle per-client rate limiter state. Called
// periodically by the serve command.
func (s *Server) CleanupLimiters(maxIdle time.Duration) int {
	return s.limiters.Cleanup(maxIdle)
}

type submitRequest struct {
	SenderNumber string `json:"sender_number"`
	MessageBody  string `json:"message_body"`
}

type submitResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.fail(w, http.StatusServiceUnavailable, "Overloaded", "ingress at concurrency limit")
		return
	}
	defer s.sem.Release(1)

	// The handshake verified the certificate chain and revocation state;
	// the CN is the client identity.
	clientID, err := trust.PeerCN(r)
	if err != nil {
		s.fail(w, http.StatusUnauthorized, "Unauthorized", "client certificate required")
		return
	}

	client, err := s.deps.Store.ClientByCN(ctx, clientID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusForbidden, "UnknownClient", "no registered client for this certificate")
		return
	case err != nil:
		s.log.Error("client lookup failed", "client_id", clientID, "error", err)
		s.unavailable(w, "StoreUnavailable", "store lookup failed")
		return
	case !client.Active:
		s.fail(w, http.StatusForbidden, "ClientRevoked", "client is deactivated")
		return
	}

	if !s.limiters.Allow(clientID) {
		s.fail(w, http.StatusTooManyRequests, "RateLimited",
			fmt.Sprintf("client exceeds %d submissions per minute", s.deps.RateLimit))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, http.StatusRequestEntityTooLarge, "BodyTooLarge",
				fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes))
			return
		}
		s.fail(w, http.StatusBadRequest, "InvalidBody", "malformed JSON body")
		return
	}

	if !validSender(req.SenderNumber) {
		s.fail(w, http.StatusBadRequest, "InvalidSender",
			"sender_number must be E.164: leading + and 7-15 digits")
		return
	}
	body, ok := normalizeBody(req.MessageBody)
	if !ok {
		s.fail(w, http.StatusBadRequest, "InvalidBody",
			"message_body must be 1-1000 code points after NFC normalization")
		return
	}

	if s.deps.QueueSoftLimit > 0 {
		n, err := s.deps.Queue.Length(ctx)
		if err != nil {
			s.log.Error("queue length probe failed", "error", err)
			s.unavailable(w, "QueueUnavailable", "queue unavailable")
			return
		}
		metrics.QueueSize.Set(float64(n))
		if n >= s.deps.QueueSoftLimit {
			s.unavailable(w, "QueueUnavailable", "queue over capacity")
			return
		}
	}

	ciphertext, err := s.deps.Sealer.Seal([]byte(body))
	if err != nil {
		s.log.Error("seal failed", "client_id", clientID, "error", err)
		s.fail(w, http.StatusInternalServerError, "Internal", "internal server error")
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		s.log.Error("message id generation failed", "error", err)
		s.fail(w, http.StatusInternalServerError, "Internal", "internal server error")
		return
	}

	msg := store.Message{
		ID:                id.String(),
		ClientID:          clientID,
		SenderFingerprint: s.deps.Fingerprint.FingerprintHex(req.SenderNumber),
		SenderMasked:      seal.MaskSender(req.SenderNumber),
		BodyCiphertext:    ciphertext,
		KeyID:             int(s.deps.Sealer.KeyID()),
		Status:            store.StatusQueued,
	}

	if err := s.register(ctx, msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A fresh UUID colliding with a different payload means a bug,
			// not a client error.
			s.log.Error("register conflict on fresh id", "message_id", msg.ID)
			s.fail(w, http.StatusInternalServerError, "Internal", "internal server error")
			return
		}
		s.log.Error("register failed", "message_id", msg.ID, "error", err)
		s.unavailable(w, "StoreUnavailable", "store unavailable")
		return
	}

	if err := s.enqueue(ctx, msg.ID); err != nil {
		// The row is committed but no worker will see it; mark it failed so
		// it is not orphaned in queued state.
		s.log.Error("enqueue failed after register", "message_id", msg.ID, "error", err)
		if markErr := s.deps.Store.MarkFailed(ctx, msg.ID, "enqueue failed: "+err.Error()); markErr != nil {
			s.log.Error("mark failed after enqueue failure", "message_id", msg.ID, "error", markErr)
		}
		s.unavailable(w, "QueueUnavailable", "queue unavailable")
		return
	}

	if n, err := s.deps.Queue.Length(ctx); err == nil {
		metrics.QueueSize.Set(float64(n))
	}

	s.log.Info("message queued",
		"message_id", msg.ID,
		"client_id", clientID,
		"sender", msg.SenderMasked,
	)
	s.respond(w, http.StatusAccepted, submitResponse{MessageID: msg.ID, Status: store.StatusQueued})
}

// register commits the message row, retrying transient store failures.
// Conflict is permanent and returned immediately.
func (s *Server) register(ctx context.Context, msg store.Message) error {
	var err error
	for attempt := 1; attempt <= dependencyAttempts; attempt++ {
		_, err = s.deps.Store.Register(ctx, msg)
		if err == nil || errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt < dependencyAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryPause):
			}
		}
	}
	return err
}

// enqueue appends the message id to the queue, retrying transient failures.
func (s *Server) enqueue(ctx context.Context, messageID string) error {
	var err error
	for attempt := 1; attempt <= dependencyAttempts; attempt++ {
		err = s.deps.Queue.Enqueue(ctx, messageID)
		if err == nil {
			return nil
		}
		if attempt < dependencyAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryPause):
			}
		}
	}
	return err
}

type healthResponse struct {
	Status string `json:"status"`
	Queue  string `json:"queue"`
	Store  string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{Status: "healthy", Queue: "ok", Store: "ok"}
	status := http.StatusOK

	if err := s.deps.Queue.Ping(ctx); err != nil {
		resp.Queue = "unhealthy"
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		resp.Store = "unhealthy"
	}
	if resp.Queue != "ok" || resp.Store != "ok" {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// respond writes a JSON response and counts it.
func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	metrics.IngressRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	writeJSON(w, status, v)
}

// fail writes a coded JSON error response and counts it.
func (s *Server) fail(w http.ResponseWriter, status int, code, msg string) {
	metrics.IngressRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	writeError(w, status, code, msg)
}

// unavailable is fail with a Retry-After hint, for dependency outages and
// backpressure.
func (s *Server) unavailable(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	s.fail(w, http.StatusServiceUnavailable, code, msg)
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
