package storeapi

import (
	"net/http"
	"time"

	"github.com/herald-mq/herald/internal/store"
	"github.com/herald-mq/herald/internal/trust"
)

// Internal API handlers. Callers hold broker component certificates
// (requireComponent has already run); the peer CN is the audit actor.

// handleRegister persists a message submitted at the ingress. Registration
// is idempotent on message ID: a replay with an identical payload answers
// 200 with the stored row, a first write answers 201.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req internalMessage
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MessageID == "" || req.ClientID == "" || len(req.BodyCiphertext) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidBody", "message_id, client_id and body_ciphertext are required")
		return
	}

	m, created, err := s.deps.Store.RegisterMessage(r.Context(), req.message())
	if err != nil {
		s.fail(w, err, "register message failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toInternalMessage(m))
}

// handleGetMessage returns the full stored row, ciphertext included. Workers
// call this before claiming a popped ID to skip rows already terminal.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Store.Message(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err, "load message failed")
		return
	}
	writeJSON(w, http.StatusOK, toInternalMessage(m))
}

// handleDeliver confirms a delivery: delivering -> delivered, stamping
// delivered_at. A message cancelled mid-flight answers 409 IllegalTransition
// and the worker drops it.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MessageID == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "InvalidBody", "message_id and worker_id are required")
		return
	}

	m, err := s.deps.Store.ConfirmDelivery(r.Context(), req.MessageID, req.WorkerID)
	if err != nil {
		s.fail(w, err, "confirm delivery failed")
		return
	}
	s.log.Info("message delivered", "message_id", m.ID, "worker_id", req.WorkerID, "attempts", m.Attempts)
	writeJSON(w, http.StatusOK, toInternalMessage(m))
}

// handleUpdateStatus applies a worker-driven transition (claim, retry,
// attempt-cap failure). The store refuses illegal transitions and attempt
// rollbacks with 409.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !store.ValidStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "InvalidBody", "unknown status "+req.Status)
		return
	}

	actor, _ := trust.PeerCN(r)
	up := store.StatusUpdate{
		Status:    req.Status,
		Attempts:  req.AttemptCount,
		LastError: req.ErrorMessage,
	}
	m, err := s.deps.Store.UpdateMessageStatus(r.Context(), r.PathValue("id"), up, actor)
	if err != nil {
		s.fail(w, err, "update message status failed")
		return
	}
	writeJSON(w, http.StatusOK, toInternalMessage(m))
}

// handleClientLookup resolves a certificate CN to the client row. Unknown
// CNs answer 404. Inactive clients are returned with active=false so the
// ingress can refuse them; the refusal is audited here because the ingress
// has no database access.
func (s *Server) handleClientLookup(w http.ResponseWriter, r *http.Request) {
	cn := r.PathValue("cn")
	c, err := s.deps.Store.Client(r.Context(), cn)
	if err != nil {
		s.fail(w, err, "client lookup failed")
		return
	}
	if !c.Active {
		component, _ := trust.PeerCN(r)
		s.audit(r.Context(), store.AuditEntry{
			Kind:     "tls.rejected",
			Severity: store.SeverityWarn,
			Actor:    cn,
			Target:   c.CertSerial,
			Detail:   "revoked client refused at " + component,
		})
	}
	writeJSON(w, http.StatusOK, toClientRow(c))
}

// handleReconcile resets rows stuck in delivering or stranded in queued to a
// re-enqueueable state and returns their IDs. Workers call this once at
// startup with cutoffs derived from their own timeouts.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeliveringBefore.IsZero() {
		req.DeliveringBefore = time.Now().UTC()
	}
	if req.QueuedBefore.IsZero() {
		req.QueuedBefore = time.Now().UTC()
	}

	actor, _ := trust.PeerCN(r)
	ids, err := s.deps.Store.ReconcileStale(r.Context(), req.DeliveringBefore, req.QueuedBefore, actor)
	if err != nil {
		s.fail(w, err, "reconcile failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	if len(ids) > 0 {
		s.log.Info("stale messages reconciled", "count", len(ids), "actor", actor)
	}
	writeJSON(w, http.StatusOK, reconcileResponse{MessageIDs: ids})
}
