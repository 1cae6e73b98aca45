package storeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/herald-mq/herald/internal/auth"
	"github.com/herald-mq/herald/internal/ca"
	"github.com/herald-mq/herald/internal/events"
	"github.com/herald-mq/herald/internal/metrics"
	"github.com/herald-mq/herald/internal/store"
)

// Operator API handlers: login and password recovery, message inspection,
// user administration, and the certificate lifecycle.

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	auth.TokenPair
	User userJSON `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "InvalidBody", "email and password are required")
		return
	}

	ip := auth.ClientIP(r)
	pair, user, err := s.deps.Auth.Login(r.Context(), req.Email, req.Password, ip)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.audit(r.Context(), store.AuditEntry{
				Kind:     "login.failed",
				Severity: store.SeverityWarn,
				Actor:    auth.NormalizeEmail(req.Email),
				Detail:   "from " + ip,
			})
		}
		s.fail(w, err, "login failed")
		return
	}

	s.audit(r.Context(), store.AuditEntry{
		Kind:   "login.success",
		Actor:  user.Email,
		Detail: "from " + ip,
	})
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: pair, User: toUserJSON(user)})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, user, err := s.deps.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.fail(w, err, "token refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: pair, User: toUserJSON(user)})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// handleForgotPassword issues a one-hour single-use reset token and hands it
// to the notifier. The response never reveals whether the account exists.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	accepted := map[string]string{
		"status":  "ok",
		"message": "if the account exists, reset instructions have been sent",
	}

	token, user, err := s.deps.Auth.ForgotPassword(r.Context(), req.Email)
	if errors.Is(err, auth.ErrUnknownUser) {
		writeJSON(w, http.StatusOK, accepted)
		return
	}
	if err != nil {
		s.fail(w, err, "forgot password failed")
		return
	}

	s.deps.Bus.Publish(events.Event{
		Type:      events.EventPasswordReset,
		Subject:   user.Email,
		Recipient: user.Email,
		Detail:    token,
	})
	s.audit(r.Context(), store.AuditEntry{
		Kind:  "password.reset.requested",
		Actor: user.Email,
	})
	writeJSON(w, http.StatusOK, accepted)
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, truncated, err := s.deps.Auth.ResetPassword(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooShort) {
			writeError(w, http.StatusBadRequest, "InvalidBody", err.Error())
			return
		}
		s.fail(w, err, "password reset failed")
		return
	}

	if truncated {
		s.auditTruncation(r.Context(), user.Email)
	}
	s.audit(r.Context(), store.AuditEntry{
		Kind:  "password.reset.completed",
		Actor: user.Email,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type messagePage struct {
	Messages []portalMessage `json:"messages"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// handlePortalMessages lists messages visible to the principal. Admins see
// every client and get bodies decrypted; linked users see and decrypt only
// their own client; user managers have no message access.
func (s *Server) handlePortalMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing principal")
		return
	}

	q := r.URL.Query()
	f := store.MessageFilter{
		Status:   q.Get("status"),
		ClientID: q.Get("client_id"),
		Page:     intParam(q.Get("page")),
		PageSize: intParam(q.Get("page_size")),
	}
	if f.Status != "" && !store.ValidStatus(f.Status) {
		writeError(w, http.StatusBadRequest, "InvalidBody", "unknown status "+f.Status)
		return
	}

	switch p.User.Role {
	case auth.RoleAdmin:
	case auth.RoleUser:
		if p.User.ClientID == "" {
			writeJSON(w, http.StatusOK, messagePage{Messages: []portalMessage{}, Page: 1, PageSize: f.PageSize})
			return
		}
		f.ClientID = p.User.ClientID
	default:
		writeError(w, http.StatusForbidden, "Forbidden", "role may not read messages")
		return
	}

	msgs, total, err := s.deps.Store.ListMessages(r.Context(), f)
	if err != nil {
		s.fail(w, err, "list messages failed")
		return
	}

	out := make([]portalMessage, 0, len(msgs))
	for _, m := range msgs {
		pm := toPortalMessage(m)
		if p.User.CanReadClient(m.ClientID) {
			plain, err := s.deps.Sealer.Open(m.BodyCiphertext)
			if err != nil {
				s.log.Warn("message decrypt failed", "message_id", m.ID, "error", err)
			} else {
				pm.MessageBody = string(plain)
			}
		}
		out = append(out, pm)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	writeJSON(w, http.StatusOK, messagePage{Messages: out, Total: total, Page: page, PageSize: f.PageSize})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing principal")
		return
	}
	writeJSON(w, http.StatusOK, toUserJSON(p.User))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.Stats(r.Context(), time.Now().UTC())
	if err != nil {
		s.fail(w, err, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	ClientID string `json:"client_id,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}
	if !auth.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "InvalidBody", "unknown role "+req.Role)
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}

	email := auth.NormalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "InvalidBody", "email is required")
		return
	}
	hash, truncated, err := auth.HashPassword(req.Password)
	if err != nil {
		s.fail(w, err, "hash password failed")
		return
	}
	if truncated {
		s.auditTruncation(r.Context(), email)
	}

	user, err := s.deps.Store.CreateUser(r.Context(), auth.User{
		Email:        email,
		PasswordHash: hash,
		Role:         req.Role,
		ClientID:     req.ClientID,
		Active:       true,
	})
	if err != nil {
		s.fail(w, err, "create user failed")
		return
	}

	s.audit(r.Context(), store.AuditEntry{
		Kind:   "user.created",
		Actor:  s.actorEmail(r),
		Target: user.Email,
		Detail: "role " + user.Role,
	})
	writeJSON(w, http.StatusCreated, toUserJSON(user))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Store.ListUsers(r.Context())
	if err != nil {
		s.fail(w, err, "list users failed")
		return
	}
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, toUserJSON(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	id := r.PathValue("id")
	if id == p.User.ID {
		writeError(w, http.StatusConflict, "Conflict", "cannot delete own account")
		return
	}

	user, err := s.deps.Store.UserByID(r.Context(), id)
	if err != nil {
		s.fail(w, err, "load user failed")
		return
	}
	if err := s.deps.Store.DeleteUser(r.Context(), id); err != nil {
		s.fail(w, err, "delete user failed")
		return
	}

	s.audit(r.Context(), store.AuditEntry{
		Kind:   "user.deleted",
		Actor:  s.actorEmail(r),
		Target: user.Email,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type userStatusRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	var req userStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFrom(r.Context())
	id := r.PathValue("id")
	if id == p.User.ID && !req.Active {
		writeError(w, http.StatusConflict, "Conflict", "cannot disable own account")
		return
	}

	user, err := s.deps.Store.UserByID(r.Context(), id)
	if err != nil {
		s.fail(w, err, "load user failed")
		return
	}
	if err := s.deps.Store.UpdateUserStatus(r.Context(), id, req.Active); err != nil {
		s.fail(w, err, "update user status failed")
		return
	}

	s.audit(r.Context(), store.AuditEntry{
		Kind:   "user.status_changed",
		Actor:  s.actorEmail(r),
		Target: user.Email,
		Detail: fmt.Sprintf("active=%t", req.Active),
	})
	user.Active = req.Active
	writeJSON(w, http.StatusOK, toUserJSON(user))
}

type userPasswordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleUserPassword(w http.ResponseWriter, r *http.Request) {
	var req userPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}

	user, err := s.deps.Store.UserByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err, "load user failed")
		return
	}
	hash, truncated, err := auth.HashPassword(req.Password)
	if err != nil {
		s.fail(w, err, "hash password failed")
		return
	}
	if truncated {
		s.auditTruncation(r.Context(), user.Email)
	}
	if err := s.deps.Store.UpdateUserPassword(r.Context(), user.ID, hash); err != nil {
		s.fail(w, err, "update password failed")
		return
	}

	s.audit(r.Context(), store.AuditEntry{
		Kind:   "user.password_changed",
		Actor:  s.actorEmail(r),
		Target: user.Email,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateCertRequest struct {
	CommonName   string `json:"common_name"`
	Kind         string `json:"kind,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty"`
	Name         string `json:"name,omitempty"`
	Domain       string `json:"domain,omitempty"`
}

type issuedCertResponse struct {
	Serial      string    `json:"serial"`
	CommonName  string    `json:"common_name"`
	Kind        string    `json:"kind"`
	ExpiresAt   time.Time `json:"expires_at"`
	Certificate string    `json:"certificate"`
	PrivateKey  string    `json:"private_key"`
	Chain       string    `json:"chain"`
}

// handleGenerateCert issues a certificate through the CA. Client kinds also
// get a client row created (or reactivated) and linked to the new serial, so
// the CN is immediately valid at the ingress.
func (s *Server) handleGenerateCert(w http.ResponseWriter, r *http.Request) {
	var req generateCertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CommonName == "" {
		writeError(w, http.StatusBadRequest, "InvalidBody", "common_name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = ca.KindClient
	}
	validity := s.deps.CertValidity
	if req.ValidityDays > 0 {
		validity = time.Duration(req.ValidityDays) * 24 * time.Hour
	}

	var (
		issued *ca.Issued
		err    error
	)
	switch req.Kind {
	case ca.KindClient:
		issued, err = s.deps.CA.IssueClientCert(r.Context(), req.CommonName, validity)
	case ca.KindServer, ca.KindProxy, ca.KindWorker:
		issued, err = s.deps.CA.IssueComponentCert(r.Context(), req.Kind, req.CommonName, validity)
	default:
		writeError(w, http.StatusBadRequest, "InvalidBody", "unknown certificate kind "+req.Kind)
		return
	}
	if err != nil {
		s.fail(w, err, "issue certificate failed")
		return
	}

	if req.Kind == ca.KindClient {
		if err := s.linkClientRow(r, req, issued.Record.Serial); err != nil {
			s.fail(w, err, "link client row failed")
			return
		}
	}

	metrics.CertsIssued.WithLabelValues(req.Kind).Inc()
	s.audit(r.Context(), store.AuditEntry{
		Kind:   "certificate.issued",
		Actor:  s.actorEmail(r),
		Target: req.CommonName,
		Detail: fmt.Sprintf("kind %s serial %s", req.Kind, issued.Record.Serial),
	})
	writeJSON(w, http.StatusCreated, issuedCertResponse{
		Serial:      issued.Record.Serial,
		CommonName:  issued.Record.CommonName,
		Kind:        issued.Record.Kind,
		ExpiresAt:   issued.Record.NotAfter,
		Certificate: string(issued.CertPEM),
		PrivateKey:  string(issued.KeyPEM),
		Chain:       string(issued.ChainPEM),
	})
}

// linkClientRow creates or reactivates the client row for a freshly issued
// client certificate.
func (s *Server) linkClientRow(r *http.Request, req generateCertRequest, serial string) error {
	ctx := r.Context()
	_, err := s.deps.Store.Client(ctx, req.CommonName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		name := req.Name
		if name == "" {
			name = req.CommonName
		}
		_, err = s.deps.Store.CreateClient(ctx, store.Client{
			ID:         req.CommonName,
			Name:       name,
			Domain:     req.Domain,
			Active:     true,
			CertSerial: serial,
		})
		return err
	case err != nil:
		return err
	default:
		return s.deps.Store.SetClientActive(ctx, req.CommonName, true, serial)
	}
}

type revokeCertRequest struct {
	Serial string `json:"serial"`
	Reason string `json:"reason,omitempty"`
}

// handleRevokeCert revokes a serial and republishes the CRL. Revoking a
// client certificate also deactivates the linked client row. Already-revoked
// serials answer 200 with a warning rather than an error.
func (s *Server) handleRevokeCert(w http.ResponseWriter, r *http.Request) {
	var req revokeCertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Serial == "" {
		writeError(w, http.StatusBadRequest, "InvalidBody", "serial is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	rec, found, err := s.deps.Store.CertificateBySerial(r.Context(), req.Serial)
	if err != nil {
		s.fail(w, err, "look up certificate failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NotFound", "unknown serial "+req.Serial)
		return
	}

	if err := s.deps.CA.Revoke(r.Context(), req.Serial, req.Reason); err != nil {
		if errors.Is(err, ca.ErrAlreadyRevoked) {
			writeJSON(w, http.StatusOK, map[string]string{
				"status":  "already_revoked",
				"serial":  req.Serial,
				"warning": "serial was already revoked",
			})
			return
		}
		s.fail(w, err, "revoke certificate failed")
		return
	}

	if rec.Kind == ca.KindClient {
		if err := s.deps.Store.SetClientActive(r.Context(), rec.CommonName, false, req.Serial); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Error("deactivate client failed", "cn", rec.CommonName, "error", err)
		}
	}

	metrics.CertsRevoked.Inc()
	s.audit(r.Context(), store.AuditEntry{
		Kind:     "certificate.revoked",
		Severity: store.SeverityWarn,
		Actor:    s.actorEmail(r),
		Target:   rec.CommonName,
		Detail:   fmt.Sprintf("serial %s: %s", req.Serial, req.Reason),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "serial": req.Serial})
}

func (s *Server) handleListCerts(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListCertificates(r.Context())
	if err != nil {
		s.fail(w, err, "list certificates failed")
		return
	}
	writeJSON(w, http.StatusOK, toCertList(recs))
}

func (s *Server) handleExpiringCerts(w http.ResponseWriter, r *http.Request) {
	days := intParam(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 30
	}
	recs, err := s.deps.Store.ExpiringCertificates(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		s.fail(w, err, "list expiring certificates failed")
		return
	}
	writeJSON(w, http.StatusOK, toCertList(recs))
}

// handleCancelMessage terminates a live message on operator request. The
// worker finding it cancelled drops it; a concurrent delivery confirmation
// wins or loses by first commit.
func (s *Server) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Store.CancelMessage(r.Context(), r.PathValue("id"), s.actorEmail(r))
	if err != nil {
		s.fail(w, err, "cancel message failed")
		return
	}
	writeJSON(w, http.StatusOK, toPortalMessage(m))
}

// actorEmail names the authenticated operator for audit entries.
func (s *Server) actorEmail(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.User.Email
	}
	return "unknown"
}

// auditTruncation records that a password exceeded the bcrypt 72-byte input
// limit and was truncated before hashing.
func (s *Server) auditTruncation(ctx context.Context, email string) {
	s.audit(ctx, store.AuditEntry{
		Kind:     "password.truncated",
		Severity: store.SeverityWarn,
		Actor:    email,
		Detail:   "password longer than 72 bytes was truncated before hashing",
	})
}
