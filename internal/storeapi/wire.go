package storeapi

import (
	"time"

	"github.com/herald-mq/herald/internal/auth"
	"github.com/herald-mq/herald/internal/ca"
	"github.com/herald-mq/herald/internal/store"
)

// Wire shapes shared by the server and the component client. Internal routes
// exchange the full message row; operator routes get a redacted view with the
// ciphertext and fingerprint stripped.

type internalMessage struct {
	MessageID         string     `json:"message_id"`
	ClientID          string     `json:"client_id"`
	SenderFingerprint string     `json:"sender_fingerprint"`
	SenderMasked      string     `json:"sender_masked"`
	BodyCiphertext    []byte     `json:"body_ciphertext"`
	KeyID             int        `json:"key_id"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
}

func toInternalMessage(m store.Message) internalMessage {
	return internalMessage{
		MessageID:         m.ID,
		ClientID:          m.ClientID,
		SenderFingerprint: m.SenderFingerprint,
		SenderMasked:      m.SenderMasked,
		BodyCiphertext:    m.BodyCiphertext,
		KeyID:             m.KeyID,
		Status:            m.Status,
		Attempts:          m.Attempts,
		LastError:         m.LastError,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		DeliveredAt:       m.DeliveredAt,
	}
}

func (im internalMessage) message() store.Message {
	return store.Message{
		ID:                im.MessageID,
		ClientID:          im.ClientID,
		SenderFingerprint: im.SenderFingerprint,
		SenderMasked:      im.SenderMasked,
		BodyCiphertext:    im.BodyCiphertext,
		KeyID:             im.KeyID,
		Status:            im.Status,
		Attempts:          im.Attempts,
		LastError:         im.LastError,
		CreatedAt:         im.CreatedAt,
		UpdatedAt:         im.UpdatedAt,
		DeliveredAt:       im.DeliveredAt,
	}
}

type deliverRequest struct {
	MessageID string `json:"message_id"`
	WorkerID  string `json:"worker_id"`
}

// statusRequest carries a transition. Pointer fields distinguish "leave
// unchanged" from zero values.
type statusRequest struct {
	Status       string  `json:"status"`
	AttemptCount *int    `json:"attempt_count,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// reconcileRequest carries caller-computed staleness cutoffs; rows stuck
// before them are reset to queued and handed back for re-enqueueing.
type reconcileRequest struct {
	DeliveringBefore time.Time `json:"delivering_before"`
	QueuedBefore     time.Time `json:"queued_before"`
}

type reconcileResponse struct {
	MessageIDs []string `json:"message_ids"`
}

type clientRow struct {
	ClientID   string    `json:"client_id"`
	Name       string    `json:"name"`
	Domain     string    `json:"domain"`
	Active     bool      `json:"active"`
	CertSerial string    `json:"cert_serial,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toClientRow(c store.Client) clientRow {
	return clientRow{
		ClientID:   c.ID,
		Name:       c.Name,
		Domain:     c.Domain,
		Active:     c.Active,
		CertSerial: c.CertSerial,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func (cr clientRow) client() store.Client {
	return store.Client{
		ID:         cr.ClientID,
		Name:       cr.Name,
		Domain:     cr.Domain,
		Active:     cr.Active,
		CertSerial: cr.CertSerial,
		CreatedAt:  cr.CreatedAt,
		UpdatedAt:  cr.UpdatedAt,
	}
}

type portalMessage struct {
	MessageID    string     `json:"message_id"`
	ClientID     string     `json:"client_id"`
	SenderMasked string     `json:"sender_masked"`
	MessageBody  string     `json:"message_body,omitempty"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// toPortalMessage redacts a row for operator eyes. The body stays empty;
// handlers fill it in only for principals cleared to read the client.
func toPortalMessage(m store.Message) portalMessage {
	return portalMessage{
		MessageID:    m.ID,
		ClientID:     m.ClientID,
		SenderMasked: m.SenderMasked,
		Status:       m.Status,
		Attempts:     m.Attempts,
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		DeliveredAt:  m.DeliveredAt,
	}
}

type userJSON struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	ClientID    string     `json:"client_id,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func toUserJSON(u auth.User) userJSON {
	return userJSON{
		ID:          u.ID,
		Email:       u.Email,
		Role:        u.Role,
		ClientID:    u.ClientID,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

type certJSON struct {
	Serial      string     `json:"serial"`
	CommonName  string     `json:"common_name"`
	Kind        string     `json:"kind"`
	Fingerprint string     `json:"fingerprint"`
	NotBefore   time.Time  `json:"not_before"`
	NotAfter    time.Time  `json:"not_after"`
	Revoked     bool       `json:"revoked"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func toCertJSON(rec ca.Record) certJSON {
	c := certJSON{
		Serial:      rec.Serial,
		CommonName:  rec.CommonName,
		Kind:        rec.Kind,
		Fingerprint: rec.Fingerprint,
		NotBefore:   rec.NotBefore,
		NotAfter:    rec.NotAfter,
		Revoked:     rec.Revoked,
		Reason:      rec.Reason,
	}
	if rec.Revoked && !rec.RevokedAt.IsZero() {
		at := rec.RevokedAt
		c.RevokedAt = &at
	}
	return c
}

func toCertList(recs []ca.Record) []certJSON {
	out := make([]certJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toCertJSON(rec))
	}
	return out
}
