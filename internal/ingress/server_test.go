package ingress

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/herald-mq/herald/internal/logging"
	"github.com/herald-mq/herald/internal/seal"
	"github.com/herald-mq/herald/internal/store"
)

// --- fakes ---

type fakeStore struct {
	mu         sync.Mutex
	clients    map[string]store.Client
	registered []store.Message
	failed     map[string]string

	registerErr  error
	registerFail int // fail this many Register calls before succeeding
	pingErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients: map[string]store.Client{
			"client-a": {ID: "client-a", Active: true},
		},
		failed: make(map[string]string),
	}
}

func (f *fakeStore) Register(_ context.Context, m store.Message) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerFail > 0 {
		f.registerFail--
		return store.Message{}, errors.New("store connection reset")
	}
	if f.registerErr != nil {
		return store.Message{}, f.registerErr
	}
	f.registered = append(f.registered, m)
	m.Status = store.StatusQueued
	return m, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = reason
	return nil
}

func (f *fakeStore) ClientByCN(_ context.Context, cn string) (store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[cn]
	if !ok {
		return store.Client{}, fmt.Errorf("client %s: %w", cn, store.ErrNotFound)
	}
	return c, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeQueue struct {
	mu         sync.Mutex
	entries    []string
	length     int64
	enqueueErr error
	failFirst  int // fail this many Enqueue calls before succeeding
	lengthErr  error
	pingErr    error
}

func (f *fakeQueue) Enqueue(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("queue connection reset")
	}
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.entries = append(f.entries, id)
	return nil
}

func (f *fakeQueue) Length(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lengthErr != nil {
		return 0, f.lengthErr
	}
	return f.length + int64(len(f.entries)), nil
}

func (f *fakeQueue) Ping(context.Context) error { return f.pingErr }

// --- harness ---

func testSealer(t *testing.T) *seal.Sealer {
	t.Helper()
	key := bytes.Repeat([]byte{7}, 32)
	s, err := seal.New([][]byte{key})
	if err != nil {
		t.Fatalf("seal.New: %v", err)
	}
	return s
}

func testServer(t *testing.T, st *fakeStore, q *fakeQueue) *Server {
	t.Helper()
	fp, err := seal.NewFingerprinter("test-salt")
	if err != nil {
		t.Fatalf("NewFingerprinter: %v", err)
	}
	return NewServer(Dependencies{
		Store:          st,
		Queue:          q,
		Sealer:         testSealer(t),
		Fingerprint:    fp,
		Log:            logging.Discard(),
		RateLimit:      100,
		MaxConcurrent:  8,
		QueueSoftLimit: 1000,
	})
}

// submit performs a POST /api/v1/messages with the given client CN attached
// as a verified peer certificate.
func submit(t *testing.T, s *Server, cn, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(payload))
	if cn != "" {
		req.TLS = &tls.ConnectionState{
			PeerCertificates: []*x509.Certificate{
				{Subject: pkix.Name{CommonName: cn}},
			},
		}
	} else {
		req.TLS = &tls.ConnectionState{}
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func body(sender, text string) string {
	b, _ := json.Marshal(map[string]string{"sender_number": sender, "message_body": text})
	return string(b)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, msg string) {
	t.Helper()
	var e map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return e["error"], e["message"]
}

// --- submit pipeline ---

func TestSubmitAccepted(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	s := testServer(t, st, q)

	rec := submit(t, s, "client-a", body("+12025550123", "hello herald"))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "queued" {
		t.Errorf("status = %q, want queued", resp.Status)
	}
	if resp.MessageID == "" {
		t.Error("message_id is empty")
	}

	if len(st.registered) != 1 {
		t.Fatalf("registered %d messages, want 1", len(st.registered))
	}
	m := st.registered[0]
	if m.ID != resp.MessageID {
		t.Errorf("registered id = %q, response id = %q", m.ID, resp.MessageID)
	}
	if m.ClientID != "client-a" {
		t.Errorf("client_id = %q, want client-a", m.ClientID)
	}
	if m.SenderMasked != "+12*****0123" {
		t.Errorf("sender_masked = %q, want +12*****0123", m.SenderMasked)
	}
	if len(m.SenderFingerprint) != 64 {
		t.Errorf("fingerprint hex length = %d, want 64", len(m.SenderFingerprint))
	}
	if bytes.Contains(m.BodyCiphertext, []byte("hello herald")) {
		t.Error("ciphertext contains plaintext body")
	}

	if len(q.entries) != 1 || q.entries[0] != resp.MessageID {
		t.Errorf("queue entries = %v, want [%s]", q.entries, resp.MessageID)
	}
}

func TestSubmitCiphertextDecryptsToNormalizedBody(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	s := testServer(t, st, q)

	// "e" followed by a combining acute accent NFC-normalizes to a single
	// code point.
	raw := "café"
	rec := submit(t, s, "client-a", body("+12025550123", raw))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	plain, err := testSealer(t).Open(st.registered[0].BodyCiphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "café" {
		t.Errorf("stored body = %q, want NFC-normalized café", plain)
	}
}

func TestSubmitRequiresClientCert(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{})

	rec := submit(t, s, "", body("+12025550123", "hi"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	code, _ := decodeError(t, rec)
	if code != "Unauthorized" {
		t.Errorf("error code = %q, want Unauthorized", code)
	}
}

func TestSubmitUnknownClient(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{})

	rec := submit(t, s, "client-ghost", body("+12025550123", "hi"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	code, _ := decodeError(t, rec)
	if code != "UnknownClient" {
		t.Errorf("error code = %q, want UnknownClient", code)
	}
}

func TestSubmitRevokedClient(t *testing.T) {
	st := newFakeStore()
	st.clients["client-b"] = store.Client{ID: "client-b", Active: false}
	s := testServer(t, st, &fakeQueue{})

	rec := submit(t, s, "client-b", body("+12025550123", "hi"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	code, _ := decodeError(t, rec)
	if code != "ClientRevoked" {
		t.Errorf("error code = %q, want ClientRevoked", code)
	}
	if len(st.registered) != 0 {
		t.Error("revoked client should not register messages")
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"sender without plus", body("12025550123", "hi"), "InvalidSender"},
		{"sender leading zero", body("+02025550123", "hi"), "InvalidSender"},
		{"sender too short", body("+123456", "hi"), "InvalidSender"},
		{"sender too long", body("+1234567890123456", "hi"), "InvalidSender"},
		{"sender with dashes", body("+1-202-555-0123", "hi"), "InvalidSender"},
		{"empty body", body("+12025550123", ""), "InvalidBody"},
		{"body too long", body("+12025550123", strings.Repeat("x", 1001)), "InvalidBody"},
		{"malformed json", `{"sender_number": `, "InvalidBody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore()
			s := testServer(t, st, &fakeQueue{})
			rec := submit(t, s, "client-a", tt.payload)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			code, _ := decodeError(t, rec)
			if code != tt.wantCode {
				t.Errorf("error code = %q, want %q", code, tt.wantCode)
			}
			if len(st.registered) != 0 {
				t.Error("invalid submissions must not be registered")
			}
		})
	}
}

func TestSubmitBodyAtLimitAccepted(t *testing.T) {
	st := newFakeStore()
	s := testServer(t, st, &fakeQueue{})

	rec := submit(t, s, "client-a", body("+12025550123", strings.Repeat("y", 1000)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for 1000-code-point body", rec.Code)
	}
}

func TestSubmitRequestTooLarge(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{})

	// Over the 16 KiB request cap before JSON validation can complain.
	huge := body("+12025550123", strings.Repeat("z", 20<<10))
	rec := submit(t, s, "client-a", huge)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	code, _ := decodeError(t, rec)
	if code != "BodyTooLarge" {
		t.Errorf("error code = %q, want BodyTooLarge", code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	s := testServer(t, st, q)
	s.limiters = newClientLimiters(2) // third request in the window must trip

	for i := 0; i < 2; i++ {
		rec := submit(t, s, "client-a", body("+12025550123", "hi"))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202", i, rec.Code)
		}
	}
	rec := submit(t, s, "client-a", body("+12025550123", "hi"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	code, _ := decodeError(t, rec)
	if code != "RateLimited" {
		t.Errorf("error code = %q, want RateLimited", code)
	}
}

func TestSubmitQueueOverSoftLimit(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{length: 5000}
	s := testServer(t, st, q)
	s.deps.QueueSoftLimit = 100

	rec := submit(t, s, "client-a", body("+12025550123", "hi"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 response missing Retry-After header")
	}
	code, _ := decodeError(t, rec)
	if code != "QueueUnavailable" {
		t.Errorf("error code = %q, want QueueUnavailable", code)
	}
	if len(st.registered) != 0 {
		t.Error("backpressured submissions must not be registered")
	}
}

func TestSubmitRegisterRetriesThenSucceeds(t *testing.T) {
	st := newFakeStore()
	st.registerFail = 2 // two transient failures, third attempt lands
	q := &fakeQueue{}
	s := testServer(t, st, q)

	rec := submit(t, s, "client-a", body("+12025550123", "hi"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 after retries (%s)", rec.Code, rec.Body.String())
	}
	if len(st.registered) != 1 {
		t.Fatalf("registered %d messages, want 1", len(st.registered))
	}
}

func TestSubmitRegisterExhaustedReturns503(t *testing.T) {
	st := newFakeStore()
	st.registerErr = errors.New("store down")
	q := &fakeQueue{}
	s := testServer(t, st, q)

	rec := submit(t, s, "client-a", body("+12025550123", "hi"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if len(q.entries) != 0 {
		t.Error("nothing may be enqueued when register fails")
	}
}

func TestSubmitEnqueueFailureMarksMessageFailed(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{enqueueErr: errors.New("redis down")}
	s := testServer(t, st, q)

	rec := submit(t, s, "client-a", body("+12025550123", "hi"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	code, _ := decodeError(t, rec)
	if code != "QueueUnavailable" {
		t.Errorf("error code = %q, want QueueUnavailable", code)
	}

	if len(st.registered) != 1 {
		t.Fatalf("registered %d messages, want 1", len(st.registered))
	}
	id := st.registered[0].ID
	reason, ok := st.failed[id]
	if !ok {
		t.Fatalf("message %s was not marked failed", id)
	}
	if !strings.Contains(reason, "enqueue failed") {
		t.Errorf("failure reason = %q, want enqueue failure", reason)
	}
}

func TestSubmitEnqueueRetriesThenSucceeds(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{failFirst: 2}
	s := testServer(t, st, q)

	rec := submit(t, s, "client-a", body("+12025550123", "hi"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 after enqueue retries", rec.Code)
	}
	if len(q.entries) != 1 {
		t.Fatalf("queue entries = %d, want 1", len(q.entries))
	}
	if len(st.failed) != 0 {
		t.Errorf("message marked failed despite eventual enqueue: %v", st.failed)
	}
}

// --- health ---

func TestHealthAllOK(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var h healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "healthy" || h.Queue != "ok" || h.Store != "ok" {
		t.Errorf("health = %+v, want all ok", h)
	}
}

func TestHealthQueueDown(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{pingErr: errors.New("refused")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var h healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Queue != "unhealthy" || h.Status != "unhealthy" {
		t.Errorf("health = %+v, want unhealthy queue", h)
	}
}
