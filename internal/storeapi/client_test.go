package storeapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/herald-mq/herald/internal/store"
)

// fakeStoreAPI records requests and plays back canned responses, so client
// tests cover the wire format without TLS plumbing.
type fakeStoreAPI struct {
	t *testing.T

	lastMethod string
	lastPath   string
	lastBody   []byte

	status int
	body   any
}

func (f *fakeStoreAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.lastMethod = r.Method
	f.lastPath = r.URL.Path
	f.lastBody, _ = io.ReadAll(r.Body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	if f.body != nil {
		_ = json.NewEncoder(w).Encode(f.body)
	}
}

func newFakeAPI(t *testing.T, status int, body any) (*fakeStoreAPI, *Client) {
	t.Helper()
	f := &fakeStoreAPI{t: t, status: status, body: body}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL, Component: "worker-test"})
	return f, c
}

func TestClientRegister(t *testing.T) {
	stored := internalMessage{
		MessageID: "m1", ClientID: "client-a", Status: store.StatusQueued,
		BodyCiphertext: []byte("sealed"),
	}
	f, c := newFakeAPI(t, http.StatusCreated, stored)

	m, err := c.Register(context.Background(), store.Message{
		ID: "m1", ClientID: "client-a", BodyCiphertext: []byte("sealed"),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if f.lastMethod != http.MethodPost || f.lastPath != "/internal/messages/register" {
		t.Errorf("request = %s %s", f.lastMethod, f.lastPath)
	}
	if m.ID != "m1" || m.Status != store.StatusQueued {
		t.Errorf("message = %+v", m)
	}

	var sent internalMessage
	if err := json.Unmarshal(f.lastBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.MessageID != "m1" || string(sent.BodyCiphertext) != "sealed" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestClientGetMessage(t *testing.T) {
	f, c := newFakeAPI(t, http.StatusOK, internalMessage{MessageID: "m1", Status: store.StatusDelivering})

	m, err := c.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if f.lastPath != "/internal/messages/m1" {
		t.Errorf("path = %s", f.lastPath)
	}
	if m.Status != store.StatusDelivering {
		t.Errorf("status = %s", m.Status)
	}
}

func TestClientUpdateStatus_SendsOptionalFields(t *testing.T) {
	f, c := newFakeAPI(t, http.StatusOK, internalMessage{MessageID: "m1", Status: store.StatusQueued, Attempts: 2})

	attempts := 2
	reason := "attempt 2 failed: connection refused"
	_, err := c.UpdateStatus(context.Background(), "m1", store.StatusUpdate{
		Status:    store.StatusQueued,
		Attempts:  &attempts,
		LastError: &reason,
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if f.lastMethod != http.MethodPut || f.lastPath != "/internal/messages/m1/status" {
		t.Errorf("request = %s %s", f.lastMethod, f.lastPath)
	}

	var sent statusRequest
	if err := json.Unmarshal(f.lastBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.Status != store.StatusQueued || sent.AttemptCount == nil || *sent.AttemptCount != 2 {
		t.Errorf("sent = %+v", sent)
	}
	if sent.ErrorMessage == nil || *sent.ErrorMessage != reason {
		t.Errorf("error message = %v", sent.ErrorMessage)
	}
}

func TestClientDeliver_PostsComponentID(t *testing.T) {
	f, c := newFakeAPI(t, http.StatusOK, internalMessage{MessageID: "m1", Status: store.StatusDelivered})

	if err := c.Deliver(context.Background(), "m1"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	var sent deliverRequest
	if err := json.Unmarshal(f.lastBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.WorkerID != "worker-test" {
		t.Errorf("worker_id = %q, want the component name", sent.WorkerID)
	}
}

func TestClientReconcile(t *testing.T) {
	f, c := newFakeAPI(t, http.StatusOK, reconcileResponse{MessageIDs: []string{"m1", "m2"}})

	cutoff := time.Now().UTC()
	ids, err := c.Reconcile(context.Background(), cutoff, cutoff)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if f.lastPath != "/internal/messages/reconcile" {
		t.Errorf("path = %s", f.lastPath)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestClientClientByCN(t *testing.T) {
	f, c := newFakeAPI(t, http.StatusOK, clientRow{ClientID: "acme-sender", Active: true})

	row, err := c.ClientByCN(context.Background(), "acme-sender")
	if err != nil {
		t.Fatalf("ClientByCN: %v", err)
	}
	if f.lastPath != "/internal/clients/acme-sender" {
		t.Errorf("path = %s", f.lastPath)
	}
	if row.ID != "acme-sender" || !row.Active {
		t.Errorf("row = %+v", row)
	}
}

func TestClientPing(t *testing.T) {
	f, c := newFakeAPI(t, http.StatusOK, map[string]string{"status": "healthy"})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if f.lastPath != "/health" {
		t.Errorf("path = %s", f.lastPath)
	}
}

// Error responses must map back onto store sentinels so callers keep using
// errors.Is across the process boundary.
func TestClientErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"not found", http.StatusNotFound, "NotFound", store.ErrNotFound},
		{"illegal transition", http.StatusConflict, "IllegalTransition", store.ErrIllegalTransition},
		{"conflict", http.StatusConflict, "Conflict", store.ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, c := newFakeAPI(t, tc.status, map[string]string{"error": tc.code, "message": "nope"})

			_, err := c.GetMessage(context.Background(), "m1")
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestClientErrorMapping_Unmapped(t *testing.T) {
	_, c := newFakeAPI(t, http.StatusInternalServerError,
		map[string]string{"error": "Internal", "message": "internal server error"})

	_, err := c.GetMessage(context.Background(), "m1")
	if err == nil {
		t.Fatal("no error for 500")
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		t.Errorf("500 mapped to a sentinel: %v", err)
	}
}

func TestClientMarkFailed(t *testing.T) {
	f, c := newFakeAPI(t, http.StatusOK, internalMessage{MessageID: "m1", Status: store.StatusFailed})

	if err := c.MarkFailed(context.Background(), "m1", "exceeded maximum attempts (3): timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	var sent statusRequest
	if err := json.Unmarshal(f.lastBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.Status != store.StatusFailed || sent.ErrorMessage == nil {
		t.Errorf("sent = %+v", sent)
	}
}
