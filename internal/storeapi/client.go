package storeapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/herald-mq/herald/internal/store"
)

// Client is the mTLS HTTP client broker components use to reach the store's
// internal API. The component certificate CN doubles as the identity the
// store records on status transitions.
type Client struct {
	baseURL    string
	component  string
	httpClient *http.Client
}

// ClientConfig configures a component client. TLS must carry the component
// certificate and the broker CA pool (trust.ClientConfig builds it).
type ClientConfig struct {
	BaseURL   string
	Component string
	TLS       *tls.Config
	Timeout   time.Duration
}

// NewClient creates a component client for the store's internal API.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		component: cfg.Component,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     cfg.TLS,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Register persists a sealed message. Safe to retry: registration is
// idempotent on the message ID.
func (c *Client) Register(ctx context.Context, m store.Message) (store.Message, error) {
	var out internalMessage
	if err := c.post(ctx, "/internal/messages/register", toInternalMessage(m), &out); err != nil {
		return store.Message{}, fmt.Errorf("register message %s: %w", m.ID, err)
	}
	return out.message(), nil
}

// GetMessage fetches the full stored row.
func (c *Client) GetMessage(ctx context.Context, id string) (store.Message, error) {
	var out internalMessage
	if err := c.get(ctx, "/internal/messages/"+url.PathEscape(id), &out); err != nil {
		return store.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return out.message(), nil
}

// UpdateStatus applies a status transition on the stored row.
func (c *Client) UpdateStatus(ctx context.Context, id string, up store.StatusUpdate) (store.Message, error) {
	req := statusRequest{
		Status:       up.Status,
		AttemptCount: up.Attempts,
		ErrorMessage: up.LastError,
	}
	var out internalMessage
	if err := c.put(ctx, "/internal/messages/"+url.PathEscape(id)+"/status", req, &out); err != nil {
		return store.Message{}, fmt.Errorf("update message %s to %s: %w", id, up.Status, err)
	}
	return out.message(), nil
}

// MarkFailed moves a message to the failed terminal state with a reason.
func (c *Client) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := c.UpdateStatus(ctx, id, store.StatusUpdate{
		Status:    store.StatusFailed,
		LastError: &reason,
	})
	return err
}

// Deliver confirms a delivery under this component's identity. A message
// cancelled mid-flight surfaces as store.ErrIllegalTransition.
func (c *Client) Deliver(ctx context.Context, id string) error {
	req := deliverRequest{MessageID: id, WorkerID: c.component}
	if err := c.post(ctx, "/internal/messages/deliver", req, nil); err != nil {
		return fmt.Errorf("deliver message %s: %w", id, err)
	}
	return nil
}

// ClientByCN resolves a certificate CN to its client row. Unknown CNs map
// to store.ErrNotFound.
func (c *Client) ClientByCN(ctx context.Context, cn string) (store.Client, error) {
	var out clientRow
	if err := c.get(ctx, "/internal/clients/"+url.PathEscape(cn), &out); err != nil {
		return store.Client{}, fmt.Errorf("look up client %s: %w", cn, err)
	}
	return out.client(), nil
}

// Reconcile resets stuck rows behind the cutoffs and returns the IDs to
// re-enqueue.
func (c *Client) Reconcile(ctx context.Context, deliveringBefore, queuedBefore time.Time) ([]string, error) {
	req := reconcileRequest{DeliveringBefore: deliveringBefore, QueuedBefore: queuedBefore}
	var out reconcileResponse
	if err := c.post(ctx, "/internal/messages/reconcile", req, &out); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return out.MessageIDs, nil
}

// Ping checks that the store answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.get(ctx, "/health", nil); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPost, path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPut, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// apiError turns an error response into a sentinel the caller can test with
// errors.Is, falling back to a formatted error for everything else.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &e)

	switch e.Error {
	case "NotFound":
		return fmt.Errorf("%s: %w", e.Message, store.ErrNotFound)
	case "IllegalTransition":
		return fmt.Errorf("%s: %w", e.Message, store.ErrIllegalTransition)
	case "Conflict":
		return fmt.Errorf("%s: %w", e.Message, store.ErrConflict)
	}
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return fmt.Errorf("store api %d: %s", resp.StatusCode, msg)
}
