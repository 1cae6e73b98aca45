package trust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxCRLBytes caps the CRL download.
const maxCRLBytes = 1 << 20

// HTTPCRL fetches revoked serials from the store's public CRL endpoint.
// Components that share no filesystem with the CA use this instead of
// FileCRL. The connection authenticates the store against the broker CA and
// the CRL signature is checked against the same CA, so neither a spoofed
// endpoint nor a substituted body can shrink the revocation set.
type HTTPCRL struct {
	url    string
	issuer *x509.Certificate
	client *http.Client
}

// NewHTTPCRL creates a CRL source over url (typically STORE_URL + "/crl").
// caPEM is the broker CA certificate, used both as the TLS root and as the
// CRL signature issuer.
func NewHTTPCRL(url string, caPEM []byte) (*HTTPCRL, error) {
	block, _ := pem.Decode(caPEM)
	if block == nil {
		return nil, errors.New("no PEM block in CA certificate")
	}
	issuer, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no certificates in CA PEM")
	}
	return &HTTPCRL{
		url:    url,
		issuer: issuer,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:    pool,
					MinVersion: tls.VersionTLS13,
				},
			},
		},
	}, nil
}

// RevokedSerials downloads and parses the CRL.
func (h *HTTPCRL) RevokedSerials(ctx context.Context) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch crl: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch crl: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCRLBytes))
	if err != nil {
		return nil, fmt.Errorf("read crl: %w", err)
	}
	return parseCRL(data, h.issuer)
}
