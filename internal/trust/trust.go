// Package trust makes the broker's runtime TLS decisions. It builds the
// standard mTLS listener and client configurations (TLS 1.3 floor, private
// CA pool) and checks peer certificates against the live revocation set with
// bounded staleness. Certificate issuance lives in package ca; this package
// only consumes its outputs.
package trust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/herald-mq/herald/internal/clock"
	"github.com/herald-mq/herald/internal/logging"
)

// maxStaleness bounds how old a cached revocation snapshot may be before the
// verifier refetches. Sixty seconds is the contract every component relies
// on: a revoked certificate stops working within a minute everywhere.
const maxStaleness = 60 * time.Second

// Handshake rejection causes, distinguishable with errors.Is so callers can
// classify outcomes (the ingress counts them per result).
var (
	ErrRevoked = errors.New("certificate has been revoked")
	ErrExpired = errors.New("certificate outside validity window")
)

// Source supplies the current set of revoked serials. The store implements
// this directly against SQLite; components without database access use a
// FileCRL over the published crl.pem.
type Source interface {
	RevokedSerials(ctx context.Context) (map[string]bool, error)
}

// Verifier answers "is this peer certificate revoked?" during handshakes,
// caching the revocation snapshot for at most maxStaleness. Lookups fail
// closed: if the source is unreachable and the cache is stale, the handshake
// is rejected rather than served on stale trust.
type Verifier struct {
	source Source
	clk    clock.Clock
	log    *logging.Logger

	mu      sync.Mutex
	revoked map[string]bool
	fetched time.Time
}

// NewVerifier creates a verifier over the given revocation source.
func NewVerifier(source Source, clk clock.Clock, log *logging.Logger) *Verifier {
	return &Verifier{source: source, clk: clk, log: log}
}

// IsRevoked reports whether serial appears in the revocation set, refreshing
// the snapshot when it is older than maxStaleness.
func (v *Verifier) IsRevoked(ctx context.Context, serial string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.revoked == nil || v.clk.Since(v.fetched) >= maxStaleness {
		set, err := v.source.RevokedSerials(ctx)
		if err != nil {
			return false, fmt.Errorf("fetch revocation set: %w", err)
		}
		v.revoked = set
		v.fetched = v.clk.Now()
	}
	return v.revoked[serial], nil
}

// VerifyPeer is a tls.Config.VerifyPeerCertificate callback. It runs after
// standard chain validation and terminates the handshake when the leaf is
// revoked, outside its validity window, or when the revocation set cannot be
// consulted. When no client certificate was presented it is a no-op; route
// handlers enforce cert presence where required.
func (v *Verifier) VerifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return nil // no client cert presented; public route path
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer cert: %w", err)
	}

	now := v.clk.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("certificate %x: %w", leaf.SerialNumber, ErrExpired)
	}

	serial := fmt.Sprintf("%x", leaf.SerialNumber)
	revoked, err := v.IsRevoked(context.Background(), serial)
	if err != nil {
		v.log.Error("revocation check failed, rejecting handshake", "serial", serial, "error", err)
		return errors.New("revocation check unavailable")
	}
	if revoked {
		return fmt.Errorf("certificate %s: %w", serial, ErrRevoked)
	}
	return nil
}

// FileCRL reads revoked serials from a PEM CRL file, typically the crl.pem
// the CA publishes into CA_DIR. When issuer is non-nil the CRL signature is
// verified against it, so a substituted file is treated as unavailable
// rather than trusted.
type FileCRL struct {
	path   string
	issuer *x509.Certificate
}

// NewFileCRL creates a CRL file source. issuer may be nil to skip signature
// verification (tests only; production callers pass the CA cert).
func NewFileCRL(path string, issuer *x509.Certificate) *FileCRL {
	return &FileCRL{path: path, issuer: issuer}
}

// RevokedSerials parses the CRL file and returns its serials in registry
// format (lowercase hex).
func (f *FileCRL) RevokedSerials(context.Context) (map[string]bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read crl: %w", err)
	}
	return parseCRL(data, f.issuer)
}

// parseCRL extracts the revoked serial set from a PEM CRL, verifying the
// signature against issuer when given.
func parseCRL(data []byte, issuer *x509.Certificate) (map[string]bool, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in crl")
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse crl: %w", err)
	}
	if issuer != nil {
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return nil, fmt.Errorf("crl signature: %w", err)
		}
	}

	set := make(map[string]bool, len(crl.RevokedCertificateEntries))
	for _, entry := range crl.RevokedCertificateEntries {
		set[fmt.Sprintf("%x", entry.SerialNumber)] = true
	}
	return set, nil
}

// ServerConfig builds the broker's standard mTLS listener configuration:
// TLS 1.3 floor, client certs verified against the private CA, and the given
// VerifyPeerCertificate hook for revocation checks. clientAuth is
// RequireAndVerifyClientCert at ingress and VerifyClientCertIfGiven at the
// store, whose public routes (health, metrics, CRL) take no client cert.
func ServerConfig(cert tls.Certificate, caPEM []byte, clientAuth tls.ClientAuthType, verify func([][]byte, [][]*x509.Certificate) error) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no certificates in CA PEM")
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientCAs:             pool,
		MinVersion:            tls.VersionTLS13,
		ClientAuth:            clientAuth,
		VerifyPeerCertificate: verify,
	}, nil
}

// ClientConfig builds the mTLS client configuration components use to call
// the store's internal API.
func ClientConfig(cert tls.Certificate, caPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no certificates in CA PEM")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// PeerCN extracts the verified client certificate's CommonName from an HTTP
// request. The CN is the client_id at ingress and the component identity at
// the store's internal API.
func PeerCN(r *http.Request) (string, error) {
	cert, err := PeerCertificate(r)
	if err != nil {
		return "", err
	}
	cn := cert.Subject.CommonName
	if cn == "" {
		return "", errors.New("client certificate CN is empty")
	}
	return cn, nil
}

// PeerCertificate returns the verified leaf certificate the peer presented.
func PeerCertificate(r *http.Request) (*x509.Certificate, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, errors.New("no client certificate presented")
	}
	return r.TLS.PeerCertificates[0], nil
}
