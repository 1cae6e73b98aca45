package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sort"
	"time"
)

// CRL validity horizon. The broker republishes on every revocation, so the
// NextUpdate is generous; verifiers apply their own 60-second freshness rule.
const crlValidity = 7 * 24 * time.Hour

// PublishCRL regenerates the CRL from the registry's revoked set and writes
// it to CA_DIR/crl.pem. Entries are ordered by serial so two publishes over
// the same revoked set produce the same list body.
func (a *Authority) PublishCRL(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publishCRLLocked(ctx)
}

func (a *Authority) publishCRLLocked(ctx context.Context) error {
	crlPEM, err := a.buildCRL(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.CRLPath(), crlPEM, 0o644); err != nil {
		return fmt.Errorf("write crl: %w", err)
	}
	return nil
}

// CRLPEM builds and returns the current CRL without touching disk. Used by
// the store's GET /crl endpoint so it always reflects the live registry.
func (a *Authority) CRLPEM(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buildCRL(ctx)
}

func (a *Authority) buildCRL(ctx context.Context) ([]byte, error) {
	revoked, err := a.registry.RevokedCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list revoked certs: %w", err)
	}

	sort.Slice(revoked, func(i, j int) bool {
		return revoked[i].Serial < revoked[j].Serial
	})

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, rec := range revoked {
		serial, ok := new(big.Int).SetString(rec.Serial, 16)
		if !ok {
			return nil, fmt.Errorf("malformed serial in registry: %q", rec.Serial)
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: rec.RevokedAt.UTC(),
		})
	}

	now := time.Now().UTC()
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlValidity),
		RevokedCertificateEntries: entries,
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, a.cert, a.key)
	if err != nil {
		return nil, fmt.Errorf("create crl: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}
