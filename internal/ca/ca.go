// Package ca implements the broker's private certificate authority: root
// generation, leaf issuance for sender clients and broker components,
// revocation, renewal, and CRL publication. Issued certificates are recorded
// in a registry (the SQLite store) so that runtime trust decisions can be
// made against the live set rather than against whatever PEM files happen to
// be on disk.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sentinel errors. HTTP status mapping happens at the API edge, not here.
var (
	ErrAlreadyInitialized = errors.New("ca already initialized")
	ErrNotInitialized     = errors.New("ca not initialized")
	ErrDuplicateCN        = errors.New("active certificate with this common name already exists")
	ErrAlreadyRevoked     = errors.New("certificate already revoked")
	ErrUnknownSerial      = errors.New("unknown certificate serial")
)

// Certificate kinds recorded in the registry. Sender certificates are
// "client"; broker components carry their role so the store's internal API
// can tell a proxy from a worker without parsing the CN.
const (
	KindCA     = "ca"
	KindClient = "client"
	KindServer = "server"
	KindProxy  = "proxy"
	KindWorker = "worker"
)

// Status is the outcome of verifying a peer certificate.
type Status string

const (
	StatusValid         Status = "valid"
	StatusRevoked       Status = "revoked"
	StatusExpired       Status = "expired"
	StatusUnknownIssuer Status = "unknown_issuer"
)

const (
	rootCommonName = "Herald Root CA"
	organization   = "Herald Message Broker"

	rootValidity = 10 * 365 * 24 * time.Hour
	rootKeyBits  = 4096 // long-lived, high security
	leafKeyBits  = 2048 // shorter-lived, faster handshakes

	// Leaf NotBefore is backdated to tolerate clock skew between the CA
	// host and the components validating the cert.
	backdate = time.Hour

	certFile = "ca.pem"
	keyFile  = "ca-key.pem"
	crlFile  = "crl.pem"
)

// Record is one registry row for an issued certificate.
type Record struct {
	Serial      string // lowercase hex, no padding
	CommonName  string
	Kind        string
	Fingerprint string // hex SHA-256 of the DER encoding
	NotBefore   time.Time
	NotAfter    time.Time
	Revoked     bool
	RevokedAt   time.Time // zero unless Revoked
	Reason      string
	CreatedAt   time.Time
}

// Issued bundles the artifacts handed back from an issuance: the registry
// row plus the PEM-encoded certificate, private key, and issuing chain.
type Issued struct {
	Record   Record
	CertPEM  []byte
	KeyPEM   []byte
	ChainPEM []byte
}

// Registry persists certificate rows. Implemented by the SQLite store.
// Lookup methods report absence with a false bool rather than an error so
// callers don't have to know the store's sentinel types.
type Registry interface {
	SaveCertificate(ctx context.Context, rec Record) error
	CertificateBySerial(ctx context.Context, serial string) (Record, bool, error)
	ActiveCertificateByCN(ctx context.Context, cn string) (Record, bool, error)
	MarkCertificateRevoked(ctx context.Context, serial, reason string, revokedAt time.Time) error
	// ReplaceCertificate revokes oldSerial and inserts next in one
	// transaction; neither change is visible unless both commit.
	ReplaceCertificate(ctx context.Context, oldSerial, reason string, revokedAt time.Time, next Record) error
	ListCertificates(ctx context.Context) ([]Record, error)
	RevokedCertificates(ctx context.Context) ([]Record, error)
}

// Authority is a loaded CA: the self-signed root plus its registry. All
// issuance goes through one mutex so serial generation and the duplicate-CN
// check can't race within a process.
type Authority struct {
	dir      string
	cert     *x509.Certificate
	key      *rsa.PrivateKey
	registry Registry
	mu       sync.Mutex
}

// Initialize creates a fresh self-signed root (RSA-4096, 10-year validity,
// cert+CRL signing only) in dir and records it in the registry. It refuses
// to overwrite an existing CA: either key material on disk or an active root
// row in the registry means ErrAlreadyInitialized.
func Initialize(ctx context.Context, dir string, registry Registry) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ca dir: %w", err)
	}

	certPath := filepath.Join(dir, certFile)
	keyPath := filepath.Join(dir, keyFile)
	if fileExists(certPath) || fileExists(keyPath) {
		return nil, fmt.Errorf("%w: key material exists in %s", ErrAlreadyInitialized, dir)
	}
	if _, ok, err := registry.ActiveCertificateByCN(ctx, rootCommonName); err != nil {
		return nil, fmt.Errorf("check registry for root: %w", err)
	} else if ok {
		return nil, fmt.Errorf("%w: active root registered", ErrAlreadyInitialized)
	}

	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate root serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   rootCommonName,
		},
		NotBefore: now.Add(-backdate),
		NotAfter:  now.Add(rootValidity),

		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0, // leaf-only CA, cannot issue sub-CAs
		MaxPathLenZero:        true,

		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create root cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse root cert: %w", err)
	}

	if err := writeCertPEM(certPath, certDER, 0o644); err != nil {
		return nil, err
	}
	if err := writeKeyPEM(keyPath, key); err != nil {
		return nil, err
	}

	rec := recordFor(cert, KindCA)
	if err := registry.SaveCertificate(ctx, rec); err != nil {
		return nil, fmt.Errorf("register root: %w", err)
	}

	a := &Authority{dir: dir, cert: cert, key: key, registry: registry}

	// Publish an (empty) CRL immediately so verifiers never have to treat
	// a missing file as a special case.
	if err := a.PublishCRL(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Load reads an existing CA from dir. Missing or unreadable key material is
// an error: the broker refuses to make trust decisions without the root key.
func Load(ctx context.Context, dir string, registry Registry) (*Authority, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, fmt.Errorf("%w: read root cert: %v", ErrNotInitialized, err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: read root key: %v", ErrNotInitialized, err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in root cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root cert: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in root key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root key: %w", err)
	}

	return &Authority{dir: dir, cert: cert, key: key, registry: registry}, nil
}

// CertPEM returns the root certificate in PEM form. Distributed to every
// component and sender so they can verify broker endpoints.
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
}

// Cert returns the parsed root certificate.
func (a *Authority) Cert() *x509.Certificate {
	return a.cert
}

// CRLPath returns the path the published CRL is written to.
func (a *Authority) CRLPath() string {
	return filepath.Join(a.dir, crlFile)
}

// IssueClientCert issues a sender certificate. The CN becomes the client_id
// presented at ingress. Client certs get ClientAuth only.
func (a *Authority) IssueClientCert(ctx context.Context, cn string, validity time.Duration) (*Issued, error) {
	return a.issue(ctx, KindClient, cn, validity, false)
}

// IssueComponentCert issues a certificate for a broker component.
// kind must be one of server, proxy, or worker. Server and proxy certs get
// ServerAuth plus SANs for localhost and the host's private IPs, since both
// terminate TLS; worker certs are client-only.
func (a *Authority) IssueComponentCert(ctx context.Context, kind, cn string, validity time.Duration) (*Issued, error) {
	switch kind {
	case KindServer, KindProxy, KindWorker:
	default:
		return nil, fmt.Errorf("unknown component kind %q", kind)
	}
	serverAuth := kind == KindServer || kind == KindProxy
	return a.issue(ctx, kind, cn, validity, serverAuth)
}

func (a *Authority) issue(ctx context.Context, kind, cn string, validity time.Duration, serverAuth bool) (*Issued, error) {
	if cn == "" {
		return nil, fmt.Errorf("empty common name")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok, err := a.registry.ActiveCertificateByCN(ctx, cn); err != nil {
		return nil, fmt.Errorf("check registry for cn %q: %w", cn, err)
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCN, cn)
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	usage := []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	if serverAuth {
		usage = append(usage, x509.ExtKeyUsageServerAuth)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   cn,
		},
		NotBefore: now.Add(-backdate),
		NotAfter:  now.Add(validity),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           usage,
		BasicConstraintsValid: true,
	}
	if serverAuth {
		tmpl.DNSNames = []string{"localhost", cn}
		tmpl.IPAddresses = privateIPs()
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse issued cert: %w", err)
	}

	rec := recordFor(cert, kind)
	if err := a.registry.SaveCertificate(ctx, rec); err != nil {
		return nil, fmt.Errorf("register cert: %w", err)
	}

	return &Issued{
		Record:   rec,
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:   marshalKeyPEM(key),
		ChainPEM: a.CertPEM(),
	}, nil
}

// Revoke marks a serial revoked and republishes the CRL. Revoking an
// already-revoked serial returns ErrAlreadyRevoked; callers treat that as a
// warning, not a failure, so the operation stays idempotent.
func (a *Authority) Revoke(ctx context.Context, serial, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok, err := a.registry.CertificateBySerial(ctx, serial)
	if err != nil {
		return fmt.Errorf("look up serial %s: %w", serial, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSerial, serial)
	}
	if rec.Revoked {
		return fmt.Errorf("%w: %s", ErrAlreadyRevoked, serial)
	}

	if err := a.registry.MarkCertificateRevoked(ctx, serial, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke serial %s: %w", serial, err)
	}
	return a.publishCRLLocked(ctx)
}

// Renew revokes the certificate with the given serial and issues a fresh one
// for the same subject and kind. The registry swap is atomic: either the old
// cert is revoked and the new one registered, or neither.
func (a *Authority) Renew(ctx context.Context, serial string, validity time.Duration) (*Issued, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	old, ok, err := a.registry.CertificateBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("look up serial %s: %w", serial, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSerial, serial)
	}
	if old.Kind == KindCA {
		return nil, fmt.Errorf("cannot renew the root certificate")
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	newSerial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	serverAuth := old.Kind == KindServer || old.Kind == KindProxy

	usage := []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	if serverAuth {
		usage = append(usage, x509.ExtKeyUsageServerAuth)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: newSerial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   old.CommonName,
		},
		NotBefore: now.Add(-backdate),
		NotAfter:  now.Add(validity),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           usage,
		BasicConstraintsValid: true,
	}
	if serverAuth {
		tmpl.DNSNames = []string{"localhost", old.CommonName}
		tmpl.IPAddresses = privateIPs()
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse issued cert: %w", err)
	}

	rec := recordFor(cert, old.Kind)
	if err := a.registry.ReplaceCertificate(ctx, serial, "renewed", time.Now().UTC(), rec); err != nil {
		return nil, fmt.Errorf("replace serial %s: %w", serial, err)
	}
	if err := a.publishCRLLocked(ctx); err != nil {
		return nil, err
	}

	return &Issued{
		Record:   rec,
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:   marshalKeyPEM(key),
		ChainPEM: a.CertPEM(),
	}, nil
}

// Verify classifies a presented certificate. The checks run in a fixed
// order: issuer chain, validity window, revocation, then registry
// fingerprint. A cert that chains but has no matching registry row (or whose
// fingerprint differs from the recorded one) is treated as unknown_issuer:
// it was not issued by this authority's records, whatever its signature says.
func (a *Authority) Verify(ctx context.Context, cert *x509.Certificate) (Status, error) {
	roots := x509.NewCertPool()
	roots.AddCert(a.cert)

	_, err := cert.Verify(x509.VerifyOptions{
		Roots: roots,
		// Validity window is checked explicitly below so expiry is
		// reported as expired, not unknown_issuer.
		CurrentTime: cert.NotBefore.Add(time.Second),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return StatusUnknownIssuer, nil
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return StatusExpired, nil
	}

	serial := SerialString(cert)
	rec, ok, err := a.registry.CertificateBySerial(ctx, serial)
	if err != nil {
		return "", fmt.Errorf("look up serial %s: %w", serial, err)
	}
	if ok && rec.Revoked {
		return StatusRevoked, nil
	}
	if !ok || rec.Fingerprint != Fingerprint(cert) {
		return StatusUnknownIssuer, nil
	}
	return StatusValid, nil
}

// SerialString renders a certificate serial the way the registry stores it:
// lowercase hex without padding.
func SerialString(cert *x509.Certificate) string {
	return fmt.Sprintf("%x", cert.SerialNumber)
}

// Fingerprint returns the hex SHA-256 digest of the certificate's DER bytes.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// WriteIssued writes an issued certificate and key under dir as <cn>.crt and
// <cn>.key. Cert 0644, key 0600.
func WriteIssued(dir string, issued *Issued) (certPath, keyPath string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create dir: %w", err)
	}
	cn := issued.Record.CommonName
	certPath = filepath.Join(dir, cn+".crt")
	keyPath = filepath.Join(dir, cn+".key")

	if err := os.WriteFile(certPath, issued.CertPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, issued.KeyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write key: %w", err)
	}
	return certPath, keyPath, nil
}

// --- internal helpers ---

func recordFor(cert *x509.Certificate, kind string) Record {
	return Record{
		Serial:      SerialString(cert),
		CommonName:  cert.Subject.CommonName,
		Kind:        kind,
		Fingerprint: Fingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		CreatedAt:   time.Now().UTC(),
	}
}

// randomSerial generates a cryptographically random 128-bit serial number,
// as recommended by CABForum for certificate serial numbers.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// privateIPs returns IP SANs for server certificates: loopback plus private
// unicast IPs from the host's interfaces, deduplicated.
func privateIPs() []net.IP {
	ips := []net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("::1"),
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips // best-effort, loopback is always available
	}

	seen := make(map[string]bool)
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.IsLoopback() || !ipNet.IP.IsPrivate() {
			continue
		}
		s := ipNet.IP.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		ips = append(ips, ipNet.IP)
	}
	return ips
}

func marshalKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// writeCertPEM encodes a DER certificate as PEM and writes it to path.
func writeCertPEM(path string, certDER []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write cert %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("encode cert pem: %w", err)
	}
	return nil
}

// writeKeyPEM encodes an RSA private key as PEM and writes it with 0600 perms.
func writeKeyPEM(path string, key *rsa.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	defer f.Close()
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("encode key pem: %w", err)
	}
	return nil
}

// fileExists returns true if a file exists at the given path.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
