package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/herald-mq/herald/internal/ca"
	"github.com/herald-mq/herald/internal/config"
	"github.com/herald-mq/herald/internal/logging"
	"github.com/herald-mq/herald/internal/store"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the broker's private certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the root CA and certificate registry",
	Args:  cobra.NoArgs,
	RunE:  runCAInit,
}

var caIssueCmd = &cobra.Command{
	Use:   "issue <common-name>",
	Short: "Issue a certificate for a sender or broker component",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAIssue,
}

var caRevokeCmd = &cobra.Command{
	Use:   "revoke <serial>",
	Short: "Revoke a certificate and republish the CRL",
	Args:  cobra.ExactArgs(1),
	RunE:  runCARevoke,
}

var caRenewCmd = &cobra.Command{
	Use:   "renew <serial>",
	Short: "Replace a certificate with a fresh one for the same subject",
	Args:  cobra.ExactArgs(1),
	RunE:  runCARenew,
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every certificate in the registry",
	Args:  cobra.NoArgs,
	RunE:  runCAList,
}

func init() {
	caIssueCmd.Flags().String("kind", ca.KindClient, "certificate kind: client, server, proxy, or worker")
	caIssueCmd.Flags().Int("days", 365, "validity in days")
	caIssueCmd.Flags().String("name", "", "display name for the client row (client kind only)")
	caIssueCmd.Flags().String("domain", "", "domain for the client row (client kind only)")
	caIssueCmd.Flags().String("out", ".", "directory to write the certificate and key into")

	caRevokeCmd.Flags().String("reason", "unspecified", "revocation reason recorded in the registry")

	caRenewCmd.Flags().Int("days", 365, "validity in days")
	caRenewCmd.Flags().String("out", ".", "directory to write the certificate and key into")

	caCmd.AddCommand(caInitCmd, caIssueCmd, caRevokeCmd, caRenewCmd, caListCmd)
}

// openRegistry opens the store as the CA's certificate registry. CLI
// commands keep the store's own logging quiet and speak through stdout.
func openRegistry(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DatabaseURL, logging.Discard())
	if err != nil {
		return nil, dependencyErr(fmt.Errorf("open store: %w", err))
	}
	return st, nil
}

func runCAInit(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	st, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	authority, err := ca.Initialize(cmd.Context(), cfg.CADir, st)
	if err != nil {
		if errors.Is(err, ca.ErrAlreadyInitialized) {
			return opErr(fmt.Errorf("%w in %s", err, cfg.CADir))
		}
		return opErr(err)
	}

	fmt.Printf("initialized CA in %s\n", cfg.CADir)
	fmt.Printf("  root:  %s (expires %s)\n", authority.Cert().Subject.CommonName,
		authority.Cert().NotAfter.Format("2006-01-02"))
	fmt.Printf("  trust: %s\n", filepath.Join(cfg.CADir, "ca.pem"))
	fmt.Printf("  crl:   %s\n", authority.CRLPath())
	return nil
}

func runCAIssue(cmd *cobra.Command, args []string) error {
	cn := args[0]
	kind, _ := cmd.Flags().GetString("kind")
	days, _ := cmd.Flags().GetInt("days")
	name, _ := cmd.Flags().GetString("name")
	domain, _ := cmd.Flags().GetString("domain")
	out, _ := cmd.Flags().GetString("out")
	if days <= 0 {
		return opErr(fmt.Errorf("--days must be positive"))
	}
	validity := time.Duration(days) * 24 * time.Hour

	cfg := config.Load()
	st, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	authority, err := loadAuthority(cmd.Context(), cfg, st)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var issued *ca.Issued
	switch kind {
	case ca.KindClient:
		issued, err = authority.IssueClientCert(ctx, cn, validity)
	case ca.KindServer, ca.KindProxy, ca.KindWorker:
		issued, err = authority.IssueComponentCert(ctx, kind, cn, validity)
	default:
		return opErr(fmt.Errorf("unknown certificate kind %q", kind))
	}
	if err != nil {
		return opErr(err)
	}

	if kind == ca.KindClient {
		if err := linkClientRow(ctx, st, cn, name, domain, issued.Record.Serial); err != nil {
			return opErr(fmt.Errorf("link client row: %w", err))
		}
	}

	certPath, keyPath, err := ca.WriteIssued(out, issued)
	if err != nil {
		return opErr(err)
	}
	fmt.Printf("issued %s certificate %s (serial %s)\n", kind, cn, issued.Record.Serial)
	fmt.Printf("  cert: %s\n", certPath)
	fmt.Printf("  key:  %s\n", keyPath)
	fmt.Printf("  ca:   %s\n", filepath.Join(cfg.CADir, "ca.pem"))
	return nil
}

func runCARevoke(cmd *cobra.Command, args []string) error {
	serial := args[0]
	reason, _ := cmd.Flags().GetString("reason")

	cfg := config.Load()
	st, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	authority, err := loadAuthority(cmd.Context(), cfg, st)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rec, found, err := st.CertificateBySerial(ctx, serial)
	if err != nil {
		return opErr(err)
	}
	if !found {
		return opErr(fmt.Errorf("unknown serial %s", serial))
	}

	if err := authority.Revoke(ctx, serial, reason); err != nil {
		if errors.Is(err, ca.ErrAlreadyRevoked) {
			fmt.Printf("serial %s was already revoked\n", serial)
			return nil
		}
		return opErr(err)
	}

	if rec.Kind == ca.KindClient {
		if err := st.SetClientActive(ctx, rec.CommonName, false, serial); err != nil && !errors.Is(err, store.ErrNotFound) {
			return opErr(fmt.Errorf("deactivate client %s: %w", rec.CommonName, err))
		}
	}

	fmt.Printf("revoked %s (%s, %s)\n", serial, rec.CommonName, reason)
	return nil
}

func runCARenew(cmd *cobra.Command, args []string) error {
	serial := args[0]
	days, _ := cmd.Flags().GetInt("days")
	out, _ := cmd.Flags().GetString("out")
	if days <= 0 {
		return opErr(fmt.Errorf("--days must be positive"))
	}

	cfg := config.Load()
	st, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	authority, err := loadAuthority(cmd.Context(), cfg, st)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	issued, err := authority.Renew(ctx, serial, time.Duration(days)*24*time.Hour)
	if err != nil {
		return opErr(err)
	}

	// A renewed sender keeps its client row; point it at the new serial.
	if issued.Record.Kind == ca.KindClient {
		if err := st.SetClientActive(ctx, issued.Record.CommonName, true, issued.Record.Serial); err != nil && !errors.Is(err, store.ErrNotFound) {
			return opErr(fmt.Errorf("relink client %s: %w", issued.Record.CommonName, err))
		}
	}

	certPath, keyPath, err := ca.WriteIssued(out, issued)
	if err != nil {
		return opErr(err)
	}
	fmt.Printf("renewed %s as serial %s\n", serial, issued.Record.Serial)
	fmt.Printf("  cert: %s\n", certPath)
	fmt.Printf("  key:  %s\n", keyPath)
	return nil
}

func runCAList(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	st, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListCertificates(cmd.Context())
	if err != nil {
		return opErr(err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tCOMMON NAME\tKIND\tSTATUS\tEXPIRES")
	now := time.Now()
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.Serial, rec.CommonName, rec.Kind, certStatus(rec, now),
			rec.NotAfter.Format("2006-01-02"))
	}
	return tw.Flush()
}

func loadAuthority(ctx context.Context, cfg *config.Config, st *store.Store) (*ca.Authority, error) {
	authority, err := ca.Load(ctx, cfg.CADir, st)
	if err != nil {
		if errors.Is(err, ca.ErrNotInitialized) {
			return nil, opErr(fmt.Errorf("%w (run \"herald ca init\" first)", err))
		}
		return nil, opErr(err)
	}
	return authority, nil
}

// linkClientRow creates or reactivates the sender row for a fresh client
// certificate, mirroring what the operator API does on issuance.
func linkClientRow(ctx context.Context, st *store.Store, cn, name, domain, serial string) error {
	_, err := st.Client(ctx, cn)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if name == "" {
			name = cn
		}
		_, err = st.CreateClient(ctx, store.Client{
			ID:         cn,
			Name:       name,
			Domain:     domain,
			Active:     true,
			CertSerial: serial,
		})
		return err
	case err != nil:
		return err
	default:
		return st.SetClientActive(ctx, cn, true, serial)
	}
}

func certStatus(rec ca.Record, now time.Time) string {
	switch {
	case rec.Revoked:
		return "revoked"
	case now.After(rec.NotAfter):
		return "expired"
	default:
		return "active"
	}
}
