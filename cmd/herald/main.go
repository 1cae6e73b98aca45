// Command herald is the broker's single binary: the three long-running
// components (store, ingress, worker) plus the offline operator commands
// that manage the CA, operator accounts, and encryption keys.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes. Cobra's own errors (unknown command, bad flag) fall through
// to the usage code.
const (
	exitConfig     = 1
	exitDependency = 2
	exitUsage      = 64
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

// configErr marks a configuration validation failure.
func configErr(err error) error { return exitError{code: exitConfig, err: err} }

// dependencyErr marks a startup dependency failure (store, queue, key
// material, listeners).
func dependencyErr(err error) error { return exitError{code: exitDependency, err: err} }

// opErr marks an operational failure in a one-shot command.
func opErr(err error) error { return exitError{code: exitConfig, err: err} }

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "herald:", err)
	var ee exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(exitUsage)
}

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald - secure message ingestion and delivery broker",
	Long: `Herald accepts messages from mutually-authenticated senders, stores
them encrypted in a SQLite store of record, and delivers them through a
Redis-backed queue with fixed-interval retries.

Every component and sender authenticates with certificates from the
broker's private CA; run "herald ca init" once before anything else.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Herald version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveStoreCmd)
	rootCmd.AddCommand(serveIngressCmd)
	rootCmd.AddCommand(serveWorkerCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(keygenCmd)
}
