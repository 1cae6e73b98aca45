package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/herald-mq/herald/internal/config"
	"github.com/herald-mq/herald/internal/seal"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [path]",
	Short: "Generate the message encryption key",
	Long: `Keygen writes a fresh 256-bit encryption key to ENCRYPTION_KEY_PATH
(or the given path) with owner-only permissions. It refuses to overwrite
an existing key: messages sealed under the old key would become
unreadable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeygen,
}

func runKeygen(_ *cobra.Command, args []string) error {
	path := config.Load().EncryptionKeyPath
	if len(args) == 1 {
		path = args[0]
	}
	if err := seal.GenerateKeyFile(path); err != nil {
		return opErr(err)
	}
	fmt.Printf("wrote encryption key to %s\n", path)
	return nil
}
