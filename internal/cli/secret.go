package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/humanify/server/internal/crypt"
)

var secretRotate bool

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.Flags().BoolVar(&secretRotate, "rotate", false, "Replace an existing secret (invalidates issued tokens)")
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Create the server secret file",
	Long:  "Generates the secret that seals challenge and clearance tokens, unless one exists.\nWith --rotate the existing secret is replaced.",
	RunE:  runSecret,
}

func runSecret(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Secret.Value != "" {
		fmt.Fprintln(os.Stderr, "secret is set from config or environment, no file is used")
		return nil
	}
	path := cfg.Secret.Path
	if secretRotate {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove old secret: %w", err)
		}
	}
	if _, err := crypt.LoadOrCreateSecret(path); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, path)
	return nil
}
