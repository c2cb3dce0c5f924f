package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sealedlog/internal/envelope"
	"sealedlog/internal/security"
)

var keygenFlags struct {
	scheme string
	out    string
	name   string
	force  bool
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a recipient key pair",
	Long: `Generate the key pair session keys are sealed to.

The public key goes on every recording machine (crypto.public_key_path).
The private key opens session logs and should never leave the reviewer.

Files:
  NAME.pub  PEM public key  (0644)
  NAME.key  PEM private key (0600)

Examples:
  sealedlog keygen --out ./keys
  sealedlog keygen --scheme rsa --name reviewer`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVar(&keygenFlags.scheme, "scheme", "x25519", "key scheme: x25519 or rsa")
	keygenCmd.Flags().StringVarP(&keygenFlags.out, "out", "o", ".", "output directory")
	keygenCmd.Flags().StringVar(&keygenFlags.name, "name", "recipient", "base name for the key files")
	keygenCmd.Flags().BoolVar(&keygenFlags.force, "force", false, "overwrite existing key files")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pubPath := filepath.Join(keygenFlags.out, keygenFlags.name+".pub")
	keyPath := filepath.Join(keygenFlags.out, keygenFlags.name+".key")

	if !keygenFlags.force {
		for _, p := range []string{pubPath, keyPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			}
		}
	}

	kp, err := envelope.GenerateKeyPair(keygenFlags.scheme, nil)
	if err != nil {
		return err
	}

	if err := security.WriteSecretFile(keyPath, kp.PrivatePEM); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := security.WriteSecureFile(pubPath, kp.PublicPEM, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scheme:      %s\n", kp.Scheme)
	fmt.Fprintf(out, "Public key:  %s\n", pubPath)
	fmt.Fprintf(out, "Private key: %s\n", keyPath)
	return nil
}
