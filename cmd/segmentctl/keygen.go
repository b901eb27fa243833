package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kenneth/tiered-segment-store/internal/crypto"
)

// Key file names written by keygen.
const (
	rsaPublicKeyFile   = "public.pem"
	rsaPrivateKeyFile  = "private.pem"
	ageIdentityFile    = "age-identity.txt"
	ageRecipientFile   = "age-recipient.txt"
	privateKeyFileMode = 0o600
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate key material for data key wrapping",
	}
	cmd.AddCommand(newKeygenRSACmd(), newKeygenAgeCmd())
	return cmd
}

func newKeygenRSACmd() *cobra.Command {
	var (
		bits   int
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "rsa",
		Short: "Generate an RSA key pair for RSA-OAEP wrapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			publicPEM, privatePEM, err := crypto.GenerateRSAKeyPair(bits)
			if err != nil {
				return err
			}
			if err := writeKeyFiles(outDir, map[string][]byte{
				rsaPublicKeyFile:  publicPEM,
				rsaPrivateKeyFile: privatePEM,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s to %s\n", rsaPublicKeyFile, rsaPrivateKeyFile, outDir)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 3072, "RSA key size in bits")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Directory for the key files")
	return cmd
}

func newKeygenAgeCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "age",
		Short: "Generate an age X25519 identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, recipient, err := crypto.GenerateAgeIdentity()
			if err != nil {
				return err
			}
			if err := writeKeyFiles(outDir, map[string][]byte{
				ageIdentityFile:  []byte(fmt.Sprintf("# public key: %s\n%s\n", recipient, identity)),
				ageRecipientFile: []byte(recipient + "\n"),
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", recipient)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Directory for the key files")
	return cmd
}

// writeKeyFiles refuses to overwrite existing key files.
func writeKeyFiles(dir string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for name := range files {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return fmt.Errorf("%s already exists", filepath.Join(dir, name))
		}
	}
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, privateKeyFileMode); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}
