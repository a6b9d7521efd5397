package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nostr-ngit/ngit/config"
	"github.com/nostr-ngit/ngit/keystore"
	"github.com/nostr-ngit/ngit/pkgs/bech32"
)

// npubFor renders a hex public key as its npub bech32 form for
// display; failures fall back to the raw hex so a malformed key never
// blocks output.
func npubFor(pubkeyHex string) string {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return pubkeyHex
	}
	npub, err := bech32.ConvertAndEncode("npub", raw)
	if err != nil {
		return pubkeyHex
	}
	return npub
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the nostr identities this machine knows about",
}

var keyNewPassphrase string
var keyNewName string

var keyNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new identity and make it active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := keysDir()
		if err != nil {
			return err
		}
		rec, pub, err := keystore.New(dir).Generate(keyNewPassphrase)
		if err != nil {
			return errors.Wrap(err, "generate identity")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.UpsertUser(config.NewUserRecord(pub, keyNewName, nil))
		cfg.ActivePublicKey = pub
		if err := config.Save(cfg); err != nil {
			return errors.Wrap(err, "save application config")
		}

		fmt.Fprintf(os.Stdout, "created identity %s (%s)\n", pub, npubFor(pub))
		if rec.Unprotected {
			fmt.Fprintln(os.Stderr, "warning: no passphrase set; secret key is protected with a default passphrase only")
		}
		return nil
	},
}

var keyImportSecretHex string
var keyImportPassphrase string

var keyImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an existing secret key and make it active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := keysDir()
		if err != nil {
			return err
		}
		_, pub, err := keystore.New(dir).Import(keyImportSecretHex, keyImportPassphrase)
		if err != nil {
			return errors.Wrap(err, "import identity")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.UpsertUser(config.NewUserRecord(pub, "", nil))
		cfg.ActivePublicKey = pub
		if err := config.Save(cfg); err != nil {
			return errors.Wrap(err, "save application config")
		}

		fmt.Fprintf(os.Stdout, "imported identity %s (%s)\n", pub, npubFor(pub))
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known identities, marking the active one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for pub, rec := range cfg.Users {
			marker := "  "
			if pub == cfg.ActivePublicKey {
				marker = "* "
			}
			fmt.Fprintf(os.Stdout, "%s%s %s %s\n", marker, pub, npubFor(pub), rec.Metadata.Name)
		}
		return nil
	},
}

func init() {
	keyNewCmd.Flags().StringVar(&keyNewPassphrase, "passphrase", "", "Passphrase to encrypt the new secret key with")
	keyNewCmd.Flags().StringVar(&keyNewName, "name", "", "Display name to attach to this identity's profile metadata")
	keyImportCmd.Flags().StringVar(&keyImportSecretHex, "secret", "", "Hex-encoded secret key to import")
	keyImportCmd.Flags().StringVar(&keyImportPassphrase, "passphrase", "", "Passphrase to encrypt the imported secret key with")
	keyImportCmd.MarkFlagRequired("secret")

	keyCmd.AddCommand(keyNewCmd)
	keyCmd.AddCommand(keyImportCmd)
	keyCmd.AddCommand(keyListCmd)
	rootCmd.AddCommand(keyCmd)
}
