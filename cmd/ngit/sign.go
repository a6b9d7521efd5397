package main

import (
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const pemType = "NOSTR SIGNATURE"
const pemHeaderPubKey = "PubKey"

// runGitSign mocks the gpg signing interface git invokes its
// gpg.program with (`-bsau <keyid>`), substituting a nostr-schnorr
// signature for a PGP one.
func runGitSign(args []string) error {
	pubkey := args[3]

	var sgn interface {
		PublicKey() string
		SignRaw(payload []byte) ([]byte, error)
	}
	if pubkey != "" {
		s, err := signerForPubKey(pubkey)
		if err != nil {
			return errors.Wrap(err, "unlock signing key")
		}
		sgn = s
	} else {
		_, _, s, err := activeIdentity()
		if err != nil {
			return err
		}
		sgn = s
	}

	msg, err := ioutil.ReadAll(os.Stdin)
	if err != nil {
		return errors.Wrap(err, "read payload to sign")
	}

	sig, err := sgn.SignRaw(msg)
	if err != nil {
		return errors.Wrap(err, "sign payload")
	}

	block := &pem.Block{
		Type:    pemType,
		Bytes:   sig,
		Headers: map[string]string{pemHeaderPubKey: sgn.PublicKey()},
	}

	fmt.Fprintf(os.Stderr, "[GNUPG:] BEGIN_SIGNING\n")
	fmt.Fprintf(os.Stderr, "[GNUPG:] SIG_CREATED C\n")
	return pem.Encode(os.Stdout, block)
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign stdin with the active (or given) identity, PEM-encoded like git expects from gpg.program",
	Long: `sign does what git's commit/tag signing hook asks of a gpg.program: it
reads the payload from stdin and writes a PEM-encoded nostr-schnorr signature
to stdout, signing with <pubkey> when given and the active identity otherwise.
Git itself invokes "ngit --status-fd=2 -bsau <pubkey>" (via git config
gpg.program ngit; gpg.format x509), which ngit routes to the same code before
subcommand parsing; "ngit sign [<pubkey>]" is the form for typing by hand.`,
	Hidden: true,
	Args:   cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pubkey := ""
		if len(args) == 1 {
			pubkey = args[0]
		}
		return runGitSign([]string{"ngit", "--status-fd=2", "-bsau", pubkey})
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
}
