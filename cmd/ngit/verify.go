package main

import (
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nostr-ngit/ngit/signer"
)

// runGitVerify mocks the gpg verification interface git invokes its
// gpg.program with (`--verify <sigfile> -`), reading the signer's
// public key from a PEM header rather than a PGP key id.
func runGitVerify(args []string) error {
	sigPath := args[len(args)-2]

	raw, err := ioutil.ReadFile(sigPath)
	if err != nil {
		fmt.Fprintf(os.Stdout, "[GNUPG:] BADSIG 0\n")
		return errors.Wrap(err, "read signature file")
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemType {
		fmt.Fprintf(os.Stdout, "[GNUPG:] BADSIG 0\n")
		return errors.New("malformed signature: expected PEM-encoded nostr signature")
	}

	pubkey := block.Headers[pemHeaderPubKey]
	if pubkey == "" {
		fmt.Fprintf(os.Stdout, "[GNUPG:] BADSIG 0\n")
		return errors.New("signature missing PubKey header")
	}

	msg, err := ioutil.ReadAll(os.Stdin)
	if err != nil {
		return errors.Wrap(err, "read payload to verify")
	}

	if err := signer.VerifyRaw(pubkey, msg, block.Bytes); err != nil {
		fmt.Fprintf(os.Stdout, "[GNUPG:] BADSIG 0\n")
		return errors.Wrap(err, "signature is not valid")
	}

	fmt.Fprintf(os.Stdout, "[GNUPG:] NEWSIG\n")
	fmt.Fprintf(os.Stdout, "[GNUPG:] GOODSIG 0\n")
	fmt.Fprintf(os.Stdout, "[GNUPG:] TRUST_FULLY 0 shell\n")
	fmt.Fprintf(os.Stderr, "sig: signature is ok\n")
	fmt.Fprintf(os.Stderr, "sig: signed by %s\n", pubkey)
	return nil
}

var verifyCmd = &cobra.Command{
	Use:    "verify <sigfile>",
	Short:  "Verify a PEM-encoded nostr-schnorr signature over stdin, git gpg.program style",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGitVerify([]string{"ngit", "--status-fd=2", "--verify", args[0], "-"})
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
