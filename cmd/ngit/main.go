// Command ngit is the operator-facing companion to git-remote-nostr:
// publishing a repo announcement, managing relay hints, inspecting ref
// state across the local repo/nostr/mirrors, and standing in for
// `gpg.program` so commits and tags can be signed with the same
// nostr-schnorr identity the remote helper pushes proposals under.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"

	"github.com/nostr-ngit/ngit/pkgs/cmdhelper"
)

var rootCmd = &cobra.Command{
	Use:   "ngit",
	Short: "Operate a git repository mirrored over a nostr relay network",
	Long: `ngit is the companion CLI to git-remote-nostr. It publishes repo
announcements, manages relay hints, reports ref status across the local
repo, the nostr network and any configured mirrors, and doubles as a
git gpg.program so commits and tags can carry a nostr-schnorr signature.`,
}

// isGitSignRequest matches the argument shape git's commit-signing
// hook invokes a gpg.program with for the openpgp format.
func isGitSignRequest(args []string) bool {
	return len(args) == 4 && args[1] == "--status-fd=2" && args[2] == "-bsau"
}

// isGitVerifyRequest matches the argument shape git's signature
// verification invokes a gpg.program with.
func isGitVerifyRequest(args []string) bool {
	return len(args) == 6 && funk.ContainsString(args, "--verify")
}

// Execute runs the root command, falling back to the gpg.program
// shims when git invokes this binary with its own argument
// conventions rather than one of ngit's own subcommands.
func Execute() {
	if isGitSignRequest(os.Args) {
		if err := runGitSign(os.Args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if isGitVerifyRequest(os.Args) {
		if err := runGitVerify(os.Args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func init() {
	rootCmd.PersistentFlags().String("passphrase", "", "Passphrase protecting the active identity's secret key")
	viper.BindPFlag("passphrase", rootCmd.PersistentFlags().Lookup("passphrase"))

	help := cmdhelper.NewCmdHelper(rootCmd)
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != rootCmd {
			defaultHelpFunc(cmd, args)
			return
		}
		fmt.Fprintln(os.Stdout, strings.TrimRight(help.Render().String(), "\n"))
	})
}
