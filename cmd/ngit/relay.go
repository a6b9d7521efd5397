package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	ngitconfig "github.com/nostr-ngit/ngit/config"
	"github.com/nostr-ngit/ngit/nostrurl"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Manage the relay hint list recorded for this repo",
}

var relayAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Record a relay URL hint for this repo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := nostrurl.ValidateMirrorURL(args[0]); err != nil {
			return err
		}
		repo, err := openRepo()
		if err != nil {
			return err
		}
		return ngitconfig.NewRepoSettings(repo.Repository).AddRelay(args[0])
	},
}

var relayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the relay URL hints recorded for this repo",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo()
		if err != nil {
			return err
		}
		relays, err := ngitconfig.NewRepoSettings(repo.Repository).Relays()
		if err != nil {
			return err
		}
		for _, r := range relays {
			fmt.Fprintln(os.Stdout, r)
		}
		return nil
	},
}

func init() {
	relayCmd.AddCommand(relayAddCmd)
	relayCmd.AddCommand(relayListCmd)
	rootCmd.AddCommand(relayCmd)
}
