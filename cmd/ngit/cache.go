package main

import (
	"fmt"
	"os"

	"github.com/ncodes/go-prettyjson"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/eventmodel"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local event cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Pretty-print one cached event by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gitDirPath, err := os.Getwd()
		if err != nil {
			return err
		}
		store, err := eventcache.OpenDual(gitDirPath + "/.git")
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.Query(cmd.Context(), eventmodel.Filter{IDs: []string{args[0]}})
		if err != nil {
			return errors.Wrap(err, "query cache")
		}
		if len(events) == 0 {
			return errors.Errorf("no cached event with id %s", args[0])
		}

		out, err := prettyjson.Marshal(events[0])
		if err != nil {
			return errors.Wrap(err, "render event as json")
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheShowCmd)
	rootCmd.AddCommand(cacheCmd)
}
