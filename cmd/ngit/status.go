package main

import (
	"fmt"
	"os"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	ngitconfig "github.com/nostr-ngit/ngit/config"
	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/fetchplan"
	"github.com/nostr-ngit/ngit/pkgs/cmdhelper"
	"github.com/nostr-ngit/ngit/relay"
	"github.com/nostr-ngit/ngit/reporef"
)

var statusRefresh bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local, nostr and mirror ref state side by side",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo()
		if err != nil {
			return err
		}
		settings := ngitconfig.NewRepoSettings(repo.Repository)

		identifier, author, err := settings.Coordinate()
		if err != nil {
			return err
		}
		if identifier == "" {
			return errors.New("this repo has not been announced; run `ngit init` first")
		}

		gitDirPath, err := os.Getwd()
		if err != nil {
			return err
		}
		store, err := eventcache.OpenDual(gitDirPath + "/.git")
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()

		if statusRefresh {
			relays, _ := settings.Relays()
			pool := relay.NewPool()
			defer pool.Disconnect()
			planner := fetchplan.New(pool, store)
			coord := eventmodel.Coordinate{Kind: eventmodel.KindRepoAnnouncement, Author: author, Identifier: identifier, Relays: relays}
			seeds := fetchplan.Seeds{RepoCoordinates: []eventmodel.Coordinate{coord}, FallbackRelays: relays}
			if last, err := settings.LastUpdate("HEAD"); err == nil && last > 0 {
				seeds.Since = pointer.ToInt64(last)
			}
			if _, err := planner.Run(ctx, seeds); err != nil {
				fmt.Fprintf(os.Stderr, "warning: refresh: %v\n", err)
			} else {
				_ = settings.SetLastUpdate("HEAD", time.Now().Unix())
			}
		}

		anns, err := store.Query(ctx, eventmodel.Filter{Kinds: []int{eventmodel.KindRepoAnnouncement}, Identifiers: []string{identifier}})
		if err != nil {
			return errors.Wrap(err, "query announcements")
		}
		localRefs, err := repo.LocalRefs()
		if err != nil {
			return errors.Wrap(err, "list local refs")
		}

		var maintainers []string
		var mirrors []string
		nostrRefs := map[string]string{}
		if len(anns) > 0 {
			ref, err := reporef.RepoRefFrom(anns)
			if err != nil {
				return errors.Wrap(err, "build repo ref")
			}
			maintainers = ref.Maintainers
			mirrors = ref.Mirrors

			states, err := store.Query(ctx, eventmodel.Filter{Kinds: []int{eventmodel.KindRepoState}, Identifiers: []string{identifier}, Authors: maintainers})
			if err != nil {
				return errors.Wrap(err, "query state events")
			}
			if st, err := reporef.RepoStateFrom(states); err == nil {
				nostrRefs = st.Refs
			}
		}

		names := map[string]bool{}
		for n := range localRefs {
			names[n] = true
		}
		for n := range nostrRefs {
			names[n] = true
		}

		var rows [][]string
		for name := range names {
			local := localRefs[name]
			if local == "" {
				local = "-"
			}
			remote := nostrRefs[name]
			if remote == "" {
				remote = "-"
			}
			status := "in sync"
			switch {
			case localRefs[name] == "":
				status = "nostr only"
			case nostrRefs[name] == "":
				status = "local only"
			case localRefs[name] != nostrRefs[name]:
				status = "diverged"
			}
			lastUpdate := ""
			if ts, err := settings.LastUpdate(name); err == nil && ts > 0 {
				lastUpdate = time.Unix(ts, 0).UTC().Format(time.RFC3339)
			}
			rows = append(rows, []string{name, short(local), short(remote), status, lastUpdate})
		}

		fmt.Fprintln(os.Stdout, cmdhelper.RenderTable([]string{"ref", "local", "nostr", "status", "last update"}, rows).String())

		if len(mirrors) > 0 {
			fmt.Fprintln(os.Stdout, "mirrors:")
			for _, m := range mirrors {
				fmt.Fprintf(os.Stdout, "  %s\n", m)
			}
		}
		return nil
	},
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", false, "Query relays before reporting status")
	rootCmd.AddCommand(statusCmd)
}
