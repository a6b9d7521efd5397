package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	ngitconfig "github.com/nostr-ngit/ngit/config"
	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/nostrurl"
	"github.com/nostr-ngit/ngit/relay"
	"github.com/nostr-ngit/ngit/reporef"
)

var initIdentifier string
var initName string
var initRelays []string
var initMirrors []string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Publish a repo announcement for the working copy, putting it on the network",
	Long: `init signs and publishes a Repo Announcement event (kind 30617) for the
current working copy: its identifier, root commit, and the relay/mirror
hints collaborators need to find it. It then prints the "nostr://" pseudo-URL
a collaborator adds as a git remote.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo()
		if err != nil {
			return err
		}
		settings := ngitconfig.NewRepoSettings(repo.Repository)

		_, _, sgn, err := activeIdentity()
		if err != nil {
			return err
		}

		head, err := repo.Head()
		if err != nil {
			return errors.Wrap(err, "resolve HEAD")
		}
		rootCommit := head.Hash().String()
		if c, err := repo.CommitObjectByHex(rootCommit); err == nil {
			for c.NumParents() > 0 {
				parent, err := c.Parent(0)
				if err != nil {
					break
				}
				c = parent
			}
			rootCommit = c.Hash.String()
		}

		identifier := initIdentifier
		if identifier == "" {
			wd, _ := os.Getwd()
			identifier = filepath.Base(wd)
		}

		relays := initRelays
		if len(relays) == 0 {
			relays, _ = settings.Relays()
		}

		createdAt := time.Now().Unix()
		ev, err := reporef.BuildAnnouncement(cmd.Context(), identifier, initName, rootCommit, initMirrors, relays, nil, createdAt, sgn)
		if err != nil {
			return errors.Wrap(err, "build announcement")
		}

		gitDir := filepath.Join(repo.Path, ".git")
		store, err := eventcache.OpenDual(gitDir)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Put(cmd.Context(), ev); err != nil {
			return errors.Wrap(err, "cache announcement")
		}

		if len(relays) > 0 {
			pool := relay.NewPool()
			defer pool.Disconnect()
			results := pool.PublishAll(context.Background(), relays, ev)
			for url, perr := range results {
				if perr != nil {
					fmt.Fprintf(os.Stderr, "warning: publish to %s: %v\n", url, perr)
				}
			}
		}

		if err := settings.SetCoordinate(identifier, ev.PubKey); err != nil {
			return errors.Wrap(err, "record coordinate")
		}
		for _, r := range relays {
			_ = settings.AddRelay(r)
		}

		addr, err := nostrurl.Encode("", ev.Coordinate())
		if err != nil {
			return errors.Wrap(err, "encode pseudo-URL")
		}
		fmt.Fprintln(os.Stdout, addr)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initIdentifier, "identifier", "", "Repo identifier (defaults to the working directory name)")
	initCmd.Flags().StringVar(&initName, "name", "", "Human-readable repo name")
	initCmd.Flags().StringSliceVar(&initRelays, "relay", nil, "Relay URL hint (repeatable)")
	initCmd.Flags().StringSliceVar(&initMirrors, "mirror", nil, "Mirror git URL (repeatable)")
	rootCmd.AddCommand(initCmd)
}
