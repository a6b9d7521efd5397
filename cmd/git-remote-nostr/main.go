// Command git-remote-nostr is the remote-helper binary Git execs as
// `git-remote-nostr <remote> <url>` whenever a remote or its URL uses
// the `nostr://` scheme. It speaks the remote-helper line protocol
// over stdin/stdout (package helper) and keeps everything else —
// event cache, relay pool, mirror transport, signing identity — wired
// up the way the companion `ngit` CLI expects to find it on disk.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/config"
	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/gitmirror"
	"github.com/nostr-ngit/ngit/helper"
	"github.com/nostr-ngit/ngit/keystore"
	"github.com/nostr-ngit/ngit/nostrurl"
	"github.com/nostr-ngit/ngit/pkgs/logger"
	"github.com/nostr-ngit/ngit/relay"
	"github.com/nostr-ngit/ngit/signer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "git-remote-nostr:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: git-remote-nostr <remote> <url>")
	}
	remote, rawURL := args[0], args[1]

	purl, err := nostrurl.ParsePseudoURL(rawURL)
	if err != nil {
		return err
	}

	gitDir := os.Getenv("GIT_DIR")
	if gitDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "resolve working directory")
		}
		gitDir = filepath.Join(wd, ".git")
	}
	worktree := filepath.Dir(gitDir)

	repo, err := gitmirror.Open(worktree)
	if err != nil {
		return err
	}

	store, err := eventcache.OpenDual(gitDir)
	if err != nil {
		return err
	}
	defer store.Close()

	pool := relay.NewPool()
	defer pool.Disconnect()

	policy := nostrurl.NewPolicy(repo.Repository)
	policy.ForceSSH(purl.User != "")

	sgn, err := activeSigner()
	if err != nil {
		return err
	}

	log := logger.New(filepath.Join(gitDir, "nostr-logs"))

	h := helper.New(remote, purl, repo, store, pool, sgn, policy, log.Module("helper"))
	return h.Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr)
}

// activeSigner unlocks the identity `ngit init`/`ngit key new` left
// active in the shared application config. A helper invocation never
// prompts on a TTY of its own — NGIT_PASSPHRASE carries the passphrase
// for protected keys, matching how Git itself forwards credentials to
// remote helpers through the environment rather than stdin.
func activeSigner() (signer.Gateway, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	active, ok := cfg.Active()
	if !ok {
		return nil, errors.New("no active nostr identity; run `ngit key new` first")
	}

	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	keysDir := filepath.Join(dir, "keys")
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return nil, errors.Wrap(err, "create keystore directory")
	}

	ks := keystore.New(keysDir)
	sgn, err := ks.Unlock(active.PublicKey, os.Getenv("NGIT_PASSPHRASE"))
	if err != nil {
		return nil, errors.Wrap(err, "unlock signing key")
	}
	return sgn, nil
}
