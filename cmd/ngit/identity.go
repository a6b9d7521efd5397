package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nostr-ngit/ngit/config"
	"github.com/nostr-ngit/ngit/gitmirror"
	"github.com/nostr-ngit/ngit/keystore"
	"github.com/nostr-ngit/ngit/signer"
)

// keysDir resolves the shared application keystore directory,
// creating it on first use.
func keysDir() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "keys")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.Wrap(err, "create keystore directory")
	}
	return dir, nil
}

// activeIdentity loads the application config and unlocks the active
// user's signing key. The passphrase comes from NGIT_PASSPHRASE,
// matching the remote helper's own lookup so the two binaries agree
// on where a protected key's passphrase comes from.
func activeIdentity() (*config.AppConfig, config.UserRecord, *signer.InlineSigner, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.UserRecord{}, nil, err
	}
	active, ok := cfg.Active()
	if !ok {
		return nil, config.UserRecord{}, nil, errors.New("no active nostr identity; run `ngit key new` first")
	}
	dir, err := keysDir()
	if err != nil {
		return nil, config.UserRecord{}, nil, err
	}
	ks := keystore.New(dir)
	sgn, err := ks.Unlock(active.PublicKey, os.Getenv("NGIT_PASSPHRASE"))
	if err != nil {
		return nil, config.UserRecord{}, nil, errors.Wrap(err, "unlock signing key")
	}
	return cfg, active, sgn, nil
}

// signerForPubKey unlocks a specific identity by public key, the shape
// `ngit sign`/`ngit verify` need since git passes a keyid on its own
// invocation line rather than relying on whichever identity is active.
func signerForPubKey(pubkey string) (*signer.InlineSigner, error) {
	dir, err := keysDir()
	if err != nil {
		return nil, err
	}
	ks := keystore.New(dir)
	return ks.Unlock(pubkey, os.Getenv("NGIT_PASSPHRASE"))
}

// openRepo opens the git repository in the current working directory.
func openRepo() (*gitmirror.Repo, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "resolve working directory")
	}
	return gitmirror.Open(wd)
}
